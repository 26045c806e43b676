package sizedpool

import (
	"fmt"
	"math"
)

// BucketSizer maps a requested size to a bucket index and a bucket
// index back to the canonical capacity of that bucket. Implementations
// must be pure, stateless and referentially transparent: for all s,
// IndexToCapacity(SizeToIndex(s)) >= s, and both functions are
// monotone non-decreasing.
type BucketSizer interface {
	// SizeToIndex maps a requested size to its bucket index.
	SizeToIndex(size uint64) (uint64, error)
	// IndexToCapacity maps a bucket index to its canonical capacity.
	IndexToCapacity(index uint64) (uint64, error)
}

type linearSizer struct {
	multiplier uint64
}

// Linear returns a BucketSizer with buckets of capacity m, 2m, 3m, ...
// m must be > 0.
func Linear(m uint64) (BucketSizer, error) {
	if m == 0 {
		return nil, fmt.Errorf("%w: linear multiplier must be > 0", ErrInvalidArgument)
	}
	return linearSizer{multiplier: m}, nil
}

func (s linearSizer) SizeToIndex(size uint64) (uint64, error) {
	// ceil(size / m)
	return (size + s.multiplier - 1) / s.multiplier, nil
}

func (s linearSizer) IndexToCapacity(index uint64) (uint64, error) {
	return index * s.multiplier, nil
}

type exponentialSizer struct {
	factor float64
}

// Exponential returns a BucketSizer whose bucket capacities grow as
// floor(f^i). f must be > 1.0. Bucket 0 has capacity 1; compose with
// WithMinCapacity to raise the floor.
func Exponential(f float64) (BucketSizer, error) {
	if !(f > 1.0) {
		return nil, fmt.Errorf("%w: exponential factor must be > 1.0", ErrInvalidArgument)
	}
	return exponentialSizer{factor: f}, nil
}

func (s exponentialSizer) SizeToIndex(size uint64) (uint64, error) {
	n := size
	if n < 1 {
		n = 1
	}
	idx := math.Ceil(math.Log(float64(n)) / math.Log(s.factor))
	if idx < 0 {
		idx = 0
	}
	return uint64(idx), nil
}

func (s exponentialSizer) IndexToCapacity(index uint64) (uint64, error) {
	return uint64(math.Floor(math.Pow(s.factor, float64(index)))), nil
}

type minCapacitySizer struct {
	base BucketSizer
	minC uint64
	k    uint64 // base.SizeToIndex(minC), the index origin shift
}

// WithMinCapacity decorates base so that bucket 0 has capacity >= c.
// c must be > 0.
func WithMinCapacity(base BucketSizer, c uint64) (BucketSizer, error) {
	if c == 0 {
		return nil, fmt.Errorf("%w: min capacity must be > 0", ErrInvalidArgument)
	}
	k, err := base.SizeToIndex(c)
	if err != nil {
		return nil, err
	}
	return minCapacitySizer{base: base, minC: c, k: k}, nil
}

func (s minCapacitySizer) SizeToIndex(size uint64) (uint64, error) {
	n := size
	if n < s.minC {
		n = s.minC
	}
	i, err := s.base.SizeToIndex(n)
	if err != nil {
		return 0, err
	}
	return i - s.k, nil
}

func (s minCapacitySizer) IndexToCapacity(index uint64) (uint64, error) {
	return s.base.IndexToCapacity(index + s.k)
}

type alignmentSizer struct {
	base      BucketSizer
	alignment uint64
}

// WithAlignment decorates base so IndexToCapacity rounds up to the next
// multiple of a. Indexing is unaffected. a must be > 0.
func WithAlignment(base BucketSizer, a uint64) (BucketSizer, error) {
	if a == 0 {
		return nil, fmt.Errorf("%w: alignment must be > 0", ErrInvalidArgument)
	}
	return alignmentSizer{base: base, alignment: a}, nil
}

func (s alignmentSizer) SizeToIndex(size uint64) (uint64, error) {
	return s.base.SizeToIndex(size)
}

func (s alignmentSizer) IndexToCapacity(index uint64) (uint64, error) {
	c, err := s.base.IndexToCapacity(index)
	if err != nil {
		return 0, err
	}
	if rem := c % s.alignment; rem != 0 {
		c += s.alignment - rem
	}
	return c, nil
}

// defaultBucketSizer picks a sensible out-of-the-box sizing strategy:
// exponential(f) where f = max(2, ceil(ln(poolableCapacity)/ln(steps)))
// with steps = 32 when poolableCapacity <= 1 MiB else 256, aligned to
// 64 bytes.
func defaultBucketSizer(poolableCapacity uint64) (BucketSizer, error) {
	steps := 256.0
	if poolableCapacity <= 1<<20 {
		steps = 32.0
	}
	pc := poolableCapacity
	if pc < 2 {
		pc = 2
	}
	f := math.Ceil(math.Log(float64(pc)) / math.Log(steps))
	if f < 2 {
		f = 2
	}
	base, err := Exponential(f)
	if err != nil {
		return nil, err
	}
	return WithAlignment(base, 64)
}
