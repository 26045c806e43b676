// Package amqpchan provides a sizedpool.Handler that pools RabbitMQ
// channels.
//
// AMQP channels have no byte-capacity concept, so this adapter treats
// the channel's configured QoS prefetch count as an opaque capacity
// unit: a "capacity 32" channel is one whose consumers are allowed 32
// unacknowledged deliveries, not a 32-byte buffer. It demonstrates that
// the pool's Handler contract is not byte-buffer-specific.
package amqpchan

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel wraps an *amqp.Channel together with the prefetch count it
// was opened with, since amqp091-go does not expose that back from
// the channel itself.
type Channel struct {
	ch        *amqp.Channel
	prefetch  int
	destroyed bool
}

// AMQP returns the underlying channel for use by the caller.
func (c *Channel) AMQP() *amqp.Channel { return c.ch }

// Handler pools *Channel resources bucketed by prefetch count.
type Handler struct {
	conn *amqp.Connection
}

// New constructs an amqpchan.Handler bound to an already-established
// connection; the connection's lifecycle is the caller's
// responsibility.
func New(conn *amqp.Connection) *Handler {
	return &Handler{conn: conn}
}

// Create opens a channel and sets its QoS prefetch count to capacity.
func (h *Handler) Create(capacity uint64) (*Channel, error) {
	ch, err := h.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqpchan: opening channel: %w", err)
	}
	prefetch := int(capacity)
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqpchan: setting QoS prefetch %d: %w", prefetch, err)
	}
	return &Channel{ch: ch, prefetch: prefetch}, nil
}

// Destroy closes the channel.
func (h *Handler) Destroy(c *Channel) {
	if c.destroyed {
		return
	}
	_ = c.ch.Close()
	c.destroyed = true
}

// CapacityOf returns the channel's configured prefetch count.
func (h *Handler) CapacityOf(c *Channel) uint64 {
	return uint64(c.prefetch)
}

// Setup is a no-op: a channel's QoS is fixed at creation and does not
// need to change per acquire.
func (h *Handler) Setup(c *Channel, size uint64, afterCreate bool) {}

// Cleanup is a no-op: amqp091-go gives a channel no way to enumerate
// its own active consumers, so canceling them before re-pooling is the
// caller's responsibility, not this adapter's.
func (h *Handler) Cleanup(c *Channel, beforeDestroy bool) {}
