package bus

import (
	"context"
	"fmt"
	"time"
)

// Message is one dequeued queue entry. Body is the UTF-8 JSON envelope;
// the broker-level id is distinct from the envelope's message_id.
type Message struct {
	ID       string
	Body     []byte
	Delivery int64
}

// Handler processes one message. A nil return acknowledges the message;
// an error dead-letters it. The bus never redelivers to a live consumer
// (max_delivery_count = 1) — retries are the handler's own concern.
type Handler func(ctx context.Context, msg *Message) error

type Queue interface {
	Send(ctx context.Context, body []byte) error
	// Consume blocks until ctx is cancelled, dispatching each message to h
	// in its own goroutine, at most MaxConcurrent in flight.
	Consume(ctx context.Context, h Handler) error
}

type Config struct {
	Stream   string
	Group    string
	Consumer string

	// LockDuration is the visibility lock granted per dequeue (L). The
	// consumer renews it while the handler runs, up to AutoRenewMax (R).
	// A message idle past LockDuration without renewal is considered
	// abandoned and is dead-lettered on reclaim.
	LockDuration time.Duration
	AutoRenewMax time.Duration

	MaxDeliveryCount int
	MaxConcurrent    int

	// BlockInterval bounds each blocking read so shutdown stays prompt.
	BlockInterval time.Duration
}

// Validate enforces the config harmonization invariant: L must not exceed
// R, and the bus performs no redeliveries of its own.
func (c Config) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("bus: queue name required")
	}
	if c.LockDuration <= 0 {
		return fmt.Errorf("bus: lock_duration must be positive")
	}
	if c.AutoRenewMax < c.LockDuration {
		return fmt.Errorf("bus: auto_renew_max (%s) must be >= lock_duration (%s)", c.AutoRenewMax, c.LockDuration)
	}
	if c.MaxDeliveryCount != 1 {
		return fmt.Errorf("bus: max_delivery_count must be 1, got %d", c.MaxDeliveryCount)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("bus: max_concurrent must be >= 1")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = "workers"
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-1"
	}
	if c.BlockInterval <= 0 {
		c.BlockInterval = 2 * time.Second
	}
	return c
}
