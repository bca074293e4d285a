package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/geoforge/rasterflow/internal/platform/logger"
)

// redisQueue is a durable queue on a Redis stream with one consumer group.
// Visibility locking maps onto pending-entry idle time: an entry claimed by
// a consumer stays invisible while the consumer keeps resetting its idle
// clock (XCLAIM), and becomes reclaimable once idle exceeds LockDuration.
type redisQueue struct {
	log *logger.Logger
	rdb *goredis.Client
	cfg Config
	sem *semaphore.Weighted
}

func NewRedisQueue(log *logger.Logger, rdb *goredis.Client, cfg Config) (Queue, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s/%s: %w", cfg.Stream, cfg.Group, err)
	}

	return &redisQueue{
		log: log.With("service", "RedisQueue", "queue", cfg.Stream),
		rdb: rdb,
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}, nil
}

func (q *redisQueue) dlqStream() string { return q.cfg.Stream + ":dlq" }

func (q *redisQueue) Send(ctx context.Context, body []byte) error {
	return q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]interface{}{"body": body},
	}).Err()
}

func (q *redisQueue) Consume(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler required")
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		q.reclaimAbandoned(ctx)

		if err := q.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		res, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    1,
			Block:    q.cfg.BlockInterval,
		}).Result()
		if err != nil {
			q.sem.Release(1)
			if errors.Is(err, goredis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			q.log.Warn("read failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		dispatched := false
		for _, stream := range res {
			for _, entry := range stream.Messages {
				dispatched = true
				go q.handleOne(ctx, entry, h)
			}
		}
		if !dispatched {
			q.sem.Release(1)
		}
	}
}

func (q *redisQueue) handleOne(ctx context.Context, entry goredis.XMessage, h Handler) {
	defer q.sem.Release(1)

	body := entryBody(entry)
	msg := &Message{ID: entry.ID, Body: body, Delivery: 1}

	// The handler gets at most AutoRenewMax; past that the lock cannot be
	// renewed and the entry would be reclaimed as abandoned.
	hctx, cancel := context.WithTimeout(ctx, q.cfg.AutoRenewMax)
	defer cancel()

	stopRenew := q.startRenewal(hctx, entry.ID)
	err := h(hctx, msg)
	stopRenew()

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ackCancel()

	if err != nil {
		q.deadLetter(ackCtx, entry.ID, body, err.Error())
		return
	}
	if ackErr := q.rdb.XAck(ackCtx, q.cfg.Stream, q.cfg.Group, entry.ID).Err(); ackErr != nil {
		q.log.Error("ack failed", "entry_id", entry.ID, "error", ackErr)
	}
}

// startRenewal resets the pending-entry idle clock every LockDuration/2 so
// the message stays locked to this consumer for the handler's lifetime.
func (q *redisQueue) startRenewal(ctx context.Context, entryID string) func() {
	interval := q.cfg.LockDuration / 2
	if interval <= 0 {
		interval = q.cfg.LockDuration
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				err := q.rdb.XClaimJustID(ctx, &goredis.XClaimArgs{
					Stream:   q.cfg.Stream,
					Group:    q.cfg.Group,
					Consumer: q.cfg.Consumer,
					MinIdle:  0,
					Messages: []string{entryID},
				}).Err()
				if err != nil && !errors.Is(err, goredis.Nil) && ctx.Err() == nil {
					q.log.Warn("lock renewal failed", "entry_id", entryID, "error", err)
				}
			}
		}
	}()
	var once func()
	closed := false
	once = func() {
		if !closed {
			closed = true
			close(done)
		}
	}
	return once
}

// reclaimAbandoned dead-letters entries whose lock expired without an ack.
// With max_delivery_count = 1 a second delivery is never attempted; an
// expired lock means a handler overran AutoRenewMax or its worker died,
// which is a contract failure worth an operational alert.
func (q *redisQueue) reclaimAbandoned(ctx context.Context) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.LockDuration,
		Start:    "0-0",
		Count:    16,
	}).Result()
	if err != nil {
		if !errors.Is(err, goredis.Nil) && ctx.Err() == nil {
			q.log.Warn("reclaim scan failed", "error", err)
		}
		return
	}
	for _, entry := range msgs {
		q.log.Error("message lock expired without completion", "entry_id", entry.ID)
		q.deadLetter(ctx, entry.ID, entryBody(entry), "LOCK_EXPIRED")
	}
}

func (q *redisQueue) deadLetter(ctx context.Context, entryID string, body []byte, reason string) {
	err := q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.dlqStream(),
		Values: map[string]interface{}{
			"body":      body,
			"reason":    reason,
			"origin_id": entryID,
		},
	}).Err()
	if err != nil {
		q.log.Error("dead-letter write failed", "entry_id", entryID, "error", err)
		return
	}
	if err := q.rdb.XAck(ctx, q.cfg.Stream, q.cfg.Group, entryID).Err(); err != nil {
		q.log.Error("dead-letter ack failed", "entry_id", entryID, "error", err)
	}
	q.log.Warn("message dead-lettered", "entry_id", entryID, "reason", reason)
}

func entryBody(entry goredis.XMessage) []byte {
	raw, ok := entry.Values["body"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return []byte(fmt.Sprint(v))
	}
}
