package domain

import (
	"context"
	"time"
)

// StateCache holds short-lived AuctionState snapshots so the ~3 second poll
// cadence per viewer never touches the database on the hot path. The cache
// is invalidated after every commit; a stale entry only ever lags, it is
// never treated as a source of truth by the engine.
type StateCache interface {
	Set(ctx context.Context, state AuctionState) error
	Get(ctx context.Context, listingID string) (AuctionState, error)
	Invalidate(ctx context.Context, listingID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides the per-listing critical section. Operations on
// different listings never contend for the same lock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for auction events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
