package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/souqly/auctiond/internal/domain"
)

// StateCache implements domain.StateCache using JSON-serialized auction
// state snapshots with a short TTL. It absorbs the polling fan-out of active
// auction viewers; the engine invalidates the entry after every commit, and
// a stale entry at worst lags by the TTL.
//
// Key schema:
//
//	auction:state:{listingID} - string value containing JSON
type StateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStateCache creates a StateCache with the given snapshot TTL.
func NewStateCache(c *Client, ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &StateCache{rdb: c.Underlying(), ttl: ttl}
}

func stateKey(listingID string) string { return "auction:state:" + listingID }

// Set stores an auction state snapshot.
func (sc *StateCache) Set(ctx context.Context, state domain.AuctionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: marshal auction state %s: %w", state.ListingID, err)
	}

	if err := sc.rdb.Set(ctx, stateKey(state.ListingID), data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set auction state %s: %w", state.ListingID, err)
	}
	return nil
}

// Get retrieves a snapshot by listing ID. It returns domain.ErrNotFound when
// the entry is absent or expired.
func (sc *StateCache) Get(ctx context.Context, listingID string) (domain.AuctionState, error) {
	data, err := sc.rdb.Get(ctx, stateKey(listingID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.AuctionState{}, domain.ErrNotFound
		}
		return domain.AuctionState{}, fmt.Errorf("redis: get auction state %s: %w", listingID, err)
	}

	var state domain.AuctionState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.AuctionState{}, fmt.Errorf("redis: unmarshal auction state %s: %w", listingID, err)
	}
	return state, nil
}

// Invalidate removes a snapshot so the next read rebuilds it from the
// database.
func (sc *StateCache) Invalidate(ctx context.Context, listingID string) error {
	if err := sc.rdb.Del(ctx, stateKey(listingID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate auction state %s: %w", listingID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.StateCache = (*StateCache)(nil)
