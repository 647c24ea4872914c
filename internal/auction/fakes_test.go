package auction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/souqly/auctiond/internal/domain"
)

// memStore is an in-memory ListingStore + BidStore with the same
// compare-and-set semantics as the Postgres implementation.
type memStore struct {
	mu          sync.Mutex
	listings    map[string]domain.Listing
	bids        []domain.Bid
	settlements map[string]domain.Settlement
	commitErr   error

	// beforeCommit runs inside each commit right before the version check,
	// letting a test interleave a competing write between read and commit.
	beforeCommit func()
}

func (m *memStore) runBeforeCommit() {
	if m.beforeCommit != nil {
		hook := m.beforeCommit
		m.beforeCommit = nil
		hook()
	}
}

func newMemStore() *memStore {
	return &memStore{
		listings:    make(map[string]domain.Listing),
		settlements: make(map[string]domain.Settlement),
	}
}

func (m *memStore) Upsert(_ context.Context, l domain.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.listings[l.ID]; ok {
		if existing.Version != 0 || existing.Status != domain.StatusOpen {
			return nil
		}
	}
	m.listings[l.ID] = l
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	return l, nil
}

func (m *memStore) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Listing
	for _, l := range m.listings {
		if l.Status == domain.StatusOpen && !now.Before(l.AuctionEndTime) {
			out = append(out, l)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) CommitBid(_ context.Context, c domain.BidCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.runBeforeCommit()
	l, ok := m.listings[c.Bid.ListingID]
	if !ok {
		return domain.ErrNotFound
	}
	if l.Version != c.ExpectedVersion || l.Status != domain.StatusOpen {
		return domain.ErrConflict
	}
	l.CurrentBid = c.Bid.Amount
	l.BidCount++
	l.AuctionEndTime = c.NewEndTime
	l.Version++
	l.UpdatedAt = c.Bid.AcceptedAt
	m.listings[l.ID] = l
	m.bids = append(m.bids, c.Bid)
	return nil
}

func (m *memStore) CommitBuyNow(_ context.Context, c domain.BuyNowCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.runBeforeCommit()
	l, ok := m.listings[c.ListingID]
	if !ok {
		return domain.ErrNotFound
	}
	if l.Version != c.ExpectedVersion || l.Status != domain.StatusOpen {
		return domain.ErrConflict
	}
	winner := c.Settlement.WinnerID
	l.CurrentBid = c.Settlement.Amount
	l.WinnerID = &winner
	l.Status = domain.StatusClosedSold
	if c.At.Before(l.AuctionEndTime) {
		l.AuctionEndTime = c.At
	}
	l.Version++
	l.UpdatedAt = c.At
	m.listings[l.ID] = l
	if _, exists := m.settlements[c.ListingID]; !exists {
		m.settlements[c.ListingID] = c.Settlement
	}
	return nil
}

func (m *memStore) CommitClose(_ context.Context, c domain.CloseCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.runBeforeCommit()
	l, ok := m.listings[c.ListingID]
	if !ok {
		return domain.ErrNotFound
	}
	if l.Version != c.ExpectedVersion || l.Status != domain.StatusOpen {
		return domain.ErrConflict
	}
	l.Status = c.Status
	l.WinnerID = c.WinnerID
	l.Version++
	l.UpdatedAt = c.At
	m.listings[l.ID] = l
	if c.Settlement != nil {
		if _, exists := m.settlements[c.ListingID]; !exists {
			m.settlements[c.ListingID] = *c.Settlement
		}
	}
	return nil
}

func (m *memStore) GetBidByID(id string) (domain.Bid, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bids {
		if b.ID == id {
			return b, true
		}
	}
	return domain.Bid{}, false
}

func (m *memStore) listingBids(listingID string) []domain.Bid {
	var out []domain.Bid
	for _, b := range m.bids {
		if b.ListingID == listingID {
			out = append(out, b)
		}
	}
	return out
}

func (m *memStore) GetBid(_ context.Context, id string) (domain.Bid, error) {
	b, ok := m.GetBidByID(id)
	if !ok {
		return domain.Bid{}, domain.ErrNotFound
	}
	return b, nil
}

func (m *memStore) ListRecent(_ context.Context, listingID string, limit int) ([]domain.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.listingBids(listingID)
	sort.Slice(out, func(i, j int) bool { return out[i].Amount.GreaterThan(out[j].Amount) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Highest(_ context.Context, listingID string) (domain.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.listingBids(listingID)
	if len(all) == 0 {
		return domain.Bid{}, domain.ErrNotFound
	}
	best := all[0]
	for _, b := range all[1:] {
		if b.Amount.GreaterThan(best.Amount) {
			best = b
		}
	}
	return best, nil
}

func (m *memStore) ListByBidder(_ context.Context, bidderID string, opts domain.ListOpts) ([]domain.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Bid
	for _, b := range m.bids {
		if b.BidderID == bidderID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) ListClosedBefore(_ context.Context, before time.Time) ([]domain.Bid, error) {
	return nil, nil
}

// memBidStore adapts memStore to the BidStore interface name mismatch on
// GetByID (ListingStore already claims that method on memStore).
type memBidStore struct{ *memStore }

func (m memBidStore) GetByID(ctx context.Context, id string) (domain.Bid, error) {
	return m.GetBid(ctx, id)
}

// memCache is an in-memory StateCache that counts invalidations.
type memCache struct {
	mu            sync.Mutex
	states        map[string]domain.AuctionState
	invalidations int
}

func newMemCache() *memCache {
	return &memCache{states: make(map[string]domain.AuctionState)}
}

func (m *memCache) Set(_ context.Context, state domain.AuctionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ListingID] = state
	return nil
}

func (m *memCache) Get(_ context.Context, listingID string) (domain.AuctionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[listingID]
	if !ok {
		return domain.AuctionState{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memCache) Invalidate(_ context.Context, listingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, listingID)
	m.invalidations++
	return nil
}

// memLocks is an in-memory LockManager. Setting held pins a key as taken.
type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks { return &memLocks{held: make(map[string]bool)} }

func (m *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
	}, nil
}

// memLimiter is an in-memory RateLimiter with a fixed verdict.
type memLimiter struct {
	allow bool
	calls int
}

func (m *memLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	m.calls++
	return m.allow, nil
}

func (m *memLimiter) Wait(context.Context, string) error { return nil }

// memBus collects published payloads.
type memBus struct {
	mu        sync.Mutex
	published [][]byte
	streamed  [][]byte
}

func (m *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, payload)
	return nil
}

func (m *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (m *memBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamed = append(m.streamed, payload)
	return nil
}

func (m *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

// memAudit collects audit entries.
type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, domain.AuditEntry{Event: event, Detail: detail, CreatedAt: time.Now()})
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEntry(nil), m.entries...), nil
}
