package auction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souqly/auctiond/internal/domain"
)

type closerFixture struct {
	store  *memStore
	cache  *memCache
	locks  *memLocks
	bus    *memBus
	audit  *memAudit
	closer *Closer
	now    time.Time
}

func newCloserFixture(t *testing.T) *closerFixture {
	t.Helper()
	f := &closerFixture{
		store: newMemStore(),
		cache: newMemCache(),
		locks: newMemLocks(),
		bus:   &memBus{},
		audit: &memAudit{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.closer = NewCloser(
		f.store,
		memBidStore{f.store},
		f.cache,
		f.locks,
		f.bus,
		f.audit,
		time.Second,
		100,
		time.Second,
		testLogger(),
	)
	f.closer.now = func() time.Time { return f.now }
	return f
}

func (f *closerFixture) seed(t *testing.T, id string, endsIn time.Duration, bids ...domain.Bid) {
	t.Helper()
	l := domain.Listing{
		ID:              id,
		OwnerID:         "seller",
		IsAuction:       true,
		StartingPrice:   dec("1000"),
		MinBidIncrement: dec("10"),
		CurrentBid:      dec("1000"),
		AuctionEndTime:  f.now.Add(endsIn),
		Status:          domain.StatusOpen,
	}
	require.NoError(t, f.store.Upsert(context.Background(), l))
	for _, b := range bids {
		b.ListingID = id
		l = f.store.listings[id]
		require.NoError(t, f.store.CommitBid(context.Background(), domain.BidCommit{
			Bid:             b,
			ExpectedVersion: l.Version,
			NewEndTime:      l.AuctionEndTime,
		}))
	}
}

func TestSweepClosesSoldWithSettlement(t *testing.T) {
	f := newCloserFixture(t)
	f.seed(t, "L1", -time.Minute,
		domain.Bid{ID: "b1", BidderID: "alice", Amount: dec("1010"), AcceptedAt: f.now.Add(-time.Hour)},
		domain.Bid{ID: "b2", BidderID: "bob", Amount: dec("1050"), AcceptedAt: f.now.Add(-30 * time.Minute)},
	)

	n, err := f.closer.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	l := f.store.listings["L1"]
	assert.Equal(t, domain.StatusClosedSold, l.Status)
	require.NotNil(t, l.WinnerID)
	assert.Equal(t, "bob", *l.WinnerID)

	settlement, ok := f.store.settlements["L1"]
	require.True(t, ok)
	assert.Equal(t, "bob", settlement.WinnerID)
	assert.True(t, settlement.Amount.Equal(dec("1050")))
	assert.Equal(t, domain.ReasonAuctionWon, settlement.Reason)

	assert.Len(t, f.bus.published, 1)
	assert.Equal(t, 1, f.cache.invalidations)
}

func TestSweepClosesUnsoldWithoutSettlement(t *testing.T) {
	f := newCloserFixture(t)
	f.seed(t, "L1", -time.Minute)

	n, err := f.closer.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	l := f.store.listings["L1"]
	assert.Equal(t, domain.StatusClosedUnsold, l.Status)
	assert.Nil(t, l.WinnerID)
	_, ok := f.store.settlements["L1"]
	assert.False(t, ok, "unsold auctions must not produce a settlement")
}

func TestSweepSkipsStillOpen(t *testing.T) {
	f := newCloserFixture(t)
	f.seed(t, "L1", time.Hour)

	n, err := f.closer.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, domain.StatusOpen, f.store.listings["L1"].Status)
}

func TestSweepSkipsExtendedUnderLock(t *testing.T) {
	f := newCloserFixture(t)
	f.seed(t, "L1", -time.Second)

	// Simulate an anti-snipe extension landing between the expired scan and
	// the re-read under the lock.
	orig := f.closer.now
	reads := 0
	f.closer.now = func() time.Time {
		reads++
		if reads > 1 {
			// By the time closeOne re-checks, pretend the deadline moved.
			l := f.store.listings["L1"]
			l.AuctionEndTime = orig().Add(time.Hour)
			f.store.listings["L1"] = l
		}
		return orig()
	}

	n, err := f.closer.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, domain.StatusOpen, f.store.listings["L1"].Status)
}

func TestSweepSkipsLockedListing(t *testing.T) {
	f := newCloserFixture(t)
	f.seed(t, "L1", -time.Minute)

	release, err := f.locks.Acquire(context.Background(), "listing:L1", time.Second)
	require.NoError(t, err)
	defer release()

	n, err := f.closer.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, domain.StatusOpen, f.store.listings["L1"].Status)
}

func TestSweepIdempotent(t *testing.T) {
	f := newCloserFixture(t)
	f.seed(t, "L1", -time.Minute,
		domain.Bid{ID: "b1", BidderID: "alice", Amount: dec("1010"), AcceptedAt: f.now.Add(-time.Hour)},
	)

	n, err := f.closer.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	versionAfter := f.store.listings["L1"].Version

	n, err = f.closer.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, versionAfter, f.store.listings["L1"].Version)
	assert.Len(t, f.bus.published, 1)
}
