package auction

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souqly/auctiond/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	store   *memStore
	cache   *memCache
	locks   *memLocks
	limiter *memLimiter
	bus     *memBus
	audit   *memAudit
	svc     *Service
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemStore(),
		cache:   newMemCache(),
		locks:   newMemLocks(),
		limiter: &memLimiter{allow: true},
		bus:     &memBus{},
		audit:   &memAudit{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(
		f.store,
		memBidStore{f.store},
		f.cache,
		f.locks,
		f.limiter,
		f.bus,
		f.audit,
		ServiceConfig{
			Extend:              ExtendPolicy{Window: 5 * time.Minute, Amount: 5 * time.Minute},
			DefaultMinIncrement: dec("1"),
			RecentBids:          10,
			LockTTL:             time.Second,
			BidRateLimit:        10,
			BidRateWindow:       time.Second,
		},
		testLogger(),
	)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) seedListing(t *testing.T, id string, endsIn time.Duration) domain.Listing {
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
	return l
}

func TestPlaceBidAcceptsMinimum(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "L1", time.Hour)

	res, err := f.svc.PlaceBid(context.Background(), "L1", "alice", dec("1010"))
	require.NoError(t, err)

	assert.True(t, res.CurrentBid.Equal(dec("1010")))
	assert.EqualValues(t, 1, res.BidCount)
	assert.False(t, res.Extended)
	assert.NotEmpty(t, res.BidID)

	l, err := f.store.GetByID(context.Background(), "L1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, l.Version)
	assert.True(t, l.CurrentBid.Equal(dec("1010")))
}

func TestPlaceBidBelowMinimum(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "L1", time.Hour)

	_, err := f.svc.PlaceBid(context.Background(), "L1", "alice", dec("1009.99"))
	var tooLow domain.BidTooLowError
	require.ErrorAs(t, err, &tooLow)
	assert.True(t, tooLow.Minimum.Equal(dec("1010")), "minimum should be starting price plus increment, got %s", tooLow.Minimum)

	// After a first bid the minimum moves with the current bid.
	_, err = f.svc.PlaceBid(context.Background(), "L1", "alice", dec("1010"))
	require.NoError(t, err)

	_, err = f.svc.PlaceBid(context.Background(), "L1", "bob", dec("1015"))
	require.ErrorAs(t, err, &tooLow)
	assert.True(t, tooLow.Minimum.Equal(dec("1020")))
}

func TestPlaceBidVersionConflictSurfaces(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "L1", time.Hour)

	// A competing commit lands between the admission read and our commit;
	// the version check must reject us and the conflict must reach the
	// caller untouched, with nothing written or published.
	f.store.beforeCommit = func() {
		l := f.store.listings["L1"]
		l.CurrentBid = dec("1010")
		l.BidCount++
		l.Version++
		f.store.listings["L1"] = l
	}

	_, err := f.svc.PlaceBid(context.Background(), "L1", "alice", dec("1010"))
	assert.ErrorIs(t, err, domain.ErrConflict)

	l, err := f.store.GetByID(context.Background(), "L1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, l.BidCount, "only the competing commit may land")
	assert.Empty(t, f.bus.published, "a rejected bid must not publish")
	entries, _ := f.audit.List(context.Background(), domain.ListOpts{})
	assert.Empty(t, entries)
}

func TestBuyNowVersionConflictSurfaces(t *testing.T) {
	f := newFixture(t)
	l := f.seedListing(t, "L1", time.Hour)
	price := dec("5000")
	l.BuyNowPrice = &price
	f.store.listings["L1"] = l

	f.store.beforeCommit = func() {
		raced := f.store.listings["L1"]
		raced.Version++
		f.store.listings["L1"] = raced
	}

	_, err := f.svc.BuyNow(context.Background(), "L1", "alice")
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, ok := f.store.settlements["L1"]
	assert.False(t, ok, "a rejected buy-now must not write a settlement")
}

func TestPlaceBidSelfBid(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "L1", time.Hour)

	_, err := f.svc.PlaceBid(context.Background(), "L1", "seller", dec("1010"))
	assert.ErrorIs(t, err, domain.ErrSelfBid)
}

func TestPlaceBidSelfOutbidAllowed(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "L1", time.Hour)

	_, err := f.svc.PlaceBid(context.Background(), "L1", "alice", dec("1010"))
	require.NoError(t, err)

	res, err := f.svc.PlaceBid(context.Background(), "L1", "alice", dec("1020"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.BidCount)
}

func TestPlaceBidClosedAuction(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "L1", -time.Minute)

	_, err := f.svc.PlaceBid(context.Background(), "L1", "alice", dec("1010"))
	assert.ErrorIs(t, err, domain.ErrAuctionClosed)
}

func TestPlaceBidPreconditionOrder(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "expired", -time.Minute)
	f.seedListing(t, "open", time.Hour)

	// The open check runs first: even the owner of an expired listing is
	// told the auction closed, not that self-bidding is barred.
	_, err := f.svc.PlaceBid(context.Background(), "expired", "seller", dec("1010"))
	assert.ErrorIs(t, err, domain.ErrAuctionClosed)

	// Likewise a garbage amount on a closed auction.
	_, err = f.svc.PlaceBid(context.Background(), "expired", "alice", dec("0"))
	assert.ErrorIs(t, err, domain.ErrAuctionClosed)

	// On an open listing the owner check beats amount validity.
	_, err = f.svc.PlaceBid(context.Background(), "open", "seller", dec("0"))
	assert.ErrorIs(t, err, domain.ErrSelfBid)

	_, err = f.svc.PlaceBid(context.Background(), "open", "alice", dec("-5"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestPlaceBidUnknownListing(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PlaceBid(context.Background(), "missing", "alice", dec("1010"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlaceBidRateLimited(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "L1", time.Hour)
	f.limiter.allow = false

	_, err := f.svc.PlaceBid(context.Background(), "L1", "alice", dec("1010"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestPlaceBidExtendsNearDeadline(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "L1", 3*time.Minute)

	res, err := f.svc.PlaceBid(context.Background(), "L1", "alice", dec("1010"))
	require.NoError(t, err)

	assert.True(t, res.Extended)
	assert.Equal(t, f.now.Add(5*time.Minute), res.EndTime)

	l, err := f.store.GetByID(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(5*time.Minute), l.AuctionEndTime)
}

func TestPlaceBidDeadlineNeverMovesBack(t *testing.T) {
	f := newFixture(t)
	l := f.seedListing(t, "L1", 4*time.Minute)
	before := l.AuctionEndTime

	res, err := f.svc.PlaceBid(context.Background(), "L1", "alice", dec("1010"))
	require.NoError(t, err)
	require.True(t, res.Extended)
	first := res.EndTime
	assert.False(t, first.Before(before))

	// A later bid inside the window keeps pushing forward, never back.
	f.now = f.now.Add(2 * time.Minute)
	res, err = f.svc.PlaceBid(context.Background(), "L1", "bob", dec("1020"))
	require.NoError(t, err)
	assert.False(t, res.EndTime.Before(first))
}

func TestPlaceBidLedgerStrictlyIncreasing(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "L1", time.Hour)

	amounts := []string{"1010", "1025", "1025.01", "1100"}
	prev := decimal.Zero
	for i, a := range amounts {
		want := dec(a)
		if i == 2 {
			// 1025.01 is below 1025 + 10; it must be rejected.
			_, err := f.svc.PlaceBid(context.Background(), "L1", "bob", want)
			var tooLow domain.BidTooLowError
			require.ErrorAs(t, err, &tooLow)
			continue
		}
		res, err := f.svc.PlaceBid(context.Background(), "L1", "bob", want)
		require.NoError(t, err)
		assert.True(t, res.CurrentBid.GreaterThan(prev))
		prev = res.CurrentBid
	}

	recent, err := f.store.ListRecent(context.Background(), "L1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	for i := 1; i < len(recent); i++ {
		assert.True(t, recent[i-1].Amount.GreaterThan(recent[i].Amount))
	}
}

func TestPlaceBidInvalidatesCacheAndPublishes(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "L1", time.Hour)

	_, err := f.svc.GetState(context.Background(), "L1")
	require.NoError(t, err)

	_, err = f.svc.PlaceBid(context.Background(), "L1", "alice", dec("1010"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.cache.invalidations)
	assert.Len(t, f.bus.published, 1)
	assert.Len(t, f.bus.streamed, 1)
	entries, _ := f.audit.List(context.Background(), domain.ListOpts{})
	require.Len(t, entries, 1)
	assert.Equal(t, "bid_accepted", entries[0].Event)

	state, err := f.svc.GetState(context.Background(), "L1")
	require.NoError(t, err)
	assert.True(t, state.CurrentBid.Equal(dec("1010")))
}

func TestPlaceBidLockHeldMapsToConflict(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "L1", time.Hour)

	release, err := f.locks.Acquire(context.Background(), "listing:L1", time.Second)
	require.NoError(t, err)
	defer release()

	_, err = f.svc.PlaceBid(context.Background(), "L1", "alice", dec("1010"))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestBuyNow(t *testing.T) {
	f := newFixture(t)
	l := f.seedListing(t, "L1", time.Hour)
	price := dec("5000")
	l.BuyNowPrice = &price
	f.store.listings["L1"] = l

	res, err := f.svc.BuyNow(context.Background(), "L1", "alice")
	require.NoError(t, err)
	assert.True(t, res.SettledAmount.Equal(price))
	assert.Equal(t, "alice", res.WinnerID)

	got, err := f.store.GetByID(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosedSold, got.Status)
	require.NotNil(t, got.WinnerID)
	assert.Equal(t, "alice", *got.WinnerID)

	settlement, ok := f.store.settlements["L1"]
	require.True(t, ok, "buy-now must write the settlement hand-off row")
	assert.Equal(t, domain.ReasonBuyNow, settlement.Reason)
	assert.True(t, settlement.Amount.Equal(price))

	// Any further commit attempt loses.
	_, err = f.svc.PlaceBid(context.Background(), "L1", "bob", dec("1010"))
	assert.ErrorIs(t, err, domain.ErrAuctionClosed)
	_, err = f.svc.BuyNow(context.Background(), "L1", "bob")
	assert.ErrorIs(t, err, domain.ErrAuctionClosed)
}

func TestBuyNowFreezesDeadline(t *testing.T) {
	f := newFixture(t)
	l := f.seedListing(t, "L1", time.Hour)
	price := dec("5000")
	l.BuyNowPrice = &price
	f.store.listings["L1"] = l

	_, err := f.svc.BuyNow(context.Background(), "L1", "alice")
	require.NoError(t, err)

	got, err := f.store.GetByID(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, f.now, got.AuctionEndTime, "the sale pins the deadline to the commit time")

	state, err := f.svc.GetState(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, f.now, state.EndTime, "a sold listing must not show a live countdown")
}

func TestBuyNowWithoutPrice(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "L1", time.Hour)

	_, err := f.svc.BuyNow(context.Background(), "L1", "alice")
	assert.ErrorIs(t, err, domain.ErrNoBuyNowPrice)

	// On an expired listing the closed state wins over the missing price.
	f.seedListing(t, "expired", -time.Minute)
	_, err = f.svc.BuyNow(context.Background(), "expired", "alice")
	assert.ErrorIs(t, err, domain.ErrAuctionClosed)
}

func TestBuyNowSelf(t *testing.T) {
	f := newFixture(t)
	l := f.seedListing(t, "L1", time.Hour)
	price := dec("5000")
	l.BuyNowPrice = &price
	f.store.listings["L1"] = l

	_, err := f.svc.BuyNow(context.Background(), "L1", "seller")
	assert.ErrorIs(t, err, domain.ErrSelfBid)
}

func TestGetStateCachesSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seedListing(t, "L1", time.Hour)

	state, err := f.svc.GetState(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, state.Status)
	assert.Empty(t, state.RecentBids)

	// Mutate the store behind the cache's back; the cached snapshot wins
	// until invalidated.
	l := f.store.listings["L1"]
	l.CurrentBid = dec("9999")
	f.store.listings["L1"] = l

	state, err = f.svc.GetState(context.Background(), "L1")
	require.NoError(t, err)
	assert.True(t, state.CurrentBid.Equal(dec("1000")))

	require.NoError(t, f.cache.Invalidate(context.Background(), "L1"))
	state, err = f.svc.GetState(context.Background(), "L1")
	require.NoError(t, err)
	assert.True(t, state.CurrentBid.Equal(dec("9999")))
}

func TestGetStateUnknownListing(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetState(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegisterListing(t *testing.T) {
	f := newFixture(t)

	err := f.svc.RegisterListing(context.Background(), domain.Listing{
		ID:             "L1",
		OwnerID:        "seller",
		IsAuction:      true,
		StartingPrice:  dec("100"),
		AuctionEndTime: f.now.Add(time.Hour),
	})
	require.NoError(t, err)

	l, err := f.store.GetByID(context.Background(), "L1")
	require.NoError(t, err)
	assert.True(t, l.MinBidIncrement.Equal(dec("1")), "default increment should apply")
	assert.True(t, l.CurrentBid.Equal(dec("100")))

	err = f.svc.RegisterListing(context.Background(), domain.Listing{ID: "L2", IsAuction: false})
	assert.ErrorIs(t, err, domain.ErrNotAuction)

	low := dec("50")
	err = f.svc.RegisterListing(context.Background(), domain.Listing{
		ID: "L3", OwnerID: "seller", IsAuction: true,
		StartingPrice: dec("100"), BuyNowPrice: &low,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}
