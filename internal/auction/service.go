package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/souqly/auctiond/internal/domain"
)

// ServiceConfig holds the tunable parameters for bid admission.
type ServiceConfig struct {
	Extend ExtendPolicy
	// DefaultMinIncrement is applied when a registered listing carries no
	// explicit minimum bid increment.
	DefaultMinIncrement decimal.Decimal
	// RecentBids is how many ledger entries a state snapshot carries.
	RecentBids int
	// LockTTL bounds how long one admission may hold a listing's lock.
	LockTTL time.Duration
	// BidRateLimit / BidRateWindow throttle bids per bidder.
	BidRateLimit  int
	BidRateWindow time.Duration
}

// Service is the bid admission controller. Every state transition on a
// listing goes through one of its commit paths: admission runs under the
// listing's distributed lock, and the version compare-and-set inside the
// store transaction is the final arbiter against anything that raced past
// the lock.
type Service struct {
	listings domain.ListingStore
	bids     domain.BidStore
	cache    domain.StateCache
	locks    domain.LockManager
	limiter  domain.RateLimiter
	bus      domain.SignalBus
	audit    domain.AuditStore
	cfg      ServiceConfig
	logger   *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewService creates a Service with all required dependencies.
func NewService(
	listings domain.ListingStore,
	bids domain.BidStore,
	cache domain.StateCache,
	locks domain.LockManager,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	audit domain.AuditStore,
	cfg ServiceConfig,
	logger *slog.Logger,
) *Service {
	if cfg.RecentBids <= 0 {
		cfg.RecentBids = 10
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	return &Service{
		listings: listings,
		bids:     bids,
		cache:    cache,
		locks:    locks,
		limiter:  limiter,
		bus:      bus,
		audit:    audit,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterListing records or refreshes the auction projection of a listing
// from the listing collaborator. Refreshes only apply while no bid has been
// committed; once the engine owns live pricing state the projection is
// immutable from outside.
func (s *Service) RegisterListing(ctx context.Context, l domain.Listing) error {
	if !l.IsAuction {
		return domain.ErrNotAuction
	}
	if l.StartingPrice.IsNegative() {
		return domain.ErrInvalidAmount
	}
	if l.BuyNowPrice != nil && l.BuyNowPrice.LessThanOrEqual(l.StartingPrice) {
		return fmt.Errorf("auction: register %s: buy-now price must exceed starting price: %w", l.ID, domain.ErrInvalidAmount)
	}
	if l.MinBidIncrement.IsZero() {
		l.MinBidIncrement = s.cfg.DefaultMinIncrement
	}
	l.Status = domain.StatusOpen
	l.CurrentBid = l.StartingPrice

	if err := s.listings.Upsert(ctx, l); err != nil {
		return fmt.Errorf("auction: register %s: %w", l.ID, err)
	}
	s.invalidate(ctx, l.ID)
	return nil
}

// PlaceBid admits one bid. On success the returned BidResult carries the
// authoritative post-commit price and deadline. Admission failures come back
// as domain sentinels (or a BidTooLowError carrying the current minimum) so
// the transport layer can map them without string matching.
func (s *Service) PlaceBid(ctx context.Context, listingID, bidderID string, amount decimal.Decimal) (domain.BidResult, error) {
	if listingID == "" || bidderID == "" {
		return domain.BidResult{}, fmt.Errorf("auction: place bid: missing listing or bidder id: %w", domain.ErrInvalidAmount)
	}

	if s.cfg.BidRateLimit > 0 {
		ok, err := s.limiter.Allow(ctx, "bid:"+bidderID, s.cfg.BidRateLimit, s.cfg.BidRateWindow)
		if err != nil {
			s.logger.WarnContext(ctx, "auction: rate limiter unavailable, admitting",
				slog.String("bidder_id", bidderID), slog.Any("error", err))
		} else if !ok {
			return domain.BidResult{}, domain.ErrRateLimited
		}
	}

	unlock, err := s.acquireLock(ctx, listingID)
	if err != nil {
		return domain.BidResult{}, err
	}
	defer unlock()

	// The lock serializes admissions on this listing. If something raced
	// past it anyway, the version compare-and-set fails and the conflict is
	// surfaced to the caller; retrying is the client's decision.
	result, err := s.admitBid(ctx, listingID, bidderID, amount)
	if err != nil {
		return domain.BidResult{}, err
	}

	s.invalidate(ctx, listingID)
	s.publishEvent(ctx, domain.AuctionEvent{
		Type:       eventTypeForBid(result.Extended),
		ListingID:  listingID,
		BidderID:   bidderID,
		Amount:     result.CurrentBid,
		BidCount:   result.BidCount,
		EndTime:    result.EndTime,
		Status:     domain.StatusOpen,
		OccurredAt: s.now(),
	})
	s.auditLog(ctx, "bid_accepted", map[string]any{
		"listing_id": listingID,
		"bidder_id":  bidderID,
		"bid_id":     result.BidID,
		"amount":     result.CurrentBid.String(),
		"extended":   result.Extended,
	})
	return result, nil
}

func eventTypeForBid(extended bool) string {
	if extended {
		return "auction_extended"
	}
	return "bid_accepted"
}

// admitBid evaluates one bid against the listing's current state and commits
// it. It must run with the listing's lock held. The preconditions run in a
// fixed order (open, not the owner, amount valid, amount clears the minimum)
// so callers always see the earliest failure.
func (s *Service) admitBid(ctx context.Context, listingID, bidderID string, amount decimal.Decimal) (domain.BidResult, error) {
	listing, err := s.listings.GetByID(ctx, listingID)
	if err != nil {
		return domain.BidResult{}, err
	}
	now := s.now()

	if !listing.IsAuction {
		return domain.BidResult{}, domain.ErrNotAuction
	}
	if !listing.Open(now) {
		return domain.BidResult{}, domain.ErrAuctionClosed
	}
	if listing.OwnerID == bidderID {
		return domain.BidResult{}, domain.ErrSelfBid
	}
	if !amount.IsPositive() {
		return domain.BidResult{}, domain.ErrInvalidAmount
	}
	if minBid := listing.MinAcceptableBid(); amount.LessThan(minBid) {
		return domain.BidResult{}, domain.BidTooLowError{Minimum: minBid}
	}

	newEnd, extended := s.cfg.Extend.Apply(now, listing.AuctionEndTime)

	bid := domain.Bid{
		ID:         uuid.New().String(),
		ListingID:  listingID,
		BidderID:   bidderID,
		Amount:     amount,
		AcceptedAt: now,
	}
	commit := domain.BidCommit{
		Bid:             bid,
		ExpectedVersion: listing.Version,
		NewEndTime:      newEnd,
	}
	if err := s.listings.CommitBid(ctx, commit); err != nil {
		return domain.BidResult{}, err
	}

	return domain.BidResult{
		BidID:      bid.ID,
		CurrentBid: amount,
		BidCount:   listing.BidCount + 1,
		EndTime:    newEnd,
		Extended:   extended,
	}, nil
}

// BuyNow closes a listing immediately at its buy-now price. The settlement
// hand-off row is written in the same transaction as the close.
func (s *Service) BuyNow(ctx context.Context, listingID, actorID string) (domain.BuyNowResult, error) {
	if listingID == "" || actorID == "" {
		return domain.BuyNowResult{}, fmt.Errorf("auction: buy now: missing listing or actor id: %w", domain.ErrInvalidAmount)
	}

	unlock, err := s.acquireLock(ctx, listingID)
	if err != nil {
		return domain.BuyNowResult{}, err
	}
	defer unlock()

	listing, err := s.listings.GetByID(ctx, listingID)
	if err != nil {
		return domain.BuyNowResult{}, err
	}
	now := s.now()

	if !listing.IsAuction {
		return domain.BuyNowResult{}, domain.ErrNotAuction
	}
	if !listing.Open(now) {
		return domain.BuyNowResult{}, domain.ErrAuctionClosed
	}
	if listing.BuyNowPrice == nil {
		return domain.BuyNowResult{}, domain.ErrNoBuyNowPrice
	}
	if listing.OwnerID == actorID {
		return domain.BuyNowResult{}, domain.ErrSelfBid
	}

	// The sale freezes the deadline at the commit time; the stored end time
	// only ever moves earlier here, never later.
	endTime := listing.AuctionEndTime
	if now.Before(endTime) {
		endTime = now
	}

	price := *listing.BuyNowPrice
	commit := domain.BuyNowCommit{
		ListingID:       listingID,
		ExpectedVersion: listing.Version,
		Settlement: domain.Settlement{
			ListingID:     listingID,
			WinnerID:      actorID,
			Amount:        price,
			Reason:        domain.ReasonBuyNow,
			CreatedAt:     now,
			NextAttemptAt: now,
		},
		At: now,
	}
	if err := s.listings.CommitBuyNow(ctx, commit); err != nil {
		return domain.BuyNowResult{}, err
	}

	s.invalidate(ctx, listingID)
	s.publishEvent(ctx, domain.AuctionEvent{
		Type:       "buy_now",
		ListingID:  listingID,
		BidderID:   actorID,
		Amount:     price,
		BidCount:   listing.BidCount,
		EndTime:    endTime,
		Status:     domain.StatusClosedSold,
		OccurredAt: now,
	})
	s.auditLog(ctx, "buy_now", map[string]any{
		"listing_id": listingID,
		"winner_id":  actorID,
		"amount":     price.String(),
	})

	return domain.BuyNowResult{
		ListingID:     listingID,
		SettledAmount: price,
		WinnerID:      actorID,
	}, nil
}

// GetState returns the read-model snapshot for one listing, serving from the
// short-TTL cache when possible. A closed auction's snapshot is still
// servable; the winner field tells the client how it ended.
func (s *Service) GetState(ctx context.Context, listingID string) (domain.AuctionState, error) {
	if state, err := s.cache.Get(ctx, listingID); err == nil {
		return state, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "auction: state cache read failed",
			slog.String("listing_id", listingID), slog.Any("error", err))
	}

	listing, err := s.listings.GetByID(ctx, listingID)
	if err != nil {
		return domain.AuctionState{}, err
	}
	recent, err := s.bids.ListRecent(ctx, listingID, s.cfg.RecentBids)
	if err != nil {
		return domain.AuctionState{}, fmt.Errorf("auction: state %s: %w", listingID, err)
	}

	state := domain.AuctionState{
		ListingID:  listing.ID,
		CurrentBid: listing.CurrentBid,
		BidCount:   listing.BidCount,
		EndTime:    listing.AuctionEndTime,
		Status:     listing.Status,
		WinnerID:   listing.WinnerID,
		RecentBids: recent,
	}
	if err := s.cache.Set(ctx, state); err != nil {
		s.logger.WarnContext(ctx, "auction: state cache write failed",
			slog.String("listing_id", listingID), slog.Any("error", err))
	}
	return state, nil
}

// ListBidderBids returns a bidder's ledger entries, newest first.
func (s *Service) ListBidderBids(ctx context.Context, bidderID string, opts domain.ListOpts) ([]domain.Bid, error) {
	return s.bids.ListByBidder(ctx, bidderID, opts)
}

// acquireLock takes the listing's lock, retrying briefly when another commit
// holds it. Callers that cannot get it within the retry budget see
// ErrConflict, which the transport maps to a retryable response.
func (s *Service) acquireLock(ctx context.Context, listingID string) (func(), error) {
	const (
		maxAttempts = 5
		retryDelay  = 20 * time.Millisecond
	)
	for attempt := 0; ; attempt++ {
		unlock, err := s.locks.Acquire(ctx, "listing:"+listingID, s.cfg.LockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("auction: lock %s: %w", listingID, err)
		}
		if attempt >= maxAttempts-1 {
			return nil, domain.ErrConflict
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

func (s *Service) invalidate(ctx context.Context, listingID string) {
	if err := s.cache.Invalidate(ctx, listingID); err != nil {
		s.logger.WarnContext(ctx, "auction: state cache invalidate failed",
			slog.String("listing_id", listingID), slog.Any("error", err))
	}
}

func (s *Service) publishEvent(ctx context.Context, ev domain.AuctionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "auction: marshal event", slog.Any("error", err))
		return
	}
	if err := s.bus.Publish(ctx, domain.EventChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "auction: publish event",
			slog.String("type", ev.Type), slog.Any("error", err))
	}
	if err := s.bus.StreamAppend(ctx, domain.EventStream, payload); err != nil {
		s.logger.WarnContext(ctx, "auction: append event stream",
			slog.String("type", ev.Type), slog.Any("error", err))
	}
}

func (s *Service) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "auction: audit log",
			slog.String("event", event), slog.Any("error", err))
	}
}
