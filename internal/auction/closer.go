package auction

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/souqly/auctiond/internal/domain"
)

// Closer is the background sweep that finalizes expired auctions. Expiry is
// decided only here, by wall clock against the committed deadline; reads
// never close an auction as a side effect.
type Closer struct {
	listings domain.ListingStore
	bids     domain.BidStore
	cache    domain.StateCache
	locks    domain.LockManager
	bus      domain.SignalBus
	audit    domain.AuditStore
	interval time.Duration
	batch    int
	lockTTL  time.Duration
	logger   *slog.Logger

	now func() time.Time
}

// NewCloser creates a Closer. interval is the sweep period; batch caps how
// many expired listings one sweep finalizes.
func NewCloser(
	listings domain.ListingStore,
	bids domain.BidStore,
	cache domain.StateCache,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	interval time.Duration,
	batch int,
	lockTTL time.Duration,
	logger *slog.Logger,
) *Closer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if lockTTL <= 0 {
		lockTTL = 5 * time.Second
	}
	return &Closer{
		listings: listings,
		bids:     bids,
		cache:    cache,
		locks:    locks,
		bus:      bus,
		audit:    audit,
		interval: interval,
		batch:    batch,
		lockTTL:  lockTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps until the context is cancelled.
func (c *Closer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.InfoContext(ctx, "closer: started", slog.Duration("interval", c.interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "closer: stopped")
			return
		case <-ticker.C:
			if n, err := c.Sweep(ctx); err != nil {
				c.logger.ErrorContext(ctx, "closer: sweep failed", slog.Any("error", err))
			} else if n > 0 {
				c.logger.InfoContext(ctx, "closer: sweep finalized auctions", slog.Int("count", n))
			}
		}
	}
}

// Sweep finalizes one batch of expired open auctions and returns how many it
// closed. Listings whose lock is held are left for the next sweep.
func (c *Closer) Sweep(ctx context.Context) (int, error) {
	expired, err := c.listings.ListExpired(ctx, c.now(), c.batch)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, l := range expired {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		switch err := c.closeOne(ctx, l.ID); {
		case err == nil:
			closed++
		case errors.Is(err, domain.ErrLockHeld), errors.Is(err, domain.ErrConflict):
			// A bid or another sweep got there first; the listing will be
			// re-evaluated next cycle if it is still expired.
		default:
			c.logger.ErrorContext(ctx, "closer: finalize failed",
				slog.String("listing_id", l.ID), slog.Any("error", err))
		}
	}
	return closed, nil
}

// closeOne finalizes a single listing. The listing is re-read under its lock
// because an anti-snipe extension may have moved the deadline after the
// expired scan.
func (c *Closer) closeOne(ctx context.Context, listingID string) error {
	unlock, err := c.locks.Acquire(ctx, "listing:"+listingID, c.lockTTL)
	if err != nil {
		return err
	}
	defer unlock()

	now := c.now()
	listing, err := c.listings.GetByID(ctx, listingID)
	if err != nil {
		return err
	}
	if listing.Status != domain.StatusOpen {
		return domain.ErrConflict
	}
	if now.Before(listing.AuctionEndTime) {
		// Extended since the scan; not expired after all.
		return domain.ErrConflict
	}

	commit := domain.CloseCommit{
		ListingID:       listingID,
		ExpectedVersion: listing.Version,
		Status:          domain.StatusClosedUnsold,
		At:              now,
	}

	var winnerID string
	if listing.BidCount > 0 {
		highest, err := c.bids.Highest(ctx, listingID)
		if err != nil {
			return err
		}
		winnerID = highest.BidderID
		commit.Status = domain.StatusClosedSold
		commit.WinnerID = &winnerID
		commit.Settlement = &domain.Settlement{
			ListingID:     listingID,
			WinnerID:      winnerID,
			Amount:        highest.Amount,
			Reason:        domain.ReasonAuctionWon,
			CreatedAt:     now,
			NextAttemptAt: now,
		}
	}

	if err := c.listings.CommitClose(ctx, commit); err != nil {
		return err
	}

	if err := c.cache.Invalidate(ctx, listingID); err != nil {
		c.logger.WarnContext(ctx, "closer: state cache invalidate failed",
			slog.String("listing_id", listingID), slog.Any("error", err))
	}
	c.publishClosed(ctx, listing, commit, now)
	c.auditClose(ctx, listingID, commit)
	return nil
}

func (c *Closer) publishClosed(ctx context.Context, listing domain.Listing, commit domain.CloseCommit, now time.Time) {
	ev := domain.AuctionEvent{
		Type:       "auction_closed",
		ListingID:  listing.ID,
		Amount:     listing.CurrentBid,
		BidCount:   listing.BidCount,
		EndTime:    listing.AuctionEndTime,
		Status:     commit.Status,
		OccurredAt: now,
	}
	if commit.WinnerID != nil {
		ev.BidderID = *commit.WinnerID
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		c.logger.ErrorContext(ctx, "closer: marshal event", slog.Any("error", err))
		return
	}
	if err := c.bus.Publish(ctx, domain.EventChannel, payload); err != nil {
		c.logger.WarnContext(ctx, "closer: publish event", slog.Any("error", err))
	}
	if err := c.bus.StreamAppend(ctx, domain.EventStream, payload); err != nil {
		c.logger.WarnContext(ctx, "closer: append event stream", slog.Any("error", err))
	}
}

func (c *Closer) auditClose(ctx context.Context, listingID string, commit domain.CloseCommit) {
	detail := map[string]any{
		"listing_id": listingID,
		"status":     string(commit.Status),
	}
	if commit.WinnerID != nil {
		detail["winner_id"] = *commit.WinnerID
	}
	if commit.Settlement != nil {
		detail["amount"] = commit.Settlement.Amount.String()
	}
	if err := c.audit.Log(ctx, "auction_closed", detail); err != nil {
		c.logger.WarnContext(ctx, "closer: audit log", slog.Any("error", err))
	}
}
