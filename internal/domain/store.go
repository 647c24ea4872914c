package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BidCommit carries everything the store needs to commit one accepted bid as
// a single transaction: the ledger append plus the listing projection update
// guarded by the expected version.
type BidCommit struct {
	Bid             Bid
	ExpectedVersion int64
	NewEndTime      time.Time
}

// BuyNowCommit finalizes a listing as sold at its buy-now price. The
// settlement outbox row is written in the same transaction.
type BuyNowCommit struct {
	ListingID       string
	ExpectedVersion int64
	Settlement      Settlement
	At              time.Time
}

// CloseCommit finalizes an expired auction. Settlement is nil when the
// auction closed without bids.
type CloseCommit struct {
	ListingID       string
	ExpectedVersion int64
	Status          AuctionStatus
	WinnerID        *string
	Settlement      *Settlement
	At              time.Time
}

// ListingStore persists the auction projection of listings. The three Commit
// methods are the only writers of auction state; each runs as one database
// transaction and returns ErrConflict when the expected version no longer
// matches, so no two commits ever observe the same pre-state.
type ListingStore interface {
	Upsert(ctx context.Context, l Listing) error
	GetByID(ctx context.Context, id string) (Listing, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Listing, error)
	CommitBid(ctx context.Context, c BidCommit) error
	CommitBuyNow(ctx context.Context, c BuyNowCommit) error
	CommitClose(ctx context.Context, c CloseCommit) error
}

// BidStore reads the append-only bid ledger. Appends happen only through
// ListingStore.CommitBid.
type BidStore interface {
	GetByID(ctx context.Context, id string) (Bid, error)
	ListRecent(ctx context.Context, listingID string, limit int) ([]Bid, error)
	Highest(ctx context.Context, listingID string) (Bid, error)
	ListByBidder(ctx context.Context, bidderID string, opts ListOpts) ([]Bid, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Bid, error)
}

// SettlementStore reads and advances the settlement outbox. Rows are created
// only through ListingStore commits; the dispatcher owns delivery tracking.
type SettlementStore interface {
	GetByListing(ctx context.Context, listingID string) (Settlement, error)
	ListPending(ctx context.Context, now time.Time, limit int) ([]Settlement, error)
	MarkDelivered(ctx context.Context, listingID string, at time.Time) error
	RecordFailure(ctx context.Context, listingID string, attemptErr string, nextAttempt time.Time) error
	ListDeliveredBefore(ctx context.Context, before time.Time) ([]Settlement, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
