package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bid is a single accepted bid. Bids are immutable once created; the ledger
// is append-only and, per listing, strictly increasing in amount by
// acceptance order.
type Bid struct {
	ID         string
	ListingID  string
	BidderID   string
	Amount     decimal.Decimal
	AcceptedAt time.Time
}

// BidResult is returned to the caller after a successful bid commit. It
// carries the authoritative post-commit price and deadline so the client can
// update its optimistic view without an extra round trip.
type BidResult struct {
	BidID      string          `json:"bid_id"`
	CurrentBid decimal.Decimal `json:"current_bid"`
	BidCount   int64           `json:"bid_count"`
	EndTime    time.Time       `json:"auction_end_time"`
	Extended   bool            `json:"extended"`
}

// BuyNowResult is returned after a successful buy-now commit.
type BuyNowResult struct {
	ListingID     string          `json:"listing_id"`
	SettledAmount decimal.Decimal `json:"settled_amount"`
	WinnerID      string          `json:"winner_id"`
}

// AuctionState is the read-model snapshot served to polling clients. The
// snapshot is authoritative: clients must overwrite any optimistic local
// state with it, including a previously assumed win.
type AuctionState struct {
	ListingID  string          `json:"listing_id"`
	CurrentBid decimal.Decimal `json:"current_bid"`
	BidCount   int64           `json:"bid_count"`
	EndTime    time.Time       `json:"auction_end_time"`
	Status     AuctionStatus   `json:"status"`
	WinnerID   *string         `json:"winner_id,omitempty"`
	RecentBids []Bid           `json:"recent_bids"`
}

// AuctionEvent is published on the signal bus after every committed state
// transition so the WebSocket hub and other consumers can fan it out.
type AuctionEvent struct {
	Type       string          `json:"type"` // bid_accepted | auction_extended | buy_now | auction_closed
	ListingID  string          `json:"listing_id"`
	BidderID   string          `json:"bidder_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	BidCount   int64           `json:"bid_count"`
	EndTime    time.Time       `json:"auction_end_time"`
	Status     AuctionStatus   `json:"status"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Bus channel and stream names for auction events.
const (
	EventChannel = "auctions"
	EventStream  = "stream:auctions"
)
