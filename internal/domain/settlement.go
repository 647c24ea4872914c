package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementReason distinguishes how a sold listing reached settlement.
type SettlementReason string

const (
	ReasonAuctionWon SettlementReason = "AUCTION_WON"
	ReasonBuyNow     SettlementReason = "BUY_NOW"
)

// Settlement is the write-once hand-off from a closed-sold auction to the
// external escrow collaborator. The listing ID doubles as the idempotency
// key: the row is inserted at most once per listing, and delivery to the
// collaborator is at-least-once with retries tracked on the row itself.
// Auction state never rolls back on delivery failure.
type Settlement struct {
	ListingID     string           `json:"listing_id"`
	WinnerID      string           `json:"winner_id"`
	Amount        decimal.Decimal  `json:"amount"`
	Reason        SettlementReason `json:"reason"`
	CreatedAt     time.Time        `json:"created_at"`
	DeliveredAt   *time.Time       `json:"delivered_at,omitempty"`
	Attempts      int              `json:"attempts"`
	NextAttemptAt time.Time        `json:"next_attempt_at"`
	LastError     string           `json:"last_error,omitempty"`
}

// Delivered reports whether the settlement request has been acknowledged by
// the escrow collaborator.
func (s Settlement) Delivered() bool {
	return s.DeliveredAt != nil
}
