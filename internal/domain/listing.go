// Package domain defines the core types, store interfaces, and sentinel
// errors for the auction engine. It has no dependencies on concrete
// storage, caching, or transport implementations.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus tracks the listing's auction lifecycle.
type AuctionStatus string

const (
	StatusOpen         AuctionStatus = "open"
	StatusClosedSold   AuctionStatus = "closed_sold"
	StatusClosedUnsold AuctionStatus = "closed_unsold"
)

// Listing is the auction-enabled view of a marketplace listing. The listing
// itself (title, images, category) is owned by the listing collaborator; the
// engine owns only the pricing projection: CurrentBid, BidCount,
// AuctionEndTime, WinnerID, Status, and Version.
type Listing struct {
	ID              string
	OwnerID         string
	IsAuction       bool
	StartingPrice   decimal.Decimal
	MinBidIncrement decimal.Decimal
	BuyNowPrice     *decimal.Decimal
	CurrentBid      decimal.Decimal
	BidCount        int64
	AuctionEndTime  time.Time
	WinnerID        *string
	Status          AuctionStatus
	// Version is bumped on every committed state transition and is the
	// compare-and-set guard for concurrent commits on the same listing.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MinAcceptableBid returns the lowest amount the next bid must reach: the
// starting price plus the minimum increment while the ledger is empty,
// otherwise the current bid plus the minimum increment.
func (l Listing) MinAcceptableBid() decimal.Decimal {
	base := l.CurrentBid
	if l.BidCount == 0 {
		base = l.StartingPrice
	}
	return base.Add(l.MinBidIncrement)
}

// Open reports whether the auction still accepts commits at the given time.
func (l Listing) Open(now time.Time) bool {
	return l.Status == StatusOpen && now.Before(l.AuctionEndTime)
}
