package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotAuction     = errors.New("listing is not auction-enabled")
	ErrAuctionClosed  = errors.New("auction closed")
	ErrSelfBid        = errors.New("owner may not bid on own listing")
	ErrInvalidAmount  = errors.New("invalid bid amount")
	ErrNoBuyNowPrice  = errors.New("listing has no buy-now price")
	ErrConflict       = errors.New("outbid by a concurrent commit")
	ErrRateLimited    = errors.New("rate limited")
	ErrLockHeld       = errors.New("lock already held")
	ErrAlreadySettled = errors.New("settlement already recorded")
)

// BidTooLowError rejects a bid below the minimum acceptable amount. The
// minimum is carried on the error so the caller can retry without another
// read of the auction state.
type BidTooLowError struct {
	Minimum decimal.Decimal
}

func (e BidTooLowError) Error() string {
	return fmt.Sprintf("bid too low, minimum acceptable amount is %s", e.Minimum.String())
}

// Is makes errors.Is(err, BidTooLowError{}) match any BidTooLowError
// regardless of the carried minimum.
func (e BidTooLowError) Is(target error) bool {
	_, ok := target.(BidTooLowError)
	return ok
}
