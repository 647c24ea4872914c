package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/souqly/auctiond/internal/domain"
)

// AuctionService defines the methods the auction handler requires from the
// engine. It is declared locally so the handler package does not depend on
// the concrete service implementation.
type AuctionService interface {
	GetState(ctx context.Context, listingID string) (domain.AuctionState, error)
	PlaceBid(ctx context.Context, listingID, bidderID string, amount decimal.Decimal) (domain.BidResult, error)
	BuyNow(ctx context.Context, listingID, actorID string) (domain.BuyNowResult, error)
	RegisterListing(ctx context.Context, l domain.Listing) error
	ListBidderBids(ctx context.Context, bidderID string, opts domain.ListOpts) ([]domain.Bid, error)
}

// AuctionHandler serves the auction HTTP endpoints.
type AuctionHandler struct {
	auctions AuctionService
	logger   *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler with the given service and logger.
func NewAuctionHandler(auctions AuctionService, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{
		auctions: auctions,
		logger:   logger,
	}
}

// GetAuction returns the read-model snapshot for one listing.
// GET /api/auctions/{id}
func (h *AuctionHandler) GetAuction(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing listing id")
		return
	}

	state, err := h.auctions.GetState(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "auction not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get auction failed",
			slog.String("listing_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get auction")
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// placeBidRequest is the body of POST /api/auctions/{id}/bids.
type placeBidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PlaceBid submits a bid on a listing. The bidder is taken from the
// X-Actor-ID header set by the gateway.
// POST /api/auctions/{id}/bids
func (h *AuctionHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing listing id")
		return
	}
	actor := actorID(r)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "missing actor identity")
		return
	}

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.auctions.PlaceBid(r.Context(), id, actor, req.Amount)
	if err != nil {
		h.writeBidError(w, r, id, actor, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// BuyNow closes a listing immediately at its buy-now price.
// POST /api/auctions/{id}/buy-now
func (h *AuctionHandler) BuyNow(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing listing id")
		return
	}
	actor := actorID(r)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "missing actor identity")
		return
	}

	result, err := h.auctions.BuyNow(r.Context(), id, actor)
	if err != nil {
		h.writeBidError(w, r, id, actor, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// registerListingRequest is the body of PUT /api/auctions/{id}.
type registerListingRequest struct {
	OwnerID         string           `json:"owner_id"`
	StartingPrice   decimal.Decimal  `json:"starting_price"`
	MinBidIncrement decimal.Decimal  `json:"min_bid_increment"`
	BuyNowPrice     *decimal.Decimal `json:"buy_now_price,omitempty"`
	AuctionEndTime  time.Time        `json:"auction_end_time"`
}

// RegisterListing records or refreshes the auction projection of a listing
// on behalf of the listing collaborator.
// PUT /api/auctions/{id}
func (h *AuctionHandler) RegisterListing(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing listing id")
		return
	}

	var req registerListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "missing owner_id")
		return
	}

	err := h.auctions.RegisterListing(r.Context(), domain.Listing{
		ID:              id,
		OwnerID:         req.OwnerID,
		IsAuction:       true,
		StartingPrice:   req.StartingPrice,
		MinBidIncrement: req.MinBidIncrement,
		BuyNowPrice:     req.BuyNowPrice,
		AuctionEndTime:  req.AuctionEndTime,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAmount) || errors.Is(err, domain.ErrNotAuction) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: register listing failed",
			slog.String("listing_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to register listing")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMyBids returns the caller's bid history.
// GET /api/bids?limit=50&offset=0
func (h *AuctionHandler) ListMyBids(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "missing actor identity")
		return
	}

	opts := parseListOpts(r)
	bids, err := h.auctions.ListBidderBids(r.Context(), actor, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list bids failed",
			slog.String("bidder_id", actor),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list bids")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bids":   bids,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// writeBidError maps engine admission errors onto HTTP responses. Rejections
// carry enough detail for the client to retry sensibly; a too-low bid
// includes the current minimum.
func (h *AuctionHandler) writeBidError(w http.ResponseWriter, r *http.Request, listingID, actor string, err error) {
	var tooLow domain.BidTooLowError
	switch {
	case errors.As(err, &tooLow):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":          "bid below minimum",
			"minimum_amount": tooLow.Minimum,
		})
	case errors.Is(err, domain.ErrSelfBid):
		writeError(w, http.StatusForbidden, "cannot bid on your own listing")
	case errors.Is(err, domain.ErrAuctionClosed):
		writeError(w, http.StatusGone, "auction has ended")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "auction state changed, retry")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "auction not found")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many bids, slow down")
	case errors.Is(err, domain.ErrNoBuyNowPrice):
		writeError(w, http.StatusNotFound, "listing has no buy-now price")
	case errors.Is(err, domain.ErrNotAuction):
		writeError(w, http.StatusBadRequest, "listing is not an auction")
	case errors.Is(err, domain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid amount")
	default:
		h.logger.ErrorContext(r.Context(), "handler: auction operation failed",
			slog.String("listing_id", listingID),
			slog.String("actor_id", actor),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
