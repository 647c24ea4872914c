package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souqly/auctiond/internal/domain"
)

// stubAuctionService returns canned results per method.
type stubAuctionService struct {
	state    domain.AuctionState
	stateErr error

	bidResult domain.BidResult
	bidErr    error

	buyResult domain.BuyNowResult
	buyErr    error

	registerErr error

	gotListing string
	gotActor   string
	gotAmount  decimal.Decimal
}

func (s *stubAuctionService) GetState(_ context.Context, listingID string) (domain.AuctionState, error) {
	s.gotListing = listingID
	return s.state, s.stateErr
}

func (s *stubAuctionService) PlaceBid(_ context.Context, listingID, bidderID string, amount decimal.Decimal) (domain.BidResult, error) {
	s.gotListing, s.gotActor, s.gotAmount = listingID, bidderID, amount
	return s.bidResult, s.bidErr
}

func (s *stubAuctionService) BuyNow(_ context.Context, listingID, actorID string) (domain.BuyNowResult, error) {
	s.gotListing, s.gotActor = listingID, actorID
	return s.buyResult, s.buyErr
}

func (s *stubAuctionService) RegisterListing(context.Context, domain.Listing) error {
	return s.registerErr
}

func (s *stubAuctionService) ListBidderBids(context.Context, string, domain.ListOpts) ([]domain.Bid, error) {
	return nil, nil
}

func newTestServer(svc AuctionService) *httptest.Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewAuctionHandler(svc, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auctions/{id}", h.GetAuction)
	mux.HandleFunc("POST /api/auctions/{id}/bids", h.PlaceBid)
	mux.HandleFunc("POST /api/auctions/{id}/buy-now", h.BuyNow)
	mux.HandleFunc("GET /api/bids", h.ListMyBids)
	return httptest.NewServer(mux)
}

func doJSON(t *testing.T, method, url, actor, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded))
	}
	return resp, decoded
}

func TestGetAuction(t *testing.T) {
	svc := &stubAuctionService{
		state: domain.AuctionState{
			ListingID:  "L1",
			CurrentBid: decimal.NewFromInt(1050),
			BidCount:   3,
			EndTime:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Status:     domain.StatusOpen,
		},
	}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/auctions/L1", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "L1", body["listing_id"])
	assert.Equal(t, "1050", body["current_bid"])
	assert.Equal(t, "L1", svc.gotListing)
}

func TestGetAuctionNotFound(t *testing.T) {
	svc := &stubAuctionService{stateErr: domain.ErrNotFound}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/auctions/missing", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlaceBid(t *testing.T) {
	svc := &stubAuctionService{
		bidResult: domain.BidResult{
			BidID:      "b1",
			CurrentBid: decimal.NewFromInt(1060),
			BidCount:   4,
			Extended:   true,
		},
	}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/auctions/L1/bids", "alice", `{"amount":"1060"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "b1", body["bid_id"])
	assert.Equal(t, true, body["extended"])
	assert.Equal(t, "alice", svc.gotActor)
	assert.True(t, svc.gotAmount.Equal(decimal.NewFromInt(1060)))
}

func TestPlaceBidMissingActor(t *testing.T) {
	srv := newTestServer(&stubAuctionService{})
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/auctions/L1/bids", "", `{"amount":"1060"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPlaceBidErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"too low", domain.BidTooLowError{Minimum: decimal.NewFromInt(1010)}, http.StatusConflict},
		{"self bid", domain.ErrSelfBid, http.StatusForbidden},
		{"closed", domain.ErrAuctionClosed, http.StatusGone},
		{"conflict", domain.ErrConflict, http.StatusConflict},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"rate limited", domain.ErrRateLimited, http.StatusTooManyRequests},
		{"invalid amount", domain.ErrInvalidAmount, http.StatusBadRequest},
		{"not auction", domain.ErrNotAuction, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubAuctionService{bidErr: tt.err}
			srv := newTestServer(svc)
			defer srv.Close()

			resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/auctions/L1/bids", "alice", `{"amount":"1"}`)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestPlaceBidTooLowCarriesMinimum(t *testing.T) {
	svc := &stubAuctionService{bidErr: domain.BidTooLowError{Minimum: decimal.RequireFromString("1010")}}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/auctions/L1/bids", "alice", `{"amount":"1001"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "1010", body["minimum_amount"])
}

func TestBuyNow(t *testing.T) {
	svc := &stubAuctionService{
		buyResult: domain.BuyNowResult{
			ListingID:     "L1",
			SettledAmount: decimal.NewFromInt(5000),
			WinnerID:      "alice",
		},
	}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/auctions/L1/buy-now", "alice", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["winner_id"])
	assert.Equal(t, "5000", body["settled_amount"])
}

func TestBuyNowWithoutPrice(t *testing.T) {
	svc := &stubAuctionService{buyErr: domain.ErrNoBuyNowPrice}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/auctions/L1/buy-now", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
