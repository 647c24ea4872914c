// Package settlement delivers closed-sold auction results to the external
// escrow collaborator. Rows are created transactionally by the auction
// commits; this package owns delivery, retries, and operator alerting.
// Delivery is at-least-once and auction state never rolls back on failure.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/souqly/auctiond/internal/domain"
)

// Deliverer hands one settlement to the escrow collaborator.
type Deliverer interface {
	Deliver(ctx context.Context, s domain.Settlement) error
}

// EscrowClient delivers settlements over HTTP. The listing ID travels as the
// idempotency key, so redelivering an already-acknowledged settlement is
// harmless on the collaborator side.
type EscrowClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewEscrowClient creates an EscrowClient for the given endpoint. timeout
// bounds a single delivery attempt.
func NewEscrowClient(baseURL, apiKey string, timeout time.Duration) *EscrowClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EscrowClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// settlementRequest is the wire form of a settlement hand-off.
type settlementRequest struct {
	ListingID string `json:"listing_id"`
	WinnerID  string `json:"winner_id"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason"`
	ClosedAt  string `json:"closed_at"`
}

// Deliver posts one settlement. A 2xx response or a 409 (the collaborator
// already holds this idempotency key) both count as delivered.
func (c *EscrowClient) Deliver(ctx context.Context, s domain.Settlement) error {
	body, err := json.Marshal(settlementRequest{
		ListingID: s.ListingID,
		WinnerID:  s.WinnerID,
		Amount:    s.Amount.String(),
		Reason:    string(s.Reason),
		ClosedAt:  s.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("settlement: marshal %s: %w", s.ListingID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/settlements", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("settlement: build request %s: %w", s.ListingID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", s.ListingID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("settlement: deliver %s: %w", s.ListingID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Idempotency key already processed.
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("settlement: deliver %s: escrow returned %d: %s", s.ListingID, resp.StatusCode, string(msg))
	}
}

// Compile-time interface check.
var _ Deliverer = (*EscrowClient)(nil)
