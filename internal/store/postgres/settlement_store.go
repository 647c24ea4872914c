package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/souqly/auctiond/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL. Rows
// are created only inside ListingStore closing transactions; this store
// reads the outbox and tracks delivery.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given
// connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

const settlementSelectCols = `listing_id, winner_id, amount, reason, created_at,
	delivered_at, attempts, next_attempt_at, last_error`

func scanSettlement(scanner interface{ Scan(dest ...any) error }) (domain.Settlement, error) {
	var st domain.Settlement
	var reason string

	err := scanner.Scan(
		&st.ListingID, &st.WinnerID, &st.Amount, &reason, &st.CreatedAt,
		&st.DeliveredAt, &st.Attempts, &st.NextAttemptAt, &st.LastError,
	)
	if err != nil {
		return domain.Settlement{}, err
	}
	st.Reason = domain.SettlementReason(reason)
	return st, nil
}

// GetByListing retrieves the settlement record for a listing.
func (s *SettlementStore) GetByListing(ctx context.Context, listingID string) (domain.Settlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements WHERE listing_id = $1`, listingID)

	st, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Settlement{}, domain.ErrNotFound
		}
		return domain.Settlement{}, fmt.Errorf("postgres: get settlement %s: %w", listingID, err)
	}
	return st, nil
}

// ListPending returns undelivered settlements whose next attempt is due,
// oldest first.
func (s *SettlementStore) ListPending(ctx context.Context, now time.Time, limit int) ([]domain.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements
		 WHERE delivered_at IS NULL AND next_attempt_at <= $1
		 ORDER BY next_attempt_at ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending settlements: %w", err)
	}
	defer rows.Close()

	var settlements []domain.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pending settlement: %w", err)
		}
		settlements = append(settlements, st)
	}
	return settlements, rows.Err()
}

// MarkDelivered records a successful hand-off to the escrow collaborator.
// It is a no-op if the settlement was already delivered, keeping delivery
// idempotent under at-least-once dispatch.
func (s *SettlementStore) MarkDelivered(ctx context.Context, listingID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlements SET delivered_at = $1, last_error = ''
		 WHERE listing_id = $2 AND delivered_at IS NULL`, at, listingID)
	if err != nil {
		return fmt.Errorf("postgres: mark settlement delivered %s: %w", listingID, err)
	}
	if tag.RowsAffected() == 0 {
		// Already delivered or unknown listing; distinguish for the caller.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM settlements WHERE listing_id = $1)`, listingID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: mark settlement delivered %s: %w", listingID, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
	}
	return nil
}

// RecordFailure bumps the attempt counter and schedules the next delivery
// attempt.
func (s *SettlementStore) RecordFailure(ctx context.Context, listingID string, attemptErr string, nextAttempt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlements SET attempts = attempts + 1, last_error = $1, next_attempt_at = $2
		 WHERE listing_id = $3 AND delivered_at IS NULL`, attemptErr, nextAttempt, listingID)
	if err != nil {
		return fmt.Errorf("postgres: record settlement failure %s: %w", listingID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListDeliveredBefore returns delivered settlements older than the cutoff.
// Used by the cold-storage archiver.
func (s *SettlementStore) ListDeliveredBefore(ctx context.Context, before time.Time) ([]domain.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements
		 WHERE delivered_at IS NOT NULL AND delivered_at < $1
		 ORDER BY delivered_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list delivered settlements: %w", err)
	}
	defer rows.Close()

	var settlements []domain.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan delivered settlement: %w", err)
		}
		settlements = append(settlements, st)
	}
	return settlements, rows.Err()
}

// Compile-time interface check.
var _ domain.SettlementStore = (*SettlementStore)(nil)
