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

// BidStore implements domain.BidStore using PostgreSQL. It is read-only:
// appends happen exclusively through ListingStore.CommitBid so the ledger
// write always shares a transaction with the projection update.
type BidStore struct {
	pool *pgxpool.Pool
}

// NewBidStore creates a new BidStore backed by the given connection pool.
func NewBidStore(pool *pgxpool.Pool) *BidStore {
	return &BidStore{pool: pool}
}

const bidSelectCols = `id, listing_id, bidder_id, amount, accepted_at`

func scanBidRows(rows pgx.Rows) ([]domain.Bid, error) {
	var bids []domain.Bid
	for rows.Next() {
		var b domain.Bid
		if err := rows.Scan(&b.ID, &b.ListingID, &b.BidderID, &b.Amount, &b.AcceptedAt); err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// GetByID retrieves a single bid by ID.
func (s *BidStore) GetByID(ctx context.Context, id string) (domain.Bid, error) {
	var b domain.Bid
	err := s.pool.QueryRow(ctx,
		`SELECT `+bidSelectCols+` FROM bids WHERE id = $1`, id).
		Scan(&b.ID, &b.ListingID, &b.BidderID, &b.Amount, &b.AcceptedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bid{}, domain.ErrNotFound
		}
		return domain.Bid{}, fmt.Errorf("postgres: get bid %s: %w", id, err)
	}
	return b, nil
}

// ListRecent returns the listing's most recent bids sorted descending by
// amount. Because accepted amounts are strictly increasing, descending
// amount order equals reverse acceptance order.
func (s *BidStore) ListRecent(ctx context.Context, listingID string, limit int) ([]domain.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidSelectCols+` FROM bids
		 WHERE listing_id = $1
		 ORDER BY amount DESC
		 LIMIT $2`, listingID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent bids for %s: %w", listingID, err)
	}
	defer rows.Close()

	bids, err := scanBidRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent bids for %s: %w", listingID, err)
	}
	return bids, nil
}

// Highest returns the listing's highest (i.e. last accepted) bid.
func (s *BidStore) Highest(ctx context.Context, listingID string) (domain.Bid, error) {
	var b domain.Bid
	err := s.pool.QueryRow(ctx,
		`SELECT `+bidSelectCols+` FROM bids
		 WHERE listing_id = $1
		 ORDER BY amount DESC
		 LIMIT 1`, listingID).
		Scan(&b.ID, &b.ListingID, &b.BidderID, &b.Amount, &b.AcceptedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bid{}, domain.ErrNotFound
		}
		return domain.Bid{}, fmt.Errorf("postgres: highest bid for %s: %w", listingID, err)
	}
	return b, nil
}

// ListByBidder returns a bidder's bids, newest first, with pagination. This
// backs the "my bids" surface.
func (s *BidStore) ListByBidder(ctx context.Context, bidderID string, opts domain.ListOpts) ([]domain.Bid, error) {
	query := `SELECT ` + bidSelectCols + ` FROM bids WHERE bidder_id = $1`
	args := []any{bidderID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND accepted_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND accepted_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY accepted_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bids by bidder: %w", err)
	}
	defer rows.Close()

	bids, err := scanBidRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bids by bidder: %w", err)
	}
	return bids, nil
}

// ListClosedBefore returns all bids belonging to listings that closed before
// the cutoff. Used by the cold-storage archiver.
func (s *BidStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT b.id, b.listing_id, b.bidder_id, b.amount, b.accepted_at
		 FROM bids b
		 JOIN listings l ON l.id = b.listing_id
		 WHERE l.status <> 'open' AND l.updated_at < $1
		 ORDER BY b.accepted_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed bids: %w", err)
	}
	defer rows.Close()

	bids, err := scanBidRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed bids: %w", err)
	}
	return bids, nil
}

// Compile-time interface check.
var _ domain.BidStore = (*BidStore)(nil)
