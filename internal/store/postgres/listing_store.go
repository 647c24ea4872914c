package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/souqly/auctiond/internal/domain"
)

// ListingStore implements domain.ListingStore using PostgreSQL. The three
// Commit methods each run as one transaction guarded by a version
// compare-and-set on the listings row, so no two commits on the same listing
// ever observe the same pre-state.
type ListingStore struct {
	pool *pgxpool.Pool
}

// NewListingStore creates a new ListingStore backed by the given connection
// pool.
func NewListingStore(pool *pgxpool.Pool) *ListingStore {
	return &ListingStore{pool: pool}
}

const listingSelectCols = `id, owner_id, is_auction, starting_price, min_bid_increment,
	buy_now_price, current_bid, bid_count, auction_end_time, winner_id, status,
	version, created_at, updated_at`

func scanListing(scanner interface{ Scan(dest ...any) error }) (domain.Listing, error) {
	var l domain.Listing
	var buyNow decimal.NullDecimal
	var status string

	err := scanner.Scan(
		&l.ID, &l.OwnerID, &l.IsAuction, &l.StartingPrice, &l.MinBidIncrement,
		&buyNow, &l.CurrentBid, &l.BidCount, &l.AuctionEndTime, &l.WinnerID, &status,
		&l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return domain.Listing{}, err
	}

	if buyNow.Valid {
		l.BuyNowPrice = &buyNow.Decimal
	}
	l.Status = domain.AuctionStatus(status)
	return l, nil
}

// Upsert inserts or replaces the auction projection of a listing. Pricing
// fields are only overwritten while the row is still at version 0, i.e.
// before any bid has committed.
func (s *ListingStore) Upsert(ctx context.Context, l domain.Listing) error {
	var buyNow decimal.NullDecimal
	if l.BuyNowPrice != nil {
		buyNow = decimal.NewNullDecimal(*l.BuyNowPrice)
	}

	const query = `
		INSERT INTO listings (
			id, owner_id, is_auction, starting_price, min_bid_increment,
			buy_now_price, current_bid, bid_count, auction_end_time, winner_id,
			status, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			starting_price    = EXCLUDED.starting_price,
			min_bid_increment = EXCLUDED.min_bid_increment,
			buy_now_price     = EXCLUDED.buy_now_price,
			auction_end_time  = GREATEST(listings.auction_end_time, EXCLUDED.auction_end_time),
			updated_at        = NOW()
		WHERE listings.version = 0 AND listings.status = 'open'`

	_, err := s.pool.Exec(ctx, query,
		l.ID, l.OwnerID, l.IsAuction, l.StartingPrice, l.MinBidIncrement,
		buyNow, l.CurrentBid, l.BidCount, l.AuctionEndTime, l.WinnerID,
		string(l.Status), l.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert listing %s: %w", l.ID, err)
	}
	return nil
}

// GetByID retrieves a single listing by ID.
func (s *ListingStore) GetByID(ctx context.Context, id string) (domain.Listing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+listingSelectCols+` FROM listings WHERE id = $1`, id)

	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: get listing %s: %w", id, err)
	}
	return l, nil
}

// ListExpired returns open auction listings whose deadline has passed.
func (s *ListingStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingSelectCols+` FROM listings
		 WHERE is_auction AND status = 'open' AND auction_end_time <= $1
		 ORDER BY auction_end_time ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired listings: %w", err)
	}
	defer rows.Close()

	var listings []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan expired listing: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// casUpdate executes a version-guarded update inside tx and converts a
// zero-row result into domain.ErrConflict.
func casUpdate(ctx context.Context, tx pgx.Tx, query string, args ...any) error {
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// insertSettlement writes the settlement outbox row inside the closing
// transaction. The listing_id primary key makes the hand-off write-once.
func insertSettlement(ctx context.Context, tx pgx.Tx, st domain.Settlement) error {
	const query = `
		INSERT INTO settlements (listing_id, winner_id, amount, reason, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (listing_id) DO NOTHING`
	_, err := tx.Exec(ctx, query,
		st.ListingID, st.WinnerID, st.Amount, string(st.Reason), st.CreatedAt)
	return err
}

// CommitBid appends the accepted bid and advances the listing projection in
// one transaction. The update is guarded by the expected version; if another
// commit got there first the transaction rolls back with domain.ErrConflict.
func (s *ListingStore) CommitBid(ctx context.Context, c domain.BidCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: commit bid begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const update = `
		UPDATE listings SET
			current_bid      = $1,
			bid_count        = bid_count + 1,
			auction_end_time = $2,
			version          = version + 1,
			updated_at       = NOW()
		WHERE id = $3 AND version = $4 AND status = 'open'`

	if err := casUpdate(ctx, tx, update,
		c.Bid.Amount, c.NewEndTime, c.Bid.ListingID, c.ExpectedVersion); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.ErrConflict
		}
		return fmt.Errorf("postgres: commit bid update %s: %w", c.Bid.ListingID, err)
	}

	const insert = `
		INSERT INTO bids (id, listing_id, bidder_id, amount, accepted_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, insert,
		c.Bid.ID, c.Bid.ListingID, c.Bid.BidderID, c.Bid.Amount, c.Bid.AcceptedAt); err != nil {
		return fmt.Errorf("postgres: commit bid append %s: %w", c.Bid.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit bid %s: %w", c.Bid.ID, err)
	}
	return nil
}

// CommitBuyNow finalizes the listing as sold at its buy-now price and writes
// the settlement outbox row in the same transaction.
func (s *ListingStore) CommitBuyNow(ctx context.Context, c domain.BuyNowCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: commit buy-now begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// The sale freezes the deadline at the commit time. LEAST keeps an
	// already-elapsed deadline where it was, so the end time never grows.
	const update = `
		UPDATE listings SET
			current_bid      = $1,
			winner_id        = $2,
			auction_end_time = LEAST(auction_end_time, $3),
			status           = 'closed_sold',
			version          = version + 1,
			updated_at       = NOW()
		WHERE id = $4 AND version = $5 AND status = 'open'`

	if err := casUpdate(ctx, tx, update,
		c.Settlement.Amount, c.Settlement.WinnerID, c.At, c.ListingID, c.ExpectedVersion); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.ErrConflict
		}
		return fmt.Errorf("postgres: commit buy-now update %s: %w", c.ListingID, err)
	}

	if err := insertSettlement(ctx, tx, c.Settlement); err != nil {
		return fmt.Errorf("postgres: commit buy-now settlement %s: %w", c.ListingID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit buy-now %s: %w", c.ListingID, err)
	}
	return nil
}

// CommitClose finalizes an expired auction as sold or unsold. For a sold
// outcome the settlement outbox row is written in the same transaction.
func (s *ListingStore) CommitClose(ctx context.Context, c domain.CloseCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: commit close begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const update = `
		UPDATE listings SET
			winner_id  = $1,
			status     = $2,
			version    = version + 1,
			updated_at = NOW()
		WHERE id = $3 AND version = $4 AND status = 'open'`

	if err := casUpdate(ctx, tx, update,
		c.WinnerID, string(c.Status), c.ListingID, c.ExpectedVersion); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.ErrConflict
		}
		return fmt.Errorf("postgres: commit close update %s: %w", c.ListingID, err)
	}

	if c.Settlement != nil {
		if err := insertSettlement(ctx, tx, *c.Settlement); err != nil {
			return fmt.Errorf("postgres: commit close settlement %s: %w", c.ListingID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit close %s: %w", c.ListingID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ListingStore = (*ListingStore)(nil)
