package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/souqly/auctiond/internal/domain"
)

// Alerter surfaces repeated delivery failures to operators. Satisfied by
// notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// DispatcherConfig holds the outbox polling and retry backoff parameters.
type DispatcherConfig struct {
	// Interval is the outbox poll period.
	Interval time.Duration
	// Batch caps how many pending settlements one poll attempts.
	Batch int
	// RetryBase and RetryCap bound the exponential backoff between attempts.
	RetryBase time.Duration
	RetryCap  time.Duration
	// AlertAfterAttempts triggers an operator notification once a single
	// settlement has failed this many times.
	AlertAfterAttempts int
}

// Dispatcher drains the settlement outbox: it polls for undelivered rows
// whose next attempt is due, hands each to the Deliverer, and records the
// outcome on the row. Delivery order between listings is not guaranteed;
// per listing the row is attempted by at most one dispatcher poll at a time
// because next_attempt_at moves forward on every failure.
type Dispatcher struct {
	outbox  domain.SettlementStore
	deliver Deliverer
	alerter Alerter
	audit   domain.AuditStore
	cfg     DispatcherConfig
	logger  *slog.Logger

	now func() time.Time
}

// NewDispatcher creates a Dispatcher with all required dependencies. alerter
// may be nil when no operator channels are configured.
func NewDispatcher(
	outbox domain.SettlementStore,
	deliver Deliverer,
	alerter Alerter,
	audit domain.AuditStore,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryCap < cfg.RetryBase {
		cfg.RetryCap = cfg.RetryBase
	}
	return &Dispatcher{
		outbox:  outbox,
		deliver: deliver,
		alerter: alerter,
		audit:   audit,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Run polls the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.InfoContext(ctx, "settlement: dispatcher started",
		slog.Duration("interval", d.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "settlement: dispatcher stopped")
			return
		case <-ticker.C:
			if n, err := d.Dispatch(ctx); err != nil {
				d.logger.ErrorContext(ctx, "settlement: dispatch failed", slog.Any("error", err))
			} else if n > 0 {
				d.logger.InfoContext(ctx, "settlement: delivered", slog.Int("count", n))
			}
		}
	}
}

// Dispatch attempts one batch of due settlements and returns how many were
// delivered.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	pending, err := d.outbox.ListPending(ctx, d.now(), d.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("settlement: list pending: %w", err)
	}

	delivered := 0
	for _, s := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if d.attempt(ctx, s) {
			delivered++
		}
	}
	return delivered, nil
}

// attempt delivers one settlement and records the outcome. It returns true
// on successful delivery.
func (d *Dispatcher) attempt(ctx context.Context, s domain.Settlement) bool {
	err := d.deliver.Deliver(ctx, s)
	if err == nil {
		if err := d.outbox.MarkDelivered(ctx, s.ListingID, d.now()); err != nil {
			// The next poll redelivers; the idempotency key makes that safe.
			d.logger.ErrorContext(ctx, "settlement: mark delivered failed",
				slog.String("listing_id", s.ListingID), slog.Any("error", err))
			return false
		}
		d.auditLog(ctx, "settlement_delivered", map[string]any{
			"listing_id": s.ListingID,
			"winner_id":  s.WinnerID,
			"amount":     s.Amount.String(),
			"reason":     string(s.Reason),
			"attempts":   s.Attempts + 1,
		})
		return true
	}

	attempts := s.Attempts + 1
	next := d.now().Add(d.backoff(attempts))
	d.logger.WarnContext(ctx, "settlement: delivery failed",
		slog.String("listing_id", s.ListingID),
		slog.Int("attempts", attempts),
		slog.Time("next_attempt", next),
		slog.Any("error", err),
	)
	if rerr := d.outbox.RecordFailure(ctx, s.ListingID, err.Error(), next); rerr != nil {
		d.logger.ErrorContext(ctx, "settlement: record failure failed",
			slog.String("listing_id", s.ListingID), slog.Any("error", rerr))
	}
	if d.alerter != nil && attempts == d.cfg.AlertAfterAttempts {
		d.alert(ctx, s, attempts, err)
	}
	return false
}

// backoff returns the delay before the given attempt number retries:
// RetryBase doubled per failure, capped at RetryCap.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.RetryCap {
			return d.cfg.RetryCap
		}
	}
	if delay > d.cfg.RetryCap {
		return d.cfg.RetryCap
	}
	return delay
}

func (d *Dispatcher) alert(ctx context.Context, s domain.Settlement, attempts int, cause error) {
	msg := fmt.Sprintf("settlement for listing %s (winner %s, amount %s) has failed %d delivery attempts; last error: %v",
		s.ListingID, s.WinnerID, s.Amount.String(), attempts, cause)
	if err := d.alerter.Notify(ctx, "settlement_failed", "Settlement delivery failing", msg); err != nil {
		d.logger.ErrorContext(ctx, "settlement: operator alert failed",
			slog.String("listing_id", s.ListingID), slog.Any("error", err))
	}
}

func (d *Dispatcher) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := d.audit.Log(ctx, event, detail); err != nil {
		d.logger.WarnContext(ctx, "settlement: audit log",
			slog.String("event", event), slog.Any("error", err))
	}
}
