// Package app provides the top-level application lifecycle for the auction
// engine. It wires together stores, caches, the bid admission service, the
// closer, the settlement dispatcher, and the HTTP/WebSocket surface, and runs
// them until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/souqly/auctiond/internal/auction"
	"github.com/souqly/auctiond/internal/config"
	"github.com/souqly/auctiond/internal/server"
	"github.com/souqly/auctiond/internal/server/handler"
	"github.com/souqly/auctiond/internal/server/ws"
	"github.com/souqly/auctiond/internal/settlement"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the background loops and the HTTP
// server, and blocks until the context is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting auction engine",
		slog.String("log_level", a.cfg.LogLevel),
	)
	a.logger.DebugContext(ctx, "configuration loaded",
		slog.Any("config", config.RedactedConfig(a.cfg)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, ctx := errgroup.WithContext(ctx)

	// Bid admission service.
	svc := auction.NewService(
		deps.ListingStore,
		deps.BidStore,
		deps.StateCache,
		deps.LockManager,
		deps.RateLimiter,
		deps.SignalBus,
		deps.AuditStore,
		auction.ServiceConfig{
			Extend: auction.ExtendPolicy{
				Window: a.cfg.Auction.ExtensionWindow.Duration,
				Amount: a.cfg.Auction.ExtensionAmount.Duration,
			},
			DefaultMinIncrement: a.cfg.Auction.MinIncrement(),
			RecentBids:          a.cfg.Auction.RecentBids,
			LockTTL:             a.cfg.Auction.LockTTL.Duration,
			BidRateLimit:        a.cfg.Auction.BidRateLimit,
			BidRateWindow:       a.cfg.Auction.BidRateWindow.Duration,
		},
		a.logger,
	)

	// Closer sweep for expired auctions.
	closer := auction.NewCloser(
		deps.ListingStore,
		deps.BidStore,
		deps.StateCache,
		deps.LockManager,
		deps.SignalBus,
		deps.AuditStore,
		a.cfg.Auction.CloserInterval.Duration,
		a.cfg.Auction.CloserBatch,
		a.cfg.Auction.LockTTL.Duration,
		a.logger,
	)
	g.Go(func() error {
		closer.Run(ctx)
		return ctx.Err()
	})

	// Settlement outbox dispatcher.
	escrow := settlement.NewEscrowClient(
		a.cfg.Settlement.EscrowURL,
		a.cfg.Settlement.APIKey,
		a.cfg.Settlement.RequestTimeout.Duration,
	)
	dispatcher := settlement.NewDispatcher(
		deps.SettlementStore,
		escrow,
		deps.Notifier,
		deps.AuditStore,
		settlement.DispatcherConfig{
			Interval:           a.cfg.Settlement.DispatchInterval.Duration,
			RetryBase:          a.cfg.Settlement.RetryBase.Duration,
			RetryCap:           a.cfg.Settlement.RetryCap.Duration,
			AlertAfterAttempts: a.cfg.Settlement.AlertAfterAttempts,
		},
		a.logger,
	)
	g.Go(func() error {
		dispatcher.Run(ctx)
		return ctx.Err()
	})

	// Cold-storage archiver.
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error {
			a.runArchiver(ctx, deps)
			return ctx.Err()
		})
	}

	// WebSocket hub.
	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	// HTTP server.
	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimit,
			RateWindow:  a.cfg.Server.RateWindow.Duration,
		},
		server.Handlers{
			Health:   handler.NewHealthHandler(deps.PG.Pool(), deps.Redis, a.logger),
			Auctions: handler.NewAuctionHandler(svc, a.logger),
		},
		hub,
		deps.RateLimiter,
		a.logger,
	)
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// runArchiver periodically exports the ledgers of long-closed auctions to
// cold storage.
func (a *App) runArchiver(ctx context.Context, deps *Dependencies) {
	interval := a.cfg.Archive.Interval.Duration
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.InfoContext(ctx, "archiver started",
		slog.Duration("interval", interval),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := deps.Archiver.ArchiveBids(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "archive bids failed", slog.Any("error", err))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archived bids", slog.Int64("count", n))
			}
			if n, err := deps.Archiver.ArchiveSettlements(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "archive settlements failed", slog.Any("error", err))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archived settlements", slog.Int64("count", n))
			}
		}
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down auction engine")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
