// Package config defines the top-level configuration for the auction engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by AUCTIOND_* environment
// variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Auction    AuctionConfig    `toml:"auction"`
	Settlement SettlementConfig `toml:"settlement"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	LogLevel   string           `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the cold
// storage archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// AuctionConfig holds the bid admission and closing policy parameters.
type AuctionConfig struct {
	// ExtensionWindow is the trailing window before the deadline inside
	// which an accepted bid triggers an anti-snipe extension.
	ExtensionWindow duration `toml:"extension_window"`
	// ExtensionAmount is how far past the accepting moment the deadline is
	// pushed when a bid lands inside the extension window.
	ExtensionAmount duration `toml:"extension_amount"`
	// DefaultMinIncrement is used for listings created without an explicit
	// minimum bid increment.
	DefaultMinIncrement string `toml:"default_min_increment"`
	// CloserInterval is the sweep period for finalizing expired auctions.
	CloserInterval duration `toml:"closer_interval"`
	// CloserBatch caps how many expired listings one sweep finalizes.
	CloserBatch int `toml:"closer_batch"`
	// RecentBids is the size of the recent-bids slice in state reads.
	RecentBids int `toml:"recent_bids"`
	// StateCacheTTL bounds staleness of the polling read model.
	StateCacheTTL duration `toml:"state_cache_ttl"`
	// LockTTL bounds how long a per-listing commit lock may be held.
	LockTTL duration `toml:"lock_ttl"`
	// BidRateLimit / BidRateWindow throttle bids per bidder.
	BidRateLimit  int      `toml:"bid_rate_limit"`
	BidRateWindow duration `toml:"bid_rate_window"`
}

// SettlementConfig holds escrow hand-off parameters.
type SettlementConfig struct {
	// EscrowURL is the settlement endpoint of the escrow collaborator.
	EscrowURL string `toml:"escrow_url"`
	// APIKey authenticates the engine to the escrow collaborator.
	APIKey string `toml:"api_key"`
	// DispatchInterval is the poll period of the outbox dispatcher.
	DispatchInterval duration `toml:"dispatch_interval"`
	// RetryBase and RetryCap bound the exponential delivery backoff.
	RetryBase duration `toml:"retry_base"`
	RetryCap  duration `toml:"retry_cap"`
	// AlertAfterAttempts triggers an operator notification once a single
	// settlement has failed delivery this many times.
	AlertAfterAttempts int `toml:"alert_after_attempts"`
	// RequestTimeout bounds a single delivery attempt.
	RequestTimeout duration `toml:"request_timeout"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit / RateWindow throttle requests per client IP at the edge.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds operator notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "auctiond",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "auctiond-archive",
			ForcePathStyle: true,
		},
		Auction: AuctionConfig{
			ExtensionWindow:     duration{5 * time.Minute},
			ExtensionAmount:     duration{5 * time.Minute},
			DefaultMinIncrement: "1",
			CloserInterval:      duration{5 * time.Second},
			CloserBatch:         100,
			RecentBids:          10,
			StateCacheTTL:       duration{2 * time.Second},
			LockTTL:             duration{5 * time.Second},
			BidRateLimit:        10,
			BidRateWindow:       duration{time.Second},
		},
		Settlement: SettlementConfig{
			DispatchInterval:   duration{5 * time.Second},
			RetryBase:          duration{2 * time.Second},
			RetryCap:           duration{5 * time.Minute},
			AlertAfterAttempts: 5,
			RequestTimeout:     duration{10 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
		},
		Server: ServerConfig{
			Port:       8080,
			RateLimit:  100,
			RateWindow: duration{time.Second},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for consistency and returns a combined
// error listing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 (only when the archiver is on)
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Auction policy
	if c.Auction.ExtensionWindow.Duration < 0 {
		errs = append(errs, "auction: extension_window must not be negative")
	}
	if c.Auction.ExtensionAmount.Duration <= 0 {
		errs = append(errs, "auction: extension_amount must be > 0")
	}
	if inc, err := decimal.NewFromString(c.Auction.DefaultMinIncrement); err != nil {
		errs = append(errs, fmt.Sprintf("auction: default_min_increment %q is not a decimal", c.Auction.DefaultMinIncrement))
	} else if inc.IsNegative() {
		errs = append(errs, "auction: default_min_increment must be >= 0")
	}
	if c.Auction.CloserInterval.Duration <= 0 {
		errs = append(errs, "auction: closer_interval must be > 0")
	}
	if c.Auction.CloserBatch < 1 {
		errs = append(errs, "auction: closer_batch must be >= 1")
	}
	if c.Auction.RecentBids < 1 {
		errs = append(errs, "auction: recent_bids must be >= 1")
	}
	if c.Auction.LockTTL.Duration <= 0 {
		errs = append(errs, "auction: lock_ttl must be > 0")
	}

	// Settlement
	if c.Settlement.EscrowURL == "" {
		errs = append(errs, "settlement: escrow_url must not be empty")
	}
	if c.Settlement.DispatchInterval.Duration <= 0 {
		errs = append(errs, "settlement: dispatch_interval must be > 0")
	}
	if c.Settlement.RetryBase.Duration <= 0 {
		errs = append(errs, "settlement: retry_base must be > 0")
	}
	if c.Settlement.RetryCap.Duration < c.Settlement.RetryBase.Duration {
		errs = append(errs, "settlement: retry_cap must be >= retry_base")
	}

	// Archive
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			errs = append(errs, "archive: s3 must be enabled when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MinIncrement returns the default minimum bid increment as a decimal. It
// assumes Validate has already been called.
func (c *AuctionConfig) MinIncrement() decimal.Decimal {
	inc, err := decimal.NewFromString(c.DefaultMinIncrement)
	if err != nil {
		return decimal.NewFromInt(1)
	}
	return inc
}
