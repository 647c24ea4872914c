package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies AUCTIOND_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known AUCTIOND_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "AUCTIOND_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "AUCTIOND_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "AUCTIOND_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "AUCTIOND_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "AUCTIOND_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "AUCTIOND_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "AUCTIOND_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "AUCTIOND_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "AUCTIOND_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "AUCTIOND_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "AUCTIOND_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "AUCTIOND_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "AUCTIOND_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "AUCTIOND_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "AUCTIOND_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "AUCTIOND_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "AUCTIOND_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "AUCTIOND_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "AUCTIOND_S3_REGION")
	setStr(&cfg.S3.Bucket, "AUCTIOND_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "AUCTIOND_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "AUCTIOND_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "AUCTIOND_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "AUCTIOND_S3_FORCE_PATH_STYLE")

	// ── Auction ──
	setDuration(&cfg.Auction.ExtensionWindow, "AUCTIOND_AUCTION_EXTENSION_WINDOW")
	setDuration(&cfg.Auction.ExtensionAmount, "AUCTIOND_AUCTION_EXTENSION_AMOUNT")
	setStr(&cfg.Auction.DefaultMinIncrement, "AUCTIOND_AUCTION_DEFAULT_MIN_INCREMENT")
	setDuration(&cfg.Auction.CloserInterval, "AUCTIOND_AUCTION_CLOSER_INTERVAL")
	setInt(&cfg.Auction.CloserBatch, "AUCTIOND_AUCTION_CLOSER_BATCH")
	setInt(&cfg.Auction.RecentBids, "AUCTIOND_AUCTION_RECENT_BIDS")
	setDuration(&cfg.Auction.StateCacheTTL, "AUCTIOND_AUCTION_STATE_CACHE_TTL")
	setDuration(&cfg.Auction.LockTTL, "AUCTIOND_AUCTION_LOCK_TTL")
	setInt(&cfg.Auction.BidRateLimit, "AUCTIOND_AUCTION_BID_RATE_LIMIT")
	setDuration(&cfg.Auction.BidRateWindow, "AUCTIOND_AUCTION_BID_RATE_WINDOW")

	// ── Settlement ──
	setStr(&cfg.Settlement.EscrowURL, "AUCTIOND_SETTLEMENT_ESCROW_URL")
	setStr(&cfg.Settlement.APIKey, "AUCTIOND_SETTLEMENT_API_KEY")
	setDuration(&cfg.Settlement.DispatchInterval, "AUCTIOND_SETTLEMENT_DISPATCH_INTERVAL")
	setDuration(&cfg.Settlement.RetryBase, "AUCTIOND_SETTLEMENT_RETRY_BASE")
	setDuration(&cfg.Settlement.RetryCap, "AUCTIOND_SETTLEMENT_RETRY_CAP")
	setInt(&cfg.Settlement.AlertAfterAttempts, "AUCTIOND_SETTLEMENT_ALERT_AFTER_ATTEMPTS")
	setDuration(&cfg.Settlement.RequestTimeout, "AUCTIOND_SETTLEMENT_REQUEST_TIMEOUT")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "AUCTIOND_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "AUCTIOND_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "AUCTIOND_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setInt(&cfg.Server.Port, "AUCTIOND_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "AUCTIOND_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "AUCTIOND_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "AUCTIOND_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "AUCTIOND_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "AUCTIOND_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "AUCTIOND_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "AUCTIOND_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "AUCTIOND_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "AUCTIOND_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
