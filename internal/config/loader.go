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
// built-in defaults, applies SETTLER_* environment variable overrides, and
// returns the final Config. A missing file is not an error; defaults plus
// environment overrides then apply. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SETTLER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Batch ──
	setInt(&cfg.Batch.MaxLegs, "SETTLER_BATCH_MAX_LEGS")
	setDuration(&cfg.Batch.TimeWindow, "SETTLER_BATCH_TIME_WINDOW")
	setUint64(&cfg.Batch.CostCeiling, "SETTLER_BATCH_COST_CEILING")
	setUint64(&cfg.Batch.GasPerLeg, "SETTLER_BATCH_GAS_PER_LEG")
	setInt(&cfg.Batch.HighWaterLegs, "SETTLER_BATCH_HIGH_WATER_LEGS")
	setDuration(&cfg.Batch.LegDeadline, "SETTLER_BATCH_LEG_DEADLINE")
	setBool(&cfg.Batch.CollapseLegs, "SETTLER_BATCH_COLLAPSE_LEGS")

	// ── Ingest ──
	setStr(&cfg.Ingest.Stream, "SETTLER_INGEST_STREAM")
	setStr(&cfg.Ingest.Group, "SETTLER_INGEST_GROUP")
	setStr(&cfg.Ingest.Consumer, "SETTLER_INGEST_CONSUMER")
	setInt(&cfg.Ingest.ReadCount, "SETTLER_INGEST_READ_COUNT")
	setDuration(&cfg.Ingest.PollInterval, "SETTLER_INGEST_POLL_INTERVAL")
	setDuration(&cfg.Ingest.IdleSleep, "SETTLER_INGEST_IDLE_SLEEP")
	setDuration(&cfg.Ingest.DedupTTL, "SETTLER_INGEST_DEDUP_TTL")
	setDuration(&cfg.Ingest.DedupCleanup, "SETTLER_INGEST_DEDUP_CLEANUP")

	// ── Sink ──
	setStr(&cfg.Sink.RPCURL, "SETTLER_SINK_RPC_URL")
	setStr(&cfg.Sink.Contract, "SETTLER_SINK_CONTRACT")
	setStr(&cfg.Sink.PrivateKey, "SETTLER_SINK_PRIVATE_KEY")
	setInt64(&cfg.Sink.ChainID, "SETTLER_SINK_CHAIN_ID")
	setDuration(&cfg.Sink.SubmitTimeout, "SETTLER_SINK_SUBMIT_TIMEOUT")
	setDuration(&cfg.Sink.ConfirmTimeout, "SETTLER_SINK_CONFIRM_TIMEOUT")
	setInt32(&cfg.Sink.AmountDecimals, "SETTLER_SINK_AMOUNT_DECIMALS")
	setInt(&cfg.Sink.MaxInflight, "SETTLER_SINK_MAX_INFLIGHT")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SETTLER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SETTLER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SETTLER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SETTLER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SETTLER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SETTLER_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SETTLER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SETTLER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SETTLER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SETTLER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SETTLER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SETTLER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SETTLER_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SETTLER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SETTLER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SETTLER_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "SETTLER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SETTLER_S3_REGION")
	setStr(&cfg.S3.Bucket, "SETTLER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SETTLER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SETTLER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SETTLER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SETTLER_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "SETTLER_S3_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SETTLER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SETTLER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SETTLER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SETTLER_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SETTLER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SETTLER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SETTLER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SETTLER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SETTLER_MODE")
	setStr(&cfg.LogLevel, "SETTLER_LOG_LEVEL")
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

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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
