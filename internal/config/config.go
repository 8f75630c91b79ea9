// Package config defines the top-level configuration for the settlement
// batching orchestrator and provides validation helpers.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by SETTLER_* environment
// variables. Configuration is loaded once at startup; there is no hot reload.
type Config struct {
	Batch    BatchConfig    `toml:"batch"`
	Ingest   IngestConfig   `toml:"ingest"`
	Sink     SinkConfig     `toml:"sink"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BatchConfig holds the accumulation-window trigger policy.
type BatchConfig struct {
	// MaxLegs closes a window as soon as the leg count reaches it, and is
	// the hard bound on legs per submitted batch.
	MaxLegs int `toml:"max_legs"`
	// TimeWindow closes a window once it has been open this long, bounding
	// latency under low trade volume.
	TimeWindow duration `toml:"time_window"`
	// CostCeiling closes a window once the estimated execution cost (gas
	// units) of its legs reaches this value.
	CostCeiling uint64 `toml:"cost_ceiling"`
	// GasPerLeg is the per-leg contribution to the cost estimate.
	GasPerLeg uint64 `toml:"gas_per_leg"`
	// HighWaterLegs is the buffered-but-unbatched leg count above which the
	// backpressure signal is raised.
	HighWaterLegs int `toml:"high_water_legs"`
	// LegDeadline is how far in the future each leg's settlement deadline is
	// stamped at netting time.
	LegDeadline duration `toml:"leg_deadline"`
	// CollapseLegs enables deterministic cross-trade netting of same-token,
	// same-counterparty legs within a window.
	CollapseLegs bool `toml:"collapse_legs"`
}

// IngestConfig holds the trade-log consumer parameters.
type IngestConfig struct {
	Stream       string   `toml:"stream"`
	Group        string   `toml:"group"`
	Consumer     string   `toml:"consumer"`
	ReadCount    int      `toml:"read_count"`
	PollInterval duration `toml:"poll_interval"`
	// IdleSleep is how long the consumer pauses before its next read while
	// the backpressure signal is raised.
	IdleSleep    duration `toml:"idle_sleep"`
	DedupTTL     duration `toml:"dedup_ttl"`
	DedupCleanup duration `toml:"dedup_cleanup"`
}

// SinkConfig holds the settlement sink endpoint and credentials. Leaving
// RPCURL or Contract empty selects dry-run mode: batches are confirmed with a
// synthetic reference and no external call is made.
type SinkConfig struct {
	RPCURL         string            `toml:"rpc_url"`
	Contract       string            `toml:"contract"`
	PrivateKey     string            `toml:"private_key"`
	ChainID        int64             `toml:"chain_id"`
	SubmitTimeout  duration          `toml:"submit_timeout"`
	ConfirmTimeout duration          `toml:"confirm_timeout"`
	// AmountDecimals scales decimal leg amounts to the sink's integer units.
	AmountDecimals int32 `toml:"amount_decimals"`
	// TokenAddresses maps token symbols to on-chain contract addresses.
	TokenAddresses map[string]string `toml:"token_addresses"`
	// MaxInflight bounds concurrent submissions; per-batch submissions are
	// always serialized regardless of this value.
	MaxInflight int `toml:"max_inflight"`
	// DryRunLatency simulates sink latency when no sink is configured.
	DryRunLatency duration `toml:"dry_run_latency"`
}

// DryRun reports whether the sink configuration selects dry-run mode.
func (s SinkConfig) DryRun() bool {
	return s.RPCURL == "" || s.Contract == ""
}

// RedisConfig holds connection parameters for the durable trade log.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// PostgresConfig holds connection parameters for the result store.
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

// S3Config holds object-storage parameters for audit archival. An empty
// Bucket disables archival.
type S3Config struct {
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// ServerConfig holds the query API server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// NotifyConfig holds operator notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5s", "24h").
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

// Defaults returns a Config populated with reasonable default values. These
// match the values in config.example.toml.
func Defaults() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "settler-1"
	}

	return Config{
		Batch: BatchConfig{
			MaxLegs:       200,
			TimeWindow:    duration{5 * time.Second},
			CostCeiling:   8_000_000,
			GasPerLeg:     40_000,
			HighWaterLegs: 1_000,
			LegDeadline:   duration{time.Hour},
			CollapseLegs:  false,
		},
		Ingest: IngestConfig{
			Stream:       "settler:trades",
			Group:        "settlement-batcher",
			Consumer:     host,
			ReadCount:    128,
			PollInterval: duration{time.Second},
			IdleSleep:    duration{250 * time.Millisecond},
			DedupTTL:     duration{24 * time.Hour},
			DedupCleanup: duration{5 * time.Minute},
		},
		Sink: SinkConfig{
			ChainID:        1,
			SubmitTimeout:  duration{30 * time.Second},
			ConfirmTimeout: duration{90 * time.Second},
			AmountDecimals: 6,
			TokenAddresses: map[string]string{},
			MaxInflight:    4,
			DryRunLatency:  duration{25 * time.Millisecond},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "settler",
			User:          "settler",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Region:          "us-east-1",
			UseSSL:          true,
			ForcePathStyle:  false,
			ArchiveInterval: duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8090,
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

// Validate checks the configuration for internal consistency. It returns the
// first problem found.
func (c *Config) Validate() error {
	switch c.Mode {
	case "run", "pipeline", "serve":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	if c.Batch.MaxLegs <= 0 {
		return fmt.Errorf("config: batch.max_legs must be positive, got %d", c.Batch.MaxLegs)
	}
	if c.Batch.TimeWindow.Duration <= 0 {
		return fmt.Errorf("config: batch.time_window must be positive")
	}
	if c.Batch.CostCeiling == 0 {
		return fmt.Errorf("config: batch.cost_ceiling must be positive")
	}
	if c.Batch.HighWaterLegs < c.Batch.MaxLegs {
		return fmt.Errorf("config: batch.high_water_legs (%d) must be at least batch.max_legs (%d)",
			c.Batch.HighWaterLegs, c.Batch.MaxLegs)
	}

	if c.Ingest.Stream == "" || c.Ingest.Group == "" || c.Ingest.Consumer == "" {
		return fmt.Errorf("config: ingest.stream, ingest.group and ingest.consumer are required")
	}
	if c.Ingest.PollInterval.Duration <= 0 {
		return fmt.Errorf("config: ingest.poll_interval must be positive")
	}
	if c.Ingest.ReadCount <= 0 {
		return fmt.Errorf("config: ingest.read_count must be positive")
	}

	if !c.Sink.DryRun() {
		if c.Sink.PrivateKey == "" {
			return fmt.Errorf("config: sink.private_key is required when a sink endpoint is configured")
		}
		if c.Sink.ChainID <= 0 {
			return fmt.Errorf("config: sink.chain_id must be positive")
		}
	}
	if c.Sink.MaxInflight <= 0 {
		return fmt.Errorf("config: sink.max_inflight must be positive")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}

	return nil
}
