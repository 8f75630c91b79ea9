package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clearmesh/settler/internal/batch"
	s3blob "github.com/clearmesh/settler/internal/blob/s3"
	"github.com/clearmesh/settler/internal/config"
	"github.com/clearmesh/settler/internal/domain"
	"github.com/clearmesh/settler/internal/ingest"
	"github.com/clearmesh/settler/internal/netting"
	"github.com/clearmesh/settler/internal/notify"
	"github.com/clearmesh/settler/internal/orchestrator"
	"github.com/clearmesh/settler/internal/store/postgres"
	redisstream "github.com/clearmesh/settler/internal/stream/redis"
	"github.com/clearmesh/settler/internal/submit"
	"github.com/clearmesh/settler/internal/submit/evm"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	TradeLog    domain.TradeLog
	Results     domain.ResultStore
	DeadLetters domain.DeadLetterStore
	Archiver    domain.ResultArchiver // nil when no bucket is configured
	Sink        domain.SettlementSink
	Notifier    *notify.Notifier

	Metrics      *batch.Metrics
	Submitter    *submit.Submitter
	Orchestrator *orchestrator.Orchestrator
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Redis trade log ---
	redisClient, err := redisstream.New(ctx, redisstream.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	tradeLog, err := redisstream.NewTradeLog(ctx, redisClient,
		cfg.Ingest.Stream, cfg.Ingest.Group, cfg.Ingest.Consumer)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: trade log: %w", err)
	}
	deps.TradeLog = tradeLog

	// --- PostgreSQL result stores ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Results = postgres.NewResultStore(pool)
	deps.DeadLetters = postgres.NewDeadLetterStore(pool)

	// --- S3 audit archival (only when a bucket is configured) ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Settlement sink ---
	if cfg.Sink.DryRun() {
		deps.Sink = submit.NewDryRunSink(cfg.Sink.DryRunLatency.Duration)
	} else {
		sink, err := evm.New(evm.Config{
			RPCURL:         cfg.Sink.RPCURL,
			Contract:       cfg.Sink.Contract,
			PrivateKey:     cfg.Sink.PrivateKey,
			ChainID:        cfg.Sink.ChainID,
			ConfirmTimeout: cfg.Sink.ConfirmTimeout.Duration,
			AmountDecimals: cfg.Sink.AmountDecimals,
			TokenAddresses: cfg.Sink.TokenAddresses,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: evm sink: %w", err)
		}
		closers = append(closers, sink.Close)
		deps.Sink = sink
	}

	// --- Pipeline core ---
	deps.Metrics = batch.NewMetrics()

	builder := batch.NewBuilder(batch.Config{
		MaxLegs:       cfg.Batch.MaxLegs,
		TimeWindow:    cfg.Batch.TimeWindow.Duration,
		CostCeiling:   cfg.Batch.CostCeiling,
		GasPerLeg:     cfg.Batch.GasPerLeg,
		HighWaterLegs: cfg.Batch.HighWaterLegs,
	}, logger)

	engine := netting.NewEngine(cfg.Batch.CollapseLegs, cfg.Batch.LegDeadline.Duration)

	dedup := ingest.NewDedup(cfg.Ingest.DedupTTL.Duration)

	deps.Submitter = submit.NewSubmitter(
		deps.Sink,
		deps.Results,
		deps.DeadLetters,
		deps.Notifier,
		deps.Metrics,
		cfg.Sink.SubmitTimeout.Duration,
		cfg.Sink.MaxInflight,
		logger,
	)

	deps.Orchestrator = orchestrator.New(
		deps.TradeLog,
		dedup,
		builder,
		engine,
		deps.Submitter,
		deps.Metrics,
		deps.Results,
		deps.Archiver,
		cfg.Ingest.ReadCount,
		orchestrator.Config{
			PollInterval:    cfg.Ingest.PollInterval.Duration,
			IdleSleep:       cfg.Ingest.IdleSleep.Duration,
			DedupCleanup:    cfg.Ingest.DedupCleanup.Duration,
			ArchiveInterval: cfg.S3.ArchiveInterval.Duration,
		},
		logger,
	)

	return deps, cleanup, nil
}
