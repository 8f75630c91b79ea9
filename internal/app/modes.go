package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clearmesh/settler/internal/server"
	"github.com/clearmesh/settler/internal/server/handler"
)

// RunMode runs the full settlement pipeline and, when enabled, the HTTP API
// alongside it.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Orchestrator.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// PipelineMode runs the settlement pipeline headless, without the HTTP API.
func (a *App) PipelineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting pipeline mode")
	return deps.Orchestrator.Run(ctx)
}

// ServeMode runs the HTTP API only. The pipeline is idle; the API serves
// batch results, recovery, and trade enqueueing against the shared stores.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// startHTTPServer builds the API server from the wired dependencies and
// registers its lifecycle on the errgroup.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
		},
		server.Handlers{
			Health:  handler.NewHealthHandler(deps.Sink.Name()),
			Batches: handler.NewBatchHandler(deps.Results, deps.DeadLetters, deps.Submitter),
			Metrics: handler.NewMetricsHandler(deps.Orchestrator),
			Trades:  handler.NewTradeHandler(deps.TradeLog),
		},
		a.logger,
	)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
