package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"pipeviz/internal/archive"
	"pipeviz/internal/audit"
	"pipeviz/internal/eventbus"
	"pipeviz/internal/executor"
	"pipeviz/internal/gateway/config"
	"pipeviz/internal/gateway/handler"
	"pipeviz/internal/gateway/handler/rpc"
	"pipeviz/internal/gateway/server"
	"pipeviz/internal/logging"
	"pipeviz/internal/notify"
	"pipeviz/internal/pipeline"
	"pipeviz/internal/stepgraph"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	server   *server.Server
	registry *pipeline.Registry
	runner   *executor.Runner
	archiver *archive.Archiver
	watcher  *stepgraph.Watcher
	closers  []func() error
}

// New wires every component from cfg. A step config that does not load or
// validate is fatal.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger = logging.OrDiscard(logger)
	a := &App{cfg: cfg, logger: logger}

	graph, err := stepgraph.Load(cfg.StepsConfig)
	if err != nil {
		return nil, fmt.Errorf("load step config: %w", err)
	}
	logger.Info("step graph loaded", "path", cfg.StepsConfig, "steps", graph.Len(), "version", graph.Version())

	bus := eventbus.New[pipeline.Event](
		eventbus.WithBufferSize(cfg.SubscriberBuffer),
		eventbus.WithLogger(logger.With("component", "eventbus")),
	)

	ledger, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}

	reg, err := pipeline.NewRegistry(graph,
		pipeline.WithPublisher(bus),
		pipeline.WithLedger(ledger),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.registry = reg

	// Left as a nil interface when disabled so handlers report it as such.
	var exec notify.Executor
	if cfg.StepCommand != "" {
		cmd, err := executor.ParseCommandLine(cfg.StepCommand)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("STEP_COMMAND: %w", err)
		}
		a.runner = executor.NewRunner(reg, cmd, logger)
		exec = a.runner
	}

	if cfg.Archive.Enabled {
		store, err := archive.NewS3Store(archive.S3Config{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("archive store: %w", err)
		}
		a.archiver = archive.New(reg, bus, store, archive.WithLogger(logger))
	}

	if cfg.WatchSteps {
		w, err := stepgraph.NewWatcher(cfg.StepsConfig, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		w.SetCurrent(graph.Version())
		a.watcher = w
	}

	// Routing & Server
	mux := server.NewMux(
		rpc.NewPipelineHandler(reg, exec),
		rpc.NewPipelineWSHandler(reg, bus, exec, logger),
		handler.NewStatusHandler(reg),
		cfg.AllowedOrigins...,
	)
	a.server = server.New(cfg.Port, mux, logger)
	return a, nil
}

func (a *App) openLedger(ctx context.Context) (audit.Ledger, error) {
	if a.cfg.AuditDSN == "" {
		a.logger.Info("acknowledgment history kept in memory")
		return audit.NewMemory(), nil
	}
	pg, err := audit.NewPostgres(ctx, a.cfg.AuditDSN)
	if err != nil {
		return nil, fmt.Errorf("open acknowledgment ledger: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	return pg, nil
}

func (a *App) Registry() *pipeline.Registry { return a.registry }

// Run serves until ctx is canceled or a component fails, then shuts the
// server down gracefully.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if a.archiver != nil {
		g.Go(func() error { return a.archiver.Run(gctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx, a.registry.SetGraph) })
	}

	err := g.Wait()
	if a.runner != nil {
		a.runner.Close()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}
