package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/play-engine/approval"
	"github.com/songzhibin97/play-engine/bricks"
	"github.com/songzhibin97/play-engine/config"
	"github.com/songzhibin97/play-engine/directory"
	"github.com/songzhibin97/play-engine/events"
	"github.com/songzhibin97/play-engine/graph"
	"github.com/songzhibin97/play-engine/observability"
	"github.com/songzhibin97/play-engine/storage"
	"github.com/songzhibin97/play-engine/transport"
	"github.com/songzhibin97/play-engine/types"
	"github.com/songzhibin97/play-engine/workflow"
)

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfgFile string) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var metrics *observability.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
		gatherer = prometheus.DefaultGatherer
	}

	store, closeStore, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage initialization failed", zap.Error(err))
		return err
	}
	defer closeStore()

	dir := directory.NewMemory()
	if cfg.Definitions.Directory != "" {
		seed, err := directory.LoadSeed(cfg.Definitions.Directory)
		if err != nil {
			logger.Error("directory seed loading failed", zap.Error(err))
			return err
		}
		dir.Apply(seed)
	}

	bus := events.NewEventBus(events.WithBufferSize(cfg.Events.BufferSize), events.WithLogger(logger))
	defer bus.Stop()

	svc := approval.NewService(store, store, dir,
		approval.WithEventBus(bus),
		approval.WithLogger(logger),
		approval.WithMetrics(metrics),
		approval.WithGenerator(generator.NewSnowflake(time.Now().Add(-1*time.Second), cfg.Generator.MachineID)),
	)
	svc.AddNotifier(logNotifier{logger: logger})

	// Document and signature jobs are served in-process until an external service is
	// configured.
	jobs := bricks.NewMemoryJobs()
	engine, err := workflow.NewEngine(store, store, dir, bricks.DefaultRegistry(jobs, jobs),
		workflow.WithGates(svc),
		workflow.WithEventBus(bus),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithMaxSteps(cfg.Engine.MaxSteps),
	)
	if err != nil {
		return err
	}
	svc.SetResolutionHandler(engine)
	engine.SubscribeEvent(events.NodeFailed, events.EventHandlerFunc(func(ctx context.Context, e events.Event) error {
		logger.Warn("node failed",
			zap.String("workstream_id", e.WorkstreamID),
			zap.Any("node_id", e.Data["node_id"]),
			zap.Any("error", e.Data["error"]),
		)
		return nil
	}))

	if err := loadDefinitions(ctx, cfg.Definitions.Files, store, engine, logger); err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := transport.NewRouter(transport.Dependencies{
		Engine:      engine,
		Approvals:   svc,
		Logger:      logger,
		Metrics:     metrics,
		Gatherer:    gatherer,
		MetricsPath: cfg.Observability.Metrics.Path,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started",
			zap.String("addr", cfg.Server.Addr),
			zap.String("storage", cfg.Storage.Driver),
			zap.String("version", version),
			zap.String("commit", commit),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
		return err
	}
	return engine.Stop(shutdownCtx)
}

// openStorage builds the configured adapter and its closer.
func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Storage, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverRedis:
		rc := cfg.Storage.Redis
		s, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         rc.Addr,
			Password:     rc.Password,
			DB:           rc.DB,
			PoolSize:     rc.PoolSize,
			MinIdleConns: rc.MinIdleConns,
			IdleTimeout:  rc.IdleTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("closing redis", zap.Error(err))
			}
		}, nil
	case config.DriverPostgres:
		pool, err := storage.OpenPostgres(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, nil, err
		}
		s := storage.NewPgStorage(pool)
		if cfg.Storage.Postgres.Migrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, nil, err
			}
		}
		return s, s.Close, nil
	}
	return storage.NewMemoryStorage(), func() {}, nil
}

// loadDefinitions stores every approval template and registers every play of files.
func loadDefinitions(ctx context.Context, files []string, templates storage.TemplateStore, engine *workflow.Engine, logger *zap.Logger) error {
	for _, file := range files {
		defs, err := graph.LoadDefinitions(file)
		if err != nil {
			return err
		}
		for _, tpl := range defs.Templates {
			if errs := approval.ValidateTemplate(tpl); len(errs) > 0 {
				return fmt.Errorf("%s: template %s: %w", file, tpl.ID, types.ValidationErrors(errs))
			}
			if err := templates.SaveTemplate(ctx, tpl); err != nil {
				return fmt.Errorf("%s: save template %s: %w", file, tpl.ID, err)
			}
		}
		for _, play := range defs.Plays {
			if err := engine.RegisterPlay(ctx, play); err != nil {
				return fmt.Errorf("%s: play %s: %w", file, play.ID, err)
			}
		}
		logger.Info("definitions loaded",
			zap.String("file", file),
			zap.Int("plays", len(defs.Plays)),
			zap.Int("templates", len(defs.Templates)),
		)
	}
	return nil
}

// validateFiles reports every problem in the definition files and fails when any exist.
func validateFiles(out io.Writer, files []string) error {
	if len(files) == 0 {
		return errors.New("no definition files given")
	}
	problems := 0
	for _, file := range files {
		defs, err := graph.LoadDefinitions(file)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", file, err)
			problems++
			continue
		}
		for _, play := range defs.Plays {
			for _, e := range graph.ValidatePlay(play) {
				fmt.Fprintf(out, "%s: play %s: %s [%s]\n", file, play.ID, e.Error(), e.Code)
				problems++
			}
		}
		for _, tpl := range defs.Templates {
			for _, e := range approval.ValidateTemplate(tpl) {
				fmt.Fprintf(out, "%s: template %s: %s [%s]\n", file, tpl.ID, e.Error(), e.Code)
				problems++
			}
		}
		fmt.Fprintf(out, "%s: %d plays, %d templates\n", file, len(defs.Plays), len(defs.Templates))
	}
	if problems > 0 {
		return fmt.Errorf("%d problems found", problems)
	}
	return nil
}

// logNotifier logs gate and sequence events.
type logNotifier struct {
	logger *zap.Logger
}

func (n logNotifier) Notify(ctx context.Context, e events.Event) error {
	n.logger.Info("approval event",
		zap.String("type", e.Type),
		zap.String("workstream_id", e.WorkstreamID),
	)
	return nil
}
