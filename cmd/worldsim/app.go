package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"

	"worldsim/internal/config"
	"worldsim/internal/debug"
	"worldsim/internal/game"
	"worldsim/internal/game/narration"
	"worldsim/internal/llm"
	"worldsim/internal/logging"
	"worldsim/internal/observability"
	"worldsim/internal/seed"
	"worldsim/internal/store/memstore"
	"worldsim/internal/store/postgres"
	"worldsim/internal/store/sqlite"
)

// app holds everything a subcommand may need. cleanup releases it in
// reverse order of creation.
type app struct {
	cfg         *config.Config
	debug       *debug.Logger
	store       game.Store
	completions *logging.CompletionLogger
	factory     llm.Factory
	engine      *narration.Engine
	metrics     http.Handler

	closers []func(context.Context) error
}

func createApp(ctx context.Context, cfg *config.Config) (*app, func(), error) {
	a := &app{cfg: cfg}
	cleanup := func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](context.Background()); err != nil {
				a.debug.Warn("shutdown", "error", err)
			}
		}
	}
	if err := a.init(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	return a, cleanup, nil
}

func (a *app) init(ctx context.Context) error {
	debugLogger, err := debug.NewLogger(debug.Options{
		Enabled: a.cfg.Debug.Enabled,
		Path:    a.cfg.Debug.Path,
		Level:   a.cfg.Debug.Level,
	})
	if err != nil {
		return err
	}
	a.debug = debugLogger
	a.closers = append(a.closers, func(context.Context) error { return debugLogger.Close() })

	tracerProvider, err := observability.InitTracing(ctx, observability.Config{
		ServiceName:    "worldsim",
		ServiceVersion: version,
		Environment:    a.cfg.Tracing.Environment,
		Enabled:        a.cfg.Tracing.Enabled,
		LangfuseHost:   a.cfg.Tracing.LangfuseHost,
		PublicKey:      a.cfg.Tracing.PublicKey,
		SecretKey:      a.cfg.Tracing.SecretKey,
	})
	if err != nil {
		a.debug.Printf("Failed to initialize tracing: %v", err)
		tracerProvider, _ = observability.InitTracing(ctx, observability.Config{})
	} else if tracerProvider.IsEnabled() {
		a.debug.Println("OpenTelemetry tracing initialized and enabled")
	}
	a.closers = append(a.closers, tracerProvider.Shutdown)

	metrics := observability.NopMetrics()
	if a.cfg.Metrics.ListenAddr != "" {
		handler, shutdown, err := observability.InitMetrics()
		if err != nil {
			return err
		}
		a.closers = append(a.closers, shutdown)
		a.metrics = handler
		if metrics, err = observability.NewMetrics(otel.GetMeterProvider()); err != nil {
			return err
		}
	}

	if a.store, err = a.openStore(ctx); err != nil {
		return err
	}

	if a.cfg.CompletionLog.Path != "" {
		completions, err := logging.NewCompletionLogger(a.cfg.CompletionLog.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize completion logger: %w", err)
		}
		a.completions = completions
		a.closers = append(a.closers, func(context.Context) error { return completions.Close() })
	}

	tracer := tracerProvider.GetTracer("worldsim")
	a.factory = llm.NewFactory(
		llm.WithBaseURL(a.cfg.LLM.BaseURL),
		llm.WithModels(a.cfg.LLM.NarrationModel, a.cfg.LLM.ExtractionModel),
		llm.WithMaxTokens(a.cfg.LLM.MaxTokens),
		llm.WithMaxRetries(a.cfg.LLM.MaxRetries),
		llm.WithTimeout(a.cfg.LLM.Timeout),
		llm.WithDebug(a.debug),
		llm.WithTracer(tracer),
		llm.WithCompletionLog(a.completions),
	)
	a.engine = narration.NewEngine(narration.Config{
		Factory:           a.factory,
		Store:             a.store,
		StalePendingAfter: a.cfg.Engine.StalePendingAfter,
		Debug:             a.debug,
		Tracer:            tracer,
		Metrics:           metrics,
	})
	return nil
}

func (a *app) openStore(ctx context.Context) (game.Store, error) {
	switch a.cfg.Store.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(a.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Connect(ctx, a.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { s.Close(); return nil })
		return s, nil
	case config.DriverMemory:
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
}

// seed applies the configured seed file, if any, and reports what it made.
func (a *app) seed(ctx context.Context, path string) ([]seed.Seeded, error) {
	if path == "" {
		return nil, nil
	}
	file, err := seed.LoadFile(path)
	if err != nil {
		return nil, err
	}
	seeded, err := seed.Apply(ctx, a.store, file)
	for _, s := range seeded {
		for _, c := range s.Characters {
			a.debug.Info("seeded character", "world", s.World.Name, "world_id", s.World.ID, "character", c.Name, "character_id", c.ID)
		}
	}
	return seeded, err
}

func (a *app) serveMetrics(ctx context.Context) {
	if a.metrics == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics)
	srv := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.debug.Error("metrics listener stopped", "error", err)
		}
	}()
}
