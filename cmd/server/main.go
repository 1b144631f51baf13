package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"algo-trace-engine/internal/api"
	"algo-trace-engine/internal/benchmark"
	"algo-trace-engine/internal/complexity"
	"algo-trace-engine/internal/config"
	"algo-trace-engine/internal/governor"
	"algo-trace-engine/internal/monitor"
	"algo-trace-engine/internal/sandbox"
	"algo-trace-engine/internal/session"
	"algo-trace-engine/internal/storage"
	"algo-trace-engine/internal/stream"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
		cfg.ApplyEnv()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing := setupTracing(ctx, cfg.Tracing)

	metrics := monitor.NewMetrics()

	// Backend selection probes process, containerd and Docker.
	backend, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("no sandbox backend available")
	}

	gov := governor.New(cfg.Governor.PollInterval, cfg.Governor.CPUGrace)
	runner := sandbox.NewRunner(backend, gov, cfg, metrics)
	engine := complexity.NewEngine(cfg.Complexity.TieEpsilon, cfg.Complexity.MinPoints)
	orchestrator := benchmark.New(runner, engine, cfg.Benchmark)
	broker := stream.NewBroker(cfg.Stream.SubscriberBuffer, stream.WithDropHook(metrics.DroppedEvent))

	// The history store is optional; sessions run without it.
	opts := []session.Option{session.WithObserver(metrics)}
	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.Warn().Err(err).Msg("session history store unavailable, archived lookups disabled")
	}
	var history *storage.HistoryWriter
	if store != nil {
		history = storage.NewHistoryWriter(store, cfg.Database.BufferSize, storage.WithDropHook(metrics.DroppedRecord))
		history.Start()
		opts = append(opts, session.WithStore(store), session.WithHistory(history))
	}

	manager := session.New(runner, orchestrator, broker, cfg, opts...)
	if err := manager.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start session manager")
	}

	deps := api.Deps{Sessions: manager, Runner: runner, Metrics: metrics}
	if store != nil {
		deps.Store = store
	}
	server := api.NewServer(cfg, deps)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		// Cancelling sessions first ends their event streams, which lets
		// the HTTP server drain.
		if err := manager.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("session manager shutdown error")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := runner.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("sandbox shutdown error")
		}
		if history != nil {
			history.Flush(10 * time.Second)
		}
		if store != nil {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("history store close error")
			}
		}
		shutdownTracing(shutdownCtx)

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", runner.Backend()).
		Strs("languages", runner.Languages()).
		Bool("history_enabled", store != nil).
		Msg("server starting")

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-ctx.Done()
	log.Info().Msg("server stopped")
}

// setupTracing installs an OTLP/HTTP exporter when tracing is enabled. The
// returned function flushes and stops it.
func setupTracing(ctx context.Context, cfg config.TracingConfig) func(context.Context) {
	if !cfg.Enabled {
		return func(context.Context) {}
	}

	var opts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled: exporter setup failed")
		return func(context.Context) {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Sample))),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "algo-trace-engine"))),
	)
	otel.SetTracerProvider(tp)
	log.Info().Str("endpoint", cfg.Endpoint).Float64("sample_rate", cfg.Sample).Msg("tracing enabled")

	return func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("tracer shutdown error")
		}
	}
}
