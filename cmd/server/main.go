package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/runstream/internal/api"
	"github.com/ahrav/runstream/internal/app/dispatch"
	"github.com/ahrav/runstream/internal/app/ingest"
	"github.com/ahrav/runstream/internal/app/registry"
	"github.com/ahrav/runstream/internal/config"
	gateway "github.com/ahrav/runstream/internal/gateway/service"
	"github.com/ahrav/runstream/internal/infra/eventbus/memory"
	"github.com/ahrav/runstream/internal/infra/executor"
	storage "github.com/ahrav/runstream/internal/infra/storage/memory"
	"github.com/ahrav/runstream/pkg/common/logger"
	"github.com/ahrav/runstream/pkg/common/otel"
	"github.com/ahrav/runstream/pkg/common/timeutil"
)

var build = "develop"

const serviceType = "runstream"

// metricWindowSize bounds how many samples are retained per session.
const metricWindowSize = 256

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get hostname: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			maps.Copy(errorAttrs, r.Attributes)

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	metadata := map[string]string{
		"service":  cfg.Service.Name,
		"hostname": hostname,
		"build":    build,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, parseLogLevel(cfg.Service.LogLevel),
		cfg.Service.Name, traceIDFn, logEvents, metadata)

	ctx := context.Background()
	if err := run(ctx, log, cfg, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname string) error {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Telemetry

	var (
		tracerProvider trace.TracerProvider = tracenoop.NewTracerProvider()
		meterProvider  metric.MeterProvider = metricnoop.NewMeterProvider()
	)
	if cfg.Telemetry.Enabled {
		log.Info(ctx, "startup", "status", "initializing telemetry support")

		tp, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      cfg.Service.Name,
			ExporterEndpoint: cfg.Telemetry.Endpoint,
			Probability:      cfg.Telemetry.Probability,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"hostname":         hostname,
			},
			InsecureExporter: true,
		})
		if err != nil {
			return fmt.Errorf("starting telemetry: %w", err)
		}
		defer teardown(context.Background())
		tracerProvider = tp

		mp, err := otel.NewMeterProvider(cfg.Service.Name)
		if err != nil {
			return fmt.Errorf("creating meter provider: %w", err)
		}
		meterProvider = mp
	}
	tracer := tracerProvider.Tracer(cfg.Service.Name)
	timeProvider := timeutil.Default()

	// -------------------------------------------------------------------------
	// Event bus, storage, application services

	log.Info(ctx, "startup", "status", "initializing event bus and stores")

	bus := memory.NewEventBus()
	defer func() { _ = bus.Close() }()
	publisher := memory.NewDomainEventPublisher(bus)

	sessionStore := storage.NewSessionStore(timeProvider, tracer)
	metricStore := storage.NewMetricStore(metricWindowSize, tracer)

	registrySvc := registry.NewService(sessionStore, metricStore, publisher, log, tracer)

	pipeline := ingest.NewPipeline(
		registrySvc,
		publisher,
		ingest.NewTrainerOutputParser(),
		timeProvider,
		log,
		tracer,
	)

	exec := executor.NewLocal(executor.LocalConfig{
		Command:    cfg.Executor.Command,
		Args:       cfg.Executor.Args,
		WorkingDir: cfg.Executor.WorkingDir,
	}, log, tracer)

	dispatcher := dispatch.NewDispatcher(registrySvc, exec, pipeline, cfg.Dispatch.CancelGrace, log, tracer)

	// -------------------------------------------------------------------------
	// Live channel

	log.Info(ctx, "startup", "status", "initializing live channel")

	gatewayMetrics, err := gateway.NewGatewayMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("creating gateway metrics: %w", err)
	}

	connRegistry := gateway.NewConnectionRegistry(cfg.Gateway.QueueSize, timeProvider, gatewayMetrics, log, tracer)
	router := gateway.NewBroadcastRouter(connRegistry, log, tracer)
	if err := router.Register(ctx, bus); err != nil {
		return fmt.Errorf("registering broadcast router: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	liveness := gateway.NewLivenessMonitor(
		connRegistry,
		cfg.Gateway.PingInterval,
		cfg.Gateway.PongTimeout,
		timeProvider,
		gatewayMetrics,
		log,
		tracer,
	)
	liveness.Start(runCtx)

	wsHandler := gateway.NewHandler(connRegistry, registrySvc, gatewayMetrics, log, tracer)

	// -------------------------------------------------------------------------
	// HTTP server

	mux := api.NewRouter(api.Config{
		Sessions:   registrySvc,
		Dispatcher: dispatcher,
		WebSocket:  wsHandler,
		Logger:     log,
	})

	server := http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		log.Info(gctx, "startup", "status", "http server started", "host", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case sig := <-shutdown:
			log.Info(gctx, "shutdown", "status", "shutdown started", "signal", sig.String())
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		cancel()
		log.Info(gctx, "shutdown", "status", "shutdown complete")
		return nil
	})

	return g.Wait()
}

func parseLogLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}
