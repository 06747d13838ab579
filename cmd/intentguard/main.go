package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/tjfontaine/intentguard/internal/api/analyze"
	"github.com/tjfontaine/intentguard/internal/api/controlplane"
	"github.com/tjfontaine/intentguard/internal/config"
	"github.com/tjfontaine/intentguard/internal/logger"
	"github.com/tjfontaine/intentguard/internal/pipeline"
	"github.com/tjfontaine/intentguard/internal/server"
	"github.com/tjfontaine/intentguard/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	l, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	slog.SetDefault(l)

	shutdownTracer, err := telemetry.InitTracer(cfg.Logging.Service, l)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			l.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Error("intentguard stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, l *slog.Logger) error {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	l.Info("storage ready", slog.String("type", cfg.Storage.Type))

	cal, err := calendarSource(cfg.Calendar, store, l)
	if err != nil {
		return err
	}
	mail, err := emailSource(cfg.Email, l)
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg, store, cal, mail, l)
	if err != nil {
		return err
	}
	judge, err := buildJudgment(ctx, cfg.Judgment, l)
	if err != nil {
		return err
	}

	orch := pipeline.NewOrchestrator(reg, judge, store, pipelineConfig(cfg),
		pipeline.WithLogger(l),
		pipeline.WithTracer(otel.Tracer("intentguard/pipeline")),
	)

	srv := server.New(server.Config{
		Port:              cfg.Server.Port,
		RequestTimeout:    cfg.Server.RequestTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}, l)

	limiter := server.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	go limiter.Run(ctx)

	analyze.NewHandler(orch, l).Mount(srv.Router, limiter)
	var cpOpts []controlplane.Option
	if mail != nil {
		cpOpts = append(cpOpts, controlplane.WithEmail(mail))
	}
	controlplane.NewServer(srv.Router, store, overview(cfg, reg), cpOpts...)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	l.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	l.Info("shutdown complete")
	return nil
}
