package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"genstudio/internal/bootstrap"
	"genstudio/internal/infra"
)

const maintenanceInterval = time.Minute

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("component", "worker").Logger()

	if cfg.Queue.Backend == "memory" {
		logger.Fatal().Msg("worker: QUEUE_BACKEND=memory is consumed by the api process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Build(ctx, cfg, logger, "worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: bootstrap failed")
	}
	defer svc.Close(context.Background())

	go svc.Maintain(ctx, maintenanceInterval)

	logger.Info().
		Str("queue", cfg.Queue.Backend).
		Int("concurrency", cfg.Queue.WorkerConcurrency).
		Msg("worker: started")
	if err := svc.Queue.Run(ctx, svc.Dispatcher.Execute); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: stopped with error")
	}

	// Let in-flight promotions finish writing before the process exits.
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Promoter.Wait(waitCtx); err != nil {
		logger.Warn().Err(err).Msg("worker: promotions interrupted")
	}
	logger.Info().Msg("worker: stopped")
}
