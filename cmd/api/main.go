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
	"genstudio/internal/http/handlers"
	httpapi "genstudio/internal/http/httpapi"
	"genstudio/internal/infra"
	"genstudio/internal/payments"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("component", "api").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Build(ctx, cfg, logger, "api")
	if err != nil {
		logger.Fatal().Err(err).Msg("api: bootstrap failed")
	}
	defer svc.Close(context.Background())

	app := &handlers.App{
		Logger:     logger,
		Dispatcher: svc.Dispatcher,
		Status:     svc.Status,
		Ledger:     svc.Ledger,
		Catalog:    svc.Catalog,
	}
	if cfg.Payments.StripeWebhookSecret != "" {
		app.Webhook = payments.NewStripeWebhook(cfg.Payments.StripeWebhookSecret, svc.Ledger, logger)
	}
	if cfg.Payments.StripeSecretKey != "" {
		checkout, err := payments.NewCheckout(payments.CheckoutOptions{
			SecretKey:  cfg.Payments.StripeSecretKey,
			SuccessURL: cfg.Payments.CheckoutSuccessURL,
			CancelURL:  cfg.Payments.CheckoutCancelURL,
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("api: checkout configuration failed")
		}
		app.Checkout = checkout
	}

	opts := httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Logger:          logger,
	}
	if svc.Files != nil {
		opts.Files = svc.Files.Handler("/files")
	}
	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app, opts), logger)

	// The in-memory queue only exists in this process, so consume it here.
	if cfg.Queue.Backend == "memory" {
		go func() {
			if err := svc.Queue.Run(ctx, svc.Dispatcher.Execute); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("api: inline worker stopped")
			}
		}()
		go svc.Maintain(ctx, time.Minute)
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := svc.Promoter.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api: background promotions still running")
	}
	logger.Info().Msg("server stopped")
}
