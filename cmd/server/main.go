package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"aiedu.app/tutor/internal/api"
	"aiedu.app/tutor/internal/auth"
	"aiedu.app/tutor/internal/config"
	"aiedu.app/tutor/internal/core"
	"aiedu.app/tutor/internal/events"
	"aiedu.app/tutor/internal/gateway"
	"aiedu.app/tutor/internal/render"
	"aiedu.app/tutor/internal/store"
)

func main() {
	// Load configuration
	config.LoadConfig()
	cfg := config.AppConfig

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		logger = logger.Level(level)
	}

	ctx := context.Background()

	// Initialize record store
	db, err := store.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	defer db.Close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	// Initialize inference gateway
	var client gateway.Client
	switch cfg.GatewayBackend {
	case "rest":
		client = gateway.NewREST(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiEndpoint, logger)
	default:
		g, err := gateway.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create Gemini client")
		}
		defer g.Close()
		client = g
	}
	client = gateway.Metered{Client: gateway.ComingSoon{
		Client:       client,
		ImageEnabled: cfg.VisionEnabled,
		PDFEnabled:   cfg.StudyEnabled,
	}}

	// Exchange events are optional
	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		p, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSToken, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("NATS unavailable, exchange events disabled")
		} else {
			publisher = p
		}
	}
	defer publisher.Close()

	// Identity provider
	provider := auth.NewProvider(db, auth.NewTokens(cfg.JWTSecret, auth.DefaultTokenTTL), logger)
	if cfg.FederatedEnabled() {
		provider.WithFederated(auth.NewGoogleFederated(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthRedirectURL))
		logger.Info().Msg("federated sign-in enabled")
	}

	pages := core.NewRegistry(core.Deps{
		Store:    db,
		Gateway:  client,
		Renderer: render.NewMarkdown(),
		Events:   publisher,
		Logger:   logger,
	})

	apiHandler := api.NewAPIHandler(provider, pages, db, logger, api.Options{
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
		SecureCookies:  !cfg.IsDevelopment(),
	})
	router := api.NewRouter(logger, apiHandler, api.RouterConfig{
		CORSOrigins:      cfg.CORSOrigins,
		AskRatePerMinute: cfg.AskRatePerMinute,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// Event streams stay open for the life of a page.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.HTTPPort).
			Str("env", cfg.Env).
			Str("gateway", cfg.GatewayBackend).
			Msg("starting tutor server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Closing the pages ends their event streams so Shutdown can finish.
	pages.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
