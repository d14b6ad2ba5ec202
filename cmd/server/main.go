package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/elvachat/relay/internal/api"
	"github.com/elvachat/relay/internal/api/middleware"
	"github.com/elvachat/relay/internal/assistant"
	"github.com/elvachat/relay/internal/attachments"
	"github.com/elvachat/relay/internal/auth"
	"github.com/elvachat/relay/internal/config"
	"github.com/elvachat/relay/internal/delivery"
	"github.com/elvachat/relay/internal/events"
	"github.com/elvachat/relay/internal/handlers"
	"github.com/elvachat/relay/internal/readstate"
	"github.com/elvachat/relay/internal/realtime"
	"github.com/elvachat/relay/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

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

	ctx := context.Background()

	dataStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("storage init failed")
	}
	defer dataStore.Close()

	// Initialize Redis store
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Message events
	var publisher events.Publisher = events.NopPublisher{}
	var eventsPinger handlers.Pinger
	if cfg.NATSURL != "" {
		nc, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connection failed")
		}
		defer nc.Close()
		publisher, eventsPinger = nc, nc
		logger.Info().Str("subject", cfg.NATSSubject).Msg("connected to NATS")
	}

	// The hub pushes for the engine and the engine delivers for the hub.
	hub := realtime.NewHub(dataStore, logger, realtime.Options{AllowedOrigins: cfg.AllowedOrigins})
	engine := delivery.NewEngine(dataStore, hub.Registry(), hub, publisher, logger)
	hub.SetDeliverer(engine)

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	authService := auth.NewService(dataStore, tokens, logger)

	uploader := attachments.NewImageKitUploader(attachments.ImageKitConfig{
		PublicKey:    cfg.ImageKitPublicKey,
		PrivateKey:   cfg.ImageKitPrivateKey,
		URLEndpoint:  cfg.ImageKitURLEndpoint,
		UploadPrefix: cfg.ImageKitUploadPrefix,
	}, logger)
	if !uploader.Configured() {
		logger.Warn().Msg("imagekit keys missing; uploads will fail")
	}

	var llm assistant.LLM = assistant.MockLLM{}
	if cfg.GeminiAPIKey != "" {
		gemini, err := assistant.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.AssistantName)
		if err != nil {
			logger.Fatal().Err(err).Msg("gemini client init failed")
		}
		llm = gemini
	} else {
		logger.Warn().Msg("GEMINI_API_KEY not set; assistant answers with canned replies")
	}
	assistantService := assistant.NewService(engine, dataStore, llm, cfg.AssistantName, logger)

	h := handlers.NewHandler(handlers.Deps{
		Store:          dataStore,
		Redis:          redisStore,
		Events:         eventsPinger,
		Delivery:       engine,
		Reads:          readstate.NewReconciler(dataStore, logger),
		Auth:           authService,
		Uploader:       uploader,
		Assistant:      assistantService,
		Presence:       hub,
		MaxUploadBytes: cfg.MaxUploadBytes,
		SecureCookies:  !cfg.IsDevelopment(),
		Logger:         logger,
	})

	// Create router
	router := api.NewRouter(logger, h, tokens, hub, api.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
		Redis:          redisStore,
		MaxBodyBytes:   64 * 1024,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	// Websocket connections outlive any per-request deadline, so only
	// header reads are bounded.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("backend", cfg.StorageBackend).
			Msg("starting relay server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown does not track hijacked connections.
	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

// openStore connects the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.DataStore, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		logger.Warn().Msg("using in-memory storage; data is lost on restart")
		return store.NewMemoryStore(), nil

	case config.BackendPostgres:
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info().Msg("migrations completed")
		s, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to PostgreSQL")
		return s, nil

	case config.BackendSQLite:
		s, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite database")
		return s, nil

	case config.BackendMongo:
		s, err := store.NewMongoStore(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to MongoDB")
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}
