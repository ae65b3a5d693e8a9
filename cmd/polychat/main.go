package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"polychat/internal/attachments"
	"polychat/internal/chat"
	"polychat/internal/config"
	"polychat/internal/credentials"
	"polychat/internal/crypto"
	"polychat/internal/httpapi"
	"polychat/internal/providers/gemini"
	"polychat/internal/providers/registry"
	"polychat/internal/storage"
	"polychat/internal/throttle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Str("default_provider", cfg.Chat.DefaultProvider).
		Bool("redis", cfg.Redis.Enabled()).
		Msg("starting polychat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	cache := credentials.NewCache(credentials.CacheConfig{
		TTL:           cfg.Credentials.CacheTTL,
		SweepInterval: cfg.Credentials.SweepInterval,
	})
	go cache.Run(ctx)

	resolver := credentials.NewResolver(store, keyring, cache, log.Logger)
	if cfg.Credentials.RotateOnStart {
		rotated, failed, err := resolver.Rotate(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to rotate credentials")
		}
		log.Info().Int("rotated", rotated).Int("failed", failed).Str("key_id", keyring.CurrentKeyID()).Msg("credentials rotated")
	}

	ingestor := attachments.NewIngestor(attachments.Config{
		MaxCount:          cfg.Attachments.MaxCount,
		MaxBytes:          cfg.Attachments.MaxBytes,
		UploadConcurrency: cfg.Attachments.UploadConcurrency,
		Uploader:          &gemini.Uploader{},
		Logger:            log.Logger,
	})
	router := registry.New(registry.Options{
		OpenAIBaseURL:    cfg.Providers.OpenAIBaseURL,
		GroqBaseURL:      cfg.Providers.GroqBaseURL,
		MistralBaseURL:   cfg.Providers.MistralBaseURL,
		AnthropicBaseURL: cfg.Providers.AnthropicBaseURL,
		Timeout:          cfg.Providers.Timeout,
	})
	service := chat.NewService(chat.Config{
		Store:           store,
		Credentials:     resolver,
		Ingestor:        ingestor,
		Router:          router,
		Logger:          log.Logger,
		MaxMessageChars: cfg.Chat.MaxMessageChars,
		HistoryLimit:    cfg.Chat.HistoryLimit,
		DefaultProvider: cfg.Chat.DefaultProvider,
	})

	apiCfg := httpapi.Config{
		Chat:           service,
		Credentials:    resolver,
		Health:         store,
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		HealthPath:     cfg.HTTP.HealthPath,
		MetricsPath:    cfg.HTTP.MetricsPath,
		Logger:         log.Logger,
	}
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		apiCfg.RateLimiter = throttle.NewRateLimiter(rdb, cfg.Rate.PerHour)
		apiCfg.Idempotency = throttle.NewIdempotencyGuard(rdb, cfg.Redis.IdempotencyTTL)
	}

	errCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           httpapi.NewHandler(apiCfg),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
