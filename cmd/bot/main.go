// Command bot runs the GPT subscription assistant: it receives platform
// updates (webhook or long polling), serves the admin and health endpoints,
// and polls payments in the background until it is signalled to stop.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/gpt-subscription-bot/internal/cache"
	"github.com/tbourn/gpt-subscription-bot/internal/config"
	httpapi "github.com/tbourn/gpt-subscription-bot/internal/http"
	"github.com/tbourn/gpt-subscription-bot/internal/llm"
	"github.com/tbourn/gpt-subscription-bot/internal/observability"
	"github.com/tbourn/gpt-subscription-bot/internal/payment"
	"github.com/tbourn/gpt-subscription-bot/internal/repo"
	"github.com/tbourn/gpt-subscription-bot/internal/services"
	"github.com/tbourn/gpt-subscription-bot/internal/sysutil"
	"github.com/tbourn/gpt-subscription-bot/internal/telegram"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version string

const (
	shutdownTimeout = 30 * time.Second
	purgeInterval   = time.Hour
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	ver := sysutil.BuildVersion(version, os.Getenv("APP_VERSION"))
	log.Logger = sysutil.NewLogger(os.Stdout, cfg.LogPretty, cfg.OTEL.ServiceName, ver)
	sysutil.SetLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, ver); err != nil {
		log.Fatal().Err(err).Msg("bot stopped with error")
	}
	log.Info().Msg("bot stopped")
}

func run(ctx context.Context, cfg config.Config, ver string) error {
	shutdownTracing, err := observability.SetupOTel(ctx, cfg.OTEL, ver, observability.UpdateMode(cfg.WebhookMode()))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	db, err := repo.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	memberCache, closeCache, err := openCache(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeCache()

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return err
	}
	log.Info().Str("bot", api.Self.UserName).Bool("webhook", cfg.WebhookMode()).Msg("connected to telegram")
	bot := telegram.New(api, memberCache, cfg.Telegram.ChannelCacheTTL)

	engine := services.NewEngine(services.EngineConfig{
		Store:    repo.NewStore(db),
		Platform: bot,
		Model: llm.New(llm.Options{
			APIKey:  cfg.Model.APIKey,
			BaseURL: cfg.Model.BaseURL,
			Model:   cfg.Model.Model,
			Timeout: cfg.Model.Timeout,
		}),
		Payments: payment.NewClient(cfg.Payment.Token, cfg.Payment.Receiver),
		Modes:    cfg.ChatModes,

		AllowedUsers:    cfg.Telegram.AllowedUsers,
		RequiredChannel: cfg.Telegram.RequiredChannel,
		ChannelURL:      cfg.Telegram.ChannelURL,
		OperatorChatID:  cfg.Telegram.OperatorChatID,

		DailyLimit:          cfg.Quota.DailyTokenLimit,
		IdleTimeout:         cfg.Quota.NewDialogTimeout,
		PricePer1000Tokens:  cfg.Model.PricePer1000Tokens,
		VoicePricePerMinute: cfg.Model.WhisperPricePerMinute,

		SubscriptionPrice:    cfg.Payment.Price,
		SubscriptionDuration: cfg.Payment.Duration,
		PaymentPurpose:       cfg.Payment.Targets,
		PollInterval:         cfg.Payment.PollInterval,
		PollAttempts:         cfg.Payment.PollAttempts,

		ChunkSize: cfg.Telegram.MessageChunkSize,
	})
	runner := &telegram.Runner{
		Source:  api,
		Handler: engine.Handle,
		Timeout: cfg.Telegram.PollTimeout,
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	deps := httpapi.Deps{DB: db}
	if cfg.WebhookMode() {
		deps.Dispatch = runner
	}
	httpapi.RegisterRoutes(r, deps, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	go purgeProcessedUpdates(ctx, db)

	if cfg.WebhookMode() {
		if err := telegram.SetWebhook(api, cfg.Telegram.WebhookURL+"/telegram/webhook/"+cfg.Telegram.WebhookSecret); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
		case err := <-srvErr:
			if err != nil {
				return err
			}
		}
	} else {
		if err := telegram.RemoveWebhook(api); err != nil {
			return err
		}
		pollErr := make(chan error, 1)
		go func() { pollErr <- runner.Poll(ctx) }()
		select {
		case err := <-pollErr:
			if err != nil {
				return err
			}
		case err := <-srvErr:
			if err != nil {
				return err
			}
		}
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	runner.Wait()
	if err := engine.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("payment polls did not stop in time")
	}
	return nil
}

// openCache selects Redis when an address is configured and an in-process
// map otherwise.
func openCache(ctx context.Context, sc config.StorageConfig) (cache.Cache, func(), error) {
	if sc.RedisAddr == "" {
		return cache.NewMemory(), func() {}, nil
	}
	rc, err := cache.NewRedis(ctx, cache.RedisOptions{
		Addr:     sc.RedisAddr,
		Password: sc.RedisPassword,
		DB:       sc.RedisDB,
		Prefix:   "gptbot:",
	})
	if err != nil {
		return nil, nil, err
	}
	return rc, func() { _ = rc.Close() }, nil
}

func purgeProcessedUpdates(ctx context.Context, db *gorm.DB) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeProcessedUpdates(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("purge processed updates")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("processed updates purged")
			}
		}
	}
}
