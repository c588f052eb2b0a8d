// Command server runs the conversational relay: it receives Telegram webhook
// updates, persists conversations to SQLite, streams completions from Gemini,
// and delivers chunked replies.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-gemini-relay/internal/bot"
	"github.com/tbourn/go-gemini-relay/internal/config"
	"github.com/tbourn/go-gemini-relay/internal/gemini"
	"github.com/tbourn/go-gemini-relay/internal/httpapi"
	"github.com/tbourn/go-gemini-relay/internal/observability"
	"github.com/tbourn/go-gemini-relay/internal/prompt"
	"github.com/tbourn/go-gemini-relay/internal/relay"
	"github.com/tbourn/go-gemini-relay/internal/repo"
	"github.com/tbourn/go-gemini-relay/internal/services"
	"github.com/tbourn/go-gemini-relay/internal/sysutil"
	"github.com/tbourn/go-gemini-relay/internal/telegram"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	// Local development convenience; missing .env is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	setupLogging(cfg)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	msgSvc := &services.MessageService{DB: db}
	tokenSvc := &services.TokenService{DB: db}
	dirSvc := &services.DirectoryService{DB: db}
	adminSvc := &services.AdminService{DB: db}

	genClient := gemini.NewHTTPClient(cfg.Gemini.APIKey, cfg.Gemini.Model, gemini.GenerationConfig{
		Temperature:     cfg.Gemini.Temperature,
		TopP:            cfg.Gemini.TopP,
		TopK:            cfg.Gemini.TopK,
		MaxOutputTokens: cfg.Gemini.MaxOutputTokens,
	})
	if cfg.Gemini.BaseURL != "" {
		genClient.BaseURL = cfg.Gemini.BaseURL
	}

	tg := telegram.NewClient(cfg.Telegram.Token)
	if cfg.Telegram.APIBaseURL != "" {
		tg.BaseURL = cfg.Telegram.APIBaseURL
	}

	builder := prompt.NewBuilder(msgSvc, dirSvc, cfg.Relay.ContextLength)
	rly := relay.NewRelay(genClient, msgSvc, tokenSvc, builder, tg, cfg.Relay.ChunkLimit, cfg.Relay.MaxContinuations)
	handler := bot.NewHandler(dirSvc, msgSvc, tokenSvc, adminSvc, rly, tg, genClient.Info(), cfg.Telegram.AdminUserID)

	r := gin.New()
	srv := httpapi.NewServer(handler, cfg.Telegram.WebhookSecret)
	srv.RegisterRoutes(r, cfg)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("version", version).Msg("server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	registerWebhook(ctx, tg, cfg.Telegram)

	if cfg.Retention.Days > 0 {
		go retentionLoop(ctx, msgSvc, cfg.Retention)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}

// setupLogging configures the global zerolog logger from config.
func setupLogging(cfg config.Config) {
	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// registerWebhook points the Bot API at this deployment when a public URL is
// configured. Failure is logged, not fatal: an operator can re-register out
// of band while the server keeps serving an already-registered webhook.
func registerWebhook(ctx context.Context, tg *telegram.Client, cfg config.TelegramConfig) {
	if cfg.WebhookURL == "" {
		log.Info().Msg("TELEGRAM_WEBHOOK_URL not set, skipping webhook registration")
		return
	}
	url := strings.TrimRight(cfg.WebhookURL, "/") + "/webhook/" + cfg.WebhookSecret
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := tg.SetWebhook(rctx, url); err != nil {
		log.Error().Err(err).Msg("webhook registration failed")
		return
	}
	log.Info().Msg("webhook registered")
}

// retentionLoop deletes messages older than the retention window on a fixed
// interval. The first sweep runs one interval after startup.
func retentionLoop(ctx context.Context, msgs *services.MessageService, cfg config.RetentionConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			n, err := msgs.CleanupOldMessages(sctx, cfg.Days)
			cancel()
			if err != nil {
				log.Error().Err(err).Msg("retention sweep failed")
				continue
			}
			log.Info().Int64("deleted", n).Int("retention_days", cfg.Days).Msg("retention sweep complete")
		}
	}
}
