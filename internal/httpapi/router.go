// Package httpapi wires the HTTP transport (Gin) to the webhook handler and
// middleware. It centralizes cross-cutting concerns such as tracing,
// correlation IDs, logging, panic recovery, metrics, rate limiting, and
// security headers.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Acknowledge webhook deliveries fast; run turns in the background
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-gemini-relay/internal/config"
	"github.com/tbourn/go-gemini-relay/internal/httpapi/middleware"
	"github.com/tbourn/go-gemini-relay/internal/telegram"
)

// turnTimeout bounds background processing of a single update, covering the
// full continuation loop at its worst.
const turnTimeout = 5 * time.Minute

// UpdateHandler consumes one decoded webhook update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, upd telegram.Update)
}

// Server is the webhook transport: route registration plus the handler state
// it needs (secret token, update dedup).
type Server struct {
	handler UpdateHandler
	secret  string
	dedup   *Deduper
}

// NewServer wires a Server around the given update handler.
func NewServer(h UpdateHandler, secret string) *Server {
	return &Server{
		handler: h,
		secret:  secret,
		dedup:   NewDeduper(10 * time.Minute),
	}
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured logs (route pattern only, secrets never logged)
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics + /metrics endpoint
//  7. Rate limiter (per IP)
//  8. gzip, CORS, security headers
func (s *Server) RegisterRoutes(r *gin.Engine, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())

	// Webhook payloads are small; 1 MiB is generous.
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientIP())
	r.Use(rl.Handler())

	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		NoStore:    true,
	}))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "message": "route not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"code": "method_not_allowed", "message": "method not allowed"})
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	r.POST("/webhook/:secret", s.webhook)
}

// webhook authenticates and decodes one update delivery, then acknowledges
// it immediately and processes the update in the background. The Bot API
// redelivers on any non-2xx; malformed bodies are therefore acknowledged
// (and logged) rather than rejected, since redelivery cannot fix them.
func (s *Server) webhook(c *gin.Context) {
	if subtle.ConstantTimeCompare([]byte(c.Param("secret")), []byte(s.secret)) != 1 {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "message": "route not found"})
		return
	}

	var upd telegram.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("undecodable webhook payload")
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	if s.dedup.Seen(upd.UpdateID) {
		middleware.LoggerFrom(c).Debug().Int64("update_id", upd.UpdateID).Msg("duplicate delivery ignored")
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	// Detach from the request so the turn survives the 200 ack below, but
	// keep trace linkage from the request context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), turnTimeout)
	go func() {
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Int64("update_id", upd.UpdateID).Msg("update processing panicked")
			}
		}()
		s.handler.HandleUpdate(ctx, upd)
	}()

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader. Requests exceeding the cap cause downstream body
// reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
