// Package httpapi wires the HTTP transport (Gin) of the bot process: the
// platform webhook, the operator admin API, and health and metrics endpoints.
// It centralizes cross-cutting concerns such as tracing, correlation IDs,
// logging/redaction, panic recovery, metrics, auth, and rate limiting.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/gpt-subscription-bot/internal/config"
	"github.com/tbourn/gpt-subscription-bot/internal/domain"
	"github.com/tbourn/gpt-subscription-bot/internal/http/handlers"
	"github.com/tbourn/gpt-subscription-bot/internal/http/middleware"
	"github.com/tbourn/gpt-subscription-bot/internal/repo"
	"github.com/tbourn/gpt-subscription-bot/internal/services"
)

// WebhookPath is the route template the platform posts updates to.
const WebhookPath = "/telegram/webhook/:secret"

// adminRepoShim adapts the repository free functions to the
// services.AdminRepo interface expected by the AdminService.
type adminRepoShim struct{}

// GetUser proxies repo.GetUser.
func (adminRepoShim) GetUser(ctx context.Context, db *gorm.DB, id int64) (*domain.User, error) {
	return repo.GetUser(ctx, db, id)
}

// GetDialog proxies repo.GetDialog.
func (adminRepoShim) GetDialog(ctx context.Context, db *gorm.DB, id string) (*domain.Dialog, error) {
	return repo.GetDialog(ctx, db, id)
}

// CountDialogs proxies repo.CountDialogs.
func (adminRepoShim) CountDialogs(ctx context.Context, db *gorm.DB, userID int64) (int64, error) {
	return repo.CountDialogs(ctx, db, userID)
}

// ListDialogsPage proxies repo.ListDialogsPage.
func (adminRepoShim) ListDialogsPage(ctx context.Context, db *gorm.DB, userID int64, offset, limit int) ([]domain.Dialog, error) {
	return repo.ListDialogsPage(ctx, db, userID, offset, limit)
}

// DialogsStats proxies repo.DialogsStats (ETag support).
func (adminRepoShim) DialogsStats(ctx context.Context, db *gorm.DB, userID int64) (int64, *time.Time, error) {
	return repo.DialogsStats(ctx, db, userID)
}

// CountDialogMessages proxies repo.CountDialogMessages.
func (adminRepoShim) CountDialogMessages(ctx context.Context, db *gorm.DB, dialogID string) (int64, error) {
	return repo.CountDialogMessages(ctx, db, dialogID)
}

// ListDialogMessagesPage proxies repo.ListDialogMessagesPage.
func (adminRepoShim) ListDialogMessagesPage(ctx context.Context, db *gorm.DB, dialogID string, offset, limit int) ([]domain.DialogMessage, error) {
	return repo.ListDialogMessagesPage(ctx, db, dialogID, offset, limit)
}

// DialogMessagesStats proxies repo.DialogMessagesStats (ETag support).
func (adminRepoShim) DialogMessagesStats(ctx context.Context, db *gorm.DB, dialogID string) (int64, *time.Time, error) {
	return repo.DialogMessagesStats(ctx, db, dialogID)
}

// Deps are the collaborators RegisterRoutes mounts endpoints for.
type Deps struct {
	DB *gorm.DB
	// Dispatch receives webhook updates. Nil disables the webhook route.
	Dispatch handlers.UpdateDispatcher
}

// RegisterRoutes attaches all middleware and HTTP endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: request-scoped logger, scrubbed access log
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//
// The admin group adds token auth, a per-caller rate limiter, no-store
// security headers, and gzip. The webhook route adds the path secret check.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))
	r.Use(middleware.Recovery())
	// Platform updates stay well below 1 MiB.
	r.Use(limitBody(1 << 20))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness and readiness
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ready", readiness(deps.DB))

	adminSvc := &services.AdminService{
		DB:         deps.DB,
		Repo:       adminRepoShim{},
		DailyLimit: cfg.Quota.DailyTokenLimit,
	}
	h := handlers.New(adminSvc, repo.NewStore(deps.DB), deps.Dispatch)
	h.DedupTTL = cfg.UpdateDedupTTL

	if deps.Dispatch != nil && cfg.WebhookMode() {
		r.POST(WebhookPath, middleware.PathSecret("secret", cfg.Telegram.WebhookSecret), h.Webhook)
	}

	if cfg.AdminToken == "" {
		return
	}
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByAdminOrIP())
	admin := groupWithPrefix(r, cfg.APIBasePath)
	admin.Use(
		middleware.AdminAuth(cfg.AdminToken),
		rl.Handler(),
		middleware.SecurityHeaders(middleware.SecurityOptions{
			EnableHSTS:   cfg.Security.EnableHSTS,
			HSTSMaxAge:   cfg.Security.HSTSMaxAge,
			NoStore:      true,
			EnablePolicy: true,
		}),
		gzip.Gzip(gzip.DefaultCompression),
	)
	{
		admin.GET("/users/:id", h.GetUser)
		admin.GET("/users/:id/dialogs", h.ListDialogs)
		admin.GET("/dialogs/:id/messages", h.ListMessages)
	}
}

// readiness pings the database with a short deadline.
func readiness(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("readiness check failed")
			handlers.Fail(c, http.StatusServiceUnavailable, handlers.ErrCodeUnavailable, "database unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// limitBody caps the request body size to maxBytes using
// http.MaxBytesReader. Oversized bodies fail on read.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
