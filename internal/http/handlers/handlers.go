// Package handlers provides the HTTP handlers of the bot process: the
// platform webhook that feeds updates into the engine, and a read-only admin
// API for operators inspecting users, dialogs, and dialog history.
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
	"github.com/tbourn/gpt-subscription-bot/internal/services"
	"github.com/tbourn/gpt-subscription-bot/internal/utils"
)

//
// Service contracts (context-aware)
//

// AdminService defines the read operations behind the admin API.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type AdminService interface {
	// GetUser returns the user together with their current quota balance.
	GetUser(ctx context.Context, userID int64) (*services.UserSnapshot, error)
	// ListDialogsPage returns a page of the user's dialogs and the total count.
	ListDialogsPage(ctx context.Context, userID int64, page, pageSize int) ([]domain.Dialog, int64, error)
	// DialogsStats returns the dialog count and the latest dialog update.
	DialogsStats(ctx context.Context, userID int64) (int64, *time.Time, error)
	// ListMessagesPage returns a page of a dialog's messages and the total count.
	ListMessagesPage(ctx context.Context, dialogID string, page, pageSize int) ([]domain.DialogMessage, int64, error)
	// MessagesStats returns the message count and the latest message update.
	MessagesStats(ctx context.Context, dialogID string) (int64, *time.Time, error)
}

// UpdateDeduper records processed update ids. MarkUpdateProcessed returns
// repo.ErrDuplicate for an id seen within ttl.
type UpdateDeduper interface {
	MarkUpdateProcessed(ctx context.Context, updateID int64, now time.Time, ttl time.Duration) error
}

// UpdateDispatcher hands a decoded update to the engine without waiting for
// it to be handled. It reports false when the update carries nothing to do.
type UpdateDispatcher interface {
	Dispatch(ctx context.Context, u tgbotapi.Update) bool
}

//
// Handler wiring
//

// Handlers groups the admin and webhook endpoints.
type Handlers struct {
	admin    AdminService
	dedup    UpdateDeduper
	dispatch UpdateDispatcher

	// DedupTTL is how long a delivered update id is remembered.
	DedupTTL time.Duration
	// Now is the clock used for dedup records; defaults to time.Now.
	Now func() time.Time
}

// New constructs a Handlers instance bound to the given services. Any of them
// may be nil when the corresponding routes are not mounted.
func New(admin AdminService, dedup UpdateDeduper, dispatch UpdateDispatcher) *Handlers {
	return &Handlers{
		admin:    admin,
		dedup:    dedup,
		dispatch: dispatch,
		DedupTTL: 24 * time.Hour,
	}
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.ClampInt(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

// pathUserID parses the :id path param as a platform user id.
func pathUserID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// weakETag builds a weak validator from a resource kind, its owner key, the
// item count, and the latest update time.
func weakETag(kind, key string, count int64, latest *time.Time) string {
	var ts int64
	if latest != nil {
		ts = latest.UnixNano()
	}
	return fmt.Sprintf(`W/"%s:%s:%d:%d"`, kind, key, count, ts)
}

// notModified sets the ETag header and reports whether the request's
// If-None-Match matches it, in which case a 304 has been written.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}
