// Webhook HTTP handler.
//
// POST /telegram/webhook/{secret} receives platform updates pushed by the
// chat platform. The secret path segment is checked by middleware before this
// handler runs.
//
// The platform redelivers an update until it gets a 2xx, so the handler
// acknowledges as soon as the update is recorded and hands it to the engine
// asynchronously. Redelivered ids are acknowledged without being handled again.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/gpt-subscription-bot/internal/http/middleware"
	"github.com/tbourn/gpt-subscription-bot/internal/repo"
)

// WebhookAck is the body returned for every accepted update.
type WebhookAck struct {
	OK        bool `json:"ok"`
	Duplicate bool `json:"duplicate,omitempty"`
	Ignored   bool `json:"ignored,omitempty"`
}

// Webhook decodes one update, drops redeliveries, and dispatches the rest.
func (h *Handlers) Webhook(c *gin.Context) {
	var u tgbotapi.Update
	if err := c.ShouldBindJSON(&u); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid update payload")
		return
	}
	ctx := c.Request.Context()
	lg := middleware.LoggerFrom(c).With().Int("update_id", u.UpdateID).Logger()

	if h.dedup != nil {
		err := h.dedup.MarkUpdateProcessed(ctx, int64(u.UpdateID), h.now(), h.DedupTTL)
		switch {
		case errors.Is(err, repo.ErrDuplicate):
			lg.Debug().Msg("duplicate update acknowledged")
			ok(c, http.StatusOK, WebhookAck{OK: true, Duplicate: true})
			return
		case err != nil:
			// Handling twice beats dropping the update.
			lg.Warn().Err(err).Msg("update dedup unavailable")
		}
	}

	if h.dispatch == nil || !h.dispatch.Dispatch(ctx, u) {
		ok(c, http.StatusOK, WebhookAck{OK: true, Ignored: true})
		return
	}
	ok(c, http.StatusOK, WebhookAck{OK: true})
}
