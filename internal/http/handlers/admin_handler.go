// Admin HTTP handlers.
//
// This file exposes read-only operator endpoints:
//   - GET /users/{id}                   (user, quota balance, subscription)
//   - GET /users/{id}/dialogs           (dialogs, newest first, paginated, ETag)
//   - GET /dialogs/{id}/messages        (dialog history, paginated, ETag)
//
// All routes sit behind the admin token middleware.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
	"github.com/tbourn/gpt-subscription-bot/internal/services"
)

//
// DTOs
//

// UserResponse is a user together with their quota state as of now.
type UserResponse struct {
	User            *domain.User `json:"user"`
	UsedTokens      int64        `json:"used_tokens"`
	AvailableTokens int64        `json:"available_tokens"`
	Subscribed      bool         `json:"subscribed"`
	SubscribeUntil  *time.Time   `json:"subscribe_until,omitempty"`
}

// ListDialogsResponse wraps a page of dialogs and pagination information.
type ListDialogsResponse struct {
	Dialogs    []domain.Dialog `json:"dialogs"`
	Pagination Pagination      `json:"pagination"`
}

// ListMessagesResponse contains a page of dialog messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.DialogMessage `json:"messages"`
	Pagination Pagination             `json:"pagination"`
}

//
// Handlers
//

// GetUser returns one user. Quota is reported as it would be after a pending
// daily reset.
func (h *Handlers) GetUser(c *gin.Context) {
	uid, okID := pathUserID(c)
	if !okID {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id must be a non-zero integer")
		return
	}

	snap, err := h.admin.GetUser(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "user not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeLookupFailed, err.Error())
		return
	}

	resp := UserResponse{
		User:            snap.User,
		UsedTokens:      snap.Used,
		AvailableTokens: snap.Available,
		Subscribed:      snap.Active,
	}
	if snap.Active {
		until := snap.User.SubscribeUntil
		resp.SubscribeUntil = &until
	}
	ok(c, http.StatusOK, resp)
}

// ListDialogs returns a page of a user's dialogs. Supports a weak ETag via
// If-None-Match and may return 304.
func (h *Handlers) ListDialogs(c *gin.Context) {
	ctx := c.Request.Context()
	uid, okID := pathUserID(c)
	if !okID {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id must be a non-zero integer")
		return
	}
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if count, latest, err := h.admin.DialogsStats(ctx, uid); err == nil {
		if notModified(c, weakETag("dialogs", strconv.FormatInt(uid, 10), count, latest)) {
			return
		}
	}

	items, total, err := h.admin.ListDialogsPage(ctx, uid, page, pageSize)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "user not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	ok(c, http.StatusOK, ListDialogsResponse{
		Dialogs:    items,
		Pagination: newPagination(page, pageSize, total),
	})
}

// ListMessages returns a page of a dialog's messages in chronological order.
// Supports a weak ETag via If-None-Match and may return 304.
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	dialogID := c.Param("id")
	if _, err := uuid.Parse(dialogID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "dialog id must be a UUID")
		return
	}
	page, pageSize := clampPagination(c)

	count, latest, err := h.admin.MessagesStats(ctx, dialogID)
	switch {
	case errors.Is(err, services.ErrDialogNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "dialog not found")
		return
	case err == nil:
		if notModified(c, weakETag("messages", dialogID, count, latest)) {
			return
		}
	}

	items, total, err := h.admin.ListMessagesPage(ctx, dialogID, page, pageSize)
	if err != nil {
		if errors.Is(err, services.ErrDialogNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "dialog not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: newPagination(page, pageSize, total),
	})
}
