package services

import (
	"context"
	"time"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

// Store is the durable per-user and per-dialog state the services depend on.
// Lookups of absent rows return repo.ErrNotFound.
//
// repo.Store is the GORM implementation; tests use an in-memory fake.
type Store interface {
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	// CreateUser inserts u unless the id already exists and reports whether
	// a row was inserted.
	CreateUser(ctx context.Context, u *domain.User) (bool, error)
	SetLastInteraction(ctx context.Context, id int64, at time.Time) error
	// ResetQuota zeroes n_used_tokens and sets last_update_tokens = at.
	ResetQuota(ctx context.Context, id int64, at time.Time) error
	AddUsedTokens(ctx context.Context, id int64, amount int64) error
	SetChatMode(ctx context.Context, id int64, mode domain.ChatModeID) error
	// SetSubscription sets is_subscribed and subscribe_until = until.
	SetSubscription(ctx context.Context, id int64, until time.Time) error

	// StartDialog creates a dialog and makes it the user's current one.
	StartDialog(ctx context.Context, userID int64, mode domain.ChatModeID, at time.Time) (*domain.Dialog, error)
	GetDialog(ctx context.Context, id string) (*domain.Dialog, error)
	DialogMessages(ctx context.Context, dialogID string) ([]domain.DialogMessage, error)
	AppendDialogMessage(ctx context.Context, m *domain.DialogMessage) error
	// TrimDialogFront removes the n oldest messages.
	TrimDialogFront(ctx context.Context, dialogID string, n int) (int64, error)
	// PopDialogMessage removes and returns the newest message.
	PopDialogMessage(ctx context.Context, dialogID string) (*domain.DialogMessage, error)
}
