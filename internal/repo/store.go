package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

// Store adapts the thin repository functions to the user/dialog store the
// bot services depend on. It holds no state besides the DB handle.
type Store struct {
	DB *gorm.DB
}

// NewStore returns a Store backed by db.
func NewStore(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return GetUser(ctx, s.DB, id)
}

func (s *Store) CreateUser(ctx context.Context, u *domain.User) (bool, error) {
	return CreateUserIfAbsent(ctx, s.DB, u)
}

func (s *Store) SetLastInteraction(ctx context.Context, id int64, at time.Time) error {
	return UpdateUser(ctx, s.DB, id, map[string]any{"last_interaction": at})
}

func (s *Store) ResetQuota(ctx context.Context, id int64, at time.Time) error {
	return UpdateUser(ctx, s.DB, id, map[string]any{
		"n_used_tokens":      0,
		"last_update_tokens": at,
	})
}

func (s *Store) AddUsedTokens(ctx context.Context, id int64, amount int64) error {
	return AddUsedTokens(ctx, s.DB, id, amount)
}

func (s *Store) SetChatMode(ctx context.Context, id int64, mode domain.ChatModeID) error {
	return UpdateUser(ctx, s.DB, id, map[string]any{"current_chat_mode": mode})
}

func (s *Store) SetSubscription(ctx context.Context, id int64, until time.Time) error {
	return UpdateUser(ctx, s.DB, id, map[string]any{
		"is_subscribed":   true,
		"subscribe_until": until,
	})
}

func (s *Store) StartDialog(ctx context.Context, userID int64, mode domain.ChatModeID, at time.Time) (*domain.Dialog, error) {
	return CreateDialog(ctx, s.DB, userID, mode, at)
}

func (s *Store) GetDialog(ctx context.Context, id string) (*domain.Dialog, error) {
	return GetDialog(ctx, s.DB, id)
}

func (s *Store) DialogMessages(ctx context.Context, dialogID string) ([]domain.DialogMessage, error) {
	return ListDialogMessages(ctx, s.DB, dialogID)
}

func (s *Store) AppendDialogMessage(ctx context.Context, m *domain.DialogMessage) error {
	return AppendDialogMessage(ctx, s.DB, m)
}

func (s *Store) TrimDialogFront(ctx context.Context, dialogID string, n int) (int64, error) {
	return TrimDialogFront(ctx, s.DB, dialogID, n)
}

func (s *Store) PopDialogMessage(ctx context.Context, dialogID string) (*domain.DialogMessage, error) {
	return PopDialogMessage(ctx, s.DB, dialogID)
}

// MarkUpdateProcessed records a platform update id; see MarkUpdateProcessed.
func (s *Store) MarkUpdateProcessed(ctx context.Context, updateID int64, now time.Time, ttl time.Duration) error {
	return MarkUpdateProcessed(ctx, s.DB, updateID, now, ttl)
}
