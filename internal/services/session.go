package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
	"github.com/tbourn/gpt-subscription-bot/internal/repo"
)

// PlatformUser is the sender identity carried by an incoming event.
type PlatformUser struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// SessionRegistry resolves users and their active dialog.
type SessionRegistry struct {
	Store       Store
	DefaultMode domain.ChatModeID
	Now         func() time.Time
}

func (r *SessionRegistry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// EnsureUser registers pu on first contact and guarantees the returned user
// has an existing current dialog. It is idempotent: an existing user keeps
// its quota, mode, and subscription.
func (r *SessionRegistry) EnsureUser(ctx context.Context, pu PlatformUser, chatID int64) (*domain.User, error) {
	u, err := r.Store.GetUser(ctx, pu.ID)
	if errors.Is(err, repo.ErrNotFound) {
		now := r.now()
		fresh := &domain.User{
			ID:               pu.ID,
			ChatID:           chatID,
			Username:         pu.Username,
			FirstName:        pu.FirstName,
			LastName:         pu.LastName,
			CurrentChatMode:  r.DefaultMode,
			LastInteraction:  now,
			LastUpdateTokens: now,
		}
		if _, err := r.Store.CreateUser(ctx, fresh); err != nil {
			return nil, fmt.Errorf("create user %d: %w", pu.ID, err)
		}
		// Re-read so a concurrent registration wins consistently.
		u, err = r.Store.GetUser(ctx, pu.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", pu.ID, err)
	}
	if err := r.EnsureActiveDialog(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// EnsureActiveDialog starts a dialog when u has none or its current dialog no
// longer exists. u.CurrentDialogID is updated in place.
func (r *SessionRegistry) EnsureActiveDialog(ctx context.Context, u *domain.User) error {
	if u.CurrentDialogID != "" {
		_, err := r.Store.GetDialog(ctx, u.CurrentDialogID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("load dialog %s: %w", u.CurrentDialogID, err)
		}
	}
	return r.StartNewDialog(ctx, u)
}

// StartNewDialog supersedes the current dialog with an empty one in the
// user's current chat mode.
func (r *SessionRegistry) StartNewDialog(ctx context.Context, u *domain.User) error {
	d, err := r.Store.StartDialog(ctx, u.ID, u.CurrentChatMode, r.now())
	if err != nil {
		return fmt.Errorf("start dialog for user %d: %w", u.ID, err)
	}
	u.CurrentDialogID = d.ID
	return nil
}

// Touch records now as the user's last interaction.
func (r *SessionRegistry) Touch(ctx context.Context, u *domain.User) error {
	now := r.now()
	if err := r.Store.SetLastInteraction(ctx, u.ID, now); err != nil {
		return fmt.Errorf("touch user %d: %w", u.ID, err)
	}
	u.LastInteraction = now
	return nil
}

// ApplyIdleTimeout starts a new dialog when more than timeout has elapsed
// since last and the current dialog is non-empty. last is the interaction
// time observed before the current event touched the user. It reports
// whether a new dialog was started.
func (r *SessionRegistry) ApplyIdleTimeout(ctx context.Context, u *domain.User, last time.Time, timeout time.Duration) (bool, error) {
	if r.now().Sub(last) <= timeout {
		return false, nil
	}
	msgs, err := r.Store.DialogMessages(ctx, u.CurrentDialogID)
	if err != nil {
		return false, fmt.Errorf("load dialog %s: %w", u.CurrentDialogID, err)
	}
	if len(msgs) == 0 {
		return false, nil
	}
	if err := r.StartNewDialog(ctx, u); err != nil {
		return false, err
	}
	return true, nil
}
