package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

// AdminRepo defines the read-only repository contract required by
// AdminService.
type AdminRepo interface {
	GetUser(ctx context.Context, db *gorm.DB, id int64) (*domain.User, error)
	GetDialog(ctx context.Context, db *gorm.DB, id string) (*domain.Dialog, error)

	CountDialogs(ctx context.Context, db *gorm.DB, userID int64) (int64, error)
	ListDialogsPage(ctx context.Context, db *gorm.DB, userID int64, offset, limit int) ([]domain.Dialog, error)
	DialogsStats(ctx context.Context, db *gorm.DB, userID int64) (int64, *time.Time, error)

	CountDialogMessages(ctx context.Context, db *gorm.DB, dialogID string) (int64, error)
	ListDialogMessagesPage(ctx context.Context, db *gorm.DB, dialogID string, offset, limit int) ([]domain.DialogMessage, error)

	// DialogMessagesStats returns the message count and the latest update
	// time of a dialog; it backs the messages ETag.
	DialogMessagesStats(ctx context.Context, db *gorm.DB, dialogID string) (int64, *time.Time, error)
}

// UserSnapshot is a user together with their quota balance as of now.
type UserSnapshot struct {
	User      *domain.User
	Used      int64
	Available int64
	Active    bool // subscription active
}

// AdminService backs the operator read API.
type AdminService struct {
	DB         *gorm.DB
	Repo       AdminRepo
	DailyLimit int64
	Now        func() time.Time
}

// GetUser returns a snapshot of userID. Quota is reported as it would be after
// a daily reset, without persisting the reset.
func (s *AdminService) GetUser(ctx context.Context, userID int64) (*UserSnapshot, error) {
	ctx, span := otel.Tracer("services/AdminService").Start(ctx, "GetUser",
		trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer span.End()

	u, err := s.Repo.GetUser(ctx, s.DB, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	now := s.now()
	used := u.NUsedTokens
	if now.Sub(u.LastUpdateTokens) >= 24*time.Hour {
		used = 0
	}
	return &UserSnapshot{
		User:      u,
		Used:      used,
		Available: s.DailyLimit - used,
		Active:    u.SubscriptionActive(now),
	}, nil
}

// ListDialogsPage returns a page of the user's dialogs, newest first, and the
// total count. Invalid page/pageSize fall back to 1/20.
func (s *AdminService) ListDialogsPage(ctx context.Context, userID int64, page, pageSize int) ([]domain.Dialog, int64, error) {
	ctx, span := otel.Tracer("services/AdminService").Start(ctx, "ListDialogsPage",
		trace.WithAttributes(
			attribute.Int64("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		))
	defer span.End()

	if _, err := s.Repo.GetUser(ctx, s.DB, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrUserNotFound
		}
		return nil, 0, err
	}
	page, pageSize = normalizePage(page, pageSize)

	total, err := s.Repo.CountDialogs(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Dialog{}, 0, nil
	}
	items, err := s.Repo.ListDialogsPage(ctx, s.DB, userID, (page-1)*pageSize, pageSize)
	return items, total, err
}

// ListMessagesPage returns a page of a dialog's messages in chronological
// order and the total count.
func (s *AdminService) ListMessagesPage(ctx context.Context, dialogID string, page, pageSize int) ([]domain.DialogMessage, int64, error) {
	ctx, span := otel.Tracer("services/AdminService").Start(ctx, "ListMessagesPage",
		trace.WithAttributes(
			attribute.String("dialog.id", dialogID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		))
	defer span.End()

	if err := s.ensureDialog(ctx, dialogID); err != nil {
		return nil, 0, err
	}
	page, pageSize = normalizePage(page, pageSize)

	total, err := s.Repo.CountDialogMessages(ctx, s.DB, dialogID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.DialogMessage{}, 0, nil
	}
	items, err := s.Repo.ListDialogMessagesPage(ctx, s.DB, dialogID, (page-1)*pageSize, pageSize)
	return items, total, err
}

// DialogsStats returns the dialog count and latest dialog update of a user.
func (s *AdminService) DialogsStats(ctx context.Context, userID int64) (int64, *time.Time, error) {
	return s.Repo.DialogsStats(ctx, s.DB, userID)
}

// MessagesStats returns the message count and latest update of a dialog.
// The time is nil for an empty dialog.
func (s *AdminService) MessagesStats(ctx context.Context, dialogID string) (int64, *time.Time, error) {
	if err := s.ensureDialog(ctx, dialogID); err != nil {
		return 0, nil, err
	}
	return s.Repo.DialogMessagesStats(ctx, s.DB, dialogID)
}

func (s *AdminService) ensureDialog(ctx context.Context, dialogID string) error {
	if _, err := s.Repo.GetDialog(ctx, s.DB, dialogID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDialogNotFound
		}
		return err
	}
	return nil
}

func (s *AdminService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
