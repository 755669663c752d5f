package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

// CreateDialog inserts a new dialog for userID and points the user's
// current_dialog_id at it, in one transaction.
func CreateDialog(ctx context.Context, db *gorm.DB, userID int64, mode domain.ChatModeID, now time.Time) (*domain.Dialog, error) {
	d := &domain.Dialog{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChatMode:  mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(d).Error; err != nil {
			return err
		}
		return UpdateUser(ctx, tx, userID, map[string]any{"current_dialog_id": d.ID})
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetDialog fetches a dialog by id.
func GetDialog(ctx context.Context, db *gorm.DB, id string) (*domain.Dialog, error) {
	var d domain.Dialog
	if err := db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDialogsPage returns a user's dialogs, newest first.
func ListDialogsPage(ctx context.Context, db *gorm.DB, userID int64, offset, limit int) ([]domain.Dialog, error) {
	var out []domain.Dialog
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountDialogs returns the number of dialogs owned by userID.
func CountDialogs(ctx context.Context, db *gorm.DB, userID int64) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Dialog{}).Where("user_id = ?", userID).Count(&total).Error
	return total, err
}

// ListDialogMessages returns all messages of a dialog in insertion order.
func ListDialogMessages(ctx context.Context, db *gorm.DB, dialogID string) ([]domain.DialogMessage, error) {
	var out []domain.DialogMessage
	err := db.WithContext(ctx).
		Where("dialog_id = ?", dialogID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// ListDialogMessagesPage returns a page of a dialog's messages in insertion order.
func ListDialogMessagesPage(ctx context.Context, db *gorm.DB, dialogID string, offset, limit int) ([]domain.DialogMessage, error) {
	var out []domain.DialogMessage
	err := db.WithContext(ctx).
		Where("dialog_id = ?", dialogID).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountDialogMessages returns the number of messages in a dialog.
func CountDialogMessages(ctx context.Context, db *gorm.DB, dialogID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.DialogMessage{}).Where("dialog_id = ?", dialogID).Count(&total).Error
	return total, err
}

// AppendDialogMessage appends m to its dialog. ID and timestamps are assigned here.
func AppendDialogMessage(ctx context.Context, db *gorm.DB, m *domain.DialogMessage) error {
	m.ID = 0
	now := time.Now().UTC()
	if m.Date.IsZero() {
		m.Date = now
	}
	m.CreatedAt, m.UpdatedAt = now, now
	return db.WithContext(ctx).Create(m).Error
}

// TrimDialogFront deletes the n oldest messages of a dialog and returns how
// many rows were removed.
func TrimDialogFront(ctx context.Context, db *gorm.DB, dialogID string, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	oldest := db.Model(&domain.DialogMessage{}).
		Select("id").
		Where("dialog_id = ?", dialogID).
		Order("id ASC").
		Limit(n)
	res := db.WithContext(ctx).
		Where("dialog_id = ? AND id IN (?)", dialogID, oldest).
		Delete(&domain.DialogMessage{})
	return res.RowsAffected, res.Error
}

// PopDialogMessage removes and returns the newest message of a dialog.
// It returns ErrNotFound when the dialog is empty.
func PopDialogMessage(ctx context.Context, db *gorm.DB, dialogID string) (*domain.DialogMessage, error) {
	var last domain.DialogMessage
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("dialog_id = ?", dialogID).Order("id DESC").First(&last).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.DialogMessage{}, last.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &last, nil
}
