// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the admin HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

// DialogsStats returns the number of dialogs owned by userID and the greatest
// UpdatedAt among them (nil when the user has none).
func DialogsStats(ctx context.Context, db *gorm.DB, userID int64) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Dialog{}).Where("user_id = ?", userID)
	return countAndLatest(q)
}

// DialogMessagesStats returns the number of messages in dialogID and the
// greatest UpdatedAt among them (nil when the dialog is empty).
//
// Message rows are never updated in place, so a trim or a retry pop shows up
// as a count change even when the latest timestamp is unchanged.
func DialogMessagesStats(ctx context.Context, db *gorm.DB, dialogID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.DialogMessage{}).Where("dialog_id = ?", dialogID)
	return countAndLatest(q)
}

func countAndLatest(q *gorm.DB) (int64, *time.Time, error) {
	var count int64
	if err := q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err := q.Session(&gorm.Session{}).Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
