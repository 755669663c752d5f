// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file records processed platform update ids so
// redelivered webhook updates are acknowledged without being handled twice.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

// ErrDuplicate indicates that the update id has already been recorded.
var ErrDuplicate = errors.New("duplicate")

// MarkUpdateProcessed records updateID and returns ErrDuplicate when it is
// already present and not yet expired. An expired row is replaced.
func MarkUpdateProcessed(ctx context.Context, db *gorm.DB, updateID int64, now time.Time, ttl time.Duration) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("update_id = ? AND expires_at <= ?", updateID, now).
			Delete(&domain.ProcessedUpdate{}).Error; err != nil {
			return err
		}
		rec := &domain.ProcessedUpdate{UpdateID: updateID, ReceivedAt: now, ExpiresAt: now.Add(ttl)}
		if err := tx.Create(rec).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		return nil
	})
}

// PurgeProcessedUpdates deletes rows that expired before now.
func PurgeProcessedUpdates(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.ProcessedUpdate{})
	return res.RowsAffected, res.Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value")
}
