// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the thin repository approach:
// no business logic, only persistence and query composition.
//
// Error semantics:
//   - When a user is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound).
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for consistency across layers.
var ErrNotFound = gorm.ErrRecordNotFound

// GetUser fetches a user by platform id.
func GetUser(ctx context.Context, db *gorm.DB, id int64) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUserIfAbsent inserts u unless a row with the same id already exists.
// It reports whether a row was inserted.
func CreateUserIfAbsent(ctx context.Context, db *gorm.DB, u *domain.User) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(u)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateUser applies column updates to the user with the given id. It returns
// ErrNotFound when no row matched.
func UpdateUser(ctx context.Context, db *gorm.DB, id int64, fields map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddUsedTokens increments n_used_tokens atomically. Negative amounts are
// rejected by the caller; the column check keeps the ledger non-negative.
func AddUsedTokens(ctx context.Context, db *gorm.DB, id int64, amount int64) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"n_used_tokens": gorm.Expr("n_used_tokens + ?", amount),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsers returns the number of known users.
func CountUsers(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.User{}).Count(&total).Error
	return total, err
}
