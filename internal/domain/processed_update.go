package domain

import "time"

// ProcessedUpdate records a platform update id that has already been
// dispatched, so webhook redeliveries are acknowledged without re-running
// side effects. Rows expire after a retention window and are purged lazily.
type ProcessedUpdate struct {
	UpdateID   int64     `gorm:"primaryKey;autoIncrement:false"`
	ReceivedAt time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (ProcessedUpdate) TableName() string { return "processed_updates" }
