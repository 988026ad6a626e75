package model

import "time"

// SyncCursor records how much of a user's change stream has been consumed.
// LastOffset only moves forward except on explicit resubscription.
type SyncCursor struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID     uint      `json:"user_id" gorm:"not null;uniqueIndex"`
	LastOffset uint64    `json:"last_offset" gorm:"not null;default:0"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName specifies the table name for SyncCursor
func (SyncCursor) TableName() string {
	return "sync_cursors"
}
