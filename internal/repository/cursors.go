package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"smart-mail-reply-go/internal/model"
)

// GetCursor returns the user's sync cursor or ErrNotFound before the first subscription
func (r *Repository) GetCursor(ctx context.Context, userID uint) (*model.SyncCursor, error) {
	var cursor model.SyncCursor
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&cursor).Error; err != nil {
		return nil, notFound(err)
	}
	return &cursor, nil
}

// AdvanceCursor moves the cursor to offset only if that is further than the
// stored value. Overlapping deliveries can race here; the conditional update
// keeps the stored offset at the maximum seen. Returns whether it moved.
func (r *Repository) AdvanceCursor(ctx context.Context, userID uint, offset uint64) (bool, error) {
	var advanced bool
	err := retryOnContention(ctx, func() error {
		advanced = false
		insert := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
			Create(&model.SyncCursor{UserID: userID, LastOffset: offset})
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected > 0 {
			advanced = true
			return nil
		}

		update := r.db.WithContext(ctx).Model(&model.SyncCursor{}).
			Where("user_id = ? AND last_offset < ?", userID, offset).
			Update("last_offset", offset)
		if update.Error != nil {
			return update.Error
		}
		advanced = update.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to advance cursor: %w", err)
	}
	return advanced, nil
}

// ResetCursor unconditionally sets the cursor. Only explicit resubscription
// calls this.
func (r *Repository) ResetCursor(ctx context.Context, userID uint, offset uint64) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_offset", "updated_at"}),
		}).
		Create(&model.SyncCursor{UserID: userID, LastOffset: offset}).Error
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}
