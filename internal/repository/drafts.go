package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"smart-mail-reply-go/internal/model"
)

// HasDraft reports whether a draft was already generated for the message
func (r *Repository) HasDraft(ctx context.Context, messageID uint) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Draft{}).Where("message_id = ?", messageID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("database error checking draft: %w", err)
	}
	return n > 0, nil
}

// SaveDraft stores the draft unless one already exists for the message.
// A second save for the same message is a no-op and reports created=false.
func (r *Repository) SaveDraft(ctx context.Context, draft *model.Draft) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(draft)
	if result.Error != nil {
		return false, fmt.Errorf("failed to save draft: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetDraft loads a draft with its message
func (r *Repository) GetDraft(ctx context.Context, id uint) (*model.Draft, error) {
	var draft model.Draft
	if err := r.db.WithContext(ctx).Preload("Message").Take(&draft, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &draft, nil
}

// GetDraftByMessage loads the draft generated for a message
func (r *Repository) GetDraftByMessage(ctx context.Context, messageID uint) (*model.Draft, error) {
	var draft model.Draft
	if err := r.db.WithContext(ctx).Where("message_id = ?", messageID).Take(&draft).Error; err != nil {
		return nil, notFound(err)
	}
	return &draft, nil
}

// MarkDraftSent records the provider id of the delivered draft
func (r *Repository) MarkDraftSent(ctx context.Context, id uint, externalID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Draft{}).
		Where("id = ?", id).
		Updates(map[string]any{"external_id": externalID, "sent_at": at}).Error
}
