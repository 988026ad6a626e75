package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"smart-mail-reply-go/internal/model"
)

// FindMessage looks a message up by its provider id
func (r *Repository) FindMessage(ctx context.Context, userID uint, externalID string) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND external_id = ?", userID, externalID).
		Take(&msg).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

// GetMessage loads a message by id
func (r *Repository) GetMessage(ctx context.Context, id uint) (*model.Message, error) {
	var msg model.Message
	if err := r.db.WithContext(ctx).Take(&msg, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

// CreateMessage stores msg once per (user, external id) together with its
// recipient index. When the message already exists msg is filled from the
// stored row and created is false.
func (r *Repository) CreateMessage(ctx context.Context, msg *model.Message) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "external_id"}},
			DoNothing: true,
		}).Create(msg)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		created = true

		addrs := msg.RecipientAddresses()
		if len(addrs) == 0 {
			return nil
		}
		rows := make([]model.MessageRecipient, len(addrs))
		for i, addr := range addrs {
			rows[i] = model.MessageRecipient{MessageID: msg.ID, UserID: msg.UserID, Address: addr}
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to create message: %w", err)
	}
	if created {
		return true, nil
	}

	existing, err := r.FindMessage(ctx, msg.UserID, msg.ExternalID)
	if err != nil {
		return false, fmt.Errorf("failed to load existing message: %w", err)
	}
	*msg = *existing
	return false, nil
}

// ListConversation returns messages exchanged with address, most recent
// first: those it sent and those the user sent to it
func (r *Repository) ListConversation(ctx context.Context, userID uint, address string, limit int) ([]model.Message, error) {
	address = strings.ToLower(model.ExtractAddress(address))
	sentTo := r.db.Model(&model.MessageRecipient{}).
		Select("message_id").
		Where("user_id = ? AND address = ?", userID, address)

	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where(r.db.Where("LOWER(sender) = ?", address).
			Or("direction = ? AND id IN (?)", model.DirectionSent, sentTo)).
		Order("arrived_at DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation: %w", err)
	}
	return msgs, nil
}

// SearchMessages matches any keyword against subject and body across the
// mailbox, newest first, limited to messages arriving after since
func (r *Repository) SearchMessages(ctx context.Context, userID uint, keywords []string, since time.Time, limit int) ([]model.Message, error) {
	cond := r.db.Where("1 = 0")
	matched := false
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		pattern := "%" + kw + "%"
		cond = cond.Or("LOWER(subject) LIKE ? OR LOWER(body) LIKE ?", pattern, pattern)
		matched = true
	}
	if !matched {
		return nil, nil
	}

	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND arrived_at >= ?", userID, since).
		Where(cond).
		Order("arrived_at DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return msgs, nil
}

// ListMessages returns the user's most recent messages in one direction,
// or in both when direction is empty
func (r *Repository) ListMessages(ctx context.Context, userID uint, direction model.Direction, limit int) ([]model.Message, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if direction != "" {
		q = q.Where("direction = ?", direction)
	}
	var msgs []model.Message
	if err := q.Order("arrived_at DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// CountMessages counts the user's messages in one direction
func (r *Repository) CountMessages(ctx context.Context, userID uint, direction model.Direction) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("user_id = ? AND direction = ?", userID, direction).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
