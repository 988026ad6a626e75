package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"smart-mail-reply-go/internal/model"
)

// CreateUser registers a mailbox owner
func (r *Repository) CreateUser(ctx context.Context, user *model.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// FindUserByEmail resolves a push-notification address to a user
func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		Take(&user).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// GetUser loads a user by id
func (r *Repository) GetUser(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Take(&user, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// ListUsersByProvider returns every user served by the named provider
func (r *Repository) ListUsersByProvider(ctx context.Context, provider string) ([]model.User, error) {
	var users []model.User
	if err := r.db.WithContext(ctx).Where("provider = ?", provider).Order("id").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// MarkHistoryImported records that onboarding ingestion finished
func (r *Repository) MarkHistoryImported(ctx context.Context, userID uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Update("history_imported_at", at).Error
}

// SetWatchExpiry records when the provider push subscription lapses
func (r *Repository) SetWatchExpiry(ctx context.Context, userID uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Update("watch_expires_at", at).Error
}
