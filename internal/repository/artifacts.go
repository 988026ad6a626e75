package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/model"
)

// GetActiveArtifact returns the active version of kind for the user.
// More than one active version is a DataIntegrity error and is not repaired.
func (r *Repository) GetActiveArtifact(ctx context.Context, userID uint, kind model.ArtifactKind) (*model.Artifact, error) {
	var active []model.Artifact
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND kind = ? AND is_active = ?", userID, kind, true).
		Order("version DESC").
		Limit(2).
		Find(&active).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load active artifact: %w", err)
	}
	switch len(active) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &active[0], nil
	default:
		return nil, apperror.Integrity("artifact.active",
			fmt.Errorf("user %d has %d active %s versions", userID, len(active), kind))
	}
}

// CreateArtifactVersion deactivates every prior version of kind and inserts
// the next version as active, in one transaction serialized on the user row.
func (r *Repository) CreateArtifactVersion(ctx context.Context, userID uint, kind model.ArtifactKind, content string) (*model.Artifact, error) {
	var created model.Artifact
	err := retryOnContention(ctx, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var owner model.User
			if err := forUpdate(tx).Select("id").Where("id = ?", userID).Take(&owner).Error; err != nil {
				return notFound(err)
			}

			var latest int
			if err := tx.Model(&model.Artifact{}).
				Where("user_id = ? AND kind = ?", userID, kind).
				Select("COALESCE(MAX(version), 0)").
				Scan(&latest).Error; err != nil {
				return err
			}

			if err := tx.Model(&model.Artifact{}).
				Where("user_id = ? AND kind = ? AND is_active = ?", userID, kind, true).
				Update("is_active", false).Error; err != nil {
				return err
			}

			created = model.Artifact{
				UserID:   userID,
				Kind:     kind,
				Version:  latest + 1,
				Content:  content,
				IsActive: true,
			}
			if err := tx.Create(&created).Error; err != nil {
				return err
			}

			var active int64
			if err := tx.Model(&model.Artifact{}).
				Where("user_id = ? AND kind = ? AND is_active = ?", userID, kind, true).
				Count(&active).Error; err != nil {
				return err
			}
			if active != 1 {
				return apperror.Integrity("artifact.create",
					fmt.Errorf("user %d would have %d active %s versions", userID, active, kind))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s artifact version: %w", kind, err)
	}
	return &created, nil
}

// ListArtifactVersions returns every version of kind, newest first
func (r *Repository) ListArtifactVersions(ctx context.Context, userID uint, kind model.ArtifactKind) ([]model.Artifact, error) {
	var versions []model.Artifact
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND kind = ?", userID, kind).
		Order("version DESC").
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact versions: %w", err)
	}
	return versions, nil
}
