package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"smart-mail-reply-go/internal/model"
)

// JobFilter narrows ListJobs
type JobFilter struct {
	Kind   string
	Status string
	Limit  int
}

// SaveJob upserts a job record on every state transition. Progress is
// only written on insert; later changes go through UpdateJobProgress.
func (r *Repository) SaveJob(ctx context.Context, rec *model.JobRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "attempts", "max_attempts", "last_error",
				"run_at", "started_at", "finished_at", "updated_at",
			}),
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateJobProgress raises the stored progress; lower values are ignored
func (r *Repository) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	return r.db.WithContext(ctx).Model(&model.JobRecord{}).
		Where("id = ? AND progress < ?", id, progress).
		Update("progress", progress).Error
}

// GetJob loads one job record
func (r *Repository) GetJob(ctx context.Context, id string) (*model.JobRecord, error) {
	var rec model.JobRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// ListJobs returns job history, newest first
func (r *Repository) ListJobs(ctx context.Context, filter JobFilter) ([]model.JobRecord, error) {
	q := r.db.WithContext(ctx)
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var recs []model.JobRecord
	if err := q.Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return recs, nil
}

// ListUnfinishedJobs returns queued and active records for crash recovery
func (r *Repository) ListUnfinishedJobs(ctx context.Context) ([]model.JobRecord, error) {
	var recs []model.JobRecord
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{"queued", "active"}).
		Order("created_at").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	return recs, nil
}
