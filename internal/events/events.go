// Package events publishes domain events to external consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"smart-mail-reply-go/internal/jobs"
	"smart-mail-reply-go/internal/model"
)

const (
	TypeJobFailed    = "job.failed"
	TypeDraftCreated = "draft.created"
)

// Publisher delivers one serialized event
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
}

// DraftCreated is emitted after a reply draft is stored
type DraftCreated struct {
	DraftID    uint      `json:"draft_id"`
	MessageID  uint      `json:"message_id"`
	UserID     uint      `json:"user_id"`
	Mode       string    `json:"mode"`
	Confidence int       `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Emitter turns domain values into published events. A nil Emitter or one
// without a publisher does nothing.
type Emitter struct {
	publisher Publisher
}

// NewEmitter creates an emitter over p
func NewEmitter(p Publisher) *Emitter {
	return &Emitter{publisher: p}
}

// DraftCreated publishes a draft.created event keyed by user
func (e *Emitter) DraftCreated(ctx context.Context, draft *model.Draft) error {
	if e == nil || e.publisher == nil {
		return nil
	}
	event := DraftCreated{
		DraftID:    draft.ID,
		MessageID:  draft.MessageID,
		UserID:     draft.UserID,
		Mode:       draft.Mode,
		Confidence: draft.Confidence,
		CreatedAt:  draft.CreatedAt,
	}
	return e.publish(ctx, TypeDraftCreated, event, strconv.FormatUint(uint64(draft.UserID), 10))
}

// JobFailed publishes a terminal job failure keyed by kind. It satisfies
// jobs.FailureSink, so errors are logged rather than returned.
func (e *Emitter) JobFailed(ctx context.Context, f jobs.Failure) {
	if e == nil || e.publisher == nil {
		return
	}
	if err := e.publish(ctx, TypeJobFailed, f, string(f.Kind)); err != nil {
		logrus.WithError(err).WithField("job_id", f.JobID).Error("Failed to publish job failure")
	}
}

func (e *Emitter) publish(ctx context.Context, eventType string, v any, key string) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	if err := e.publisher.Publish(ctx, eventType, payload, key); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	return nil
}

// LogPublisher writes events to the log instead of a broker
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, eventType string, payload []byte, partitionKey string) error {
	logrus.WithFields(logrus.Fields{
		"event_type":    eventType,
		"partition_key": partitionKey,
		"payload_bytes": len(payload),
	}).Info("Event published")
	return nil
}
