package handler

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"smart-mail-reply-go/internal/model"
)

// PushEnvelope is the body of a Pub/Sub push delivery
type PushEnvelope struct {
	Message struct {
		Data        string `json:"data" binding:"required"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message" binding:"required"`
	Subscription string `json:"subscription"`
}

// GmailNotification is the decoded data of a Gmail push message
type GmailNotification struct {
	EmailAddress string     `json:"emailAddress"`
	HistoryID    flexUint64 `json:"historyId"`
}

// flexUint64 accepts both quoted and bare JSON numbers
type flexUint64 uint64

func (f *flexUint64) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseUint(string(bytes.Trim(b, `"`)), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %s: %w", b, err)
	}
	*f = flexUint64(v)
	return nil
}

// SubscribeResponse reports a (re)subscription
type SubscribeResponse struct {
	UserID    uint       `json:"user_id"`
	Offset    uint64     `json:"offset"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// JobAcceptedResponse is returned when a job is queued
type JobAcceptedResponse struct {
	JobID  string `json:"job_id"`
	Kind   string `json:"kind"`
	UserID uint   `json:"user_id"`
}

// JobResponse represents one job record
type JobResponse struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Progress    int        `json:"progress"`
	LastError   string     `json:"last_error,omitempty"`
	RunAt       time.Time  `json:"run_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func newJobResponse(rec model.JobRecord) JobResponse {
	return JobResponse{
		ID:          rec.ID,
		Kind:        rec.Kind,
		Status:      rec.Status,
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		Progress:    rec.Progress,
		LastError:   rec.LastError,
		RunAt:       rec.RunAt,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		CreatedAt:   rec.CreatedAt,
	}
}

// DraftResponse represents a stored reply draft
type DraftResponse struct {
	ID         uint       `json:"id"`
	MessageID  uint       `json:"message_id"`
	Body       string     `json:"body"`
	Confidence int        `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
	Mode       string     `json:"mode"`
	ExternalID string     `json:"external_id,omitempty"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func newDraftResponse(d *model.Draft) DraftResponse {
	return DraftResponse{
		ID:         d.ID,
		MessageID:  d.MessageID,
		Body:       d.Body,
		Confidence: d.Confidence,
		Reasoning:  d.Reasoning,
		Mode:       d.Mode,
		ExternalID: d.ExternalID,
		SentAt:     d.SentAt,
		CreatedAt:  d.CreatedAt,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Database  string     `json:"database"`
	Scheduler string     `json:"scheduler"`
	NextRun   *time.Time `json:"next_run,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
