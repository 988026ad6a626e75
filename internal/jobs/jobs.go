// Package jobs runs long multi-step work on per-kind worker pools with
// bounded concurrency, retries with exponential backoff, persisted history
// and terminal-failure sinks.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"smart-mail-reply-go/internal/config"
)

// Kind names a job queue
type Kind string

const (
	KindOnboarding               Kind = "onboarding"
	KindStyleRegeneration        Kind = "style_regeneration"
	KindRelationshipRegeneration Kind = "relationship_regeneration"
	KindReplyGeneration          Kind = "reply_generation"
)

// Kinds lists every job kind
var Kinds = []Kind{KindOnboarding, KindStyleRegeneration, KindRelationshipRegeneration, KindReplyGeneration}

// Status of a job record
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Backoff computes retry delays. Retry N is scheduled at least
// Base * 2^(N-1) after failure N.
type Backoff struct {
	Base time.Duration
	// Jitter adds up to this fraction of the delay on top of it
	Jitter float64
}

// Delay returns the wait before retrying after the given failed attempt (1-based)
func (b Backoff) Delay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	shift := failedAttempt - 1
	if shift > 20 {
		shift = 20
	}
	delay := b.Base << uint(shift)
	if b.Jitter > 0 && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(float64(delay)*b.Jitter) + 1))
	}
	return delay
}

// Policy is the worker ceiling and retry policy of one kind
type Policy struct {
	Concurrency int
	MaxAttempts int
	Backoff     Backoff
}

// PoliciesFromConfig maps job configuration onto queue policies
func PoliciesFromConfig(cfg config.JobsConfig) map[Kind]Policy {
	policy := func(p config.JobPolicyConfig) Policy {
		return Policy{
			Concurrency: p.Concurrency,
			MaxAttempts: p.MaxAttempts,
			Backoff:     Backoff{Base: p.BackoffBase, Jitter: 0.1},
		}
	}
	return map[Kind]Policy{
		KindOnboarding:               policy(cfg.Onboarding),
		KindStyleRegeneration:        policy(cfg.StyleRegeneration),
		KindRelationshipRegeneration: policy(cfg.RelationshipRegen),
		KindReplyGeneration:          policy(cfg.ReplyGeneration),
	}
}

// Handler runs one attempt of a job
type Handler func(ctx context.Context, job *Job) error

// Job is one attempt's view of a queued job
type Job struct {
	ID          string
	Kind        Kind
	Payload     json.RawMessage
	Attempt     int
	MaxAttempts int

	dedupKey string
	progress *progress
}

// Decode unmarshals the payload into v
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// ReportProgress records a percentage. Values at or below the last
// reported one are ignored.
func (j *Job) ReportProgress(ctx context.Context, pct int) {
	if j.progress != nil {
		j.progress.report(ctx, pct)
	}
}

// Progress returns the highest reported percentage
func (j *Job) Progress() int {
	if j.progress == nil {
		return 0
	}
	return j.progress.current()
}

type progress struct {
	mu    sync.Mutex
	value int
	jobID string
	store Store
}

func (p *progress) report(ctx context.Context, pct int) {
	if pct > 100 {
		pct = 100
	}
	p.mu.Lock()
	if pct <= p.value {
		p.mu.Unlock()
		return
	}
	p.value = pct
	p.mu.Unlock()

	if p.store == nil {
		return
	}
	if err := p.store.UpdateJobProgress(context.WithoutCancel(ctx), p.jobID, pct); err != nil {
		logrus.WithError(err).WithField("job_id", p.jobID).Warn("Failed to persist job progress")
	}
}

func (p *progress) current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// Sleep waits for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
