// Package service implements the job handlers and draft operations that sit
// between the HTTP surface, the sync engine and the reply pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/config"
	"smart-mail-reply-go/internal/jobs"
	"smart-mail-reply-go/internal/llm"
	"smart-mail-reply-go/internal/metrics"
	"smart-mail-reply-go/internal/model"
	"smart-mail-reply-go/internal/pipeline"
	"smart-mail-reply-go/internal/provider"
	"smart-mail-reply-go/internal/repository"
)

// Store is the persistence used by the handlers
type Store interface {
	GetUser(ctx context.Context, id uint) (*model.User, error)
	MarkHistoryImported(ctx context.Context, userID uint, at time.Time) error
	CreateMessage(ctx context.Context, msg *model.Message) (bool, error)
	GetMessage(ctx context.Context, id uint) (*model.Message, error)
	ListMessages(ctx context.Context, userID uint, direction model.Direction, limit int) ([]model.Message, error)
	GetActiveArtifact(ctx context.Context, userID uint, kind model.ArtifactKind) (*model.Artifact, error)
	CreateArtifactVersion(ctx context.Context, userID uint, kind model.ArtifactKind, content string) (*model.Artifact, error)
	HasDraft(ctx context.Context, messageID uint) (bool, error)
	SaveDraft(ctx context.Context, draft *model.Draft) (bool, error)
	GetDraft(ctx context.Context, id uint) (*model.Draft, error)
	GetDraftByMessage(ctx context.Context, messageID uint) (*model.Draft, error)
	MarkDraftSent(ctx context.Context, id uint, externalID string, at time.Time) error
}

// Providers resolves the mailbox adapter of a user
type Providers interface {
	For(user *model.User) (provider.Provider, error)
}

// Generator produces a reply for one inbound message
type Generator interface {
	Generate(ctx context.Context, user *model.User, msg *model.Message) pipeline.Result
}

// Enqueuer accepts background jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, kind jobs.Kind, payload any) (string, error)
	EnqueueUnique(ctx context.Context, kind jobs.Kind, key string, payload any) (string, bool, error)
}

// DraftNotifier is told about every stored draft
type DraftNotifier interface {
	DraftCreated(ctx context.Context, draft *model.Draft) error
}

// Options tunes onboarding and profile building
type Options struct {
	FetchLimit       int
	InterStepDelay   time.Duration
	MinStyleCorpus   int
	CorpusSampleSize int
}

// OptionsFromConfig maps job configuration onto service options
func OptionsFromConfig(cfg config.JobsConfig) Options {
	return Options{
		FetchLimit:       cfg.OnboardingFetchLimit,
		InterStepDelay:   cfg.InterStepDelay,
		MinStyleCorpus:   cfg.MinStyleCorpus,
		CorpusSampleSize: cfg.CorpusSampleSize,
	}
}

// UserPayload is the payload of onboarding and regeneration jobs
type UserPayload struct {
	UserID uint `json:"user_id"`
}

// ReplyPayload is the payload of reply-generation jobs
type ReplyPayload struct {
	UserID    uint `json:"user_id"`
	MessageID uint `json:"message_id"`
}

// Service owns the job handlers and draft operations
type Service struct {
	store     Store
	providers Providers
	builder   *ProfileBuilder
	generator Generator
	notifier  DraftNotifier
	queue     Enqueuer
	opts      Options
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates the service. notifier and m may be nil.
func New(store Store, providers Providers, completer llm.Completer, generator Generator, notifier DraftNotifier, opts Options, m *metrics.Metrics) *Service {
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 500
	}
	return &Service{
		store:     store,
		providers: providers,
		builder:   NewProfileBuilder(completer, store, opts.MinStyleCorpus, opts.CorpusSampleSize),
		generator: generator,
		notifier:  notifier,
		opts:      opts,
		metrics:   m,
		now:       time.Now,
	}
}

// RegisterJobs installs the job handlers on q and uses q for enqueueing
func (s *Service) RegisterJobs(q *jobs.Queue) {
	q.OnJob(jobs.KindOnboarding, s.handleOnboarding)
	q.OnJob(jobs.KindStyleRegeneration, s.handleStyleRegeneration)
	q.OnJob(jobs.KindRelationshipRegeneration, s.handleRelationshipRegeneration)
	q.OnJob(jobs.KindReplyGeneration, s.handleReplyGeneration)
	s.queue = q
}

// Onboard queues the onboarding job of a user
func (s *Service) Onboard(ctx context.Context, userID uint) (string, error) {
	return s.enqueueForUser(ctx, jobs.KindOnboarding, userID)
}

// RegenerateStyle queues a new style-profile version
func (s *Service) RegenerateStyle(ctx context.Context, userID uint) (string, error) {
	return s.enqueueForUser(ctx, jobs.KindStyleRegeneration, userID)
}

// RegenerateRelationships queues new contacts and rules versions
func (s *Service) RegenerateRelationships(ctx context.Context, userID uint) (string, error) {
	return s.enqueueForUser(ctx, jobs.KindRelationshipRegeneration, userID)
}

func (s *Service) enqueueForUser(ctx context.Context, kind jobs.Kind, userID uint) (string, error) {
	if s.queue == nil {
		return "", fmt.Errorf("job queue is not configured")
	}
	if _, err := s.loadUser(ctx, userID); err != nil {
		return "", err
	}
	id, _, err := s.queue.EnqueueUnique(ctx, kind, fmt.Sprint(userID), UserPayload{UserID: userID})
	return id, err
}

// loadUser returns the user or a permanent precondition error
func (s *Service) loadUser(ctx context.Context, userID uint) (*model.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.Permanent("load user", fmt.Errorf("user %d not found", userID))
	}
	if err != nil {
		return nil, err
	}
	if !user.HasCredentials() {
		return nil, apperror.Permanent("load user", fmt.Errorf("user %d has no provider credentials", userID))
	}
	return user, nil
}

// hasArtifact reports whether an active version of kind exists
func (s *Service) hasArtifact(ctx context.Context, userID uint, kind model.ArtifactKind) (bool, error) {
	_, err := s.store.GetActiveArtifact(ctx, userID, kind)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
