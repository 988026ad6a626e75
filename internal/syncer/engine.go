// Package syncer ingests provider change notifications exactly once per
// offset and hands new inbound messages to reply generation.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/lock"
	"smart-mail-reply-go/internal/metrics"
	"smart-mail-reply-go/internal/model"
	"smart-mail-reply-go/internal/provider"
	"smart-mail-reply-go/internal/repository"
)

// Store is the persistence the engine needs
type Store interface {
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUser(ctx context.Context, id uint) (*model.User, error)
	GetCursor(ctx context.Context, userID uint) (*model.SyncCursor, error)
	AdvanceCursor(ctx context.Context, userID uint, offset uint64) (bool, error)
	ResetCursor(ctx context.Context, userID uint, offset uint64) error
	SetWatchExpiry(ctx context.Context, userID uint, at time.Time) error
	CreateMessage(ctx context.Context, msg *model.Message) (bool, error)
	HasDraft(ctx context.Context, messageID uint) (bool, error)
}

// Providers resolves the adapter serving a user
type Providers interface {
	For(user *model.User) (provider.Provider, error)
}

// Dispatcher hands a stored inbound message to reply generation
type Dispatcher interface {
	Dispatch(ctx context.Context, user *model.User, msg *model.Message) error
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(ctx context.Context, user *model.User, msg *model.Message) error

func (f DispatcherFunc) Dispatch(ctx context.Context, user *model.User, msg *model.Message) error {
	return f(ctx, user, msg)
}

// Outcome describes what Process did with a notification
type Outcome string

const (
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDropped   Outcome = "dropped"
	OutcomeStale     Outcome = "stale"
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
)

// Report summarizes one Process call
type Report struct {
	Outcome    Outcome `json:"outcome"`
	Fetched    int     `json:"fetched"`
	Stored     int     `json:"stored"`
	Dispatched int     `json:"dispatched"`
	Failed     int     `json:"failed"`
	Backfill   bool    `json:"backfill"`
}

// Options configures the engine
type Options struct {
	BackfillLimit   int
	ProviderTimeout time.Duration
}

// Engine is the notification sync engine
type Engine struct {
	store      Store
	providers  Providers
	locks      lock.Locker
	dispatcher Dispatcher
	opts       Options
	metrics    *metrics.Metrics
}

// New creates an engine. m may be nil.
func New(store Store, providers Providers, locks lock.Locker, dispatcher Dispatcher, opts Options, m *metrics.Metrics) *Engine {
	if opts.BackfillLimit <= 0 {
		opts.BackfillLimit = 10
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 30 * time.Second
	}
	return &Engine{
		store:      store,
		providers:  providers,
		locks:      locks,
		dispatcher: dispatcher,
		opts:       opts,
		metrics:    m,
	}
}

// HandleNotification processes one push delivery. It never returns or
// panics: every failure is logged and the delivery is dropped.
func (e *Engine) HandleNotification(ctx context.Context, address string, offset uint64) {
	log := logrus.WithFields(logrus.Fields{"address": address, "offset": offset})
	defer func() {
		if r := recover(); r != nil {
			e.count(func(m *metrics.Metrics) { m.NotificationsFailed.Inc() })
			log.WithField("stack", string(debug.Stack())).Errorf("Recovered panic in notification handler: %v", r)
		}
	}()

	report, err := e.Process(ctx, address, offset)
	switch {
	case err == nil:
		log.WithFields(logrus.Fields{
			"outcome":    report.Outcome,
			"fetched":    report.Fetched,
			"dispatched": report.Dispatched,
			"failed":     report.Failed,
		}).Info("Notification handled")
	case apperror.IsPermanent(err):
		log.WithError(err).Warn("Notification dropped")
	default:
		log.WithError(err).Error("Notification processing failed")
	}
}

// Process runs the sync algorithm for one notification and reports errors
// instead of swallowing them
func (e *Engine) Process(ctx context.Context, address string, offset uint64) (Report, error) {
	e.count(func(m *metrics.Metrics) { m.NotificationsReceived.Inc() })

	unlock, ok := e.locks.TryLock(ctx, lock.NotificationKey(address, offset))
	if !ok {
		e.count(func(m *metrics.Metrics) { m.NotificationsDuplicate.Inc() })
		return Report{Outcome: OutcomeDuplicate}, nil
	}
	defer unlock()

	user, err := e.resolveUser(ctx, address)
	if err != nil {
		return e.dropped(err)
	}
	prov, err := e.providers.For(user)
	if err != nil {
		return e.dropped(err)
	}

	log := logrus.WithFields(logrus.Fields{"user_id": user.ID, "offset": offset})
	report := Report{Outcome: OutcomeProcessed}

	items, backfill, err := e.fetch(ctx, prov, user, offset, log)
	if errors.Is(err, errStale) {
		e.count(func(m *metrics.Metrics) { m.NotificationsStale.Inc() })
		return Report{Outcome: OutcomeStale}, nil
	}
	if err != nil {
		e.count(func(m *metrics.Metrics) { m.NotificationsFailed.Inc() })
		return Report{Outcome: OutcomeFailed}, err
	}
	report.Fetched = len(items)
	report.Backfill = backfill

	for _, item := range items {
		if !backfill && item.Offset > offset {
			// a later notification covers it
			continue
		}
		stored, dispatched, err := e.processItem(ctx, user, item)
		if stored {
			report.Stored++
		}
		if dispatched {
			report.Dispatched++
		}
		if err != nil {
			report.Failed++
			log.WithError(err).WithField("external_id", item.ExternalID).Error("Failed to process message, continuing with batch")
		}
	}

	if _, err := e.store.AdvanceCursor(ctx, user.ID, offset); err != nil {
		e.count(func(m *metrics.Metrics) { m.NotificationsFailed.Inc() })
		report.Outcome = OutcomeFailed
		return report, fmt.Errorf("failed to advance cursor for user %d to %d: %w", user.ID, offset, err)
	}
	return report, nil
}

var errStale = errors.New("notification at or behind cursor")

// fetch loads the delta, or the bounded backfill on cold start or when the
// provider no longer has history back to the cursor
func (e *Engine) fetch(ctx context.Context, prov provider.Provider, user *model.User, offset uint64, log *logrus.Entry) ([]model.InboundMessage, bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.opts.ProviderTimeout)
	defer cancel()

	cursor, err := e.store.GetCursor(ctx, user.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		log.WithField("limit", e.opts.BackfillLimit).Info("No sync cursor, backfilling most recent messages")
		items, err := prov.ListRecent(fetchCtx, user, e.opts.BackfillLimit)
		if err != nil {
			return nil, true, fmt.Errorf("failed to list recent messages: %w", err)
		}
		return items, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("failed to load sync cursor: %w", err)
	}

	if cursor.LastOffset >= offset {
		return nil, false, errStale
	}

	items, err := prov.ListDelta(fetchCtx, user, cursor.LastOffset)
	if errors.Is(err, provider.ErrCursorExpired) {
		log.WithField("cursor", cursor.LastOffset).Warn("Provider history expired, backfilling most recent messages")
		items, err = prov.ListRecent(fetchCtx, user, e.opts.BackfillLimit)
		if err != nil {
			return nil, true, fmt.Errorf("failed to list recent messages: %w", err)
		}
		return items, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to list delta from %d: %w", cursor.LastOffset, err)
	}
	return items, false, nil
}

// processItem stores one message and dispatches it when it is a new
// inbound message without a draft
func (e *Engine) processItem(ctx context.Context, user *model.User, item model.InboundMessage) (stored, dispatched bool, err error) {
	msg := item.ToMessage(user.ID)
	if msg.ExternalID == "" {
		return false, false, errors.New("message without external id")
	}
	if _, err := e.store.CreateMessage(ctx, &msg); err != nil {
		return false, false, err
	}

	if msg.Direction == model.DirectionSent || user.IsSelf(msg.Sender) {
		return true, false, nil
	}

	hasDraft, err := e.store.HasDraft(ctx, msg.ID)
	if err != nil {
		return true, false, err
	}
	if hasDraft {
		return true, false, nil
	}

	if err := e.dispatcher.Dispatch(ctx, user, &msg); err != nil {
		return true, false, fmt.Errorf("failed to dispatch message %d: %w", msg.ID, err)
	}
	e.count(func(m *metrics.Metrics) { m.MessagesDispatched.Inc() })
	return true, true, nil
}

func (e *Engine) resolveUser(ctx context.Context, address string) (*model.User, error) {
	user, err := e.store.FindUserByEmail(ctx, model.ExtractAddress(address))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.Permanent("sync.resolve", fmt.Errorf("unknown address %q", address))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}
	if !user.HasCredentials() {
		return nil, apperror.Permanent("sync.resolve", fmt.Errorf("user %d has no credentials", user.ID))
	}
	return user, nil
}

func (e *Engine) dropped(err error) (Report, error) {
	if apperror.IsPermanent(err) {
		e.count(func(m *metrics.Metrics) { m.NotificationsDropped.Inc() })
		return Report{Outcome: OutcomeDropped}, err
	}
	e.count(func(m *metrics.Metrics) { m.NotificationsFailed.Inc() })
	return Report{Outcome: OutcomeFailed}, err
}

func (e *Engine) count(fn func(m *metrics.Metrics)) {
	if e.metrics != nil {
		fn(e.metrics)
	}
}
