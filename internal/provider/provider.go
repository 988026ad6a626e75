// Package provider adapts mailbox services (Gmail API, IMAP) to the
// incremental-delta contract used by the sync engine.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/model"
)

// ErrCursorExpired is returned by ListDelta when the provider no longer
// holds history back to the requested offset
var ErrCursorExpired = errors.New("provider history no longer available for offset")

// Provider is a message provider adapter
type Provider interface {
	// ListDelta returns messages added after fromOffset, oldest first
	ListDelta(ctx context.Context, user *model.User, fromOffset uint64) ([]model.InboundMessage, error)
	// ListRecent returns the n most recent messages, oldest first
	ListRecent(ctx context.Context, user *model.User, n int) ([]model.InboundMessage, error)
	// Send delivers a draft and returns the provider id of the stored copy
	Send(ctx context.Context, user *model.User, draft model.OutboundDraft) (string, error)
}

// Subscription is the result of starting or renewing change notifications
type Subscription struct {
	Offset    uint64
	ExpiresAt *time.Time
}

// Subscriber is implemented by providers that need an explicit subscription
// before they emit change notifications
type Subscriber interface {
	Subscribe(ctx context.Context, user *model.User) (Subscription, error)
}

// Poller is implemented by providers without push delivery. LatestOffset
// lets the scheduler synthesize notifications.
type Poller interface {
	LatestOffset(ctx context.Context, user *model.User) (uint64, error)
}

// Registry resolves a user's provider by name
type Registry map[string]Provider

// For returns the provider serving user
func (r Registry) For(user *model.User) (Provider, error) {
	p, ok := r[user.Provider]
	if !ok {
		return nil, apperror.Permanent("provider.resolve", fmt.Errorf("no provider configured for %q", user.Provider))
	}
	return p, nil
}
