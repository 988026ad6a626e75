package syncer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/provider"
)

// Subscribe (re)starts change notifications for a user and resets the
// cursor to the provider's current offset. This is the only path that may
// move a cursor backwards.
func (e *Engine) Subscribe(ctx context.Context, userID uint) (provider.Subscription, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return provider.Subscription{}, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	if !user.HasCredentials() {
		return provider.Subscription{}, apperror.Permanent("sync.subscribe", fmt.Errorf("user %d has no credentials", userID))
	}
	prov, err := e.providers.For(user)
	if err != nil {
		return provider.Subscription{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.ProviderTimeout)
	defer cancel()

	var sub provider.Subscription
	switch p := prov.(type) {
	case provider.Subscriber:
		sub, err = p.Subscribe(callCtx, user)
	case provider.Poller:
		sub.Offset, err = p.LatestOffset(callCtx, user)
	default:
		err = apperror.Permanent("sync.subscribe", fmt.Errorf("provider %q supports neither push nor polling", user.Provider))
	}
	if err != nil {
		return provider.Subscription{}, fmt.Errorf("failed to subscribe user %d: %w", userID, err)
	}

	if err := e.store.ResetCursor(ctx, user.ID, sub.Offset); err != nil {
		return provider.Subscription{}, err
	}
	if sub.ExpiresAt != nil {
		if err := e.store.SetWatchExpiry(ctx, user.ID, *sub.ExpiresAt); err != nil {
			return provider.Subscription{}, fmt.Errorf("failed to record watch expiry: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{"user_id": user.ID, "offset": sub.Offset}).Info("User subscribed to change notifications")
	return sub, nil
}

// RenewWatch extends a push subscription without touching the cursor.
// Providers without push subscriptions are a no-op.
func (e *Engine) RenewWatch(ctx context.Context, userID uint) error {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	prov, err := e.providers.For(user)
	if err != nil {
		return err
	}
	sub, ok := prov.(provider.Subscriber)
	if !ok {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.ProviderTimeout)
	defer cancel()

	renewed, err := sub.Subscribe(callCtx, user)
	if err != nil {
		return fmt.Errorf("failed to renew watch for user %d: %w", userID, err)
	}
	if renewed.ExpiresAt != nil {
		return e.store.SetWatchExpiry(ctx, user.ID, *renewed.ExpiresAt)
	}
	return nil
}
