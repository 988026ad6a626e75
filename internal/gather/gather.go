// Package gather holds the context lookups feeding the reply pipeline:
// calendar availability and message history.
package gather

import (
	"context"
	"fmt"
	"time"

	calendar "google.golang.org/api/calendar/v3"

	"smart-mail-reply-go/internal/model"
	"smart-mail-reply-go/internal/provider"
)

// Event is a calendar entry relevant to a reply
type Event struct {
	Summary  string    `json:"summary"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	AllDay   bool      `json:"all_day"`
	Location string    `json:"location,omitempty"`
}

// Calendar reads the user's primary Google calendar
type Calendar struct {
	auth *provider.GoogleAuth
}

// NewCalendar creates a calendar gatherer sharing the Gmail credentials
func NewCalendar(auth *provider.GoogleAuth) *Calendar {
	return &Calendar{auth: auth}
}

// Events lists events overlapping [from, to). Users without Google
// credentials have no calendar and get an empty result.
func (c *Calendar) Events(ctx context.Context, user *model.User, from, to time.Time, limit int) ([]Event, error) {
	if user.Provider != model.ProviderGmail || user.RefreshToken == "" {
		return nil, nil
	}
	opts, err := c.auth.ClientOptions(user)
	if err != nil {
		return nil, err
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}

	resp, err := svc.Events.List("primary").
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(int64(limit)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, provider.ClassifyGoogleError("calendar.events", err)
	}

	events := make([]Event, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Status == "cancelled" {
			continue
		}
		events = append(events, toEvent(item))
	}
	return events, nil
}

func toEvent(item *calendar.Event) Event {
	ev := Event{Summary: item.Summary, Location: item.Location}
	if item.Start != nil {
		if item.Start.DateTime != "" {
			ev.Start, _ = time.Parse(time.RFC3339, item.Start.DateTime)
		} else if item.Start.Date != "" {
			ev.Start, _ = time.Parse(time.DateOnly, item.Start.Date)
			ev.AllDay = true
		}
	}
	if item.End != nil {
		if item.End.DateTime != "" {
			ev.End, _ = time.Parse(time.RFC3339, item.End.DateTime)
		} else if item.End.Date != "" {
			ev.End, _ = time.Parse(time.DateOnly, item.End.Date)
		}
	}
	return ev
}

// HistoryStore is the slice of the store history lookups need
type HistoryStore interface {
	ListConversation(ctx context.Context, userID uint, address string, limit int) ([]model.Message, error)
	SearchMessages(ctx context.Context, userID uint, keywords []string, since time.Time, limit int) ([]model.Message, error)
}

// History answers direct and keyword history queries from stored messages
type History struct {
	store HistoryStore
}

// NewHistory creates a history gatherer
func NewHistory(store HistoryStore) *History {
	return &History{store: store}
}

// Direct returns messages exchanged with sender, most recent first
func (h *History) Direct(ctx context.Context, userID uint, sender string, limit int) ([]model.Message, error) {
	if sender == "" || limit <= 0 {
		return nil, nil
	}
	return h.store.ListConversation(ctx, userID, sender, limit)
}

// Keyword returns mailbox-wide keyword matches newer than since
func (h *History) Keyword(ctx context.Context, userID uint, keywords []string, since time.Time, limit int) ([]model.Message, error) {
	if len(keywords) == 0 || limit <= 0 {
		return nil, nil
	}
	return h.store.SearchMessages(ctx, userID, keywords, since, limit)
}
