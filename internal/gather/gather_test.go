package gather

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	calendar "google.golang.org/api/calendar/v3"

	"smart-mail-reply-go/internal/config"
	"smart-mail-reply-go/internal/model"
	"smart-mail-reply-go/internal/provider"
)

type fakeStore struct {
	conversation []model.Message
	searched     []string
}

func (f *fakeStore) ListConversation(_ context.Context, _ uint, _ string, limit int) ([]model.Message, error) {
	if len(f.conversation) > limit {
		return f.conversation[:limit], nil
	}
	return f.conversation, nil
}

func (f *fakeStore) SearchMessages(_ context.Context, _ uint, keywords []string, _ time.Time, _ int) ([]model.Message, error) {
	f.searched = keywords
	return []model.Message{{ExternalID: "k"}}, nil
}

func TestHistoryBounds(t *testing.T) {
	store := &fakeStore{conversation: []model.Message{{ExternalID: "1"}, {ExternalID: "2"}, {ExternalID: "3"}}}
	h := NewHistory(store)
	ctx := context.Background()

	direct, err := h.Direct(ctx, 1, "bob@example.com", 2)
	require.NoError(t, err)
	assert.Len(t, direct, 2)

	none, err := h.Direct(ctx, 1, "", 2)
	require.NoError(t, err)
	assert.Empty(t, none)

	none, err = h.Keyword(ctx, 1, nil, time.Now(), 5)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Nil(t, store.searched)

	found, err := h.Keyword(ctx, 1, []string{"budget"}, time.Now(), 5)
	require.NoError(t, err)
	assert.Len(t, found, 1)
	assert.Equal(t, []string{"budget"}, store.searched)
}

func TestCalendarSkipsUsersWithoutGoogle(t *testing.T) {
	c := NewCalendar(provider.NewGoogleAuth(config.GoogleConfig{}))
	events, err := c.Events(context.Background(), &model.User{Provider: model.ProviderIMAP, IMAPPassword: "x"}, time.Now(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestToEvent(t *testing.T) {
	timed := toEvent(&calendar.Event{
		Summary: "Standup",
		Start:   &calendar.EventDateTime{DateTime: "2024-05-01T09:00:00Z"},
		End:     &calendar.EventDateTime{DateTime: "2024-05-01T09:15:00Z"},
	})
	assert.Equal(t, "Standup", timed.Summary)
	assert.Equal(t, 15*time.Minute, timed.End.Sub(timed.Start))
	assert.False(t, timed.AllDay)

	allDay := toEvent(&calendar.Event{
		Summary: "Holiday",
		Start:   &calendar.EventDateTime{Date: "2024-05-01"},
		End:     &calendar.EventDateTime{Date: "2024-05-02"},
	})
	assert.True(t, allDay.AllDay)
	assert.Equal(t, 24*time.Hour, allDay.End.Sub(allDay.Start))
}
