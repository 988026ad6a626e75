package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExtractAddress(t *testing.T) {
	assert.Equal(t, "jane@example.com", ExtractAddress("Jane Doe <jane@example.com>"))
	assert.Equal(t, "jane@example.com", ExtractAddress("  jane@example.com "))
	assert.Equal(t, "", ExtractAddress(""))
}

func TestUserCredentials(t *testing.T) {
	gmailUser := User{Email: "me@example.com", Provider: ProviderGmail}
	assert.False(t, gmailUser.HasCredentials())
	gmailUser.RefreshToken = "token"
	assert.True(t, gmailUser.HasCredentials())

	imapUser := User{Email: "me@example.com", Provider: ProviderIMAP, RefreshToken: "ignored"}
	assert.False(t, imapUser.HasCredentials())
	imapUser.IMAPPassword = "secret"
	assert.True(t, imapUser.HasCredentials())

	assert.True(t, imapUser.IsSelf("Me <ME@example.com>"))
	assert.False(t, imapUser.IsSelf("other@example.com"))
}

func TestInboundToMessage(t *testing.T) {
	arrived := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	in := InboundMessage{
		ExternalID: "abc",
		ThreadID:   "t1",
		Sender:     "Bob <bob@example.com>",
		Recipients: []string{"me@example.com", "cc@example.com"},
		Subject:    "Lunch?",
		HTMLBody:   "<p>Are you free&nbsp;Friday?</p>",
		ArrivedAt:  arrived,
		Direction:  DirectionReceived,
		Offset:     42,
	}

	msg := in.ToMessage(7)
	assert.Equal(t, uint(7), msg.UserID)
	assert.Equal(t, "bob@example.com", msg.Sender)
	assert.Equal(t, "Are you free Friday?", msg.Body)
	assert.Equal(t, []string{"me@example.com", "cc@example.com"}, msg.RecipientList())
	assert.Equal(t, uint64(42), msg.Offset)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab…", Truncate("abcdef", 2))
	assert.Equal(t, "", Truncate("abc", 0))
}
