package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/config"
	"smart-mail-reply-go/internal/model"
)

func testUser() *model.User {
	return &model.User{ID: 1, Email: "me@example.com", Provider: model.ProviderGmail, RefreshToken: "refresh"}
}

func encode(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestParseGmailMessage(t *testing.T) {
	msg := &gmail.Message{
		Id:           "m1",
		ThreadId:     "t1",
		HistoryId:    77,
		InternalDate: 1714557600000,
		LabelIds:     []string{"INBOX", "UNREAD"},
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "Quarterly plan"},
				{Name: "From", Value: "Bob <bob@example.com>"},
				{Name: "To", Value: "Me <me@example.com>, carol@example.com"},
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: encode("Can we meet?")}},
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: encode("<p>Can we meet?</p>")}},
			},
		},
	}

	in := parseGmailMessage(msg, testUser())
	assert.Equal(t, "m1", in.ExternalID)
	assert.Equal(t, "t1", in.ThreadID)
	assert.Equal(t, uint64(77), in.Offset)
	assert.Equal(t, model.DirectionReceived, in.Direction)
	assert.Equal(t, "Bob <bob@example.com>", in.Sender)
	assert.Equal(t, []string{"me@example.com", "carol@example.com"}, in.Recipients)
	assert.Equal(t, "Can we meet?", in.Body)
	assert.Equal(t, "<p>Can we meet?</p>", in.HTMLBody)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), in.ArrivedAt)
}

func TestParseGmailMessageDirection(t *testing.T) {
	sent := parseGmailMessage(&gmail.Message{Id: "s", LabelIds: []string{"SENT"}}, testUser())
	assert.Equal(t, model.DirectionSent, sent.Direction)

	self := parseGmailMessage(&gmail.Message{
		Id:      "self",
		Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{{Name: "From", Value: "ME@example.com"}}},
	}, testUser())
	assert.Equal(t, model.DirectionSent, self.Direction)
}

func TestBuildRawReply(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	raw := buildRawReply("me@example.com", model.OutboundDraft{
		To:        "bob@example.com",
		Subject:   "Lunch",
		InReplyTo: "<abc@mail>",
		Body:      "Sure.\nSee you",
	}, now)

	assert.Contains(t, raw, "Subject: Re: Lunch\r\n")
	assert.Contains(t, raw, "In-Reply-To: <abc@mail>\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nSure.\r\nSee you"))

	again := buildRawReply("me@example.com", model.OutboundDraft{To: "bob@example.com", Subject: "RE: Lunch"}, now)
	assert.Contains(t, again, "Subject: RE: Lunch\r\n")
	assert.NotContains(t, again, "In-Reply-To")
}

func TestReadBodies(t *testing.T) {
	raw := "From: bob@example.com\r\n" +
		"Content-Type: multipart/alternative; boundary=XX\r\n" +
		"\r\n" +
		"--XX\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain text\r\n" +
		"--XX\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<b>html</b>\r\n" +
		"--XX--\r\n"

	plain, html, err := readBodies(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "plain text", plain)
	assert.Equal(t, "<b>html</b>", html)

	single, _, err := readBodies(strings.NewReader("Subject: hi\r\n\r\njust text"))
	require.NoError(t, err)
	assert.Equal(t, "just text", single)
}

func TestComposeDraft(t *testing.T) {
	raw, id, err := composeDraft("me@example.com", model.OutboundDraft{
		To:        "bob@example.com",
		Subject:   "Lunch",
		InReplyTo: "<abc@mail>",
		Body:      "Sure.",
	}, time.Now())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">"))

	text := string(raw)
	assert.Contains(t, text, "Subject: Re: Lunch")
	assert.Contains(t, text, "In-Reply-To: <abc@mail>")
	assert.Contains(t, text, "Sure.")

	plain, _, err := readBodies(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, "Sure.", plain)
}

func TestRegistryFor(t *testing.T) {
	reg := Registry{model.ProviderGmail: NewGmail(NewGoogleAuth(config.GoogleConfig{}), "")}

	p, err := reg.For(testUser())
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = reg.For(&model.User{Provider: "exchange"})
	assert.True(t, apperror.IsPermanent(err))
}

func TestClassifyGoogleError(t *testing.T) {
	assert.True(t, apperror.IsTransient(ClassifyGoogleError("op", &googleapi.Error{Code: 429})))
	assert.True(t, apperror.IsTransient(ClassifyGoogleError("op", &googleapi.Error{Code: 503})))
	assert.True(t, apperror.IsPermanent(ClassifyGoogleError("op", &googleapi.Error{Code: 401})))
	assert.True(t, apperror.IsTransient(ClassifyGoogleError("op", context.DeadlineExceeded)))

	plain := errors.New("boom")
	assert.Equal(t, plain, ClassifyGoogleError("op", plain))
	assert.NoError(t, ClassifyGoogleError("op", nil))
}

func newGmailServer(t *testing.T, handler http.HandlerFunc) *Gmail {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	auth := NewGoogleAuth(config.GoogleConfig{ClientID: "id", ClientSecret: "secret"},
		option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	return NewGmail(auth, "projects/p/topics/t")
}

func TestGmailListDelta(t *testing.T) {
	g := newGmailServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/history"):
			assert.Equal(t, "100", r.URL.Query().Get("startHistoryId"))
			w.Write([]byte(`{"history":[
				{"id":"105","messagesAdded":[{"message":{"id":"b"}}]},
				{"id":"103","messagesAdded":[{"message":{"id":"a"}}]}
			],"historyId":"105"}`))
		case strings.HasSuffix(r.URL.Path, "/messages/a"):
			w.Write([]byte(`{"id":"a","threadId":"ta","historyId":"103","labelIds":["INBOX"]}`))
		case strings.HasSuffix(r.URL.Path, "/messages/b"):
			w.Write([]byte(`{"id":"b","threadId":"tb","historyId":"105","labelIds":["SENT"]}`))
		default:
			http.NotFound(w, r)
		}
	})

	msgs, err := g.ListDelta(context.Background(), testUser(), 100)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ExternalID)
	assert.Equal(t, uint64(103), msgs[0].Offset)
	assert.Equal(t, model.DirectionSent, msgs[1].Direction)
}

func TestGmailListDeltaExpiredHistory(t *testing.T) {
	g := newGmailServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found."}}`))
	})

	_, err := g.ListDelta(context.Background(), testUser(), 1)
	assert.ErrorIs(t, err, ErrCursorExpired)
}

func TestGmailRequiresRefreshToken(t *testing.T) {
	g := NewGmail(NewGoogleAuth(config.GoogleConfig{}), "")
	_, err := g.ListRecent(context.Background(), &model.User{ID: 2, Provider: model.ProviderGmail}, 5)
	assert.True(t, apperror.IsPermanent(err))
}

func TestGoogleAuthExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		refresh := ""
		if r.PostForm.Get("code") == "code-1" {
			refresh = "refresh-1"
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"access","token_type":"Bearer","expires_in":3600,"refresh_token":"` + refresh + `"}`))
	}))
	defer srv.Close()

	auth := NewGoogleAuth(config.GoogleConfig{ClientID: "id", ClientSecret: "secret", RedirectURL: "http://localhost/cb"})
	auth.oauth.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}

	consent := auth.AuthCodeURL("state")
	assert.Contains(t, consent, "access_type=offline")
	assert.Contains(t, consent, "redirect_uri=http%3A%2F%2Flocalhost%2Fcb")

	tok, err := auth.Exchange(context.Background(), "code-1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", tok.RefreshToken)

	_, err = auth.Exchange(context.Background(), "code-2")
	assert.True(t, apperror.IsPermanent(err))
}
