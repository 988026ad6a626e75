package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/config"
)

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Intent   string   `json:"intent"`
		Keywords []string `json:"keywords"`
	}
	text := "Here you go:\n```json\n{\"intent\": \"scheduling\", \"keywords\": [\"lunch\"]}\n```"
	require.NoError(t, DecodeJSON(text, &out))
	assert.Equal(t, "scheduling", out.Intent)
	assert.Equal(t, []string{"lunch"}, out.Keywords)

	assert.Error(t, DecodeJSON("no json here", &out))
	assert.Error(t, DecodeJSON("{broken", &out))
}

func newServer(t *testing.T, status int, body string) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewOpenAI(config.LLMConfig{BaseURL: srv.URL, APIKey: "key", Model: "test-model"})
}

func TestOpenAIComplete(t *testing.T) {
	c := newServer(t, http.StatusOK, `{"choices":[{"index":0,"message":{"role":"assistant","content":"  hello  "}}]}`)
	text, err := c.Complete(context.Background(), "say hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestOpenAIRateLimitIsTransient(t *testing.T) {
	c := newServer(t, http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	_, err := c.Complete(context.Background(), "x")
	assert.True(t, apperror.IsTransient(err))
}

func TestCompleterFunc(t *testing.T) {
	var c Completer = CompleterFunc(func(_ context.Context, prompt string) (string, error) {
		return "echo " + prompt, nil
	})
	out, err := c.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo hi", out)
}
