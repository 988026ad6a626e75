package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-mail-reply-go/internal/config"
	"smart-mail-reply-go/internal/db"
	"smart-mail-reply-go/internal/model"
	"smart-mail-reply-go/internal/router"
	"smart-mail-reply-go/internal/syncer"
)

func testConfig() *config.Config {
	policy := config.JobPolicyConfig{Concurrency: 1, MaxAttempts: 2, BackoffBase: 10 * time.Millisecond}
	return &config.Config{
		Server:   config.ServerConfig{Port: "0"},
		Log:      config.LogConfig{Level: "debug"},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"},
		IMAP:     config.IMAPConfig{Host: "127.0.0.1", Port: 1, Mailbox: "INBOX", DraftMailbox: "Drafts"},
		LLM:      config.LLMConfig{BaseURL: "http://127.0.0.1:1/v1", Model: "test", Timeout: time.Second},
		Sync:     config.SyncConfig{BackfillLimit: 5, ProviderTimeout: time.Second, NotificationWait: time.Second},
		Pipeline: config.PipelineConfig{StageTimeout: time.Second, GatherTimeout: time.Second},
		Jobs: config.JobsConfig{
			Onboarding:        policy,
			StyleRegeneration: policy,
			RelationshipRegen: policy,
			ReplyGeneration:   policy,
			QueueCapacity:     10,
		},
		Scheduler: config.SchedulerConfig{PollIntervalMinutes: 5},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	a, err := NewWithDB(cfg, conn)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background(), false))
	t.Cleanup(a.Close)
	return a
}

func TestAppServesHealthAndMetrics(t *testing.T) {
	a := newTestApp(t, testConfig())
	r := router.SetupRouter(a.Handlers)

	for _, path := range []string{"/healthz", "/metrics", "/api/v1/scheduler/status", "/api/v1/jobs"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestGmailUsersAreDroppedWithoutGoogleCredentials(t *testing.T) {
	a := newTestApp(t, testConfig())
	ctx := context.Background()
	require.NoError(t, a.Repo.CreateUser(ctx, &model.User{Email: "owner@example.com", Provider: model.ProviderGmail, RefreshToken: "t"}))

	report, err := a.Engine.Process(ctx, "owner@example.com", 10)
	assert.Error(t, err)
	assert.Equal(t, syncer.OutcomeDropped, report.Outcome)
}

func TestOnboardingJobIsRecorded(t *testing.T) {
	a := newTestApp(t, testConfig())
	ctx := context.Background()
	user := &model.User{Email: "imap@example.com", Provider: model.ProviderIMAP, IMAPPassword: "pw"}
	require.NoError(t, a.Repo.CreateUser(ctx, user))

	id, err := a.Service.Onboard(ctx, user.ID)
	require.NoError(t, err)

	// the IMAP server is unreachable, so the job retries and then fails
	require.Eventually(t, func() bool {
		rec, err := a.Repo.GetJob(ctx, id)
		return err == nil && rec.Status == "failed" && rec.Attempts == 2
	}, 10*time.Second, 20*time.Millisecond)
}

func TestConfigureLogging(t *testing.T) {
	ConfigureLogging(config.LogConfig{Level: "nonsense"})
	ConfigureLogging(config.LogConfig{Level: "info"})
}
