package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/db"
	"smart-mail-reply-go/internal/jobs"
	"smart-mail-reply-go/internal/llm"
	"smart-mail-reply-go/internal/metrics"
	"smart-mail-reply-go/internal/model"
	"smart-mail-reply-go/internal/pipeline"
	"smart-mail-reply-go/internal/provider"
	"smart-mail-reply-go/internal/repository"
)

const owner = "owner@example.com"

type fakeProvider struct {
	mu          sync.Mutex
	recent      []model.InboundMessage
	recentCalls int
	sent        []model.OutboundDraft
}

func (p *fakeProvider) ListDelta(context.Context, *model.User, uint64) ([]model.InboundMessage, error) {
	return nil, nil
}

func (p *fakeProvider) ListRecent(_ context.Context, _ *model.User, n int) ([]model.InboundMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recentCalls++
	if len(p.recent) > n {
		return p.recent[len(p.recent)-n:], nil
	}
	return p.recent, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recentCalls
}

func (p *fakeProvider) Send(_ context.Context, _ *model.User, d model.OutboundDraft) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, d)
	return fmt.Sprintf("sent-%d", len(p.sent)), nil
}

// fakeLLM answers by task line and records the order of tasks
type fakeLLM struct {
	mu    sync.Mutex
	tasks []string
	fail  map[string]error
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	task, _, _ := strings.Cut(prompt, "\n")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	if err := f.fail[task]; err != nil {
		return "", err
	}
	return "profile for " + task, nil
}

func (f *fakeLLM) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tasks...)
}

func (f *fakeLLM) count(task string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tasks {
		if t == task {
			n++
		}
	}
	return n
}

func (f *fakeLLM) setFail(task string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[string]error{}
	}
	if err == nil {
		delete(f.fail, task)
		return
	}
	f.fail[task] = err
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
}

func (g *fakeGenerator) Generate(context.Context, *model.User, *model.Message) pipeline.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return pipeline.Result{Reply: "Sounds good.", Confidence: 80, Reasoning: "simple ack", Mode: pipeline.ModeContextual}
}

type recordingNotifier struct {
	mu     sync.Mutex
	drafts []uint
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.drafts)
}

func (n *recordingNotifier) DraftCreated(_ context.Context, d *model.Draft) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drafts = append(n.drafts, d.ID)
	return nil
}

type fixture struct {
	repo     *repository.Repository
	prov     *fakeProvider
	llm      *fakeLLM
	gen      *fakeGenerator
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	svc      *Service
	queue    *jobs.Queue
	user     *model.User
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	repo := repository.New(conn)

	user := &model.User{Email: owner, Provider: model.ProviderGmail, RefreshToken: "token"}
	require.NoError(t, repo.CreateUser(context.Background(), user))

	f := &fixture{
		repo:     repo,
		prov:     &fakeProvider{},
		llm:      &fakeLLM{},
		gen:      &fakeGenerator{},
		notifier: &recordingNotifier{},
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
		user:     user,
	}
	registry := provider.Registry{model.ProviderGmail: f.prov}
	f.svc = New(repo, registry, f.llm, f.gen, f.notifier, opts, f.metrics)

	policy := jobs.Policy{Concurrency: 1, MaxAttempts: 1}
	f.queue = jobs.NewQueue(repo, map[jobs.Kind]jobs.Policy{
		jobs.KindOnboarding:               policy,
		jobs.KindStyleRegeneration:        policy,
		jobs.KindRelationshipRegeneration: policy,
		jobs.KindReplyGeneration:          {Concurrency: 3, MaxAttempts: 1},
	}, 100, f.metrics)
	f.svc.RegisterJobs(f.queue)
	require.NoError(t, f.queue.Start())
	t.Cleanup(f.queue.Stop)
	return f
}

func (f *fixture) waitJob(t *testing.T, id string) *model.JobRecord {
	t.Helper()
	var rec *model.JobRecord
	require.Eventually(t, func() bool {
		r, err := f.repo.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		rec = r
		return r.Status == string(jobs.StatusCompleted) || r.Status == string(jobs.StatusFailed)
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func mailbox(sent, received int) []model.InboundMessage {
	var out []model.InboundMessage
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < sent; i++ {
		out = append(out, model.InboundMessage{
			ExternalID: fmt.Sprintf("s%d", i),
			Sender:     "Owner <" + owner + ">",
			Recipients: []string{"alice@example.com"},
			Subject:    "Update",
			Body:       "Hi Alice, thanks!",
			ArrivedAt:  base.Add(time.Duration(i) * time.Hour),
			Direction:  model.DirectionReceived,
		})
	}
	for i := 0; i < received; i++ {
		out = append(out, model.InboundMessage{
			ExternalID: fmt.Sprintf("r%d", i),
			Sender:     "alice@example.com",
			Recipients: []string{owner},
			Subject:    "Question",
			Body:       "Can we meet?",
			ArrivedAt:  base.Add(time.Duration(sent+i) * time.Hour),
			Direction:  model.DirectionReceived,
		})
	}
	return out
}

func (f *fixture) activeVersion(t *testing.T, kind model.ArtifactKind) int {
	t.Helper()
	a, err := f.repo.GetActiveArtifact(context.Background(), f.user.ID, kind)
	if errors.Is(err, repository.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return a.Version
}

func TestOnboardingRunsAllStepsInOrder(t *testing.T) {
	f := newFixture(t, Options{FetchLimit: 50, InterStepDelay: 15 * time.Millisecond, MinStyleCorpus: 3})
	f.prov.recent = mailbox(4, 3)

	start := time.Now()
	id, err := f.svc.Onboard(context.Background(), f.user.ID)
	require.NoError(t, err)
	rec := f.waitJob(t, id)

	assert.Equal(t, string(jobs.StatusCompleted), rec.Status)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, []string{TaskProfileStyle, TaskProfileContacts, TaskProfileRules}, f.llm.snapshot())

	user, err := f.repo.GetUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.NotNil(t, user.HistoryImportedAt)

	sent, err := f.repo.CountMessages(context.Background(), f.user.ID, model.DirectionSent)
	require.NoError(t, err)
	assert.Equal(t, int64(4), sent)

	for _, kind := range model.ArtifactKinds {
		assert.Equal(t, 1, f.activeVersion(t, kind), kind)
	}
	require.Eventually(t, func() bool {
		r, _ := f.repo.GetJob(context.Background(), id)
		return r != nil && r.Progress == 100
	}, time.Second, 10*time.Millisecond)
}

func TestOnboardingEndsEarlyOnSmallCorpus(t *testing.T) {
	f := newFixture(t, Options{MinStyleCorpus: 5})
	f.prov.recent = mailbox(2, 6)

	id, err := f.svc.Onboard(context.Background(), f.user.ID)
	require.NoError(t, err)
	rec := f.waitJob(t, id)

	assert.Equal(t, string(jobs.StatusCompleted), rec.Status)
	assert.Empty(t, rec.LastError)
	assert.Empty(t, f.llm.snapshot())
	for _, kind := range model.ArtifactKinds {
		assert.Equal(t, 0, f.activeVersion(t, kind), kind)
	}
}

func TestOnboardingResumesAfterStyleStep(t *testing.T) {
	f := newFixture(t, Options{MinStyleCorpus: 3})
	f.prov.recent = mailbox(5, 2)

	// first run dies between style and contacts
	f.llm.setFail(TaskProfileContacts, apperror.Transient("llm", errors.New("rate limited")))
	id, err := f.svc.Onboard(context.Background(), f.user.ID)
	require.NoError(t, err)
	rec := f.waitJob(t, id)
	require.Equal(t, string(jobs.StatusFailed), rec.Status)
	assert.Equal(t, 1, f.activeVersion(t, model.ArtifactStyle))
	assert.Equal(t, 0, f.activeVersion(t, model.ArtifactContacts))

	f.llm.setFail(TaskProfileContacts, nil)
	id, err = f.svc.Onboard(context.Background(), f.user.ID)
	require.NoError(t, err)
	rec = f.waitJob(t, id)
	require.Equal(t, string(jobs.StatusCompleted), rec.Status)

	assert.Equal(t, 1, f.prov.calls(), "ingestion is not repeated")
	assert.Equal(t, 1, f.llm.count(TaskProfileStyle), "style is not regenerated")
	assert.Equal(t, 1, f.activeVersion(t, model.ArtifactStyle))
	assert.Equal(t, 1, f.activeVersion(t, model.ArtifactContacts))
	assert.Equal(t, 1, f.activeVersion(t, model.ArtifactRules))
}

func TestOnboardingDelayIsCancellable(t *testing.T) {
	f := newFixture(t, Options{InterStepDelay: time.Hour, MinStyleCorpus: 1})
	f.prov.recent = mailbox(2, 1)

	payload, err := json.Marshal(UserPayload{UserID: f.user.ID})
	require.NoError(t, err)
	job := &jobs.Job{ID: "manual", Kind: jobs.KindOnboarding, Payload: payload}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err = f.svc.handleOnboarding(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, f.activeVersion(t, model.ArtifactStyle))
	assert.Equal(t, 0, f.activeVersion(t, model.ArtifactContacts))
}

func TestOnboardRejectsUnknownOrUnauthorizedUser(t *testing.T) {
	f := newFixture(t, Options{})
	bare := &model.User{Email: "bare@example.com", Provider: model.ProviderIMAP}
	require.NoError(t, f.repo.CreateUser(context.Background(), bare))

	_, err := f.svc.Onboard(context.Background(), bare.ID)
	assert.True(t, apperror.IsPermanent(err))

	_, err = f.svc.Onboard(context.Background(), 9999)
	assert.True(t, apperror.IsPermanent(err))
}

func TestRegenerationCreatesNewVersions(t *testing.T) {
	f := newFixture(t, Options{MinStyleCorpus: 1})
	ctx := context.Background()
	for _, m := range mailbox(2, 2) {
		msg := m.ToMessage(f.user.ID)
		if f.user.IsSelf(msg.Sender) {
			msg.Direction = model.DirectionSent
		}
		_, err := f.repo.CreateMessage(ctx, &msg)
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		id, err := f.svc.RegenerateStyle(ctx, f.user.ID)
		require.NoError(t, err)
		f.waitJob(t, id)
	}
	assert.Equal(t, 2, f.activeVersion(t, model.ArtifactStyle))

	id, err := f.svc.RegenerateRelationships(ctx, f.user.ID)
	require.NoError(t, err)
	rec := f.waitJob(t, id)
	assert.Equal(t, string(jobs.StatusCompleted), rec.Status)
	assert.Equal(t, 1, f.activeVersion(t, model.ArtifactContacts))
	assert.Equal(t, 1, f.activeVersion(t, model.ArtifactRules))
}

func storeInbound(t *testing.T, f *fixture, externalID string) *model.Message {
	t.Helper()
	msg := &model.Message{
		UserID:     f.user.ID,
		ExternalID: externalID,
		ThreadID:   "thread-1",
		Sender:     "alice@example.com",
		Subject:    "Lunch?",
		Body:       "Free on Friday?",
		ArrivedAt:  time.Now(),
		Direction:  model.DirectionReceived,
	}
	_, err := f.repo.CreateMessage(context.Background(), msg)
	require.NoError(t, err)
	return msg
}

func TestGenerateDraftOnce(t *testing.T) {
	f := newFixture(t, Options{})
	msg := storeInbound(t, f, "<m1@example.com>")

	draft, created, err := f.svc.GenerateDraft(context.Background(), f.user, msg)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Sounds good.", draft.Body)
	assert.Equal(t, 80, draft.Confidence)
	assert.Equal(t, "contextual", draft.Mode)

	again, created, err := f.svc.GenerateDraft(context.Background(), f.user, msg)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, draft.ID, again.ID)

	assert.Equal(t, 1, f.gen.calls)
	assert.Equal(t, []uint{draft.ID}, f.notifier.drafts)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DraftsSaved))
}

func TestJobDispatcherDraftsEachMessageOnce(t *testing.T) {
	f := newFixture(t, Options{})
	msg := storeInbound(t, f, "<m2@example.com>")
	d := NewJobDispatcher(f.queue)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Dispatch(context.Background(), f.user, msg))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return f.notifier.count() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// later duplicates see the stored draft
	require.NoError(t, d.Dispatch(context.Background(), f.user, msg))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.notifier.count())

	ok, err := f.repo.HasDraft(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDirectDispatcher(t *testing.T) {
	f := newFixture(t, Options{})
	msg := storeInbound(t, f, "m3")

	require.NoError(t, NewDirectDispatcher(f.svc).Dispatch(context.Background(), f.user, msg))
	draft, err := f.svc.DraftForMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, draft.MessageID)
}

func TestReplyJobForMissingMessageIsSkipped(t *testing.T) {
	f := newFixture(t, Options{})
	payload, err := json.Marshal(ReplyPayload{UserID: f.user.ID, MessageID: 404})
	require.NoError(t, err)

	err = f.svc.handleReplyGeneration(context.Background(), &jobs.Job{ID: "j", Kind: jobs.KindReplyGeneration, Payload: payload})
	assert.True(t, apperror.IsPermanent(err))
}

func TestSendDraft(t *testing.T) {
	f := newFixture(t, Options{})
	threaded := storeInbound(t, f, "<m4@example.com>")
	draft, _, err := f.svc.GenerateDraft(context.Background(), f.user, threaded)
	require.NoError(t, err)

	sent, err := f.svc.SendDraft(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, "sent-1", sent.ExternalID)
	assert.NotNil(t, sent.SentAt)

	require.Len(t, f.prov.sent, 1)
	out := f.prov.sent[0]
	assert.Equal(t, "thread-1", out.ThreadID)
	assert.Equal(t, "<m4@example.com>", out.InReplyTo)
	assert.Equal(t, "alice@example.com", out.To)
	assert.Equal(t, "Sounds good.", out.Body)

	_, err = f.svc.SendDraft(context.Background(), draft.ID)
	assert.ErrorIs(t, err, ErrDraftSent)

	plain := storeInbound(t, f, "18c2f0a9e1")
	draft, _, err = f.svc.GenerateDraft(context.Background(), f.user, plain)
	require.NoError(t, err)
	_, err = f.svc.SendDraft(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Empty(t, f.prov.sent[1].InReplyTo)
}

var _ llm.Completer = (*fakeLLM)(nil)
