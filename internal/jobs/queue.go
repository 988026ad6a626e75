package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/metrics"
	"smart-mail-reply-go/internal/model"
)

var (
	// ErrStopped is returned when enqueueing into a stopped queue
	ErrStopped = errors.New("job queue stopped")
	// ErrNoHandler is returned when enqueueing a kind nobody handles
	ErrNoHandler = errors.New("no handler registered for job kind")
)

// Store persists job history
type Store interface {
	SaveJob(ctx context.Context, rec *model.JobRecord) error
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	ListUnfinishedJobs(ctx context.Context) ([]model.JobRecord, error)
}

// Queue is the in-process job backend: one buffered channel and a fixed
// number of workers per kind
type Queue struct {
	store    Store
	policies map[Kind]Policy
	sinks    []FailureSink
	metrics  *metrics.Metrics
	capacity int

	mu       sync.Mutex
	handlers map[Kind]Handler
	queues   map[Kind]chan *Job
	inflight map[string]string
	timers   map[string]*time.Timer
	started  bool
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a queue. Kinds without a policy get one worker and a
// single attempt.
func NewQueue(store Store, policies map[Kind]Policy, capacity int, m *metrics.Metrics, sinks ...FailureSink) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:    store,
		policies: policies,
		sinks:    sinks,
		metrics:  m,
		capacity: capacity,
		handlers: make(map[Kind]Handler),
		queues:   make(map[Kind]chan *Job),
		inflight: make(map[string]string),
		timers:   make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnJob registers the handler for kind. Must be called before Start.
func (q *Queue) OnJob(kind Kind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
	if _, ok := q.queues[kind]; !ok {
		q.queues[kind] = make(chan *Job, q.capacity)
	}
}

func (q *Queue) policy(kind Kind) Policy {
	p, ok := q.policies[kind]
	if !ok {
		p = Policy{Concurrency: 1, MaxAttempts: 1}
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	return p
}

// Enqueue queues a new job and returns its id
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any) (string, error) {
	id, _, err := q.EnqueueUnique(ctx, kind, "", payload)
	return id, err
}

// EnqueueUnique queues a job unless one with the same key is still queued
// or running, in which case the existing id is returned with queued=false.
// An empty key disables deduplication.
func (q *Queue) EnqueueUnique(ctx context.Context, kind Kind, key string, payload any) (string, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", false, ErrStopped
	}
	ch, ok := q.queues[kind]
	if !ok {
		q.mu.Unlock()
		return "", false, fmt.Errorf("%w: %s", ErrNoHandler, kind)
	}
	dedup := ""
	if key != "" {
		dedup = string(kind) + ":" + key
		if existing, busy := q.inflight[dedup]; busy {
			q.mu.Unlock()
			return existing, false, nil
		}
	}
	job := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: q.policy(kind).MaxAttempts,
		dedupKey:    dedup,
	}
	if dedup != "" {
		q.inflight[dedup] = job.ID
	}
	q.mu.Unlock()

	now := time.Now()
	rec := &model.JobRecord{
		ID:          job.ID,
		Kind:        string(kind),
		Payload:     string(raw),
		DedupKey:    dedup,
		Status:      string(StatusQueued),
		MaxAttempts: job.MaxAttempts,
		RunAt:       now,
	}
	if err := q.store.SaveJob(ctx, rec); err != nil {
		q.release(job)
		return "", false, err
	}

	select {
	case ch <- job:
	case <-ctx.Done():
		q.release(job)
		return "", false, ctx.Err()
	case <-q.ctx.Done():
		q.release(job)
		return "", false, ErrStopped
	}

	logrus.WithFields(logrus.Fields{"job_id": job.ID, "kind": kind}).Debug("Job enqueued")
	return job.ID, true, nil
}

// Start launches the workers of every registered kind
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("job queue is already running")
	}
	if q.stopped {
		return ErrStopped
	}
	q.started = true

	for kind, ch := range q.queues {
		p := q.policy(kind)
		for i := 0; i < p.Concurrency; i++ {
			q.wg.Add(1)
			go q.worker(kind, ch)
		}
		logrus.WithFields(logrus.Fields{"kind": kind, "workers": p.Concurrency, "max_attempts": p.MaxAttempts}).Info("Job workers started")
	}
	return nil
}

// Stop cancels running handlers and pending retries and waits for workers
// to exit. Unfinished jobs stay queued in the store for Recover.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	logrus.Info("Job queue stopped")
}

// Recover re-queues jobs left queued or active by a previous process
func (q *Queue) Recover(ctx context.Context) (int, error) {
	recs, err := q.store.ListUnfinishedJobs(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, rec := range recs {
		kind := Kind(rec.Kind)
		q.mu.Lock()
		ch, ok := q.queues[kind]
		q.mu.Unlock()
		if !ok {
			logrus.WithFields(logrus.Fields{"job_id": rec.ID, "kind": rec.Kind}).Warn("Skipping unfinished job without handler")
			continue
		}

		job := &Job{
			ID:          rec.ID,
			Kind:        kind,
			Payload:     json.RawMessage(rec.Payload),
			Attempt:     rec.Attempts,
			MaxAttempts: rec.MaxAttempts,
			dedupKey:    rec.DedupKey,
		}
		if job.dedupKey != "" {
			q.mu.Lock()
			if _, busy := q.inflight[job.dedupKey]; !busy {
				q.inflight[job.dedupKey] = job.ID
			}
			q.mu.Unlock()
		}
		if job.MaxAttempts <= 0 {
			job.MaxAttempts = q.policy(kind).MaxAttempts
		}
		if job.Attempt >= job.MaxAttempts {
			// interrupted during its last attempt; give it that attempt back
			job.Attempt = job.MaxAttempts - 1
		}

		delay := time.Until(rec.RunAt)
		q.schedule(job, ch, delay)
		recovered++
	}

	if recovered > 0 {
		logrus.WithField("count", recovered).Info("Recovered unfinished jobs")
	}
	return recovered, nil
}

func (q *Queue) worker(kind Kind, ch chan *Job) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-ch:
			q.run(job, ch)
		}
	}
}

func (q *Queue) run(job *Job, ch chan *Job) {
	q.mu.Lock()
	handler := q.handlers[job.Kind]
	q.mu.Unlock()

	job.Attempt++
	job.progress = &progress{jobID: job.ID, store: q.store}
	startedAt := time.Now()
	log := logrus.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind, "attempt": job.Attempt})

	rec := &model.JobRecord{
		ID:          job.ID,
		Kind:        string(job.Kind),
		Payload:     string(job.Payload),
		DedupKey:    job.dedupKey,
		Status:      string(StatusActive),
		Attempts:    job.Attempt,
		MaxAttempts: job.MaxAttempts,
		RunAt:       startedAt,
		StartedAt:   &startedAt,
	}
	q.save(rec)

	q.observe(func(m *metrics.Metrics) { m.ActiveJobs.WithLabelValues(string(job.Kind)).Inc() })
	err := q.invoke(handler, job)
	q.observe(func(m *metrics.Metrics) {
		m.ActiveJobs.WithLabelValues(string(job.Kind)).Dec()
		m.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(startedAt).Seconds())
	})

	finishedAt := time.Now()
	switch {
	case err == nil:
		rec.Status = string(StatusCompleted)
		rec.FinishedAt = &finishedAt
		q.release(job)
		q.save(rec)
		job.ReportProgress(q.ctx, 100)
		q.outcome(job.Kind, "completed")
		log.WithField("duration", time.Since(startedAt)).Info("Job completed")

	case apperror.IsPermanent(err):
		rec.Status = string(StatusCompleted)
		rec.LastError = err.Error()
		rec.FinishedAt = &finishedAt
		q.release(job)
		q.save(rec)
		q.outcome(job.Kind, "skipped")
		log.WithError(err).Warn("Job skipped on permanent precondition failure")

	case q.ctx.Err() != nil:
		// shutting down; Recover picks the job up on the next start
		rec.Status = string(StatusQueued)
		rec.LastError = err.Error()
		q.save(rec)
		log.WithError(err).Info("Job interrupted by shutdown")

	case job.Attempt < job.MaxAttempts:
		delay := q.policy(job.Kind).Backoff.Delay(job.Attempt)
		rec.Status = string(StatusQueued)
		rec.LastError = err.Error()
		rec.RunAt = finishedAt.Add(delay)
		q.save(rec)
		q.outcome(job.Kind, "retried")
		log.WithError(err).WithField("retry_in", delay).Warn("Job failed, retrying")
		q.schedule(job, ch, delay)

	default:
		rec.Status = string(StatusFailed)
		rec.LastError = err.Error()
		rec.FinishedAt = &finishedAt
		q.release(job)
		q.save(rec)
		q.outcome(job.Kind, "failed")
		log.WithError(err).Error("Job failed permanently after exhausting attempts")
		q.fail(Failure{
			JobID:    job.ID,
			Kind:     job.Kind,
			Payload:  job.Payload,
			Attempts: job.Attempt,
			Error:    err.Error(),
			FailedAt: finishedAt,
		})
	}
}

// invoke runs the handler, converting a panic into an error
func (q *Queue) invoke(h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("stack", string(debug.Stack())).Errorf("Recovered panic in %s job %s: %v", job.Kind, job.ID, r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Kind)
	}
	return h(q.ctx, job)
}

// schedule puts job back on its channel after delay, unless the queue stops first
func (q *Queue) schedule(job *Job, ch chan *Job, delay time.Duration) {
	push := func() {
		q.mu.Lock()
		delete(q.timers, job.ID)
		q.mu.Unlock()
		select {
		case ch <- job:
		case <-q.ctx.Done():
		}
	}

	if delay <= 0 {
		go push()
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.timers[job.ID] = time.AfterFunc(delay, push)
}

func (q *Queue) release(job *Job) {
	if job.dedupKey == "" {
		return
	}
	q.mu.Lock()
	if q.inflight[job.dedupKey] == job.ID {
		delete(q.inflight, job.dedupKey)
	}
	q.mu.Unlock()
}

func (q *Queue) save(rec *model.JobRecord) {
	if err := q.store.SaveJob(context.WithoutCancel(q.ctx), rec); err != nil {
		logrus.WithError(err).WithField("job_id", rec.ID).Error("Failed to persist job record")
	}
}

func (q *Queue) fail(f Failure) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(q.ctx), 10*time.Second)
	defer cancel()
	for _, sink := range q.sinks {
		sink.JobFailed(ctx, f)
	}
}

func (q *Queue) outcome(kind Kind, outcome string) {
	q.observe(func(m *metrics.Metrics) { m.JobOutcomes.WithLabelValues(string(kind), outcome).Inc() })
}

func (q *Queue) observe(fn func(m *metrics.Metrics)) {
	if q.metrics != nil {
		fn(q.metrics)
	}
}
