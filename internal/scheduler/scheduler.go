package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"smart-mail-reply-go/internal/config"
	"smart-mail-reply-go/internal/metrics"
	"smart-mail-reply-go/internal/model"
	"smart-mail-reply-go/internal/provider"
)

// Scheduled task names
const (
	TaskPoll  = "poll"
	TaskRenew = "renew"
)

// TaskStatus reports the schedule of one task
type TaskStatus struct {
	Task    string    `json:"task"`
	Spec    string    `json:"spec"`
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run"`
}

// renewWindow is how close to expiry a Gmail watch gets renewed
const renewWindow = 24 * time.Hour

// UserLister lists the users of one provider
type UserLister interface {
	ListUsersByProvider(ctx context.Context, provider string) ([]model.User, error)
}

// Providers resolves a user's mailbox adapter
type Providers interface {
	For(user *model.User) (provider.Provider, error)
}

// Syncer is the part of the sync engine the scheduler drives
type Syncer interface {
	HandleNotification(ctx context.Context, address string, offset uint64)
	RenewWatch(ctx context.Context, userID uint) error
}

// Scheduler polls IMAP mailboxes and renews Gmail watches periodically
type Scheduler struct {
	cron      *cron.Cron
	pollID    cron.EntryID
	renewID   cron.EntryID
	config    config.SchedulerConfig
	users     UserLister
	providers Providers
	syncer    Syncer
	metrics   *metrics.Metrics
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	lastRuns  map[string]time.Time
	mu        sync.RWMutex
	now       func() time.Time
}

// New creates a new scheduler
func New(cfg config.SchedulerConfig, users UserLister, providers Providers, syncer Syncer, m *metrics.Metrics) *Scheduler {
	if cfg.WatchRenewalCron == "" {
		cfg.WatchRenewalCron = "0 0 */6 * * *"
	}
	return &Scheduler{
		config:    cfg,
		users:     users,
		providers: providers,
		syncer:    syncer,
		metrics:   m,
		lastRuns:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// Start starts the scheduler. A stopped scheduler can be started again.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}
	if s.config.PollIntervalMinutes <= 0 {
		return fmt.Errorf("scheduler poll interval must be greater than 0")
	}

	c := cron.New(cron.WithSeconds())
	pollID, err := c.AddFunc(s.pollSpec(), func() { s.run(TaskPoll, s.poll) })
	if err != nil {
		return fmt.Errorf("failed to add poll job: %w", err)
	}
	renewID, err := c.AddFunc(s.config.WatchRenewalCron, func() { s.run(TaskRenew, s.renew) })
	if err != nil {
		return fmt.Errorf("failed to add watch renewal job: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = c
	s.pollID = pollID
	s.renewID = renewID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started: polling every %d minutes, renewing watches on %q",
		s.config.PollIntervalMinutes, s.config.WatchRenewalCron)
	return nil
}

// Stop stops the scheduler and waits for running tasks
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.cancel()
	c := s.cron
	s.mu.Unlock()

	// running tasks take the lock, so wait without holding it
	ctx := c.Stop()
	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// RunOnce runs polling and watch renewal immediately
func (s *Scheduler) RunOnce(ctx context.Context) error {
	logrus.Info("Running scheduled tasks once")
	if err := s.poll(ctx); err != nil {
		return err
	}
	return s.renew(ctx)
}

// GetNextRun returns the time of the next poll
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.pollID).Next
}

// GetLastRun returns the time of the last scheduled poll
func (s *Scheduler) GetLastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRuns[TaskPoll]
}

// Tasks reports the schedule, next run and last run of each task. Next runs
// are zero while the scheduler is stopped.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := []TaskStatus{
		{Task: TaskPoll, Spec: s.pollSpec(), LastRun: s.lastRuns[TaskPoll]},
		{Task: TaskRenew, Spec: s.config.WatchRenewalCron, LastRun: s.lastRuns[TaskRenew]},
	}
	if s.isRunning {
		tasks[0].NextRun = s.cron.Entry(s.pollID).Next
		tasks[1].NextRun = s.cron.Entry(s.renewID).Next
	}
	return tasks
}

func (s *Scheduler) pollSpec() string {
	return fmt.Sprintf("0 */%d * * * *", s.config.PollIntervalMinutes)
}

// Wait waits for running tasks to finish
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(task string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		logrus.Info("Scheduler not running, skipping task")
		return
	}
	ctx := s.ctx
	s.lastRuns[task] = s.now()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SchedulerRuns.WithLabelValues(task).Inc()
	}
	start := time.Now()
	if err := fn(ctx); err != nil {
		logrus.WithError(err).WithField("task", task).Error("Scheduled task failed")
		return
	}
	logrus.WithField("task", task).Debugf("Scheduled task completed in %v", time.Since(start))
}

// poll turns the latest UID of every IMAP mailbox into a notification
func (s *Scheduler) poll(ctx context.Context) error {
	users, err := s.users.ListUsersByProvider(ctx, model.ProviderIMAP)
	if err != nil {
		return fmt.Errorf("failed to list IMAP users: %w", err)
	}

	for i := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		user := &users[i]
		if !user.HasCredentials() {
			continue
		}
		if err := s.pollUser(ctx, user); err != nil {
			s.failed(TaskPoll)
			logrus.WithError(err).WithField("user_id", user.ID).Warn("Failed to poll mailbox")
		}
	}
	return nil
}

func (s *Scheduler) pollUser(ctx context.Context, user *model.User) error {
	prov, err := s.providers.For(user)
	if err != nil {
		return err
	}
	poller, ok := prov.(provider.Poller)
	if !ok {
		return fmt.Errorf("provider %s cannot be polled", user.Provider)
	}
	latest, err := poller.LatestOffset(ctx, user)
	if err != nil {
		return err
	}
	if latest == 0 {
		return nil
	}
	s.syncer.HandleNotification(ctx, user.Email, latest)
	return nil
}

// renew re-watches Gmail mailboxes whose watch is missing or about to lapse
func (s *Scheduler) renew(ctx context.Context) error {
	users, err := s.users.ListUsersByProvider(ctx, model.ProviderGmail)
	if err != nil {
		return fmt.Errorf("failed to list Gmail users: %w", err)
	}

	deadline := s.now().Add(renewWindow)
	for _, user := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !user.HasCredentials() {
			continue
		}
		if user.WatchExpiresAt != nil && user.WatchExpiresAt.After(deadline) {
			continue
		}
		if err := s.syncer.RenewWatch(ctx, user.ID); err != nil {
			s.failed(TaskRenew)
			logrus.WithError(err).WithField("user_id", user.ID).Warn("Failed to renew watch")
			continue
		}
		logrus.WithField("user_id", user.ID).Info("Renewed mailbox watch")
	}
	return nil
}

func (s *Scheduler) failed(task string) {
	if s.metrics != nil {
		s.metrics.SchedulerFailures.WithLabelValues(task).Inc()
	}
}
