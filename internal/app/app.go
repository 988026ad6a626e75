// Package app builds the object graph from configuration and runs the
// HTTP server, job workers and scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"smart-mail-reply-go/internal/config"
	"smart-mail-reply-go/internal/db"
	"smart-mail-reply-go/internal/events"
	"smart-mail-reply-go/internal/gather"
	"smart-mail-reply-go/internal/handler"
	"smart-mail-reply-go/internal/jobs"
	"smart-mail-reply-go/internal/llm"
	"smart-mail-reply-go/internal/lock"
	"smart-mail-reply-go/internal/metrics"
	"smart-mail-reply-go/internal/model"
	"smart-mail-reply-go/internal/pipeline"
	"smart-mail-reply-go/internal/provider"
	"smart-mail-reply-go/internal/repository"
	"smart-mail-reply-go/internal/router"
	"smart-mail-reply-go/internal/scheduler"
	"smart-mail-reply-go/internal/service"
	"smart-mail-reply-go/internal/syncer"
)

// App is the wired service
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Repo      *repository.Repository
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Queue     *jobs.Queue
	Engine    *syncer.Engine
	Service   *service.Service
	Scheduler *scheduler.Scheduler
	Handlers  *handler.Handlers

	closers []func() error
}

// ConfigureLogging applies the log level and JSON formatter
func ConfigureLogging(cfg config.LogConfig) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logrus.Warnf("Unknown log level %q, using info", cfg.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// New connects to the database and builds every component. Nothing is
// started until Start.
func New(cfg *config.Config) (*App, error) {
	conn, err := db.Init(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return NewWithDB(cfg, conn)
}

// NewWithDB builds every component on an open database
func NewWithDB(cfg *config.Config, conn *gorm.DB) (*App, error) {
	a := &App{Config: cfg, DB: conn, Repo: repository.New(conn)}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewMetrics(a.Registry)

	// providers
	registry := provider.Registry{
		model.ProviderIMAP: provider.NewIMAP(cfg.IMAP, cfg.Sync.ProviderTimeout),
	}
	var auth *provider.GoogleAuth
	if cfg.GoogleEnabled() {
		auth = provider.NewGoogleAuth(cfg.Google)
		registry[model.ProviderGmail] = provider.NewGmail(auth, cfg.Google.PubSubTopic)
	} else {
		logrus.Warn("Google credentials not configured, Gmail users will be dropped")
	}

	// events
	publisher, err := a.publisher(cfg.Kafka)
	if err != nil {
		return nil, err
	}
	emitter := events.NewEmitter(publisher)

	// reply pipeline
	var calendar pipeline.CalendarGatherer
	if auth != nil {
		calendar = gather.NewCalendar(auth)
	}
	completer := llm.NewOpenAI(cfg.LLM)
	gen := pipeline.New(completer, calendar, gather.NewHistory(a.Repo), a.Repo, pipelineOptions(cfg.Pipeline), a.Metrics)

	// jobs
	sinks := []jobs.FailureSink{jobs.LogSink{}}
	if len(cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, emitter)
	}
	a.Queue = jobs.NewQueue(a.Repo, jobs.PoliciesFromConfig(cfg.Jobs), cfg.Jobs.QueueCapacity, a.Metrics, sinks...)
	a.Service = service.New(a.Repo, registry, completer, gen, emitter, service.OptionsFromConfig(cfg.Jobs), a.Metrics)
	a.Service.RegisterJobs(a.Queue)

	// sync engine
	locks, err := a.locker(cfg)
	if err != nil {
		return nil, err
	}
	var dispatcher syncer.Dispatcher = service.NewJobDispatcher(a.Queue)
	if cfg.Sync.DirectDispatch {
		dispatcher = service.NewDirectDispatcher(a.Service)
	}
	a.Engine = syncer.New(a.Repo, registry, locks, dispatcher, syncer.Options{
		BackfillLimit:   cfg.Sync.BackfillLimit,
		ProviderTimeout: cfg.Sync.ProviderTimeout,
	}, a.Metrics)

	a.Scheduler = scheduler.New(cfg.Scheduler, a.Repo, registry, a.Engine, a.Metrics)
	a.Handlers = handler.NewHandlers(conn, a.Engine, a.Service, a.Repo, a.Scheduler, a.Registry)
	return a, nil
}

func (a *App) publisher(cfg config.KafkaConfig) (events.Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return events.LogPublisher{}, nil
	}
	kp, err := events.NewKafkaPublisher(cfg.Brokers, map[string]string{
		events.TypeJobFailed:    cfg.JobFailureTopic,
		events.TypeDraftCreated: cfg.DraftTopic,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka publisher: %w", err)
	}
	a.closers = append(a.closers, kp.Close)
	logrus.WithField("brokers", cfg.Brokers).Info("Publishing events to Kafka")
	return kp, nil
}

func (a *App) locker(cfg *config.Config) (lock.Locker, error) {
	if cfg.Redis.URL == "" {
		return lock.NewMemory(), nil
	}
	rl, err := lock.NewRedisFromURL(cfg.Redis.URL, cfg.Sync.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis lock: %w", err)
	}
	a.closers = append(a.closers, rl.Close)
	logrus.Info("Notification locks shared through Redis")
	return rl, nil
}

func pipelineOptions(cfg config.PipelineConfig) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.StageTimeout = cfg.StageTimeout
	opts.GatherTimeout = cfg.GatherTimeout
	opts.DirectHistoryLimit = cfg.DirectHistoryLimit
	opts.KeywordHistoryLimit = cfg.KeywordHistoryLimit
	opts.MaxWindowDays = cfg.MaxWindowDays
	opts.CalendarLimit = cfg.CalendarLimit
	return opts
}

// Start launches the job workers, re-queues unfinished jobs and, when
// withScheduler is set, starts polling
func (a *App) Start(ctx context.Context, withScheduler bool) error {
	if err := a.Queue.Start(); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	if _, err := a.Queue.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	if withScheduler {
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	return nil
}

// Close stops background work and releases external clients
func (a *App) Close() {
	if err := a.Scheduler.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	a.Scheduler.Wait()
	a.waitForNotifications()
	a.Queue.Stop()

	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			logrus.Errorf("Failed to close client: %v", err)
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

func (a *App) waitForNotifications() {
	done := make(chan struct{})
	go func() {
		a.Handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.Config.Sync.NotificationWait):
		logrus.Warn("Timed out waiting for in-flight notifications")
	}
}

// Run initializes and starts the application and blocks until SIGINT or SIGTERM
func Run(cfg *config.Config) error {
	logrus.Info("Starting Smart Mail Reply Service")

	a, err := New(cfg)
	if err != nil {
		return err
	}
	if err := a.Start(context.Background(), true); err != nil {
		a.Close()
		return err
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.SetupRouter(a.Handlers),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err = <-serveErr:
		logrus.Errorf("HTTP server error: %v", err)
	}

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}
	a.Close()

	logrus.Info("Server stopped gracefully")
	return err
}
