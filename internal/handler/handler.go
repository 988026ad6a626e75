package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"smart-mail-reply-go/internal/model"
	"smart-mail-reply-go/internal/provider"
	"smart-mail-reply-go/internal/repository"
	"smart-mail-reply-go/internal/scheduler"
)

// Syncer receives provider notifications and manages subscriptions
type Syncer interface {
	HandleNotification(ctx context.Context, address string, offset uint64)
	Subscribe(ctx context.Context, userID uint) (provider.Subscription, error)
}

// Service runs profile jobs and draft operations
type Service interface {
	Onboard(ctx context.Context, userID uint) (string, error)
	RegenerateStyle(ctx context.Context, userID uint) (string, error)
	RegenerateRelationships(ctx context.Context, userID uint) (string, error)
	DraftForMessage(ctx context.Context, messageID uint) (*model.Draft, error)
	SendDraft(ctx context.Context, draftID uint) (*model.Draft, error)
}

// JobStore reads job history
type JobStore interface {
	GetJob(ctx context.Context, id string) (*model.JobRecord, error)
	ListJobs(ctx context.Context, filter repository.JobFilter) ([]model.JobRecord, error)
}

// Scheduler is the periodic polling and renewal runner
type Scheduler interface {
	Start() error
	Stop() error
	RunOnce(ctx context.Context) error
	IsRunning() bool
	GetNextRun() time.Time
	GetLastRun() time.Time
	Tasks() []scheduler.TaskStatus
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db        *gorm.DB
	syncer    Syncer
	service   Service
	jobs      JobStore
	scheduler Scheduler
	gatherer  prometheus.Gatherer
	inflight  sync.WaitGroup
}

// NewHandlers creates new HTTP handlers. gatherer may be nil to use the
// default registry.
func NewHandlers(db *gorm.DB, syncer Syncer, service Service, jobs JobStore, scheduler Scheduler, gatherer prometheus.Gatherer) *Handlers {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handlers{
		db:        db,
		syncer:    syncer,
		service:   service,
		jobs:      jobs,
		scheduler: scheduler,
		gatherer:  gatherer,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		api.POST("/push/gmail", h.PushGmail)

		api.POST("/users/:id/subscribe", h.Subscribe)
		api.POST("/users/:id/onboard", h.Onboard)
		api.POST("/users/:id/regenerate/style", h.RegenerateStyle)
		api.POST("/users/:id/regenerate/relationships", h.RegenerateRelationships)

		api.GET("/jobs", h.GetJobs)
		api.GET("/jobs/:id", h.GetJob)

		api.GET("/messages/:id/draft", h.GetMessageDraft)
		api.POST("/drafts/:id/send", h.SendDraft)

		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/scheduler/run-once", h.RunOnce)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}

// Wait blocks until notifications accepted by PushGmail are processed
func (h *Handlers) Wait() {
	h.inflight.Wait()
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Scheduler: "stopped",
	}

	if err := h.db.WithContext(c.Request.Context()).Exec("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.scheduler != nil && h.scheduler.IsRunning() {
		response.Scheduler = "running"
		next := h.scheduler.GetNextRun()
		response.NextRun = &next
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
