// Package pipeline turns an inbound message into a reply draft through
// scan, gather, compress, synthesize and style-aware generation, degrading
// to simpler modes instead of failing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/gather"
	"smart-mail-reply-go/internal/llm"
	"smart-mail-reply-go/internal/metrics"
	"smart-mail-reply-go/internal/model"
	"smart-mail-reply-go/internal/repository"
)

// Mode names the path that produced a reply
type Mode string

const (
	ModeContextual  Mode = "contextual"
	ModeTraditional Mode = "traditional"
	ModeApology     Mode = "apology"
)

// ApologyReply is the floor returned when every generation mode failed
const ApologyReply = "Thank you for your message. I'm not able to reply properly right now, but I will get back to you as soon as I can."

// Result is the outcome of Generate. Confidence is always within 0..100.
type Result struct {
	Reply      string `json:"reply"`
	Confidence int    `json:"confidence"`
	Reasoning  string `json:"reasoning"`
	Mode       Mode   `json:"mode"`
}

// CalendarGatherer looks up calendar availability
type CalendarGatherer interface {
	Events(ctx context.Context, user *model.User, from, to time.Time, limit int) ([]gather.Event, error)
}

// HistoryGatherer looks up stored message history
type HistoryGatherer interface {
	Direct(ctx context.Context, userID uint, sender string, limit int) ([]model.Message, error)
	Keyword(ctx context.Context, userID uint, keywords []string, since time.Time, limit int) ([]model.Message, error)
}

// ArtifactStore reads the user's active profile documents
type ArtifactStore interface {
	GetActiveArtifact(ctx context.Context, userID uint, kind model.ArtifactKind) (*model.Artifact, error)
}

// Options bounds the work done per reply
type Options struct {
	StageTimeout        time.Duration
	GatherTimeout       time.Duration
	DirectHistoryLimit  int
	KeywordHistoryLimit int
	MaxWindowDays       int
	CalendarLimit       int
	CalendarHorizon     time.Duration
	// StyleThreshold is the sender history size at which style context uses
	// the detailed analysis and compression passes
	StyleThreshold int
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		StageTimeout:        45 * time.Second,
		GatherTimeout:       10 * time.Second,
		DirectHistoryLimit:  10,
		KeywordHistoryLimit: 15,
		MaxWindowDays:       365,
		CalendarLimit:       20,
		CalendarHorizon:     14 * 24 * time.Hour,
		StyleThreshold:      3,
	}
}

// Pipeline generates replies
type Pipeline struct {
	llm       llm.Completer
	calendar  CalendarGatherer
	history   HistoryGatherer
	artifacts ArtifactStore
	opts      Options
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a pipeline. calendar and m may be nil.
func New(completer llm.Completer, calendar CalendarGatherer, history HistoryGatherer, artifacts ArtifactStore, opts Options, m *metrics.Metrics) *Pipeline {
	defaults := DefaultOptions()
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = defaults.StageTimeout
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = defaults.GatherTimeout
	}
	if opts.MaxWindowDays <= 0 {
		opts.MaxWindowDays = defaults.MaxWindowDays
	}
	if opts.CalendarHorizon <= 0 {
		opts.CalendarHorizon = defaults.CalendarHorizon
	}
	if opts.StyleThreshold <= 0 {
		opts.StyleThreshold = defaults.StyleThreshold
	}
	return &Pipeline{
		llm:       completer,
		calendar:  calendar,
		history:   history,
		artifacts: artifacts,
		opts:      opts,
		metrics:   m,
		now:       time.Now,
	}
}

// Generate produces a reply for msg. It never returns an error: stage
// failures fall back to traditional mode, and a failed traditional mode
// falls back to ApologyReply with confidence 0.
func (p *Pipeline) Generate(ctx context.Context, user *model.User, msg *model.Message) Result {
	start := time.Now()
	log := logrus.WithFields(logrus.Fields{"user_id": user.ID, "message_id": msg.ID})

	res, err := p.safely(func() (Result, error) { return p.contextual(ctx, user, msg) })
	if err != nil {
		log.WithError(err).Warn("Contextual generation failed, falling back to traditional mode")
		res, err = p.safely(func() (Result, error) { return p.traditional(ctx, user, msg) })
	}
	if err != nil {
		log.WithError(err).Error("Traditional generation failed, returning apology")
		res = apology(err)
	}

	res.Confidence = clampConfidence(res.Confidence)
	if p.metrics != nil {
		p.metrics.PipelineRuns.WithLabelValues(string(res.Mode)).Inc()
		p.metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}
	log.WithFields(logrus.Fields{"mode": res.Mode, "confidence": res.Confidence}).Info("Reply generated")
	return res
}

// safely converts a panic in fn into an error
func (p *Pipeline) safely(fn func() (Result, error)) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("stack", string(debug.Stack())).Errorf("Recovered panic in reply pipeline: %v", r)
			err = apperror.Degraded("pipeline", fmt.Errorf("panic: %v", r))
		}
	}()
	return fn()
}

func (p *Pipeline) contextual(ctx context.Context, user *model.User, msg *model.Message) (Result, error) {
	scan, err := p.scan(ctx, msg)
	if err != nil {
		return Result{}, p.stageFailed("scan", err)
	}

	gathered := p.gather(ctx, user, msg, scan)

	compressed, err := p.compress(ctx, msg, scan, gathered)
	if err != nil {
		return Result{}, p.stageFailed("compress", err)
	}

	instructions, err := p.synthesize(ctx, user, msg, compressed)
	if err != nil {
		return Result{}, p.stageFailed("synthesize", err)
	}

	final, err := p.generateStyled(ctx, user, msg, instructions)
	if err != nil {
		return Result{}, p.stageFailed("generate", err)
	}

	return Result{
		Reply:      final.Reply,
		Confidence: final.Confidence,
		Reasoning:  final.Reasoning,
		Mode:       ModeContextual,
	}, nil
}

func (p *Pipeline) traditional(ctx context.Context, user *model.User, msg *model.Message) (Result, error) {
	style := NeutralStyle
	artifact, err := p.artifacts.GetActiveArtifact(ctx, user.ID, model.ArtifactStyle)
	switch {
	case err == nil && artifact.Content != "":
		style = artifact.Content
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		logrus.WithError(err).WithField("user_id", user.ID).Warn("Failed to load style profile for traditional mode")
	}

	text, err := p.complete(ctx, traditionalPrompt(style, msg))
	if err != nil {
		return Result{}, p.stageFailed("traditional", err)
	}

	final, err := parseFinalReply(text, traditionalConfidence)
	if err != nil {
		return Result{}, p.stageFailed("traditional", err)
	}
	return Result{
		Reply:      final.Reply,
		Confidence: final.Confidence,
		Reasoning:  final.Reasoning,
		Mode:       ModeTraditional,
	}, nil
}

func (p *Pipeline) stageFailed(stage string, err error) error {
	if p.metrics != nil {
		p.metrics.PipelineStageFailures.WithLabelValues(stage).Inc()
	}
	if apperror.IsDataIntegrity(err) {
		logrus.WithError(err).WithField("stage", stage).Error("Profile integrity violation during reply generation")
	}
	return apperror.Degraded("pipeline."+stage, err)
}

// complete runs one text-generation call under the stage timeout
func (p *Pipeline) complete(ctx context.Context, prompt string) (string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, p.opts.StageTimeout)
	defer cancel()
	text, err := p.llm.Complete(stageCtx, prompt)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}

func apology(cause error) Result {
	reasoning := "Reply generation failed"
	if cause != nil {
		reasoning = fmt.Sprintf("Reply generation failed: %v", cause)
	}
	return Result{Reply: ApologyReply, Confidence: 0, Reasoning: reasoning, Mode: ModeApology}
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
