package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"smart-mail-reply-go/internal/gather"
	"smart-mail-reply-go/internal/llm"
	"smart-mail-reply-go/internal/model"
	"smart-mail-reply-go/internal/repository"
)

const (
	maxKeywords           = 5
	traditionalConfidence = 40
	noContext             = "No additional context was found."
)

// ScanResult classifies the message and plans the history query
type ScanResult struct {
	Intent        string   `json:"intent"`
	Urgency       string   `json:"urgency"`
	NeedsCalendar bool     `json:"needs_calendar"`
	Keywords      []string `json:"keywords"`
	SenderFilter  string   `json:"sender_filter"`
	WindowDays    int      `json:"window_days"`
	MaxResults    int      `json:"max_results"`
}

// GatherResult holds raw context. Any source may be empty.
type GatherResult struct {
	Events         []gather.Event
	DirectHistory  []model.Message
	KeywordHistory []model.Message
}

// Empty reports whether nothing was gathered
func (g GatherResult) Empty() bool {
	return len(g.Events) == 0 && len(g.DirectHistory) == 0 && len(g.KeywordHistory) == 0
}

// CompressedContext is the bounded summary of everything gathered
type CompressedContext struct {
	Text string
}

// Instructions say what the reply must contain, not how it reads
type Instructions struct {
	KeyPoints []string `json:"key_points"`
	Actions   []string `json:"actions"`
	Tone      string   `json:"tone"`
	Notes     string   `json:"notes"`
}

// FinalReply is the generated text with the model's own confidence
type FinalReply struct {
	Reply      string `json:"reply"`
	Confidence int    `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

func (p *Pipeline) scan(ctx context.Context, msg *model.Message) (ScanResult, error) {
	text, err := p.complete(ctx, scanPrompt(msg))
	if err != nil {
		return ScanResult{}, err
	}
	var scan ScanResult
	if err := llm.DecodeJSON(text, &scan); err != nil {
		return ScanResult{}, err
	}
	return p.clampScan(scan, msg), nil
}

// clampScan bounds the query the model asked for
func (p *Pipeline) clampScan(scan ScanResult, msg *model.Message) ScanResult {
	keywords := make([]string, 0, maxKeywords)
	for _, kw := range scan.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" && len(keywords) < maxKeywords {
			keywords = append(keywords, kw)
		}
	}
	scan.Keywords = keywords

	if scan.SenderFilter == "" {
		scan.SenderFilter = msg.Sender
	}
	if scan.WindowDays <= 0 || scan.WindowDays > p.opts.MaxWindowDays {
		scan.WindowDays = p.opts.MaxWindowDays
	}
	if scan.MaxResults <= 0 || scan.MaxResults > p.opts.KeywordHistoryLimit {
		scan.MaxResults = p.opts.KeywordHistoryLimit
	}
	return scan
}

// gather runs the lookups concurrently. A failed or timed-out lookup
// contributes no data.
func (p *Pipeline) gather(ctx context.Context, user *model.User, msg *model.Message, scan ScanResult) GatherResult {
	gatherCtx, cancel := context.WithTimeout(ctx, p.opts.GatherTimeout)
	defer cancel()

	var (
		mu  sync.Mutex
		out GatherResult
		g   errgroup.Group
	)
	log := logrus.WithFields(logrus.Fields{"user_id": user.ID, "message_id": msg.ID})

	if scan.NeedsCalendar && p.calendar != nil {
		g.Go(func() error {
			now := p.now()
			events, err := p.calendar.Events(gatherCtx, user, now, now.Add(p.opts.CalendarHorizon), p.opts.CalendarLimit)
			if err != nil {
				p.gatherFailed(log, "calendar", err)
				return nil
			}
			mu.Lock()
			out.Events = events
			mu.Unlock()
			return nil
		})
	}

	g.Go(func() error {
		direct, err := p.history.Direct(gatherCtx, user.ID, scan.SenderFilter, p.opts.DirectHistoryLimit)
		if err != nil {
			p.gatherFailed(log, "direct_history", err)
			return nil
		}
		mu.Lock()
		out.DirectHistory = withoutMessage(direct, msg.ID)
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		since := p.now().AddDate(0, 0, -scan.WindowDays)
		matched, err := p.history.Keyword(gatherCtx, user.ID, scan.Keywords, since, scan.MaxResults)
		if err != nil {
			p.gatherFailed(log, "keyword_history", err)
			return nil
		}
		mu.Lock()
		out.KeywordHistory = withoutMessage(matched, msg.ID)
		mu.Unlock()
		return nil
	})

	_ = g.Wait()
	return out
}

func (p *Pipeline) gatherFailed(log *logrus.Entry, source string, err error) {
	if p.metrics != nil {
		p.metrics.PipelineStageFailures.WithLabelValues("gather_" + source).Inc()
	}
	log.WithError(err).WithField("source", source).Warn("Context lookup failed, continuing without it")
}

func withoutMessage(msgs []model.Message, id uint) []model.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if id == 0 || m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func (p *Pipeline) compress(ctx context.Context, msg *model.Message, scan ScanResult, gathered GatherResult) (CompressedContext, error) {
	if gathered.Empty() {
		return CompressedContext{Text: noContext}, nil
	}
	text, err := p.complete(ctx, compressPrompt(msg, scan, gathered))
	if err != nil {
		return CompressedContext{}, err
	}
	return CompressedContext{Text: text}, nil
}

func (p *Pipeline) synthesize(ctx context.Context, user *model.User, msg *model.Message, compressed CompressedContext) (Instructions, error) {
	contacts, err := p.optionalArtifact(ctx, user.ID, model.ArtifactContacts)
	if err != nil {
		return Instructions{}, err
	}
	rules, err := p.optionalArtifact(ctx, user.ID, model.ArtifactRules)
	if err != nil {
		return Instructions{}, err
	}

	text, err := p.complete(ctx, synthesizePrompt(msg, compressed, contacts, rules))
	if err != nil {
		return Instructions{}, err
	}
	var instructions Instructions
	if err := llm.DecodeJSON(text, &instructions); err != nil {
		return Instructions{}, err
	}
	if len(instructions.KeyPoints) == 0 && instructions.Notes == "" {
		return Instructions{}, errors.New("synthesized instructions are empty")
	}
	return instructions, nil
}

func (p *Pipeline) generateStyled(ctx context.Context, user *model.User, msg *model.Message, instructions Instructions) (FinalReply, error) {
	profile, err := p.optionalArtifact(ctx, user.ID, model.ArtifactStyle)
	if err != nil {
		return FinalReply{}, err
	}
	if profile == "" {
		profile = NeutralStyle
	}

	tone, err := p.styleContext(ctx, user, msg.Sender, msg.ID)
	if err != nil {
		return FinalReply{}, err
	}

	text, err := p.complete(ctx, generatePrompt(msg, profile, tone, instructions))
	if err != nil {
		return FinalReply{}, err
	}
	return parseFinalReply(text, -1)
}

// optionalArtifact returns the active artifact content, or "" when the user
// has none yet
func (p *Pipeline) optionalArtifact(ctx context.Context, userID uint, kind model.ArtifactKind) (string, error) {
	artifact, err := p.artifacts.GetActiveArtifact(ctx, userID, kind)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return artifact.Content, nil
}

// parseFinalReply decodes a reply completion. When the model ignored the
// JSON format and fallbackConfidence is not negative, the raw text is used
// as the reply.
func parseFinalReply(text string, fallbackConfidence int) (FinalReply, error) {
	var final FinalReply
	if err := llm.DecodeJSON(text, &final); err != nil {
		if fallbackConfidence < 0 {
			return FinalReply{}, err
		}
		final = FinalReply{Reply: text, Confidence: fallbackConfidence, Reasoning: "Unstructured reply"}
	}
	final.Reply = strings.TrimSpace(final.Reply)
	if final.Reply == "" {
		return FinalReply{}, errors.New("generated reply is empty")
	}
	final.Confidence = clampConfidence(final.Confidence)
	return final, nil
}
