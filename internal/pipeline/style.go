package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"smart-mail-reply-go/internal/model"
)

const (
	// NeutralStyle stands in for a style profile when the user has none
	NeutralStyle = "Write in a clear, friendly and professional tone. Keep the reply concise."

	// LimitedHistoryStyle is the tone context for a sender with no history
	LimitedHistoryStyle = "Limited history with this sender: no previous messages are available, use the general style."
)

// StylePath records how tone context was built
type StylePath string

const (
	StyleLimited  StylePath = "limited"
	StyleBasic    StylePath = "basic"
	StyleDetailed StylePath = "detailed"
)

// StyleContext is the sender-specific tone guidance for generation
type StyleContext struct {
	Path StylePath
	Text string
}

// styleContext builds tone guidance from the history with sender. Below
// StyleThreshold messages the detailed analysis and compression passes are
// skipped in favor of one basic summary.
func (p *Pipeline) styleContext(ctx context.Context, user *model.User, sender string, excludeID uint) (StyleContext, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, p.opts.GatherTimeout)
	history, err := p.history.Direct(lookupCtx, user.ID, sender, p.opts.DirectHistoryLimit)
	cancel()
	if err != nil {
		logrus.WithError(err).WithField("user_id", user.ID).Warn("Sender history lookup failed, using limited style context")
		history = nil
	}
	history = withoutMessage(history, excludeID)

	switch {
	case len(history) == 0:
		return StyleContext{Path: StyleLimited, Text: LimitedHistoryStyle}, nil

	case len(history) < p.opts.StyleThreshold:
		summary, err := p.complete(ctx, basicStylePrompt(sender, history))
		if err != nil {
			return StyleContext{}, err
		}
		return StyleContext{Path: StyleBasic, Text: summary}, nil

	default:
		analysis, err := p.complete(ctx, detailedStylePrompt(sender, history))
		if err != nil {
			return StyleContext{}, err
		}
		compressed, err := p.complete(ctx, compressStylePrompt(sender, analysis))
		if err != nil {
			return StyleContext{}, err
		}
		return StyleContext{Path: StyleDetailed, Text: compressed}, nil
	}
}
