package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/jobs"
	"smart-mail-reply-go/internal/model"
	"smart-mail-reply-go/internal/repository"
)

// ErrDraftSent is returned when sending a draft twice
var ErrDraftSent = errors.New("draft already sent")

// GenerateDraft drafts a reply to one stored inbound message. It returns
// the existing draft with created=false when the message already has one.
func (s *Service) GenerateDraft(ctx context.Context, user *model.User, msg *model.Message) (*model.Draft, bool, error) {
	exists, err := s.store.HasDraft(ctx, msg.ID)
	if err != nil {
		return nil, false, err
	}
	if exists {
		draft, err := s.store.GetDraftByMessage(ctx, msg.ID)
		return draft, false, err
	}

	result := s.generator.Generate(ctx, user, msg)
	draft := &model.Draft{
		MessageID:  msg.ID,
		UserID:     user.ID,
		Body:       result.Reply,
		Confidence: result.Confidence,
		Reasoning:  result.Reasoning,
		Mode:       string(result.Mode),
	}
	created, err := s.store.SaveDraft(ctx, draft)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save draft: %w", err)
	}
	if !created {
		draft, err = s.store.GetDraftByMessage(ctx, msg.ID)
		return draft, false, err
	}

	if s.metrics != nil {
		s.metrics.DraftsSaved.Inc()
	}
	logrus.WithFields(logrus.Fields{
		"user_id":    user.ID,
		"message_id": msg.ID,
		"draft_id":   draft.ID,
		"mode":       draft.Mode,
		"confidence": draft.Confidence,
	}).Info("Draft saved")

	if s.notifier != nil {
		if err := s.notifier.DraftCreated(ctx, draft); err != nil {
			logrus.WithError(err).WithField("draft_id", draft.ID).Warn("Failed to announce draft")
		}
	}
	return draft, true, nil
}

func (s *Service) handleReplyGeneration(ctx context.Context, job *jobs.Job) error {
	var p ReplyPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	user, err := s.loadUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	msg, err := s.store.GetMessage(ctx, p.MessageID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperror.Permanent("load message", fmt.Errorf("message %d not found", p.MessageID))
	}
	if err != nil {
		return err
	}
	_, _, err = s.GenerateDraft(ctx, user, msg)
	return err
}

// DraftForMessage returns the draft of a stored message
func (s *Service) DraftForMessage(ctx context.Context, messageID uint) (*model.Draft, error) {
	return s.store.GetDraftByMessage(ctx, messageID)
}

// SendDraft delivers a stored draft through the user's provider. Gmail
// sends it in the original thread; IMAP files it in the Drafts mailbox.
func (s *Service) SendDraft(ctx context.Context, draftID uint) (*model.Draft, error) {
	draft, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if draft.SentAt != nil {
		return draft, ErrDraftSent
	}
	user, err := s.loadUser(ctx, draft.UserID)
	if err != nil {
		return nil, err
	}
	msg := draft.Message
	if msg == nil {
		if msg, err = s.store.GetMessage(ctx, draft.MessageID); err != nil {
			return nil, err
		}
	}
	prov, err := s.providers.For(user)
	if err != nil {
		return nil, err
	}

	out := model.OutboundDraft{
		ThreadID: msg.ThreadID,
		To:       msg.Sender,
		Subject:  msg.Subject,
		Body:     draft.Body,
	}
	// only RFC 5322 ids can be referenced from headers
	if strings.HasPrefix(msg.ExternalID, "<") {
		out.InReplyTo = msg.ExternalID
	}
	externalID, err := prov.Send(ctx, user, out)
	if err != nil {
		return nil, fmt.Errorf("failed to send draft %d: %w", draft.ID, err)
	}

	now := s.now()
	if err := s.store.MarkDraftSent(ctx, draft.ID, externalID, now); err != nil {
		return nil, err
	}
	draft.ExternalID = externalID
	draft.SentAt = &now
	logrus.WithFields(logrus.Fields{"draft_id": draft.ID, "external_id": externalID}).Info("Draft sent")
	return draft, nil
}

// JobDispatcher hands new inbound messages to the reply-generation queue
type JobDispatcher struct {
	queue Enqueuer
}

// NewJobDispatcher creates a dispatcher over q
func NewJobDispatcher(q Enqueuer) *JobDispatcher {
	return &JobDispatcher{queue: q}
}

func (d *JobDispatcher) Dispatch(ctx context.Context, user *model.User, msg *model.Message) error {
	key := fmt.Sprintf("message:%d", msg.ID)
	_, _, err := d.queue.EnqueueUnique(ctx, jobs.KindReplyGeneration, key, ReplyPayload{UserID: user.ID, MessageID: msg.ID})
	if err != nil {
		return fmt.Errorf("failed to enqueue reply for message %d: %w", msg.ID, err)
	}
	return nil
}

// DirectDispatcher generates the draft inline
type DirectDispatcher struct {
	service *Service
}

// NewDirectDispatcher creates a dispatcher that calls s directly
func NewDirectDispatcher(s *Service) *DirectDispatcher {
	return &DirectDispatcher{service: s}
}

func (d *DirectDispatcher) Dispatch(ctx context.Context, user *model.User, msg *model.Message) error {
	_, _, err := d.service.GenerateDraft(ctx, user, msg)
	return err
}
