package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"smart-mail-reply-go/internal/jobs"
	"smart-mail-reply-go/internal/model"
)

// Onboarding progress after each step
const (
	progressIngested = 25
	progressStyle    = 50
	progressContacts = 75
	progressRules    = 100
)

// handleOnboarding runs ingestion, style, contacts and rules in order.
// Every step is skipped when its result already exists, so a re-run after
// a crash resumes at the first missing step.
func (s *Service) handleOnboarding(ctx context.Context, job *jobs.Job) error {
	var p UserPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	user, err := s.loadUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"job_id": job.ID, "user_id": user.ID})

	if user.HistoryImportedAt == nil {
		n, err := s.ingest(ctx, user)
		if err != nil {
			return err
		}
		log.WithField("messages", n).Info("Imported message history")
	} else {
		log.Debug("History already imported")
	}
	job.ReportProgress(ctx, progressIngested)

	done, err := s.hasArtifact(ctx, user.ID, model.ArtifactStyle)
	if err != nil {
		return err
	}
	if !done {
		if _, err := s.builder.BuildStyle(ctx, user); err != nil {
			if errors.Is(err, ErrInsufficientCorpus) {
				log.WithError(err).Info("Onboarding ended early")
				job.ReportProgress(ctx, progressRules)
				return nil
			}
			return err
		}
		log.Info("Style profile generated")
	}
	job.ReportProgress(ctx, progressStyle)

	done, err = s.hasArtifact(ctx, user.ID, model.ArtifactContacts)
	if err != nil {
		return err
	}
	if !done {
		if err := jobs.Sleep(ctx, s.opts.InterStepDelay); err != nil {
			return err
		}
		if _, err := s.builder.BuildContacts(ctx, user); err != nil {
			return err
		}
		log.Info("Contacts generated")
	}
	job.ReportProgress(ctx, progressContacts)

	done, err = s.hasArtifact(ctx, user.ID, model.ArtifactRules)
	if err != nil {
		return err
	}
	if !done {
		if err := jobs.Sleep(ctx, s.opts.InterStepDelay); err != nil {
			return err
		}
		if _, err := s.builder.BuildRules(ctx, user); err != nil {
			return err
		}
		log.Info("Rules generated")
	}
	job.ReportProgress(ctx, progressRules)
	return nil
}

// ingest stores the user's most recent messages and marks the import done
func (s *Service) ingest(ctx context.Context, user *model.User) (int, error) {
	prov, err := s.providers.For(user)
	if err != nil {
		return 0, err
	}
	items, err := prov.ListRecent(ctx, user, s.opts.FetchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list recent messages: %w", err)
	}

	stored := 0
	for _, item := range items {
		msg := item.ToMessage(user.ID)
		if user.IsSelf(msg.Sender) {
			msg.Direction = model.DirectionSent
		}
		created, err := s.store.CreateMessage(ctx, &msg)
		if err != nil {
			return stored, err
		}
		if created {
			stored++
		}
	}

	if err := s.store.MarkHistoryImported(ctx, user.ID, s.now()); err != nil {
		return stored, fmt.Errorf("failed to mark history imported: %w", err)
	}
	return stored, nil
}

func (s *Service) handleStyleRegeneration(ctx context.Context, job *jobs.Job) error {
	var p UserPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	user, err := s.loadUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	artifact, err := s.builder.BuildStyle(ctx, user)
	if errors.Is(err, ErrInsufficientCorpus) {
		logrus.WithError(err).WithField("user_id", user.ID).Info("Style regeneration skipped")
		return nil
	}
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"user_id": user.ID, "version": artifact.Version}).Info("Style profile regenerated")
	return nil
}

func (s *Service) handleRelationshipRegeneration(ctx context.Context, job *jobs.Job) error {
	var p UserPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	user, err := s.loadUser(ctx, p.UserID)
	if err != nil {
		return err
	}

	contacts, err := s.builder.BuildContacts(ctx, user)
	if err != nil {
		return err
	}
	job.ReportProgress(ctx, 50)

	if err := jobs.Sleep(ctx, s.opts.InterStepDelay); err != nil {
		return err
	}
	rules, err := s.builder.BuildRules(ctx, user)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"user_id":          user.ID,
		"contacts_version": contacts.Version,
		"rules_version":    rules.Version,
	}).Info("Relationship artifacts regenerated")
	return nil
}
