package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"smart-mail-reply-go/internal/llm"
	"smart-mail-reply-go/internal/model"
)

// ErrInsufficientCorpus means the user has too few sent messages for a
// style profile
var ErrInsufficientCorpus = errors.New("not enough sent messages to build a style profile")

const (
	profileBodyLimit = 800
	// TaskProfileStyle and friends are the first line of each profile prompt
	TaskProfileStyle    = "TASK: profile-style"
	TaskProfileContacts = "TASK: profile-contacts"
	TaskProfileRules    = "TASK: profile-rules"
)

// ArtifactWriter stores profile artifacts
type ArtifactWriter interface {
	ListMessages(ctx context.Context, userID uint, direction model.Direction, limit int) ([]model.Message, error)
	GetActiveArtifact(ctx context.Context, userID uint, kind model.ArtifactKind) (*model.Artifact, error)
	CreateArtifactVersion(ctx context.Context, userID uint, kind model.ArtifactKind, content string) (*model.Artifact, error)
}

// ProfileBuilder turns a user's stored mail into the style, contacts and
// rules artifacts
type ProfileBuilder struct {
	completer  llm.Completer
	store      ArtifactWriter
	minCorpus  int
	sampleSize int
}

// NewProfileBuilder creates a builder. minCorpus is the number of sent
// messages required for a style profile.
func NewProfileBuilder(completer llm.Completer, store ArtifactWriter, minCorpus, sampleSize int) *ProfileBuilder {
	if minCorpus <= 0 {
		minCorpus = 5
	}
	if sampleSize <= 0 {
		sampleSize = 100
	}
	return &ProfileBuilder{completer: completer, store: store, minCorpus: minCorpus, sampleSize: sampleSize}
}

// BuildStyle writes a new style-profile version from the user's sent mail
func (b *ProfileBuilder) BuildStyle(ctx context.Context, user *model.User) (*model.Artifact, error) {
	sent, err := b.store.ListMessages(ctx, user.ID, model.DirectionSent, b.sampleSize)
	if err != nil {
		return nil, err
	}
	if len(sent) < b.minCorpus {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCorpus, len(sent), b.minCorpus)
	}

	var p strings.Builder
	p.WriteString(TaskProfileStyle + "\n")
	fmt.Fprintf(&p, "Describe how %s writes email: greeting, sign-off, tone, length, formality, recurring phrases.\n", user.Email)
	p.WriteString("Write the profile as short bullet points another writer could follow.\n\nSent emails:\n")
	writeCorpus(&p, sent)

	return b.generate(ctx, user, model.ArtifactStyle, p.String())
}

// BuildContacts writes a new contacts version describing who the user
// corresponds with
func (b *ProfileBuilder) BuildContacts(ctx context.Context, user *model.User) (*model.Artifact, error) {
	received, err := b.store.ListMessages(ctx, user.ID, model.DirectionReceived, b.sampleSize)
	if err != nil {
		return nil, err
	}
	sent, err := b.store.ListMessages(ctx, user.ID, model.DirectionSent, b.sampleSize)
	if err != nil {
		return nil, err
	}

	var p strings.Builder
	p.WriteString(TaskProfileContacts + "\n")
	fmt.Fprintf(&p, "List the people %s corresponds with most. For each give address, relationship "+
		"(colleague, client, family, vendor, ...) and how formally %s addresses them.\n", user.Email, user.Email)
	p.WriteString("\nReceived:\n")
	writeCorpus(&p, received)
	p.WriteString("\nSent:\n")
	writeCorpus(&p, sent)

	return b.generate(ctx, user, model.ArtifactContacts, p.String())
}

// BuildRules writes a new rules version: reply conventions inferred from
// the contacts artifact and received mail
func (b *ProfileBuilder) BuildRules(ctx context.Context, user *model.User) (*model.Artifact, error) {
	received, err := b.store.ListMessages(ctx, user.ID, model.DirectionReceived, b.sampleSize)
	if err != nil {
		return nil, err
	}
	contacts := ""
	if a, err := b.store.GetActiveArtifact(ctx, user.ID, model.ArtifactContacts); err == nil {
		contacts = a.Content
	}

	var p strings.Builder
	p.WriteString(TaskProfileRules + "\n")
	fmt.Fprintf(&p, "Derive reply rules for %s: which senders get priority, what must never be committed "+
		"to without checking, which topics get short answers. One rule per line.\n", user.Email)
	if contacts != "" {
		fmt.Fprintf(&p, "\nKnown contacts:\n%s\n", contacts)
	}
	p.WriteString("\nReceived:\n")
	writeCorpus(&p, received)

	return b.generate(ctx, user, model.ArtifactRules, p.String())
}

func (b *ProfileBuilder) generate(ctx context.Context, user *model.User, kind model.ArtifactKind, prompt string) (*model.Artifact, error) {
	text, err := b.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s profile: %w", kind, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("failed to generate %s profile: empty completion", kind)
	}
	return b.store.CreateArtifactVersion(ctx, user.ID, kind, text)
}

func writeCorpus(b *strings.Builder, msgs []model.Message) {
	for _, m := range msgs {
		fmt.Fprintf(b, "- %s -> %s | %s | %s\n", m.Sender, m.Recipients, m.Subject, model.Truncate(m.Body, profileBodyLimit))
	}
}
