package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"smart-mail-reply-go/internal/apperror"
	"smart-mail-reply-go/internal/config"
	"smart-mail-reply-go/internal/model"
)

// IMAP implements Provider and Poller over an IMAP server. Offsets are
// UIDs of the watched mailbox.
type IMAP struct {
	addr         string
	mailbox      string
	draftMailbox string
	timeout      time.Duration
}

// NewIMAP creates an IMAP provider
func NewIMAP(cfg config.IMAPConfig, timeout time.Duration) *IMAP {
	return &IMAP{
		addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		mailbox:      cfg.Mailbox,
		draftMailbox: cfg.DraftMailbox,
		timeout:      timeout,
	}
}

// connect dials and logs in as user. The caller must Logout.
func (p *IMAP) connect(user *model.User) (*client.Client, error) {
	if user.IMAPPassword == "" {
		return nil, apperror.Permanent("imap.login", errors.New("user has no IMAP password"))
	}

	c, err := client.DialTLS(p.addr, nil)
	if err != nil {
		return nil, classifyIMAPError("imap.dial", fmt.Errorf("failed to connect to IMAP server: %w", err))
	}
	c.Timeout = p.timeout

	if err := c.Login(user.Email, user.IMAPPassword); err != nil {
		c.Logout()
		return nil, apperror.Permanent("imap.login", fmt.Errorf("failed to login to IMAP server: %w", err))
	}
	return c, nil
}

// ListDelta fetches every message with a UID above fromOffset
func (p *IMAP) ListDelta(ctx context.Context, user *model.User, fromOffset uint64) ([]model.InboundMessage, error) {
	c, err := p.connect(user)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	mbox, err := c.Select(p.mailbox, true)
	if err != nil {
		return nil, classifyIMAPError("imap.select", fmt.Errorf("failed to select %s: %w", p.mailbox, err))
	}
	if uint64(mbox.UidNext) <= fromOffset+1 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(uint32(fromOffset+1), 0)

	msgs, err := p.fetch(ctx, c, seqset, true, user)
	if err != nil {
		return nil, err
	}

	// "n:*" always matches the highest UID, even when it is below n
	out := msgs[:0]
	for _, m := range msgs {
		if m.Offset > fromOffset {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListRecent fetches the newest n messages by sequence number
func (p *IMAP) ListRecent(ctx context.Context, user *model.User, n int) ([]model.InboundMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	c, err := p.connect(user)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	mbox, err := c.Select(p.mailbox, true)
	if err != nil {
		return nil, classifyIMAPError("imap.select", fmt.Errorf("failed to select %s: %w", p.mailbox, err))
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	from := uint32(1)
	if mbox.Messages > uint32(n) {
		from = mbox.Messages - uint32(n) + 1
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, mbox.Messages)

	return p.fetch(ctx, c, seqset, false, user)
}

// LatestOffset returns the highest UID assigned in the watched mailbox
func (p *IMAP) LatestOffset(ctx context.Context, user *model.User) (uint64, error) {
	c, err := p.connect(user)
	if err != nil {
		return 0, err
	}
	defer c.Logout()

	status, err := c.Status(p.mailbox, []imap.StatusItem{imap.StatusUidNext})
	if err != nil {
		return 0, classifyIMAPError("imap.status", fmt.Errorf("failed to read status of %s: %w", p.mailbox, err))
	}
	if status.UidNext == 0 {
		return 0, nil
	}
	return uint64(status.UidNext - 1), nil
}

// Send stores the reply in the drafts mailbox. IMAP cannot submit mail, so
// the user sends it from their client.
func (p *IMAP) Send(ctx context.Context, user *model.User, draft model.OutboundDraft) (string, error) {
	raw, messageID, err := composeDraft(user.Email, draft, time.Now())
	if err != nil {
		return "", err
	}

	c, err := p.connect(user)
	if err != nil {
		return "", err
	}
	defer c.Logout()

	if err := c.Append(p.draftMailbox, []string{imap.DraftFlag}, time.Now(), bytes.NewBuffer(raw)); err != nil {
		return "", classifyIMAPError("imap.append", fmt.Errorf("failed to append draft: %w", err))
	}
	logrus.WithFields(logrus.Fields{"user_id": user.ID, "mailbox": p.draftMailbox}).Info("Stored reply draft via IMAP")
	return messageID, nil
}

func (p *IMAP) fetch(ctx context.Context, c *client.Client, seqset *imap.SeqSet, byUID bool, user *model.User) ([]model.InboundMessage, error) {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		if byUID {
			done <- c.UidFetch(seqset, items, messages)
		} else {
			done <- c.Fetch(seqset, items, messages)
		}
	}()

	var out []model.InboundMessage
	for msg := range messages {
		if ctx.Err() != nil {
			continue
		}
		in, err := parseIMAPMessage(msg, section, user)
		if err != nil {
			logrus.Warnf("Failed to parse IMAP message %d: %v", msg.Uid, err)
			continue
		}
		out = append(out, in)
	}

	if err := <-done; err != nil {
		return nil, classifyIMAPError("imap.fetch", fmt.Errorf("failed to fetch messages: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, apperror.Transient("imap.fetch", err)
	}
	sortOldestFirst(out)
	return out, nil
}

// parseIMAPMessage converts a fetched message
func parseIMAPMessage(msg *imap.Message, section *imap.BodySectionName, user *model.User) (model.InboundMessage, error) {
	in := model.InboundMessage{
		ExternalID: fmt.Sprintf("uid:%d", msg.Uid),
		Offset:     uint64(msg.Uid),
		ArrivedAt:  msg.InternalDate,
		Direction:  model.DirectionReceived,
	}

	if env := msg.Envelope; env != nil {
		in.Subject = env.Subject
		if env.MessageId != "" {
			in.ExternalID = env.MessageId
		}
		in.ThreadID = env.InReplyTo
		if in.ThreadID == "" {
			in.ThreadID = env.MessageId
		}
		if len(env.From) > 0 {
			in.Sender = env.From[0].Address()
		}
		for _, addr := range append(env.To, env.Cc...) {
			in.Recipients = append(in.Recipients, addr.Address())
		}
		if in.ArrivedAt.IsZero() {
			in.ArrivedAt = env.Date
		}
	}

	if user != nil && user.IsSelf(in.Sender) {
		in.Direction = model.DirectionSent
	}

	r := msg.GetBody(section)
	if r == nil {
		return in, nil
	}
	plain, html, err := readBodies(r)
	if err != nil {
		return in, err
	}
	in.Body, in.HTMLBody = plain, html
	return in, nil
}

// readBodies returns the first text/plain and text/html parts of a MIME message
func readBodies(r io.Reader) (string, string, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return "", "", fmt.Errorf("failed to read message: %w", err)
	}

	var plain, html string
	err = entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			if message.IsUnknownCharset(err) {
				return nil
			}
			return err
		}
		contentType, _, _ := part.Header.ContentType()
		if strings.HasPrefix(contentType, "multipart/") {
			return nil
		}
		if contentType == "" {
			contentType = "text/plain"
		}

		content, err := io.ReadAll(part.Body)
		if err != nil {
			return fmt.Errorf("failed to read part body: %w", err)
		}
		switch contentType {
		case "text/plain":
			if plain == "" {
				plain = string(content)
			}
		case "text/html":
			if html == "" {
				html = string(content)
			}
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return plain, html, nil
}

// composeDraft renders the reply with go-message and returns its Message-ID
func composeDraft(from string, draft model.OutboundDraft, now time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: draft.To}})

	subject := draft.Subject
	if subject != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	h.SetSubject(subject)
	if draft.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{strings.Trim(draft.InReplyTo, "<>")})
		h.SetMsgIDList("References", []string{strings.Trim(draft.InReplyTo, "<>")})
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("failed to generate message id: %w", err)
	}
	messageID, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read message id: %w", err)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create draft writer: %w", err)
	}
	if _, err := io.WriteString(w, draft.Body); err != nil {
		return nil, "", fmt.Errorf("failed to write draft body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close draft writer: %w", err)
	}
	return buf.Bytes(), "<" + messageID + ">", nil
}

func classifyIMAPError(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, client.ErrNotLoggedIn) {
		return apperror.Transient(op, err)
	}
	return err
}
