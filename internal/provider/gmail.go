package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	gmail "google.golang.org/api/gmail/v1"

	"smart-mail-reply-go/internal/model"
)

const gmailUser = "me"

// Gmail implements Provider and Subscriber over the Gmail API. Offsets are
// Gmail history ids.
type Gmail struct {
	auth  *GoogleAuth
	topic string
}

// NewGmail creates a Gmail provider. topic is the Pub/Sub topic watch
// requests publish to.
func NewGmail(auth *GoogleAuth, topic string) *Gmail {
	return &Gmail{auth: auth, topic: topic}
}

func (g *Gmail) service(ctx context.Context, user *model.User) (*gmail.Service, error) {
	opts, err := g.auth.ClientOptions(user)
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// ListDelta walks the history list for messages added after fromOffset
func (g *Gmail) ListDelta(ctx context.Context, user *model.User, fromOffset uint64) ([]model.InboundMessage, error) {
	svc, err := g.service(ctx, user)
	if err != nil {
		return nil, err
	}

	offsets := make(map[string]uint64)
	var ids []string
	err = svc.Users.History.List(gmailUser).
		StartHistoryId(fromOffset).
		HistoryTypes("messageAdded").
		MaxResults(500).
		Pages(ctx, func(resp *gmail.ListHistoryResponse) error {
			for _, h := range resp.History {
				for _, added := range h.MessagesAdded {
					if added.Message == nil {
						continue
					}
					if _, seen := offsets[added.Message.Id]; !seen {
						ids = append(ids, added.Message.Id)
					}
					offsets[added.Message.Id] = h.Id
				}
			}
			return nil
		})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrCursorExpired
		}
		return nil, ClassifyGoogleError("gmail.history", err)
	}

	msgs, err := g.fetchAll(ctx, svc, user, ids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if off, ok := offsets[msgs[i].ExternalID]; ok {
			msgs[i].Offset = off
		}
	}
	sortOldestFirst(msgs)
	return msgs, nil
}

// ListRecent fetches the newest n messages of the mailbox
func (g *Gmail) ListRecent(ctx context.Context, user *model.User, n int) ([]model.InboundMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	svc, err := g.service(ctx, user)
	if err != nil {
		return nil, err
	}

	var ids []string
	err = svc.Users.Messages.List(gmailUser).
		MaxResults(int64(min(n, 500))).
		Q("-in:drafts -in:chats").
		Pages(ctx, func(resp *gmail.ListMessagesResponse) error {
			for _, m := range resp.Messages {
				if len(ids) < n {
					ids = append(ids, m.Id)
				}
			}
			if len(ids) >= n {
				return errPagesDone
			}
			return nil
		})
	if err != nil && !errors.Is(err, errPagesDone) {
		return nil, ClassifyGoogleError("gmail.list", err)
	}

	msgs, err := g.fetchAll(ctx, svc, user, ids)
	if err != nil {
		return nil, err
	}
	sortOldestFirst(msgs)
	return msgs, nil
}

var errPagesDone = errors.New("enough pages")

func (g *Gmail) fetchAll(ctx context.Context, svc *gmail.Service, user *model.User, ids []string) ([]model.InboundMessage, error) {
	msgs := make([]model.InboundMessage, 0, len(ids))
	for _, id := range ids {
		full, err := svc.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				// deleted between the history entry and the fetch
				logrus.WithField("message_id", id).Debug("Gmail message vanished before fetch")
				continue
			}
			return nil, ClassifyGoogleError("gmail.get", err)
		}
		msgs = append(msgs, parseGmailMessage(full, user))
	}
	return msgs, nil
}

// Send delivers the reply in the original thread
func (g *Gmail) Send(ctx context.Context, user *model.User, draft model.OutboundDraft) (string, error) {
	svc, err := g.service(ctx, user)
	if err != nil {
		return "", err
	}

	raw := buildRawReply(user.Email, draft, time.Now())
	sent, err := svc.Users.Messages.Send(gmailUser, &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString([]byte(raw)),
		ThreadId: draft.ThreadID,
	}).Context(ctx).Do()
	if err != nil {
		return "", ClassifyGoogleError("gmail.send", err)
	}
	logrus.WithFields(logrus.Fields{"user_id": user.ID, "message_id": sent.Id}).Info("Sent reply via Gmail")
	return sent.Id, nil
}

// Subscribe starts or renews the Pub/Sub watch on the inbox
func (g *Gmail) Subscribe(ctx context.Context, user *model.User) (Subscription, error) {
	svc, err := g.service(ctx, user)
	if err != nil {
		return Subscription{}, err
	}

	resp, err := svc.Users.Watch(gmailUser, &gmail.WatchRequest{
		TopicName: g.topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return Subscription{}, ClassifyGoogleError("gmail.watch", err)
	}

	sub := Subscription{Offset: resp.HistoryId}
	if resp.Expiration > 0 {
		exp := time.UnixMilli(resp.Expiration)
		sub.ExpiresAt = &exp
	}
	return sub, nil
}

// parseGmailMessage converts a full-format Gmail message
func parseGmailMessage(msg *gmail.Message, user *model.User) model.InboundMessage {
	in := model.InboundMessage{
		ExternalID: msg.Id,
		ThreadID:   msg.ThreadId,
		Offset:     msg.HistoryId,
		Direction:  model.DirectionReceived,
	}
	if msg.InternalDate > 0 {
		in.ArrivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}

	for _, label := range msg.LabelIds {
		if label == "SENT" {
			in.Direction = model.DirectionSent
		}
	}

	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			switch strings.ToLower(header.Name) {
			case "subject":
				in.Subject = header.Value
			case "from":
				in.Sender = header.Value
			case "to", "cc":
				in.Recipients = append(in.Recipients, splitAddresses(header.Value)...)
			}
		}
		parseGmailBody(msg.Payload, &in)
	}

	if in.Direction == model.DirectionReceived && user != nil && user.IsSelf(in.Sender) {
		in.Direction = model.DirectionSent
	}
	return in
}

// parseGmailBody recursively parses Gmail message body parts, keeping the
// first plain and html part
func parseGmailBody(part *gmail.MessagePart, in *model.InboundMessage) {
	if part.Body != nil && part.Body.Data != "" {
		data, err := decodeBase64URL(part.Body.Data)
		if err != nil {
			logrus.Warnf("Failed to decode body of part %s: %v", part.PartId, err)
		} else {
			switch part.MimeType {
			case "text/plain":
				if in.Body == "" {
					in.Body = string(data)
				}
			case "text/html":
				if in.HTMLBody == "" {
					in.HTMLBody = string(data)
				}
			}
		}
	}

	for _, sub := range part.Parts {
		parseGmailBody(sub, in)
	}
}

func decodeBase64URL(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func splitAddresses(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if addr := model.ExtractAddress(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// buildRawReply renders a plain-text RFC 5322 reply
func buildRawReply(from string, draft model.OutboundDraft, now time.Time) string {
	var b strings.Builder

	subject := draft.Subject
	if subject != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	b.WriteString(fmt.Sprintf("From: %s\r\n", from))
	b.WriteString(fmt.Sprintf("To: %s\r\n", draft.To))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	b.WriteString(fmt.Sprintf("Date: %s\r\n", now.Format(time.RFC1123Z)))
	if draft.InReplyTo != "" {
		b.WriteString(fmt.Sprintf("In-Reply-To: %s\r\n", draft.InReplyTo))
		b.WriteString(fmt.Sprintf("References: %s\r\n", draft.InReplyTo))
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")

	body := strings.ReplaceAll(draft.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.String()
}

func sortOldestFirst(msgs []model.InboundMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Offset != msgs[j].Offset {
			return msgs[i].Offset < msgs[j].Offset
		}
		return msgs[i].ArrivedAt.Before(msgs[j].ArrivedAt)
	})
}
