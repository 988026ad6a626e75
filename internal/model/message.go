package model

import (
	"strings"
	"time"
)

// Direction of a stored message relative to its owner
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Message is an immutable copy of a provider message
type Message struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID     uint      `json:"user_id" gorm:"not null;uniqueIndex:ux_user_external,priority:1;index:ix_user_sender,priority:1"`
	ExternalID string    `json:"external_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_user_external,priority:2"`
	ThreadID   string    `json:"thread_id" gorm:"type:varchar(255);index"`
	Sender     string    `json:"sender" gorm:"type:varchar(255);not null;index:ix_user_sender,priority:2"`
	Recipients string    `json:"recipients" gorm:"type:text"`
	Subject    string    `json:"subject" gorm:"type:text"`
	Body       string    `json:"body" gorm:"type:text"`
	ArrivedAt  time.Time `json:"arrived_at" gorm:"index"`
	Direction  Direction `json:"direction" gorm:"type:varchar(10);not null"`
	Offset     uint64    `json:"offset" gorm:"column:stream_offset"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name for Message
func (Message) TableName() string {
	return "messages"
}

// RecipientList splits the stored recipient column
func (m *Message) RecipientList() []string {
	if m.Recipients == "" {
		return nil
	}
	parts := strings.Split(m.Recipients, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RecipientAddresses returns the distinct bare lower-cased recipient addresses
func (m *Message) RecipientAddresses() []string {
	list := m.RecipientList()
	out := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, r := range list {
		addr := strings.ToLower(ExtractAddress(r))
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

// MessageRecipient indexes one recipient address of a stored message so
// lookups compare whole addresses
type MessageRecipient struct {
	ID        uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID uint   `json:"message_id" gorm:"not null;uniqueIndex:ux_message_address,priority:1"`
	UserID    uint   `json:"user_id" gorm:"not null;index:ix_recipient_user_address,priority:1"`
	Address   string `json:"address" gorm:"type:varchar(255);not null;uniqueIndex:ux_message_address,priority:2;index:ix_recipient_user_address,priority:2"`
}

// TableName specifies the table name for MessageRecipient
func (MessageRecipient) TableName() string {
	return "message_recipients"
}

// InboundMessage is a message as returned by a provider adapter, before it is stored
type InboundMessage struct {
	ExternalID string    `json:"external_id"`
	ThreadID   string    `json:"thread_id"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	HTMLBody   string    `json:"html_body"`
	ArrivedAt  time.Time `json:"arrived_at"`
	Direction  Direction `json:"direction"`
	Offset     uint64    `json:"offset"`
}

// ToMessage converts a provider message into a storable record
func (m InboundMessage) ToMessage(userID uint) Message {
	body := m.Body
	if body == "" && m.HTMLBody != "" {
		body = HTMLToPlainText(m.HTMLBody)
	}
	return Message{
		UserID:     userID,
		ExternalID: m.ExternalID,
		ThreadID:   m.ThreadID,
		Sender:     ExtractAddress(m.Sender),
		Recipients: strings.Join(m.Recipients, ","),
		Subject:    m.Subject,
		Body:       body,
		ArrivedAt:  m.ArrivedAt,
		Direction:  m.Direction,
		Offset:     m.Offset,
	}
}
