package model

import "time"

// Draft is the generated reply for exactly one inbound message
type Draft struct {
	ID         uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID  uint       `json:"message_id" gorm:"not null;uniqueIndex"`
	UserID     uint       `json:"user_id" gorm:"not null;index"`
	Body       string     `json:"body" gorm:"type:text;not null"`
	Confidence int        `json:"confidence" gorm:"not null;default:0"`
	Reasoning  string     `json:"reasoning" gorm:"type:text"`
	Mode       string     `json:"mode" gorm:"type:varchar(20)"`
	ExternalID string     `json:"external_id" gorm:"type:varchar(255)"`
	SentAt     *time.Time `json:"sent_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	Message *Message `json:"message,omitempty" gorm:"foreignKey:MessageID"`
}

// TableName specifies the table name for Draft
func (Draft) TableName() string {
	return "drafts"
}

// OutboundDraft is what a provider adapter needs to deliver a reply
type OutboundDraft struct {
	ThreadID  string
	InReplyTo string
	To        string
	Subject   string
	Body      string
}
