package model

import (
	"strings"
	"time"
)

// Provider names stored on User.Provider
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// User is a mailbox owner whose replies are drafted
type User struct {
	ID                uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	Email             string     `json:"email" gorm:"type:varchar(255);not null;uniqueIndex"`
	Provider          string     `json:"provider" gorm:"type:varchar(20);not null;default:gmail"`
	RefreshToken      string     `json:"-" gorm:"type:text"`
	IMAPPassword      string     `json:"-" gorm:"column:imap_password;type:text"`
	HistoryImportedAt *time.Time `json:"history_imported_at"`
	WatchExpiresAt    *time.Time `json:"watch_expires_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// HasCredentials reports whether the user can be served by its provider
func (u *User) HasCredentials() bool {
	switch u.Provider {
	case ProviderIMAP:
		return u.IMAPPassword != ""
	default:
		return u.RefreshToken != ""
	}
}

// IsSelf reports whether address belongs to the user
func (u *User) IsSelf(address string) bool {
	return strings.EqualFold(ExtractAddress(address), u.Email)
}

// ExtractAddress returns the bare address from a header value like
// "Jane Doe <jane@example.com>"
func ExtractAddress(value string) string {
	value = strings.TrimSpace(value)
	if start := strings.LastIndex(value, "<"); start >= 0 {
		if end := strings.LastIndex(value, ">"); end > start {
			return strings.TrimSpace(value[start+1 : end])
		}
	}
	return value
}
