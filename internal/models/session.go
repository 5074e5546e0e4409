package models

import (
	"time"

	"gorm.io/gorm"
)

// Session is the locally cached login against the NodePass backend.
// Only one row is active at a time.
type Session struct {
	gorm.Model

	SessionID  string    `gorm:"uniqueIndex;not null" json:"session_id"`
	Username   string    `gorm:"index" json:"username"`
	Token      string    `json:"-"`
	NeedsSetup bool      `json:"needs_setup"`
	ExpiresAt  time.Time `json:"expires_at"`
	IsActive   bool      `gorm:"index;default:false" json:"is_active"`
}

// NotificationLevel is the colour of a transient notice.
type NotificationLevel string

const (
	LevelSuccess NotificationLevel = "success"
	LevelWarning NotificationLevel = "warning"
	LevelDanger  NotificationLevel = "danger"
)

// Notification is a transient success/failure notice, kept for history.
type Notification struct {
	gorm.Model

	Level       NotificationLevel `gorm:"index" json:"level"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Resource    string            `gorm:"index" json:"resource"`
}
