package core

import "time"

// NotificationLevel is the severity shown in the dashboard feed.
type NotificationLevel string

const (
	LevelInfo  NotificationLevel = "info"
	LevelWarn  NotificationLevel = "warn"
	LevelError NotificationLevel = "error"
)

// Notification is one entry in the agent's bounded notification ring.
type Notification struct {
	ID      string            `json:"id"`
	TS      time.Time         `json:"ts"`
	Level   NotificationLevel `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Ack     bool              `json:"ack"`
}

// MaxNotifications bounds the persisted ring; the oldest entries are
// evicted first.
const MaxNotifications = 200
