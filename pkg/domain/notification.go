package domain

import "time"

// NotificationType classifies a user-facing alert.
type NotificationType string

const (
	NotificationComment NotificationType = "comment"
	NotificationLike    NotificationType = "like"
	NotificationFollow  NotificationType = "follow"
	NotificationMention NotificationType = "mention"
	NotificationArticle NotificationType = "article"
	NotificationRevenue NotificationType = "revenue"
	NotificationSystem  NotificationType = "system"
)

// Notification is a user-facing alert pushed by the server.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
	Read      bool             `json:"read"`
}
