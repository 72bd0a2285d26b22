package domain

import (
	"encoding/json"
	"time"
)

// ActivityType classifies a feed entry. Entries from the activity channel
// carry whatever type the server assigned; the constants below are the
// types synthesized from the other raw channels.
type ActivityType string

const (
	ActivityMessage       ActivityType = "message"
	ActivityArticleUpdate ActivityType = "article_update"
	ActivityCommentAdded  ActivityType = "comment_added"
	ActivityMetricsUpdate ActivityType = "metrics_update"
	ActivityUserJoined    ActivityType = "user_joined"
)

// Activity is a fire-and-forget feed entry.
type Activity struct {
	ID        string          `json:"id"`
	Type      ActivityType    `json:"type"`
	User      *User           `json:"user,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
