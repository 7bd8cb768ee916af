package controlplane

import "time"

// ModerationConfig is the per-group moderation configuration owned by the
// backend. It is replaced wholesale on each successful sync; nothing in the
// bot merges individual fields (avoids torn state between related fields
// like threshold and duration).
type ModerationConfig struct {
	GroupID              int64  `json:"group_id"`
	AllowLinks           bool   `json:"allow_links"`
	AllowForwards        bool   `json:"allow_forwards"`
	AutoDeleteLinks      bool   `json:"auto_delete_links"`
	MaxMessagesPerMinute int    `json:"max_messages_per_minute"`
	MuteDurationMinutes  int    `json:"mute_duration_minutes"`
	WarningThreshold     int    `json:"warning_threshold"`
	WelcomeText          string `json:"welcome_message"`
	RulesText            string `json:"rules_message"`

	// Version is the backend's etag for this config. Equal versions mean
	// re-applying is a no-op.
	Version string `json:"version"`
}

// MuteDuration returns the configured mute window.
func (c *ModerationConfig) MuteDuration() time.Duration {
	if c == nil || c.MuteDurationMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.MuteDurationMinutes) * time.Minute
}

// Threshold returns the warning threshold with the historical default of 3.
func (c *ModerationConfig) Threshold() int {
	if c == nil || c.WarningThreshold <= 0 {
		return 3
	}
	return c.WarningThreshold
}

// ScheduledPost is an announcement authored in the admin console.
// Executed is advisory locally; the remote mark-executed acknowledgment is
// the durable idempotency source.
type ScheduledPost struct {
	ID           int64     `json:"id"`
	PostType     string    `json:"post_type"`
	Content      string    `json:"content"`
	ImageURL     string    `json:"image_url,omitempty"`
	TargetGroups []int64   `json:"target_groups"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	Executed     bool      `json:"executed"`
}

// BannedUserEntry is one row of the backend's authoritative ban list.
type BannedUserEntry struct {
	GroupID  int64     `json:"group_id"`
	UserID   int64     `json:"user_id"`
	Reason   string    `json:"reason,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// EventLogEntry is one append-only bot event pushed upstream.
// Field names mirror the backend's /bot/events/ payload.
type EventLogEntry struct {
	EventType        string         `json:"event_type"`
	Data             map[string]any `json:"data,omitempty"`
	TelegramUserID   int64          `json:"telegram_user_id,omitempty"`
	TelegramUsername string         `json:"telegram_username,omitempty"`
	ChatID           int64          `json:"chat_id,omitempty"`
	Description      string         `json:"description,omitempty"`
	At               time.Time      `json:"at"`
}
