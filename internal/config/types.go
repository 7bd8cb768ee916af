package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	API      APIConfig      `json:"api"`
	Logging  LoggingConfig  `json:"logging"`
	Sync     SyncConfig     `json:"sync"`

	// Groups lists the chats the bot moderates. Updates from other chats are
	// ignored.
	Groups []int64 `json:"groups"`

	Moderation ModerationDefaults `json:"moderation,omitempty"`
	EventLog   EventLogConfig     `json:"event_log,omitempty"`
	Storage    *StorageConfig     `json:"storage,omitempty"`
	Executor   ExecutorConfig     `json:"executor,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// GroupLog receives rate-limited error/warn log lines. Empty disables
	// the telegram log sink.
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// APIConfig points the bot at its backend.
type APIConfig struct {
	BaseURL string `json:"base_url"`
	// BotKey is the shared secret sent as X-Bot-Key. Usually injected via
	// the BOT_KEY environment variable rather than written here.
	BotKey string `json:"bot_key,omitempty"`
	// Timeout bounds one HTTP attempt (Go duration string).
	Timeout      string `json:"timeout,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
	RetryWaitMin string `json:"retry_wait_min,omitempty"`
	RetryWaitMax string `json:"retry_wait_max,omitempty"`
}

// SyncConfig controls the backend sync cadence.
//
// Schedule accepts the forms the trigger parser understands:
// "interval:60s", "cron:*/5 * * * *" or a bare "15:04" daily time.
type SyncConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// Website and ProjectName fill the {website} and {name} placeholders in
	// welcome/rules templates.
	Website     string `json:"website,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
}

// ModerationDefaults seed per-group settings until the first successful
// backend sync.
type ModerationDefaults struct {
	AllowLinks           bool   `json:"allow_links"`
	AllowForwards        bool   `json:"allow_forwards"`
	AutoDeleteLinks      bool   `json:"auto_delete_links"`
	MaxMessagesPerMinute int    `json:"max_messages_per_minute,omitempty"`
	MuteDurationMinutes  int    `json:"mute_duration_minutes,omitempty"`
	WarningThreshold     int    `json:"warning_threshold,omitempty"`
	WelcomeText          string `json:"welcome_message,omitempty"`
	RulesText            string `json:"rules_message,omitempty"`
}

// EventLogConfig bounds the in-memory outbound event buffer.
type EventLogConfig struct {
	// BufferSize is the soft cap; past it the oldest entries spill to
	// storage (or are dropped when storage is off).
	BufferSize int `json:"buffer_size,omitempty"`
	// BatchMax caps how many entries one sync cycle uploads.
	BatchMax int `json:"batch_max,omitempty"`
}

// StorageConfig controls the sqlite persistence layer. Nil disables it; the
// bot then keeps the event buffer and post dedup purely in memory.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// ExecutorConfig throttles outbound Telegram calls.
type ExecutorConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Burst       int    `json:"burst,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"` // Go duration string
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// Validate checks the fields the bot cannot start without. Duration strings
// are validated where they are consumed.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url is required")
	}
	if len(c.Groups) == 0 {
		return errors.New("groups must list at least one chat id")
	}
	seen := make(map[int64]struct{}, len(c.Groups))
	for _, g := range c.Groups {
		if g == 0 {
			return errors.New("groups contains a zero chat id")
		}
		if _, dup := seen[g]; dup {
			return fmt.Errorf("groups contains duplicate chat id %d", g)
		}
		seen[g] = struct{}{}
	}
	for _, field := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"api.timeout", c.API.Timeout},
		{"api.retry_wait_min", c.API.RetryWaitMin},
		{"api.retry_wait_max", c.API.RetryWaitMax},
		{"executor.call_timeout", c.Executor.CallTimeout},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	if c.Storage != nil {
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required when storage is set")
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
