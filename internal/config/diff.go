package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (token, bot key) never appear in the
// attrs, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	// API (never log bot key)
	if strings.TrimSpace(oldCfg.API.BaseURL) != strings.TrimSpace(newCfg.API.BaseURL) ||
		strings.TrimSpace(oldCfg.API.Timeout) != strings.TrimSpace(newCfg.API.Timeout) ||
		oldCfg.API.RetryMax != newCfg.API.RetryMax ||
		(strings.TrimSpace(oldCfg.API.BotKey) != "") != (strings.TrimSpace(newCfg.API.BotKey) != "") {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.base_url", strings.TrimSpace(newCfg.API.BaseURL)),
			logx.String("api.timeout", strings.TrimSpace(newCfg.API.Timeout)),
			logx.Int("api.retry_max", newCfg.API.RetryMax),
			logx.Bool("api.bot_key_set", strings.TrimSpace(newCfg.API.BotKey) != ""),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Sync cadence and template inputs
	if !reflect.DeepEqual(oldCfg.Sync, newCfg.Sync) {
		changed = append(changed, "sync")
		attrs = append(attrs,
			logx.String("sync.schedule", strings.TrimSpace(newCfg.Sync.Schedule)),
			logx.String("sync.timezone", strings.TrimSpace(newCfg.Sync.Timezone)),
		)
	}

	// Moderated groups
	if !reflect.DeepEqual(oldCfg.Groups, newCfg.Groups) {
		changed = append(changed, "groups")
		attrs = append(attrs, logx.Int("groups.count", len(newCfg.Groups)))
	}

	// Moderation defaults
	if !reflect.DeepEqual(oldCfg.Moderation, newCfg.Moderation) {
		changed = append(changed, "moderation")
		attrs = append(attrs,
			logx.Bool("moderation.allow_links", newCfg.Moderation.AllowLinks),
			logx.Bool("moderation.allow_forwards", newCfg.Moderation.AllowForwards),
			logx.Int("moderation.max_per_minute", newCfg.Moderation.MaxMessagesPerMinute),
		)
	}

	// Event log buffer
	if oldCfg.EventLog != newCfg.EventLog {
		changed = append(changed, "event_log")
		attrs = append(attrs,
			logx.Int("event_log.buffer_size", newCfg.EventLog.BufferSize),
			logx.Int("event_log.batch_max", newCfg.EventLog.BatchMax),
		)
	}

	// Storage (nil means disabled)
	var oDriverSet, nDriverSet bool
	var oPath, nPath, oBusy, nBusy string
	if oldCfg.Storage != nil {
		oDriverSet = true
		oPath = strings.TrimSpace(oldCfg.Storage.Path)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
	}
	if newCfg.Storage != nil {
		nDriverSet = true
		nPath = strings.TrimSpace(newCfg.Storage.Path)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
	}
	if oDriverSet != nDriverSet || oPath != nPath || oBusy != nBusy {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.enabled", nDriverSet),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Executor throttle
	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.rate_per_sec", newCfg.Executor.RatePerSec),
			logx.Int("executor.burst", newCfg.Executor.Burst),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
