package config

import (
	"sort"
	"strings"

	logx "pushbridge/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or VAPID private keys).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Server (never log the API key)
	if strings.TrimSpace(oldCfg.Server.Addr) != strings.TrimSpace(newCfg.Server.Addr) ||
		(strings.TrimSpace(oldCfg.Server.APIKey) != "") != (strings.TrimSpace(newCfg.Server.APIKey) != "") ||
		strings.TrimSpace(oldCfg.Server.ReadTimeout) != strings.TrimSpace(newCfg.Server.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Server.WriteTimeout) != strings.TrimSpace(newCfg.Server.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Server.IdleTimeout) != strings.TrimSpace(newCfg.Server.IdleTimeout) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.ListenAddr()),
			logx.Bool("server.api_key_set", strings.TrimSpace(newCfg.Server.APIKey) != ""),
		)
	}

	// Telegram (never log token)
	if oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") ||
		strings.TrimSpace(oldCfg.Telegram.BotUsername) != strings.TrimSpace(newCfg.Telegram.BotUsername) ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.RatePerSec != newCfg.Telegram.RatePerSec {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.String("telegram.bot_username", strings.TrimSpace(newCfg.Telegram.BotUsername)),
			logx.Int("telegram.rate_per_sec", newCfg.Telegram.RateOrDefault()),
		)
	}

	// WebPush (never log the private key; public key changes matter to clients)
	if oldCfg.WebPush.Enabled != newCfg.WebPush.Enabled ||
		strings.TrimSpace(oldCfg.WebPush.VAPIDPublicKey) != strings.TrimSpace(newCfg.WebPush.VAPIDPublicKey) ||
		(strings.TrimSpace(oldCfg.WebPush.VAPIDPrivateKey) != "") != (strings.TrimSpace(newCfg.WebPush.VAPIDPrivateKey) != "") ||
		strings.TrimSpace(oldCfg.WebPush.Subscriber) != strings.TrimSpace(newCfg.WebPush.Subscriber) ||
		oldCfg.WebPush.TTLSeconds != newCfg.WebPush.TTLSeconds ||
		oldCfg.WebPush.AllowEphemeralKeys != newCfg.WebPush.AllowEphemeralKeys {
		changed = append(changed, "webpush")
		attrs = append(attrs,
			logx.Bool("webpush.enabled", newCfg.WebPush.Enabled),
			logx.Bool("webpush.keys_set", strings.TrimSpace(newCfg.WebPush.VAPIDPrivateKey) != ""),
			logx.Bool("webpush.ephemeral", newCfg.WebPush.AllowEphemeralKeys),
			logx.Int("webpush.ttl_seconds", newCfg.WebPush.TTLOrDefault()),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (path changes require a restart; surface them loudly)
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Dispatch
	if oldCfg.Dispatch.LogSkipped != newCfg.Dispatch.LogSkipped ||
		strings.TrimSpace(oldCfg.Dispatch.DefaultType) != strings.TrimSpace(newCfg.Dispatch.DefaultType) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.log_skipped", newCfg.Dispatch.LogSkipped),
			logx.String("dispatch.default_type", newCfg.Dispatch.TypeOrDefault()),
		)
	}

	// Janitor
	if oldCfg.Janitor.Enabled != newCfg.Janitor.Enabled ||
		strings.TrimSpace(oldCfg.Janitor.Schedule) != strings.TrimSpace(newCfg.Janitor.Schedule) ||
		strings.TrimSpace(oldCfg.Janitor.Timezone) != strings.TrimSpace(newCfg.Janitor.Timezone) ||
		strings.TrimSpace(oldCfg.Janitor.LogRetention) != strings.TrimSpace(newCfg.Janitor.LogRetention) ||
		oldCfg.Janitor.StaleThreshold != newCfg.Janitor.StaleThreshold {
		changed = append(changed, "janitor")
		attrs = append(attrs,
			logx.Bool("janitor.enabled", newCfg.Janitor.Enabled),
			logx.String("janitor.schedule", newCfg.Janitor.ScheduleOrDefault()),
			logx.Duration("janitor.log_retention", newCfg.Janitor.RetentionOrDefault()),
			logx.Int("janitor.stale_threshold", newCfg.Janitor.StaleThresholdOrDefault()),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
