package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultAddr         = "127.0.0.1:8090"
	DefaultPollTimeout  = 10 * time.Second
	DefaultRatePerSec   = 25
	DefaultPushTTL      = 43200 // 12h, seconds
	DefaultSchedule     = "0 3 * * *"
	DefaultLogRetention = 90 * 24 * time.Hour
	DefaultStaleLimit   = 3
)

// Validate checks cross-field constraints that the strict decoder can't.
// It is installed as the manager's validator so bad reloads are rejected
// before being published.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if strings.TrimSpace(cfg.Server.APIKey) == "" {
		return fmt.Errorf("server.api_key: required")
	}
	for _, f := range []struct{ path, raw string }{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"janitor.log_retention", cfg.Janitor.LogRetention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token: required when telegram.enabled")
		}
		if strings.TrimSpace(cfg.Telegram.BotUsername) == "" {
			return fmt.Errorf("telegram.bot_username: required when telegram.enabled (used for t.me deep links)")
		}
		if cfg.Telegram.RatePerSec < 0 {
			return fmt.Errorf("telegram.rate_per_sec: must be >= 0")
		}
	}

	if cfg.WebPush.Enabled && !cfg.WebPush.AllowEphemeralKeys {
		if strings.TrimSpace(cfg.WebPush.VAPIDPublicKey) == "" || strings.TrimSpace(cfg.WebPush.VAPIDPrivateKey) == "" {
			return fmt.Errorf("webpush: vapid_public_key and vapid_private_key are required when webpush.enabled (or set allow_ephemeral_keys for development)")
		}
	}
	if cfg.WebPush.TTLSeconds < 0 {
		return fmt.Errorf("webpush.ttl_seconds: must be >= 0")
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required")
	}

	if cfg.Janitor.Enabled {
		if tz := strings.TrimSpace(cfg.Janitor.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("janitor.timezone: %w", err)
			}
		}
	}

	return nil
}

// ---- Normalized accessors ----

func (c ServerConfig) ListenAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

func (c TelegramConfig) PollTimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("telegram.poll_timeout", c.PollTimeout, DefaultPollTimeout)
	if err != nil {
		return DefaultPollTimeout
	}
	return d
}

func (c TelegramConfig) RateOrDefault() int {
	if c.RatePerSec > 0 {
		return c.RatePerSec
	}
	return DefaultRatePerSec
}

func (c WebPushConfig) TTLOrDefault() int {
	if c.TTLSeconds > 0 {
		return c.TTLSeconds
	}
	return DefaultPushTTL
}

func (c DispatchConfig) TypeOrDefault() string {
	if t := strings.TrimSpace(c.DefaultType); t != "" {
		return t
	}
	return "generic"
}

func (c JanitorConfig) ScheduleOrDefault() string {
	if s := strings.TrimSpace(c.Schedule); s != "" {
		return s
	}
	return DefaultSchedule
}

func (c JanitorConfig) RetentionOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("janitor.log_retention", c.LogRetention, DefaultLogRetention)
	if err != nil {
		return DefaultLogRetention
	}
	return d
}

func (c JanitorConfig) StaleThresholdOrDefault() int {
	if c.StaleThreshold > 0 {
		return c.StaleThreshold
	}
	if c.StaleThreshold < 0 {
		return 0 // disabled
	}
	return DefaultStaleLimit
}
