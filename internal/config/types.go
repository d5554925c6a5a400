package config

type Config struct {
	Server   ServerConfig   `json:"server"`
	Telegram TelegramConfig `json:"telegram"`
	WebPush  WebPushConfig  `json:"webpush"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	Janitor  JanitorConfig  `json:"janitor,omitempty"`
}

// ServerConfig controls the HTTP API.
//
// APIKey guards every /api/v1 route; requests must send it in X-API-Key.
type ServerConfig struct {
	Addr   string `json:"addr"` // default: "127.0.0.1:8090"
	APIKey string `json:"api_key"`

	// Server timeouts (Go duration strings). Zero keeps Go defaults.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`

	// BotUsername is used to build t.me deep links for account linking.
	BotUsername string `json:"bot_username"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// RatePerSec caps outbound sends across all chats. Default 25.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// WebPushConfig holds the VAPID identity used to sign push requests.
//
// When Enabled, both keys are required at load time. AllowEphemeralKeys is a
// development escape hatch: a throwaway pair is generated at startup, which
// silently invalidates every previously stored subscription on restart.
type WebPushConfig struct {
	Enabled            bool   `json:"enabled"`
	VAPIDPublicKey     string `json:"vapid_public_key,omitempty"`
	VAPIDPrivateKey    string `json:"vapid_private_key,omitempty"`
	Subscriber         string `json:"subscriber,omitempty"` // mailto: or https: contact
	TTLSeconds         int    `json:"ttl_seconds,omitempty"`
	AllowEphemeralKeys bool   `json:"allow_ephemeral_keys,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite persistence layer.
//
// Example:
//
//	"storage": { "path": "./pushbridge.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// DispatchConfig tunes the fan-out engine.
type DispatchConfig struct {
	// LogSkipped records a delivery_log row even when a recipient resolves to
	// zero channels. Default false: skipped recipients leave no trace.
	LogSkipped bool `json:"log_skipped,omitempty"`

	// DefaultType is used when an intake request carries no type tag.
	// Default "generic".
	DefaultType string `json:"default_type,omitempty"`
}

// JanitorConfig controls scheduled maintenance.
type JanitorConfig struct {
	Enabled bool `json:"enabled"`

	// Schedule is a cron expression. Default "0 3 * * *" (daily, 03:00).
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// LogRetention is a Go duration string; delivery_log rows older than this
	// are purged. Default "2160h" (90 days).
	LogRetention string `json:"log_retention,omitempty"`

	// StaleThreshold prunes push subscriptions whose endpoint reported gone
	// at least this many times. Default 3. Zero keeps the default; negative
	// disables pruning.
	StaleThreshold int `json:"stale_threshold,omitempty"`
}
