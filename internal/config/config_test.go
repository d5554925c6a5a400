package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseYAMLStrict(t *testing.T) {
	p := writeFile(t, "config.yaml", `
server:
  addr: "127.0.0.1:9000"
  api_key: "secret"
telegram:
  enabled: true
  token: "123:abc"
  bot_username: "bridge_bot"
webpush:
  enabled: false
logging:
  level: "debug"
  console: true
  file:
    enabled: false
    path: ""
storage:
  path: "./test.db"
`)
	m := NewConfigManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr: %q", cfg.Server.Addr)
	}
	if !cfg.Telegram.Enabled || cfg.Telegram.BotUsername != "bridge_bot" {
		t.Fatalf("unexpected telegram config: %+v", cfg.Telegram)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get() should return committed config")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	p := writeFile(t, "config.yaml", `
server:
  api_key: "secret"
  bogus_key: true
storage:
  path: "./test.db"
`)
	m := NewConfigManager(p)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:  ServerConfig{APIKey: "k"},
			Storage: StorageConfig{Path: "./db"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"minimal ok", func(c *Config) {}, ""},
		{"missing api key", func(c *Config) { c.Server.APIKey = " " }, "server.api_key"},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }, "telegram.token"},
		{"telegram without username", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.Token = "t"
		}, "telegram.bot_username"},
		{"webpush without keys", func(c *Config) { c.WebPush.Enabled = true }, "webpush"},
		{"webpush ephemeral escape", func(c *Config) {
			c.WebPush.Enabled = true
			c.WebPush.AllowEphemeralKeys = true
		}, ""},
		{"webpush with keys", func(c *Config) {
			c.WebPush.Enabled = true
			c.WebPush.VAPIDPublicKey = "pub"
			c.WebPush.VAPIDPrivateKey = "priv"
		}, ""},
		{"bad duration", func(c *Config) { c.Janitor.LogRetention = "ninety days" }, "janitor.log_retention"},
		{"bad timezone", func(c *Config) {
			c.Janitor.Enabled = true
			c.Janitor.Timezone = "Mars/Olympus"
		}, "janitor.timezone"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	var c Config
	if got := c.Server.ListenAddr(); got != DefaultAddr {
		t.Fatalf("addr default: %q", got)
	}
	if got := c.Telegram.PollTimeoutOrDefault(); got != DefaultPollTimeout {
		t.Fatalf("poll timeout default: %v", got)
	}
	if got := c.Janitor.RetentionOrDefault(); got != DefaultLogRetention {
		t.Fatalf("retention default: %v", got)
	}
	if got := c.Janitor.StaleThresholdOrDefault(); got != DefaultStaleLimit {
		t.Fatalf("stale threshold default: %d", got)
	}
	c.Janitor.StaleThreshold = -1
	if got := c.Janitor.StaleThresholdOrDefault(); got != 0 {
		t.Fatalf("negative threshold should disable pruning, got %d", got)
	}
	if got := c.Dispatch.TypeOrDefault(); got != "generic" {
		t.Fatalf("default type: %q", got)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Server: ServerConfig{APIKey: "k"}, Storage: StorageConfig{Path: "a.db"}}
	newCfg := &Config{
		Server:  ServerConfig{APIKey: "k"},
		Storage: StorageConfig{Path: "a.db"},
		Logging: LoggingConfig{Level: "debug"},
		Janitor: JanitorConfig{Enabled: true},
	}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"janitor", "logging"}
	if len(changed) != len(want) {
		t.Fatalf("changed sections: %v", changed)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed sections: %v, want %v", changed, want)
		}
	}
}
