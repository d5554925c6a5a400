package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "pushbridge/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// Store is the persistence layer. All tables live in one sqlite file;
// a single write connection keeps sqlite happy under concurrency.
type Store struct {
	db  *sql.DB
	log logx.Logger

	// now is swapped in tests to control token expiry and retention windows.
	now func() time.Time
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{db: db, log: log, now: time.Now}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Stats is a point-in-time readout for the status endpoint.
type Stats struct {
	Users              int64 `json:"users"`
	TelegramLinked     int64 `json:"telegram_linked"`
	PushSubscriptions  int64 `json:"push_subscriptions"`
	DeliveryLogRows    int64 `json:"delivery_log_rows"`
	PendingLinkTokens  int64 `json:"pending_link_tokens"`
	StaleSubscriptions int64 `json:"stale_subscriptions"`
	DeliveriesLastWeek int64 `json:"deliveries_last_week"`
	FailuresLastWeek   int64 `json:"failures_last_week"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	weekAgo := s.now().Add(-7 * 24 * time.Hour).UnixMilli()
	rows := []struct {
		q    string
		args []any
		dst  *int64
	}{
		{"SELECT COUNT(*) FROM users", nil, &st.Users},
		{"SELECT COUNT(*) FROM telegram_links WHERE chat_id IS NOT NULL", nil, &st.TelegramLinked},
		{"SELECT COUNT(*) FROM push_subscriptions WHERE enabled = 1", nil, &st.PushSubscriptions},
		{"SELECT COUNT(*) FROM delivery_log", nil, &st.DeliveryLogRows},
		{"SELECT COUNT(*) FROM telegram_links WHERE link_token IS NOT NULL", nil, &st.PendingLinkTokens},
		{"SELECT COUNT(*) FROM push_subscriptions WHERE stale_count > 0", nil, &st.StaleSubscriptions},
		{"SELECT COUNT(*) FROM delivery_log WHERE created_at >= ?", []any{weekAgo}, &st.DeliveriesLastWeek},
		{"SELECT COUNT(*) FROM delivery_log WHERE created_at >= ? AND success = 0", []any{weekAgo}, &st.FailuresLastWeek},
	}
	for _, r := range rows {
		if err := s.db.QueryRowContext(ctx, r.q, r.args...).Scan(r.dst); err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}

// ---- small scan helpers ----

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func milliTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
