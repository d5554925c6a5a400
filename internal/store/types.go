package store

import "time"

// User mirrors the host application's user directory.
type User struct {
	ID             int64
	Name           string
	PushEnabled    bool
	LastNotifiedAt time.Time
	Emails         []string
}

// TelegramLink is one user's Telegram binding. ChatID == 0 means unlinked;
// a row may still exist to hold a pending link token.
type TelegramLink struct {
	UserID       int64
	ChatID       int64
	Username     string
	LinkToken    string
	TokenExpires time.Time
	Enabled      bool
	LastUsed     time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (l TelegramLink) Linked() bool { return l.ChatID != 0 }

// PushSubscription is one browser endpoint of a user.
type PushSubscription struct {
	ID         int64
	UserID     int64
	Endpoint   string
	Auth       string
	P256DH     string
	Browser    string
	Platform   string
	UserAgent  string
	Enabled    bool
	StaleCount int
	LastUsed   time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DeliveryEntry is one append-only delivery_log row. Channels holds the
// channel names actually attempted; Success is the OR across them.
type DeliveryEntry struct {
	ID        int64
	UserID    int64
	Type      string
	Channels  []string
	EventID   string
	Subject   string
	Message   string
	Success   bool
	Error     string
	ExtraJSON string
	CreatedAt time.Time
}
