// Package format renders one notification into per-channel shapes.
// Everything here is pure; the same inputs always produce the same outputs
// (timestamps come from the caller-supplied clock).
package format

import "time"

// maxBodyRunes bounds the preview body. Longer bodies are cut at the rune
// boundary and marked with an ellipsis.
const maxBodyRunes = 500

const (
	defaultIcon  = "/static/pushbridge/icon.png"
	defaultBadge = "/static/pushbridge/badge.png"
)

// Context carries optional event metadata extracted at intake.
type Context struct {
	Type    string
	EventID string
	URL     string
}

// PushPayload is the JSON document handed to the service worker.
type PushPayload struct {
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Icon      string   `json:"icon"`
	Badge     string   `json:"badge"`
	Timestamp int64    `json:"timestamp"` // unix millis
	Data      PushData `json:"data,omitempty"`
}

type PushData struct {
	URL string `json:"url,omitempty"`
}

// Message is one notification rendered for every channel.
type Message struct {
	// Chat is Markdown: bold subject, blank line, preview body, and an
	// optional trailing event link.
	Chat string
	Push PushPayload
	// Preview is the truncated body as stored in the delivery log.
	Preview string
}

// Formatter renders messages. The zero value uses built-in icon paths.
type Formatter struct {
	Icon  string
	Badge string
	Now   func() time.Time
}

func (f Formatter) Format(subject, body string, ctx Context) Message {
	preview := Truncate(body, maxBodyRunes)

	chat := "*" + subject + "*\n\n" + preview
	if ctx.URL != "" {
		chat += "\n\n[\U0001F4C5 Open event](" + ctx.URL + ")"
	}

	icon := f.Icon
	if icon == "" {
		icon = defaultIcon
	}
	badge := f.Badge
	if badge == "" {
		badge = defaultBadge
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}

	return Message{
		Chat:    chat,
		Preview: preview,
		Push: PushPayload{
			Title:     subject,
			Body:      preview,
			Icon:      icon,
			Badge:     badge,
			Timestamp: now().UnixMilli(),
			Data:      PushData{URL: ctx.URL},
		},
	}
}

// Truncate cuts s at n runes, appending "..." when anything was dropped.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
