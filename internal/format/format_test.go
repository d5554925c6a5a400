package format

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func fixedClock() time.Time { return time.UnixMilli(1700000000000) }

func TestFormatShortBody(t *testing.T) {
	f := Formatter{Now: fixedClock}
	msg := f.Format("Meeting moved", "Now at 15:00.", Context{})

	if msg.Chat != "*Meeting moved*\n\nNow at 15:00." {
		t.Fatalf("unexpected chat message: %q", msg.Chat)
	}
	if msg.Push.Title != "Meeting moved" || msg.Push.Body != "Now at 15:00." {
		t.Fatalf("unexpected push payload: %+v", msg.Push)
	}
	if msg.Push.Timestamp != 1700000000000 {
		t.Fatalf("unexpected timestamp: %d", msg.Push.Timestamp)
	}
	if msg.Push.Data.URL != "" {
		t.Fatalf("no URL expected: %+v", msg.Push.Data)
	}
}

func TestFormatTruncatesAt500Runes(t *testing.T) {
	body := strings.Repeat("x", 1000)
	msg := Formatter{Now: fixedClock}.Format("s", body, Context{})

	if got := utf8.RuneCountInString(msg.Preview); got != 503 {
		t.Fatalf("expected 503 runes (500 + ellipsis), got %d", got)
	}
	if !strings.HasSuffix(msg.Preview, "...") {
		t.Fatalf("expected ellipsis suffix: %q", msg.Preview[len(msg.Preview)-10:])
	}
	if msg.Push.Body != msg.Preview {
		t.Fatalf("push body should match preview")
	}
}

func TestFormatTruncationIsRuneSafe(t *testing.T) {
	body := strings.Repeat("é", 600) // 2 bytes per rune
	msg := Formatter{Now: fixedClock}.Format("s", body, Context{})

	want := strings.Repeat("é", 500) + "..."
	if msg.Preview != want {
		t.Fatalf("multibyte truncation broke a rune boundary")
	}
}

func TestFormatExactly500RunesUntouched(t *testing.T) {
	body := strings.Repeat("x", 500)
	msg := Formatter{Now: fixedClock}.Format("s", body, Context{})
	if msg.Preview != body {
		t.Fatalf("500-rune body should pass through unchanged")
	}
}

func TestFormatEmbedsEventURL(t *testing.T) {
	msg := Formatter{Now: fixedClock}.Format("Subject", "Body", Context{
		EventID: "42",
		URL:     "https://events.example/e/42",
	})

	if !strings.HasSuffix(msg.Chat, "[\U0001F4C5 Open event](https://events.example/e/42)") {
		t.Fatalf("chat message missing event link: %q", msg.Chat)
	}
	if msg.Push.Data.URL != "https://events.example/e/42" {
		t.Fatalf("push payload missing url: %+v", msg.Push.Data)
	}
}

func TestFormatIsDeterministic(t *testing.T) {
	f := Formatter{Now: fixedClock}
	a := f.Format("s", "b", Context{URL: "https://x"})
	b := f.Format("s", "b", Context{URL: "https://x"})
	if a != b {
		t.Fatalf("same inputs should produce the same message")
	}
}
