package webpush

import (
	"testing"

	logx "pushbridge/pkg/logx"
)

func TestValidateSubscription(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		auth     string
		p256dh   string
		want     bool
	}{
		{"valid https", "https://push.example/send/abc", "YXV0aHRva2Vu", "cDI1NmRoa2V5", true},
		{"valid with padding", "https://push.example/send/abc", "YXV0aA==", "a2V5cw==", true},
		{"relative endpoint", "/send/abc", "YXV0aA", "a2V5", false},
		{"missing host", "https://", "YXV0aA", "a2V5", false},
		{"ftp scheme", "ftp://push.example/abc", "YXV0aA", "a2V5", false},
		{"empty auth", "https://push.example/abc", "", "a2V5", false},
		{"empty p256dh", "https://push.example/abc", "YXV0aA", "", false},
		{"non-base64 auth", "https://push.example/abc", "not!!valid", "a2V5", false},
		{"garbage endpoint", "::://", "YXV0aA", "a2V5", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidateSubscription(tc.endpoint, tc.auth, tc.p256dh); got != tc.want {
				t.Fatalf("ValidateSubscription(%q) = %v, want %v", tc.endpoint, got, tc.want)
			}
		})
	}
}

func TestChannelUnavailableWithoutKeys(t *testing.T) {
	ch := New(Keys{}, "mailto:ops@example.com", 0, nil, logx.Nop())
	if ch.Available() {
		t.Fatalf("channel without keys should be unavailable")
	}
}

func TestChannelDisabledByFlag(t *testing.T) {
	keys, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	enabled := false
	ch := New(keys, "mailto:ops@example.com", 60, func() bool { return enabled }, logx.Nop())
	if ch.Available() {
		t.Fatalf("flagged-off channel should be unavailable")
	}
	enabled = true
	if !ch.Available() {
		t.Fatalf("channel should become available when the flag flips")
	}
}

func TestApplySwapsKeys(t *testing.T) {
	first, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	second, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}

	ch := New(first, "mailto:ops@example.com", 60, nil, logx.Nop())
	ch.Apply(second, "", 0)
	if ch.PublicKey() != second.Public {
		t.Fatalf("Apply should swap the key pair")
	}
	// Partial pairs are ignored.
	ch.Apply(Keys{Public: "only-public"}, "", 0)
	if ch.PublicKey() != second.Public {
		t.Fatalf("Apply with a partial pair should be a no-op")
	}
}
