// Package webpush is the Web Push delivery channel. Requests are VAPID-signed
// with the configured key pair; endpoint liveness is reported back to the
// caller, which owns the pruning decision.
package webpush

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	wp "github.com/SherClockHolmes/webpush-go"

	"pushbridge/internal/format"
	"pushbridge/internal/store"
	logx "pushbridge/pkg/logx"
)

// SendResult reports one push attempt. OK and the failure flags are mutually
// exclusive; Gone means the push service says the endpoint no longer exists.
type SendResult struct {
	OK          bool
	Gone        bool
	RateLimited bool
}

// Keys is a VAPID key pair in URL-safe base64, as handed to browsers.
type Keys struct {
	Public  string
	Private string
}

// GenerateKeys creates a throwaway VAPID pair. Only for development: every
// subscription stored under the previous pair dies with it.
func GenerateKeys() (Keys, error) {
	priv, pub, err := wp.GenerateVAPIDKeys()
	if err != nil {
		return Keys{}, err
	}
	return Keys{Public: pub, Private: priv}, nil
}

type Channel struct {
	log logx.Logger

	// enabled reflects global availability, read per send.
	enabled func() bool

	mu         sync.Mutex
	keys       Keys
	subscriber string
	ttl        int
}

func New(keys Keys, subscriber string, ttl int, enabled func() bool, log logx.Logger) *Channel {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if ttl <= 0 {
		ttl = 43200
	}
	return &Channel{keys: keys, subscriber: subscriber, ttl: ttl, enabled: enabled, log: log}
}

// Apply swaps VAPID settings at runtime (config reload).
func (c *Channel) Apply(keys Keys, subscriber string, ttl int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if keys.Public != "" && keys.Private != "" {
		c.keys = keys
	}
	if subscriber != "" {
		c.subscriber = subscriber
	}
	if ttl > 0 {
		c.ttl = ttl
	}
}

// PublicKey returns the applicationServerKey browsers subscribe with.
func (c *Channel) PublicKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys.Public
}

// Available reports whether the channel can deliver at all right now.
func (c *Channel) Available() bool {
	c.mu.Lock()
	keysSet := c.keys.Public != "" && c.keys.Private != ""
	c.mu.Unlock()
	return keysSet && c.enabled()
}

// Send pushes one payload to one endpoint. Failures are logged here; the
// result only carries what the dispatcher needs to act on (stale marking).
func (c *Channel) Send(ctx context.Context, sub store.PushSubscription, payload format.PushPayload) SendResult {
	if !c.Available() {
		c.log.Debug("push skipped, channel unavailable", logx.Int64("sub_id", sub.ID))
		return SendResult{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("push payload marshal failed", logx.Err(err))
		return SendResult{}
	}

	c.mu.Lock()
	opts := &wp.Options{
		Subscriber:      c.subscriber,
		VAPIDPublicKey:  c.keys.Public,
		VAPIDPrivateKey: c.keys.Private,
		TTL:             c.ttl,
	}
	c.mu.Unlock()

	resp, err := wp.SendNotificationWithContext(ctx, body, &wp.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     wp.Keys{P256dh: sub.P256DH, Auth: sub.Auth},
	}, opts)
	if err != nil {
		c.log.Warn("push send failed", logx.Int64("sub_id", sub.ID), logx.Err(err))
		return SendResult{}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		c.log.Info("push endpoint gone", logx.Int64("sub_id", sub.ID), logx.Int("status", resp.StatusCode))
		return SendResult{Gone: true}
	case resp.StatusCode == http.StatusTooManyRequests:
		c.log.Warn("push endpoint rate limited", logx.Int64("sub_id", sub.ID))
		return SendResult{RateLimited: true}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return SendResult{OK: true}
	default:
		c.log.Warn("push send rejected", logx.Int64("sub_id", sub.ID), logx.Int("status", resp.StatusCode))
		return SendResult{}
	}
}

// ValidateSubscription checks the shape of a browser subscription before it
// is stored: absolute https/http endpoint and decodable URL-safe base64 keys.
func ValidateSubscription(endpoint, auth, p256dh string) bool {
	u, err := url.Parse(endpoint)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return false
	}
	return decodableKey(auth) && decodableKey(p256dh)
}

// decodableKey accepts URL-safe base64 with or without padding.
func decodableKey(k string) bool {
	k = strings.TrimSpace(k)
	if k == "" {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(k, "="))
	return err == nil
}
