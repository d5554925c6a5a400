// Package telegram is the outbound Telegram delivery channel. Inbound bot
// traffic lives in internal/bot; this package only pushes notifications out.
package telegram

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "pushbridge/internal/transport"
	logx "pushbridge/pkg/logx"
)

// sendTimeout bounds one delivery attempt, including the limiter wait.
const sendTimeout = 10 * time.Second

// Channel wraps the transport adapter with the channel contract: boolean
// results, never panics, never blocks longer than sendTimeout. A global rate
// limiter keeps fan-out bursts inside Telegram's flood limits.
type Channel struct {
	adapter kit.Adapter
	log     logx.Logger

	// enabled reflects global availability (admin switch + token present).
	// Read per send so config reloads take effect immediately.
	enabled func() bool

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(adapter kit.Adapter, enabled func() bool, ratePerSec int, log logx.Logger) *Channel {
	if ratePerSec <= 0 {
		ratePerSec = 25
	}
	if enabled == nil {
		enabled = func() bool { return true }
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{
		adapter: adapter,
		enabled: enabled,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:     log,
	}
}

// SetRate swaps the outbound rate limit at runtime.
func (c *Channel) SetRate(perSec int) {
	if perSec <= 0 {
		return
	}
	c.mu.Lock()
	c.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	c.mu.Unlock()
}

// Available reports whether the channel can deliver at all right now.
func (c *Channel) Available() bool {
	return c.adapter != nil && c.enabled()
}

// Send delivers a Markdown message to a chat. It reports success as a plain
// bool: any failure (disabled channel, rate-limit starvation, API error) is
// logged here and reported as false. Callers never see an error.
func (c *Channel) Send(ctx context.Context, chatID int64, text string) bool {
	if chatID == 0 {
		return false
	}
	if !c.Available() {
		c.log.Debug("send skipped, channel unavailable", logx.Int64("chat_id", chatID))
		return false
	}

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	c.mu.Lock()
	lim := c.limiter
	c.mu.Unlock()
	if err := lim.Wait(sctx); err != nil {
		c.log.Warn("send aborted waiting for rate limiter", logx.Int64("chat_id", chatID), logx.Err(err))
		return false
	}

	_, err := c.adapter.SendText(sctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{
		ParseMode:      "Markdown",
		DisablePreview: true,
	})
	if err != nil {
		c.log.Warn("telegram send failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return false
	}
	return true
}
