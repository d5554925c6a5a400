package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"pushbridge/internal/channel/webpush"
	"pushbridge/internal/dispatch"
	"pushbridge/internal/format"
	"pushbridge/internal/janitor"
	"pushbridge/internal/notif"
	"pushbridge/internal/prefs"
	"pushbridge/internal/store"
	logx "pushbridge/pkg/logx"
)

// Handlers carries the wired components. Availability, BotUsername and
// Runtime are closures over live config/state so reloads show up without a
// restart.
type Handlers struct {
	Store        *store.Store
	Engine       *dispatch.Engine
	Push         *webpush.Channel
	Janitor      *janitor.Janitor
	Availability func() prefs.Availability
	BotUsername  func() string
	Runtime      func() any
	Log          logx.Logger
}

// Reserved preference keys for the per-channel master switches. They pause a
// channel without discarding the chat binding or the stored subscriptions.
const (
	keyTelegramEnabled = "telegram_enabled"
	keyPushEnabled     = "push_enabled"
)

func userID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

// GetPreferences returns the effective per-type map, the raw overrides so
// clients can render "default" vs "user-set" states, and the channel master
// switches.
func (h *Handlers) GetPreferences(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	user, err := h.Store.UserByID(c.Request.Context(), id)
	if err != nil {
		h.notFoundOr500(c, err, "user not found")
		return
	}

	tgEnabled := false
	link, err := h.Store.LinkByUser(c.Request.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// never linked
	case err != nil:
		h.internal(c, err)
		return
	default:
		tgEnabled = link.Linked() && link.Enabled
	}

	overrides, err := h.Store.PrefOverrides(c.Request.Context(), id)
	if err != nil {
		h.internal(c, err)
		return
	}
	effective := make(map[string]bool)
	for _, name := range notif.Types() {
		v := notif.DefaultEnabled(name)
		if o, ok := overrides[name]; ok {
			v = o
		}
		effective[name] = v
	}
	c.JSON(http.StatusOK, gin.H{
		"preferences": effective,
		"overrides":   overrides,
		"channels": gin.H{
			keyTelegramEnabled: tgEnabled,
			keyPushEnabled:     user.PushEnabled,
		},
	})
}

// PutPreferences stores per-type toggles and the channel master switches.
// Unknown keys are rejected before anything is written; flipping
// telegram_enabled requires a linked chat.
func (h *Handlers) PutPreferences(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var body map[string]bool
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no preferences given"})
		return
	}

	types := make(map[string]bool, len(body))
	var tgSwitch, pushSwitch *bool
	var unknown []string
	for name, v := range body {
		switch {
		case name == keyTelegramEnabled:
			tgSwitch = &v
		case name == keyPushEnabled:
			pushSwitch = &v
		case notif.Known(name):
			types[name] = v
		default:
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown preference keys", "keys": unknown})
		return
	}

	if _, err := h.Store.UserByID(c.Request.Context(), id); err != nil {
		h.notFoundOr500(c, err, "user not found")
		return
	}
	if tgSwitch != nil {
		if err := h.Store.SetTelegramEnabled(c.Request.Context(), id, *tgSwitch); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusConflict, gin.H{"error": "telegram is not linked"})
				return
			}
			h.internal(c, err)
			return
		}
	}
	if pushSwitch != nil {
		if err := h.Store.SetPushEnabled(c.Request.Context(), id, *pushSwitch); err != nil {
			h.internal(c, err)
			return
		}
	}
	if len(types) > 0 {
		if err := h.Store.SetPrefs(c.Request.Context(), id, types); err != nil {
			h.internal(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(body)})
}

// RequestTelegramLink issues a fresh one-time token and returns the t.me
// deep link the user opens to finish linking in the bot chat.
func (h *Handlers) RequestTelegramLink(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	token, expires, err := h.Store.IssueLinkToken(c.Request.Context(), id)
	if err != nil {
		h.notFoundOr500(c, err, "user not found")
		return
	}

	bot := h.BotUsername()
	if bot == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "telegram is not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deep_link":  "https://t.me/" + bot + "?start=" + token,
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

func (h *Handlers) UnlinkTelegram(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	if err := h.Store.UnlinkTelegram(c.Request.Context(), id); err != nil {
		h.notFoundOr500(c, err, "user not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unlinked": true})
}

type verifyRequest struct {
	Token    string `json:"token" binding:"required"`
	ChatID   int64  `json:"chat_id" binding:"required"`
	Username string `json:"username"`
}

// VerifyTelegramLink consumes a link token on behalf of the bot process.
// Invalid and expired tokens report linked=false, not an error status.
func (h *Handlers) VerifyTelegramLink(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	uid, linked, err := h.Store.ConsumeLinkToken(c.Request.Context(), req.Token, req.ChatID, req.Username)
	if err != nil {
		h.internal(c, err)
		return
	}
	resp := gin.H{"linked": linked}
	if linked {
		resp["user_id"] = uid
	}
	c.JSON(http.StatusOK, resp)
}

type subscriptionOut struct {
	Endpoint   string `json:"endpoint"`
	Browser    string `json:"browser,omitempty"`
	Platform   string `json:"platform,omitempty"`
	StaleCount int    `json:"stale_count"`
	CreatedAt  string `json:"created_at"`
	LastUsed   string `json:"last_used,omitempty"`
}

func subOut(s store.PushSubscription) subscriptionOut {
	out := subscriptionOut{
		Endpoint:   s.Endpoint,
		Browser:    s.Browser,
		Platform:   s.Platform,
		StaleCount: s.StaleCount,
		CreatedAt:  s.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !s.LastUsed.IsZero() {
		out.LastUsed = s.LastUsed.UTC().Format(time.RFC3339)
	}
	return out
}

func (h *Handlers) ListSubscriptions(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	if _, err := h.Store.UserByID(c.Request.Context(), id); err != nil {
		h.notFoundOr500(c, err, "user not found")
		return
	}
	subs, err := h.Store.SubscriptionsByUser(c.Request.Context(), id)
	if err != nil {
		h.internal(c, err)
		return
	}
	out := make([]subscriptionOut, 0, len(subs))
	for _, s := range subs {
		out = append(out, subOut(s))
	}
	c.JSON(http.StatusOK, gin.H{
		"subscriptions":    out,
		"vapid_public_key": h.Push.PublicKey(),
	})
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		Auth   string `json:"auth" binding:"required"`
		P256DH string `json:"p256dh" binding:"required"`
	} `json:"keys" binding:"required"`
	Browser   string `json:"browser"`
	Platform  string `json:"platform"`
	UserAgent string `json:"user_agent"`
}

// SaveSubscription validates and upserts one browser subscription. Saving
// any subscription re-enables the user's push channel.
func (h *Handlers) SaveSubscription(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if !webpush.ValidateSubscription(req.Endpoint, req.Keys.Auth, req.Keys.P256DH) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription", "fields": []string{"endpoint", "keys.auth", "keys.p256dh"}})
		return
	}
	if _, err := h.Store.UserByID(c.Request.Context(), id); err != nil {
		h.notFoundOr500(c, err, "user not found")
		return
	}

	saved, err := h.Store.SaveSubscription(c.Request.Context(), store.PushSubscription{
		UserID:    id,
		Endpoint:  req.Endpoint,
		Auth:      req.Keys.Auth,
		P256DH:    req.Keys.P256DH,
		Browser:   req.Browser,
		Platform:  req.Platform,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": subOut(saved)})
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription removes one endpoint. Deleting the last one disables
// the user's push channel.
func (h *Handlers) DeleteSubscription(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := h.Store.DeleteSubscription(c.Request.Context(), id, req.Endpoint); err != nil {
		h.notFoundOr500(c, err, "subscription not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type testRequest struct {
	Channel string `json:"channel"`
}

// SendTest delivers a canned notification so users can verify their setup.
func (h *Handlers) SendTest(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var req testRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}
	if req.Channel != "" && req.Channel != string(prefs.ChannelTelegram) && req.Channel != string(prefs.ChannelPush) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel", "channel": req.Channel})
		return
	}

	res, err := h.Engine.TestSend(c.Request.Context(), id, req.Channel)
	if err != nil {
		h.notFoundOr500(c, err, "user not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"attempted": res.Channels,
		"success":   res.Success,
		"skipped":   res.Skipped,
	})
}

type outgoingEmailRequest struct {
	To      []string `json:"to" binding:"required"`
	Subject string   `json:"subject" binding:"required"`
	Body    string   `json:"body"`
	Context struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
		URL     string `json:"url"`
	} `json:"context"`
}

// OutgoingEmail is the intake hook: the host posts every outgoing email
// notification here and pushbridge fans it out. Always 202; delivery
// outcomes live in the report and the audit log.
func (h *Handlers) OutgoingEmail(c *gin.Context) {
	var req outgoingEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	rep := h.Engine.Dispatch(c.Request.Context(), dispatch.Outbound{
		Recipients: req.To,
		Subject:    req.Subject,
		Body:       req.Body,
		Context: format.Context{
			Type:    req.Context.Type,
			EventID: req.Context.EventID,
			URL:     req.Context.URL,
		},
	})
	c.JSON(http.StatusAccepted, gin.H{
		"dispatch_id": rep.ID,
		"matched":     rep.Matched,
		"delivered":   rep.Delivered,
		"failed":      rep.Failed,
		"skipped":     rep.Skipped,
	})
}

func (h *Handlers) notFoundOr500(c *gin.Context, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": msg})
		return
	}
	h.internal(c, err)
}

func (h *Handlers) internal(c *gin.Context, err error) {
	h.Log.Error("request failed",
		logx.String("path", c.FullPath()),
		logx.Err(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
