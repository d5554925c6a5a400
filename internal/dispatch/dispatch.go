// Package dispatch fans one outbound notification out to every matched
// recipient over their resolved channels and records the outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"pushbridge/internal/channel/telegram"
	"pushbridge/internal/channel/webpush"
	"pushbridge/internal/format"
	"pushbridge/internal/prefs"
	"pushbridge/internal/store"
	logx "pushbridge/pkg/logx"
)

// Outbound is one intercepted notification, as handed over by the intake
// hook: plain addresses plus the already-extracted event context.
type Outbound struct {
	Recipients []string
	Subject    string
	Body       string
	Context    format.Context
}

// Config tunes engine behavior. DefaultType is used when the context does
// not carry a type; LogSkipped controls whether fully-suppressed recipients
// still produce an audit row.
type Config struct {
	DefaultType string
	LogSkipped  bool
}

// ChannelOutcome is one channel's sub-result for one recipient.
type ChannelOutcome struct {
	Attempted bool   `json:"attempted"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
}

// RecipientResult is the aggregated outcome for one matched recipient.
type RecipientResult struct {
	UserID   int64
	Type     string
	Channels []string
	Success  bool
	Skipped  bool
	Telegram ChannelOutcome
	Push     ChannelOutcome
}

// Report summarizes one Dispatch call. ID correlates the audit rows written
// for this call.
type Report struct {
	ID        string
	Matched   int
	Delivered int
	Failed    int
	Skipped   int
	Results   []RecipientResult
}

type Engine struct {
	store    *store.Store
	resolver *prefs.Resolver
	fmt      format.Formatter
	tg       *telegram.Channel
	push     *webpush.Channel
	cfg      Config
	log      logx.Logger
}

func New(st *store.Store, resolver *prefs.Resolver, f format.Formatter, tg *telegram.Channel, push *webpush.Channel, cfg Config, log logx.Logger) *Engine {
	if cfg.DefaultType == "" {
		cfg.DefaultType = "generic"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: st, resolver: resolver, fmt: f, tg: tg, push: push, cfg: cfg, log: log}
}

// Dispatch delivers one notification. It never returns an error and never
// panics: every failure ends in the report and the audit log, so the caller
// (the intake hook) can always proceed.
func (e *Engine) Dispatch(ctx context.Context, ob Outbound) Report {
	rep := Report{ID: uuid.NewString()}
	log := e.log.With(logx.String("dispatch_id", rep.ID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	notifType := strings.TrimSpace(ob.Context.Type)
	if notifType == "" {
		notifType = e.cfg.DefaultType
	}

	// Several intake addresses can mirror the same account; each matched
	// user is delivered to once.
	seen := make(map[int64]bool, len(ob.Recipients))
	for _, addr := range ob.Recipients {
		user, err := e.store.UserByEmail(ctx, addr)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Error("recipient lookup failed", logx.String("email", addr), logx.Err(err))
			continue
		}
		if seen[user.ID] {
			continue
		}
		seen[user.ID] = true
		rep.Matched++

		res := e.deliverOne(ctx, log, user, notifType, ob, "")
		rep.Results = append(rep.Results, res)
		switch {
		case res.Skipped:
			rep.Skipped++
		case res.Success:
			rep.Delivered++
		default:
			rep.Failed++
		}
	}

	log.Info("dispatch finished",
		logx.String("type", notifType),
		logx.Int("matched", rep.Matched),
		logx.Int("delivered", rep.Delivered),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped))
	return rep
}

// TestSend delivers a canned notification to one user so operators can verify
// their channel setup. When only is non-empty, delivery is narrowed to that
// channel name.
func (e *Engine) TestSend(ctx context.Context, userID int64, only string) (RecipientResult, error) {
	user, err := e.store.UserByID(ctx, userID)
	if err != nil {
		return RecipientResult{}, err
	}
	log := e.log.With(logx.String("dispatch_id", uuid.NewString()))
	ob := Outbound{
		Subject: "Test notification",
		Body:    "If you can read this, this channel is working.",
		Context: format.Context{Type: "generic"},
	}
	return e.deliverOne(ctx, log, user, "generic", ob, only), nil
}

// deliverOne handles one matched recipient. only narrows the resolved channel
// set to a single channel name; empty means all.
func (e *Engine) deliverOne(ctx context.Context, log logx.Logger, user store.User, notifType string, ob Outbound, only string) RecipientResult {
	res := RecipientResult{UserID: user.ID, Type: notifType}

	channels, err := e.resolver.Resolve(ctx, user.ID, notifType)
	if err != nil {
		log.Error("resolve failed", logx.Int64("user_id", user.ID), logx.Err(err))
		return res
	}
	if only != "" {
		kept := channels[:0]
		for _, ch := range channels {
			if string(ch) == only {
				kept = append(kept, ch)
			}
		}
		channels = kept
	}
	if len(channels) == 0 {
		res.Skipped = true
		if e.cfg.LogSkipped {
			e.appendLog(ctx, log, res, ob, "no eligible channels")
		}
		return res
	}

	// One render per recipient, shared by both channels.
	msg := e.fmt.Format(ob.Subject, ob.Body, ob.Context)

	for _, ch := range channels {
		switch ch {
		case prefs.ChannelTelegram:
			res.Channels = append(res.Channels, string(ch))
			res.Telegram = e.sendTelegram(ctx, log, user.ID, msg)
		case prefs.ChannelPush:
			res.Channels = append(res.Channels, string(ch))
			res.Push = e.sendPush(ctx, log, user.ID, msg)
		}
	}
	res.Success = res.Telegram.OK || res.Push.OK

	e.appendLog(ctx, log, res, ob, "")

	if res.Success {
		if err := e.store.TouchLastNotified(ctx, user.ID); err != nil {
			log.Warn("last-notified update failed", logx.Int64("user_id", user.ID), logx.Err(err))
		}
	}
	return res
}

// sendTelegram attempts chat delivery. Panics in the channel are contained
// here so the sibling channel still runs.
func (e *Engine) sendTelegram(ctx context.Context, log logx.Logger, userID int64, msg format.Message) (out ChannelOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("telegram delivery panicked", logx.Int64("user_id", userID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			out = ChannelOutcome{Attempted: true, Detail: "panic"}
		}
	}()

	link, err := e.store.LinkByUser(ctx, userID)
	if err != nil {
		log.Warn("telegram link lookup failed", logx.Int64("user_id", userID), logx.Err(err))
		return ChannelOutcome{Attempted: true, Detail: "link lookup failed"}
	}

	out = ChannelOutcome{Attempted: true}
	if e.tg.Send(ctx, link.ChatID, msg.Chat) {
		out.OK = true
		if err := e.store.TouchTelegramUse(ctx, userID); err != nil {
			log.Warn("telegram last-used update failed", logx.Int64("user_id", userID), logx.Err(err))
		}
	} else {
		out.Detail = "send failed"
	}
	return out
}

// sendPush fans out to every enabled subscription; one success is enough.
// Endpoints reported gone are marked stale for the janitor to prune.
func (e *Engine) sendPush(ctx context.Context, log logx.Logger, userID int64, msg format.Message) (out ChannelOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("push delivery panicked", logx.Int64("user_id", userID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			out = ChannelOutcome{Attempted: true, Detail: "panic"}
		}
	}()

	subs, err := e.store.SubscriptionsByUser(ctx, userID)
	if err != nil {
		log.Warn("subscription lookup failed", logx.Int64("user_id", userID), logx.Err(err))
		return ChannelOutcome{Attempted: true, Detail: "subscription lookup failed"}
	}

	out = ChannelOutcome{Attempted: true}
	var gone, failed int
	for _, sub := range subs {
		r := e.push.Send(ctx, sub, msg.Push)
		switch {
		case r.OK:
			out.OK = true
			if err := e.store.TouchSubscription(ctx, sub.ID); err != nil {
				log.Warn("subscription touch failed", logx.Int64("sub_id", sub.ID), logx.Err(err))
			}
		case r.Gone:
			gone++
			if err := e.store.MarkSubscriptionStale(ctx, sub.ID); err != nil {
				log.Warn("stale mark failed", logx.Int64("sub_id", sub.ID), logx.Err(err))
			}
		default:
			failed++
		}
	}
	if !out.OK {
		switch {
		case gone > 0 && failed == 0:
			out.Detail = "all endpoints gone"
		default:
			out.Detail = "send failed"
		}
	}
	return out
}

func (e *Engine) appendLog(ctx context.Context, log logx.Logger, res RecipientResult, ob Outbound, errText string) {
	extra, err := json.Marshal(struct {
		Telegram *ChannelOutcome `json:"telegram,omitempty"`
		Push     *ChannelOutcome `json:"push,omitempty"`
	}{
		Telegram: outcomePtr(res.Telegram),
		Push:     outcomePtr(res.Push),
	})
	if err != nil {
		extra = nil
	}

	entry := store.DeliveryEntry{
		UserID:    res.UserID,
		Type:      res.Type,
		Channels:  res.Channels,
		EventID:   ob.Context.EventID,
		Subject:   ob.Subject,
		Message:   format.Truncate(ob.Body, 500),
		Success:   res.Success,
		Error:     errText,
		ExtraJSON: string(extra),
	}
	if !res.Success && errText == "" {
		entry.Error = firstDetail(res)
	}
	if err := e.store.AppendDelivery(ctx, entry); err != nil {
		log.Error("delivery log append failed", logx.Int64("user_id", res.UserID), logx.Err(err))
	}
}

func outcomePtr(o ChannelOutcome) *ChannelOutcome {
	if !o.Attempted {
		return nil
	}
	return &o
}

func firstDetail(res RecipientResult) string {
	if res.Telegram.Attempted && res.Telegram.Detail != "" {
		return "telegram: " + res.Telegram.Detail
	}
	if res.Push.Attempted && res.Push.Detail != "" {
		return "push: " + res.Push.Detail
	}
	return ""
}
