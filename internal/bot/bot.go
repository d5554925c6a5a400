// Package bot handles inbound Telegram conversation: the /start linking
// handshake, account commands, and inline keyboard callbacks. Each update is
// classified independently; there is no cross-message conversation state.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pushbridge/internal/notif"
	"pushbridge/internal/store"
	kit "pushbridge/internal/transport"
	logx "pushbridge/pkg/logx"
	"pushbridge/pkg/tgui"
)

const (
	cbUnlinkConfirm = "unlink_confirm"
	cbUnlinkCancel  = "unlink_cancel"
	cbPrefPrefix    = "pref_toggle_"
)

type Bot struct {
	adapter kit.Adapter
	store   *store.Store
	log     logx.Logger
}

func New(adapter kit.Adapter, st *store.Store, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{adapter: adapter, store: st, log: log}
}

// Commands is the menu registered with Telegram (setMyCommands).
func Commands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "start", Description: "Link your account"},
		{Command: "status", Description: "Show link and channel status"},
		{Command: "preferences", Description: "Toggle notification types"},
		{Command: "unlink", Description: "Unlink this chat"},
		{Command: "help", Description: "List commands"},
	}
}

// Run consumes updates until ctx is cancelled. Intended to run under the
// app supervisor.
func (b *Bot) Run(ctx context.Context, updates <-chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			b.Handle(ctx, up)
		}
	}
}

// Handle processes one update. It never returns an error: conversation
// failures are logged and answered in-chat where possible.
func (b *Bot) Handle(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			b.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			b.handleCallback(ctx, up.Callback)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		// Plain text in a group is none of our business.
		if !m.IsGroup {
			b.reply(ctx, m.ChatID, helpCard())
		}
		return
	}

	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	// Strip the "@botname" suffix used in groups.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "/start":
		if len(args) > 0 {
			b.cmdVerify(ctx, m, args[0])
			return
		}
		b.reply(ctx, m.ChatID, onboardingCard())
	case "/help":
		b.reply(ctx, m.ChatID, helpCard())
	case "/status":
		b.cmdStatus(ctx, m)
	case "/unlink":
		b.cmdUnlink(ctx, m)
	case "/preferences":
		b.cmdPreferences(ctx, m)
	default:
		b.reply(ctx, m.ChatID, tgui.New().
			Line("Unknown command.").
			Line("Send /help for the list of commands.").
			Build())
	}
}

func (b *Bot) cmdVerify(ctx context.Context, m *kit.Message, token string) {
	userID, ok, err := b.store.ConsumeLinkToken(ctx, token, m.ChatID, m.FromUsername)
	if err != nil {
		b.log.Error("link verification failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
		b.reply(ctx, m.ChatID, tgui.New().
			Line("Something went wrong while linking. Please try again.").
			Build())
		return
	}
	if !ok {
		b.reply(ctx, m.ChatID, tgui.New().
			Title("", "Link failed").
			Line("That link is invalid or has expired.").
			Line("Request a fresh link from your notification settings and try again.").
			Build())
		return
	}
	b.log.Info("telegram account linked", logx.Int64("user_id", userID), logx.Int64("chat_id", m.ChatID))
	b.reply(ctx, m.ChatID, tgui.New().
		Title("✅", "Account linked").
		Line("You will now receive your notifications here.").
		Line("Use /preferences to choose which ones, or /unlink to stop.").
		Build())
}

func (b *Bot) cmdStatus(ctx context.Context, m *kit.Message) {
	link, err := b.store.LinkByChatID(ctx, m.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		b.reply(ctx, m.ChatID, notLinkedCard())
		return
	}
	if err != nil {
		b.log.Error("status lookup failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
		return
	}

	user, err := b.store.UserByID(ctx, link.UserID)
	if err != nil {
		b.log.Error("status user lookup failed", logx.Int64("user_id", link.UserID), logx.Err(err))
		return
	}
	subs, err := b.store.SubscriptionsByUser(ctx, link.UserID)
	if err != nil {
		b.log.Error("status subscriptions lookup failed", logx.Int64("user_id", link.UserID), logx.Err(err))
		return
	}

	card := tgui.New().Title("\U0001F4E1", "Notification status").
		KV("Account", user.Name).
		KV("Telegram", onOff(link.Enabled)).
		KV("Web push", fmt.Sprintf("%s (%d subscriptions)", onOff(user.PushEnabled && len(subs) > 0), len(subs)))
	if user.LastNotifiedAt.IsZero() {
		card.KV("Last notification", "never")
	} else {
		card.KV("Last notification", user.LastNotifiedAt.Format("2006-01-02 15:04 MST"))
	}
	b.reply(ctx, m.ChatID, card.Build())
}

func (b *Bot) cmdUnlink(ctx context.Context, m *kit.Message) {
	if _, err := b.store.LinkByChatID(ctx, m.ChatID); errors.Is(err, store.ErrNotFound) {
		b.reply(ctx, m.ChatID, notLinkedCard())
		return
	} else if err != nil {
		b.log.Error("unlink lookup failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
		return
	}

	kb := tgui.ConfirmInline(
		tgui.Btn("Yes, unlink", cbUnlinkConfirm),
		tgui.Btn("Cancel", cbUnlinkCancel),
	)
	b.reply(ctx, m.ChatID, tgui.New().
		Line("Unlink this chat from your account?").
		Line("You will stop receiving notifications here.").
		Inline(kb).
		Build())
}

func (b *Bot) cmdPreferences(ctx context.Context, m *kit.Message) {
	link, err := b.store.LinkByChatID(ctx, m.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		b.reply(ctx, m.ChatID, notLinkedCard())
		return
	}
	if err != nil {
		b.log.Error("preferences lookup failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
		return
	}

	card, err := b.preferencesCard(ctx, link.UserID)
	if err != nil {
		b.log.Error("preferences render failed", logx.Int64("user_id", link.UserID), logx.Err(err))
		return
	}
	b.reply(ctx, m.ChatID, card)
}

func (b *Bot) preferencesCard(ctx context.Context, userID int64) (tgui.Message, error) {
	overrides, err := b.store.PrefOverrides(ctx, userID)
	if err != nil {
		return tgui.Message{}, err
	}

	kb := tgui.NewInline()
	for _, name := range notif.Types() {
		enabled := notif.DefaultEnabled(name)
		if v, ok := overrides[name]; ok {
			enabled = v
		}
		data := cbPrefPrefix + name
		if len(data) > tgui.MaxCallbackDataLen {
			continue
		}
		kb.Row(tgui.Btn(prefLabel(name, enabled), data))
	}

	return tgui.New().
		Title("⚙️", "Notification preferences").
		Line("Tap a type to toggle it.").
		Inline(kb).
		Build(), nil
}

func (b *Bot) handleCallback(ctx context.Context, cb *kit.Callback) {
	// Clear the client's loading state first; failures are non-fatal.
	ack := func(text string) {
		if err := b.adapter.AnswerCallback(ctx, cb.ID, text); err != nil {
			b.log.Debug("callback ack failed", logx.String("data", cb.Data), logx.Err(err))
		}
	}

	switch {
	case cb.Data == cbUnlinkConfirm:
		link, err := b.store.LinkByChatID(ctx, cb.ChatID)
		if errors.Is(err, store.ErrNotFound) {
			ack("Not linked")
			return
		}
		if err != nil {
			b.log.Error("unlink lookup failed", logx.Int64("chat_id", cb.ChatID), logx.Err(err))
			ack("Something went wrong")
			return
		}
		if err := b.store.UnlinkTelegram(ctx, link.UserID); err != nil {
			b.log.Error("unlink failed", logx.Int64("user_id", link.UserID), logx.Err(err))
			ack("Something went wrong")
			return
		}
		ack("Unlinked")
		b.edit(ctx, cb, tgui.New().
			Line("This chat is no longer linked.").
			Line("Use a fresh link from your notification settings to reconnect.").
			Build())

	case cb.Data == cbUnlinkCancel:
		ack("Kept")
		b.edit(ctx, cb, tgui.New().Line("Unlink cancelled. Nothing changed.").Build())

	case strings.HasPrefix(cb.Data, cbPrefPrefix):
		b.togglePreference(ctx, cb, strings.TrimPrefix(cb.Data, cbPrefPrefix), ack)

	default:
		ack("Unknown action")
	}
}

func (b *Bot) togglePreference(ctx context.Context, cb *kit.Callback, name string, ack func(string)) {
	if !notif.Known(name) {
		ack("Unknown preference")
		return
	}
	link, err := b.store.LinkByChatID(ctx, cb.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		ack("Not linked")
		return
	}
	if err != nil {
		b.log.Error("preference toggle lookup failed", logx.Int64("chat_id", cb.ChatID), logx.Err(err))
		ack("Something went wrong")
		return
	}

	overrides, err := b.store.PrefOverrides(ctx, link.UserID)
	if err != nil {
		b.log.Error("preference read failed", logx.Int64("user_id", link.UserID), logx.Err(err))
		ack("Something went wrong")
		return
	}
	current := notif.DefaultEnabled(name)
	if v, ok := overrides[name]; ok {
		current = v
	}

	next := !current
	if err := b.store.SetPref(ctx, link.UserID, name, next); err != nil {
		b.log.Error("preference write failed", logx.Int64("user_id", link.UserID), logx.Err(err))
		ack("Something went wrong")
		return
	}

	if next {
		ack(name + " enabled")
	} else {
		ack(name + " disabled")
	}

	card, err := b.preferencesCard(ctx, link.UserID)
	if err != nil {
		b.log.Error("preferences render failed", logx.Int64("user_id", link.UserID), logx.Err(err))
		return
	}
	b.edit(ctx, cb, card)
}

func (b *Bot) reply(ctx context.Context, chatID int64, msg tgui.Message) {
	if _, err := msg.Send(ctx, b.adapter, kit.ChatTarget{ChatID: chatID}); err != nil {
		b.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (b *Bot) edit(ctx context.Context, cb *kit.Callback, msg tgui.Message) {
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	if err := msg.Edit(ctx, b.adapter, ref); err != nil {
		b.log.Warn("edit failed", logx.Int64("chat_id", cb.ChatID), logx.Err(err))
	}
}

func prefLabel(name string, enabled bool) string {
	if enabled {
		return "✅ " + name
	}
	return "❌ " + name
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func helpCard() tgui.Message {
	return tgui.New().
		Title("\U0001F916", "Commands").
		Bullets(
			"/start <token> - link your account",
			"/status - show link and channel status",
			"/preferences - toggle notification types",
			"/unlink - unlink this chat",
			"/help - this list",
		).
		Build()
}

func onboardingCard() tgui.Message {
	return tgui.New().
		Title("\U0001F44B", "Welcome").
		Line("This bot delivers your event notifications.").
		Blank().
		Line("To link your account, open your notification settings in the web app and follow the Telegram link there.").
		Line("It opens this chat with a one-time code attached.").
		Build()
}

func notLinkedCard() tgui.Message {
	return tgui.New().
		Line("This chat is not linked to an account.").
		Line("Open your notification settings in the web app to get a link code.").
		Build()
}
