// Package prefs decides which channels a notification reaches for a user.
package prefs

import (
	"context"
	"errors"

	"pushbridge/internal/notif"
	"pushbridge/internal/store"
)

type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelPush     Channel = "push"
)

// Availability reflects which channels are globally usable right now
// (admin-enabled and credentialed). It is read per resolve so config
// reloads take effect immediately.
type Availability struct {
	Telegram bool
	Push     bool
}

// Resolver computes the channel set for one (user, type) pair. It never
// mutates state.
type Resolver struct {
	store *store.Store
	avail func() Availability
}

func NewResolver(st *store.Store, avail func() Availability) *Resolver {
	return &Resolver{store: st, avail: avail}
}

// Resolve returns the channels a notification of the given type should reach
// for the user. A channel is included only when all of these hold:
//
//   - the channel is globally available
//   - the user's channel master switch is on
//   - a destination exists (linked chat, or at least one enabled subscription)
//   - the per-type preference allows it (user override, else default)
//
// Unknown types resolve as enabled unless the user stored an override for
// that exact name. Unknown users resolve to no channels.
func (r *Resolver) Resolve(ctx context.Context, userID int64, notifType string) ([]Channel, error) {
	avail := r.avail()
	if !avail.Telegram && !avail.Push {
		return nil, nil
	}

	overrides, err := r.store.PrefOverrides(ctx, userID)
	if err != nil {
		return nil, err
	}
	typeEnabled := notif.DefaultEnabled(notifType)
	if v, ok := overrides[notifType]; ok {
		typeEnabled = v
	}
	if !typeEnabled {
		return nil, nil
	}

	var out []Channel

	if avail.Telegram {
		link, err := r.store.LinkByUser(ctx, userID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// never linked
		case err != nil:
			return nil, err
		case link.Linked() && link.Enabled:
			out = append(out, ChannelTelegram)
		}
	}

	if avail.Push {
		user, err := r.store.UserByID(ctx, userID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return out, nil
		case err != nil:
			return nil, err
		}
		if user.PushEnabled {
			subs, err := r.store.SubscriptionsByUser(ctx, userID)
			if err != nil {
				return nil, err
			}
			if len(subs) > 0 {
				out = append(out, ChannelPush)
			}
		}
	}

	return out, nil
}
