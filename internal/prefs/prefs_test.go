package prefs

import (
	"context"
	"path/filepath"
	"testing"

	"pushbridge/internal/notif"
	"pushbridge/internal/store"
	logx "pushbridge/pkg/logx"
)

func newResolver(t *testing.T, avail Availability) (*Resolver, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewResolver(st, func() Availability { return avail }), st
}

func linkUser(t *testing.T, st *store.Store, userID, chatID int64) {
	t.Helper()
	tok, _, err := st.IssueLinkToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, ok, err := st.ConsumeLinkToken(context.Background(), tok, chatID, ""); err != nil || !ok {
		t.Fatalf("consume token: ok=%v err=%v", ok, err)
	}
}

func subscribeUser(t *testing.T, st *store.Store, userID int64, endpoint string) {
	t.Helper()
	_, err := st.SaveSubscription(context.Background(), store.PushSubscription{
		UserID: userID, Endpoint: endpoint, Auth: "YQ", P256DH: "Yg",
	})
	if err != nil {
		t.Fatalf("save subscription: %v", err)
	}
}

func TestResolveUnlinkedUserIsEmpty(t *testing.T) {
	r, st := newResolver(t, Availability{Telegram: true, Push: true})
	ctx := context.Background()
	if err := st.UpsertUser(ctx, store.User{ID: 1, PushEnabled: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := r.Resolve(ctx, 1, notif.TypeReminder)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("user with no link and no subscriptions should resolve empty, got %v", got)
	}
}

func TestResolveUnknownUserIsEmpty(t *testing.T) {
	r, _ := newResolver(t, Availability{Telegram: true, Push: true})
	got, err := r.Resolve(context.Background(), 999, notif.TypeReminder)
	if err != nil || len(got) != 0 {
		t.Fatalf("unknown user: got %v err=%v", got, err)
	}
}

func TestResolveBothChannels(t *testing.T) {
	r, st := newResolver(t, Availability{Telegram: true, Push: true})
	ctx := context.Background()
	if err := st.UpsertUser(ctx, store.User{ID: 1, PushEnabled: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	linkUser(t, st, 1, 500)
	subscribeUser(t, st, 1, "https://push.example/a")

	got, err := r.Resolve(ctx, 1, notif.TypeEventUpdate)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 || got[0] != ChannelTelegram || got[1] != ChannelPush {
		t.Fatalf("expected [telegram push], got %v", got)
	}
}

func TestResolveHonorsTypeOverride(t *testing.T) {
	r, st := newResolver(t, Availability{Telegram: true, Push: true})
	ctx := context.Background()
	if err := st.UpsertUser(ctx, store.User{ID: 1, PushEnabled: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	linkUser(t, st, 1, 500)

	if err := st.SetPref(ctx, 1, notif.TypeReminder, false); err != nil {
		t.Fatalf("set pref: %v", err)
	}
	if got, _ := r.Resolve(ctx, 1, notif.TypeReminder); len(got) != 0 {
		t.Fatalf("disabled type should resolve empty, got %v", got)
	}
	if got, _ := r.Resolve(ctx, 1, notif.TypeEventUpdate); len(got) != 1 {
		t.Fatalf("other types should be unaffected, got %v", got)
	}
}

func TestResolveUnknownTypeIsPermissive(t *testing.T) {
	r, st := newResolver(t, Availability{Telegram: true})
	ctx := context.Background()
	if err := st.UpsertUser(ctx, store.User{ID: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	linkUser(t, st, 1, 500)

	got, err := r.Resolve(ctx, 1, "totally_new_type")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0] != ChannelTelegram {
		t.Fatalf("unknown type should default to enabled, got %v", got)
	}
}

func TestResolveGlobalAvailabilityGates(t *testing.T) {
	r, st := newResolver(t, Availability{})
	ctx := context.Background()
	if err := st.UpsertUser(ctx, store.User{ID: 1, PushEnabled: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	linkUser(t, st, 1, 500)
	subscribeUser(t, st, 1, "https://push.example/a")

	if got, _ := r.Resolve(ctx, 1, notif.TypeReminder); len(got) != 0 {
		t.Fatalf("globally disabled channels should resolve empty, got %v", got)
	}
}

func TestResolveMasterSwitches(t *testing.T) {
	r, st := newResolver(t, Availability{Telegram: true, Push: true})
	ctx := context.Background()
	if err := st.UpsertUser(ctx, store.User{ID: 1, PushEnabled: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	linkUser(t, st, 1, 500)
	subscribeUser(t, st, 1, "https://push.example/a")

	if err := st.SetTelegramEnabled(ctx, 1, false); err != nil {
		t.Fatalf("disable telegram: %v", err)
	}
	if err := st.SetPushEnabled(ctx, 1, false); err != nil {
		t.Fatalf("disable push: %v", err)
	}
	if got, _ := r.Resolve(ctx, 1, notif.TypeReminder); len(got) != 0 {
		t.Fatalf("master switches off should resolve empty, got %v", got)
	}
}
