package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pushbridge/internal/store"
	logx "pushbridge/pkg/logx"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "janitor.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRunPurgesAndPrunes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertUser(ctx, store.User{ID: 1, Name: "Alice", Emails: []string{"alice@example.com"}}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := st.AppendDelivery(ctx, store.DeliveryEntry{UserID: 1, Type: "generic", Channels: []string{"telegram"}}); err != nil {
		t.Fatalf("seed delivery: %v", err)
	}
	sub, err := st.SaveSubscription(ctx, store.PushSubscription{
		UserID: 1, Endpoint: "https://push.example/a", Auth: "YXV0aA", P256DH: "a2V5",
	})
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := st.MarkSubscriptionStale(ctx, sub.ID); err != nil {
			t.Fatalf("mark stale: %v", err)
		}
	}

	j := New(st, Config{Schedule: "0 3 * * *", Retention: time.Nanosecond, StaleThreshold: 3}, logx.Nop())
	time.Sleep(5 * time.Millisecond)

	res := j.Run(ctx)
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if res.PurgedDeliveries != 1 {
		t.Fatalf("expected 1 purged delivery, got %d", res.PurgedDeliveries)
	}
	if res.PrunedSubscriptions != 1 {
		t.Fatalf("expected 1 pruned subscription, got %d", res.PrunedSubscriptions)
	}

	last, ok := j.Last()
	if !ok || last.PurgedDeliveries != 1 {
		t.Fatalf("Last should return the pass result, got %+v ok=%v", last, ok)
	}
}

func TestRunPruneDisabled(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertUser(ctx, store.User{ID: 1, Name: "Alice", Emails: []string{"alice@example.com"}}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	sub, err := st.SaveSubscription(ctx, store.PushSubscription{
		UserID: 1, Endpoint: "https://push.example/a", Auth: "YXV0aA", P256DH: "a2V5",
	})
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := st.MarkSubscriptionStale(ctx, sub.ID); err != nil {
			t.Fatalf("mark stale: %v", err)
		}
	}

	j := New(st, Config{Schedule: "0 3 * * *", Retention: time.Hour, StaleThreshold: 0}, logx.Nop())
	res := j.Run(ctx)
	if res.PrunedSubscriptions != 0 {
		t.Fatalf("pruning disabled, got %d", res.PrunedSubscriptions)
	}
	subs, err := st.SubscriptionsByUser(ctx, 1)
	if err != nil {
		t.Fatalf("subs: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("subscription should survive, got %d", len(subs))
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	st := newTestStore(t)
	j := New(st, Config{Schedule: "not a cron line"}, logx.Nop())
	if err := j.Start(); err == nil {
		t.Fatalf("expected schedule error")
	}
}

func TestStartRejectsBadTimezone(t *testing.T) {
	st := newTestStore(t)
	j := New(st, Config{Schedule: "0 3 * * *", Timezone: "Mars/Olympus"}, logx.Nop())
	if err := j.Start(); err == nil {
		t.Fatalf("expected timezone error")
	}
}

func TestApplySwapsConfig(t *testing.T) {
	st := newTestStore(t)
	j := New(st, Config{Schedule: "0 3 * * *", Retention: time.Hour}, logx.Nop())
	if err := j.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer j.Stop(context.Background())

	if err := j.Apply(Config{Schedule: "30 4 * * *", Retention: 2 * time.Hour, StaleThreshold: 5}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := j.Apply(Config{Schedule: "bogus"}); err == nil {
		t.Fatalf("expected apply to reject a bad schedule")
	}
}
