package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "pushbridge/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustUpsertUser(t *testing.T, s *Store, id int64, emails ...string) {
	t.Helper()
	if err := s.UpsertUser(context.Background(), User{ID: id, Name: "user", PushEnabled: true, Emails: emails}); err != nil {
		t.Fatalf("upsert user %d: %v", id, err)
	}
}

func TestIssueAndConsumeLinkToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)

	token, expires, err := s.IssueLinkToken(ctx, 1)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token == "" {
		t.Fatalf("empty token")
	}
	if d := time.Until(expires); d < 59*time.Minute || d > 61*time.Minute {
		t.Fatalf("unexpected expiry window: %v", d)
	}

	userID, ok, err := s.ConsumeLinkToken(ctx, token, 500, "alice")
	if err != nil || !ok || userID != 1 {
		t.Fatalf("consume: userID=%d ok=%v err=%v", userID, ok, err)
	}

	link, err := s.LinkByUser(ctx, 1)
	if err != nil {
		t.Fatalf("link by user: %v", err)
	}
	if link.ChatID != 500 || !link.Enabled || link.Username != "alice" {
		t.Fatalf("unexpected link: %+v", link)
	}
	if link.LinkToken != "" || !link.TokenExpires.IsZero() {
		t.Fatalf("token should be cleared after consume: %+v", link)
	}

	// Single use: a second consume of the same token fails.
	if _, ok, err := s.ConsumeLinkToken(ctx, token, 501, "bob"); err != nil || ok {
		t.Fatalf("second consume should lose: ok=%v err=%v", ok, err)
	}
}

func TestConsumeUnknownToken(t *testing.T) {
	s := openTestStore(t)
	if _, ok, err := s.ConsumeLinkToken(context.Background(), "nope", 500, ""); err != nil || ok {
		t.Fatalf("unknown token: ok=%v err=%v", ok, err)
	}
}

func TestConsumeExpiredTokenClearsIt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)

	token, _, err := s.IssueLinkToken(ctx, 1)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(LinkTokenTTL + time.Minute) }
	if _, ok, err := s.ConsumeLinkToken(ctx, token, 500, ""); err != nil || ok {
		t.Fatalf("expired token should fail: ok=%v err=%v", ok, err)
	}

	link, err := s.LinkByUser(ctx, 1)
	if err != nil {
		t.Fatalf("link by user: %v", err)
	}
	if link.LinkToken != "" {
		t.Fatalf("expired token should be cleared, got %q", link.LinkToken)
	}
}

func TestReissueReplacesToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)

	first, _, err := s.IssueLinkToken(ctx, 1)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, _, err := s.IssueLinkToken(ctx, 1)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if first == second {
		t.Fatalf("expected a fresh token on reissue")
	}
	if _, ok, _ := s.ConsumeLinkToken(ctx, first, 500, ""); ok {
		t.Fatalf("replaced token should be dead")
	}
	if _, ok, _ := s.ConsumeLinkToken(ctx, second, 500, ""); !ok {
		t.Fatalf("fresh token should work")
	}
}

func TestChatCollisionReleasesPreviousOwner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)
	mustUpsertUser(t, s, 2)

	tok1, _, _ := s.IssueLinkToken(ctx, 1)
	if _, ok, _ := s.ConsumeLinkToken(ctx, tok1, 500, "alice"); !ok {
		t.Fatalf("first link failed")
	}

	tok2, _, _ := s.IssueLinkToken(ctx, 2)
	if _, ok, _ := s.ConsumeLinkToken(ctx, tok2, 500, "alice"); !ok {
		t.Fatalf("second link failed")
	}

	if link, err := s.LinkByUser(ctx, 1); err != nil || link.Linked() {
		t.Fatalf("previous owner should be released: %+v err=%v", link, err)
	}
	link, err := s.LinkByChatID(ctx, 500)
	if err != nil || link.UserID != 2 {
		t.Fatalf("chat should belong to user 2: %+v err=%v", link, err)
	}
}

func TestUnlinkIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)

	tok, _, _ := s.IssueLinkToken(ctx, 1)
	if _, ok, _ := s.ConsumeLinkToken(ctx, tok, 500, ""); !ok {
		t.Fatalf("link failed")
	}
	for i := 0; i < 2; i++ {
		if err := s.UnlinkTelegram(ctx, 1); err != nil {
			t.Fatalf("unlink #%d: %v", i+1, err)
		}
	}
	if link, err := s.LinkByUser(ctx, 1); err != nil || link.Linked() || link.Enabled {
		t.Fatalf("still linked after unlink: %+v err=%v", link, err)
	}
}

func TestSweepExpiredTokens(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)
	mustUpsertUser(t, s, 2)

	if _, _, err := s.IssueLinkToken(ctx, 1); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, _, err := s.IssueLinkToken(ctx, 2); err != nil {
		t.Fatalf("issue: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(LinkTokenTTL + time.Minute) }
	n, err := s.SweepExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept tokens, got %d", n)
	}
}

func TestSaveSubscriptionIdempotentAndEnablesPush(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)
	if err := s.SetPushEnabled(ctx, 1, false); err != nil {
		t.Fatalf("disable push: %v", err)
	}

	sub := PushSubscription{UserID: 1, Endpoint: "https://push.example/ep1", Auth: "YXV0aA", P256DH: "a2V5"}
	if _, err := s.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("save: %v", err)
	}
	sub.Auth = "bmV3"
	if _, err := s.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("resave: %v", err)
	}

	subs, err := s.SubscriptionsByUser(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription after resave, got %d", len(subs))
	}
	if subs[0].Auth != "bmV3" {
		t.Fatalf("resave should update keys: %+v", subs[0])
	}

	u, err := s.UserByID(ctx, 1)
	if err != nil || !u.PushEnabled {
		t.Fatalf("save should enable push: %+v err=%v", u, err)
	}
}

func TestDeleteLastSubscriptionDisablesPush(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)

	for _, ep := range []string{"https://push.example/a", "https://push.example/b"} {
		if _, err := s.SaveSubscription(ctx, PushSubscription{UserID: 1, Endpoint: ep, Auth: "YQ", P256DH: "Yg"}); err != nil {
			t.Fatalf("save %s: %v", ep, err)
		}
	}

	if err := s.DeleteSubscription(ctx, 1, "https://push.example/a"); err != nil {
		t.Fatalf("delete first: %v", err)
	}
	if u, _ := s.UserByID(ctx, 1); !u.PushEnabled {
		t.Fatalf("push should stay enabled while one subscription remains")
	}

	if err := s.DeleteSubscription(ctx, 1, "https://push.example/b"); err != nil {
		t.Fatalf("delete second: %v", err)
	}
	if u, _ := s.UserByID(ctx, 1); u.PushEnabled {
		t.Fatalf("push should be disabled after last subscription is gone")
	}

	if err := s.DeleteSubscription(ctx, 1, "https://push.example/b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleting a missing subscription should report not found, got %v", err)
	}
}

func TestStaleCountAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)

	saved, err := s.SaveSubscription(ctx, PushSubscription{UserID: 1, Endpoint: "https://push.example/a", Auth: "YQ", P256DH: "Yg"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.MarkSubscriptionStale(ctx, saved.ID); err != nil {
			t.Fatalf("mark stale: %v", err)
		}
	}
	n, err := s.PruneStaleSubscriptions(ctx, 3)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}

	// A delivery success resets the counter.
	saved, err = s.SaveSubscription(ctx, PushSubscription{UserID: 1, Endpoint: "https://push.example/b", Auth: "YQ", P256DH: "Yg"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = s.MarkSubscriptionStale(ctx, saved.ID)
	_ = s.TouchSubscription(ctx, saved.ID)
	subs, _ := s.SubscriptionsByUser(ctx, 1)
	if len(subs) != 1 || subs[0].StaleCount != 0 {
		t.Fatalf("touch should reset stale count: %+v", subs)
	}
}

func TestPrefOverrides(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)

	if err := s.SetPref(ctx, 1, "reminder", false); err != nil {
		t.Fatalf("set pref: %v", err)
	}
	if err := s.SetPrefs(ctx, 1, map[string]bool{"event_update": true, "reminder": true}); err != nil {
		t.Fatalf("set prefs: %v", err)
	}
	got, err := s.PrefOverrides(ctx, 1)
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	if len(got) != 2 || !got["reminder"] || !got["event_update"] {
		t.Fatalf("unexpected overrides: %v", got)
	}
}

func TestUserByEmailLowercases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 7, "Alice@Example.COM")

	u, err := s.UserByEmail(ctx, "alice@example.com")
	if err != nil || u.ID != 7 {
		t.Fatalf("lookup: %+v err=%v", u, err)
	}
	if _, err := s.UserByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeliveryLogPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)

	old := DeliveryEntry{UserID: 1, Type: "reminder", Channels: []string{"telegram"}, Success: true,
		CreatedAt: time.Now().Add(-100 * 24 * time.Hour)}
	fresh := DeliveryEntry{UserID: 1, Type: "reminder", Channels: []string{"push"}, Success: false, Error: "gone"}
	for _, e := range []DeliveryEntry{old, fresh} {
		if err := s.AppendDelivery(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	n, err := s.PurgeDeliveries(ctx, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}

	rows, err := s.RecentDeliveries(ctx, 1, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 1 || rows[0].Channels[0] != "push" || rows[0].Error != "gone" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}
