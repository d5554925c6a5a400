package dispatch

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pushbridge/internal/channel/telegram"
	"pushbridge/internal/channel/webpush"
	"pushbridge/internal/format"
	"pushbridge/internal/prefs"
	"pushbridge/internal/store"
	kit "pushbridge/internal/transport"
	logx "pushbridge/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }
func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(ctx context.Context, id, text string) error { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

type fixture struct {
	store  *store.Store
	engine *Engine
	fa     *fakeAdapter
}

func newFixture(t *testing.T, cfg Config, avail prefs.Availability, keys webpush.Keys) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "dispatch.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fa := &fakeAdapter{}
	tg := telegram.New(fa, nil, 100, logx.Nop())
	push := webpush.New(keys, "mailto:ops@example.com", 60, nil, logx.Nop())
	resolver := prefs.NewResolver(st, func() prefs.Availability { return avail })

	eng := New(st, resolver, format.Formatter{}, tg, push, cfg, logx.Nop())
	return &fixture{store: st, engine: eng, fa: fa}
}

func seedLinkedUser(t *testing.T, st *store.Store, userID, chatID int64, email string) {
	t.Helper()
	ctx := context.Background()
	if err := st.UpsertUser(ctx, store.User{ID: userID, Name: "Alice", Emails: []string{email}}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	token, _, err := st.IssueLinkToken(ctx, userID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, ok, err := st.ConsumeLinkToken(ctx, token, chatID, "alice"); err != nil || !ok {
		t.Fatalf("consume token: ok=%v err=%v", ok, err)
	}
}

// subscriptionKeys builds key material a push service would accept: an
// uncompressed P-256 point and a 16-byte auth secret.
func subscriptionKeys(t *testing.T) (auth, p256dh string) {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate p256 key: %v", err)
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate auth secret: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(secret),
		base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes())
}

func TestDispatchTelegramOnly(t *testing.T) {
	fx := newFixture(t, Config{}, prefs.Availability{Telegram: true, Push: true}, webpush.Keys{})
	ctx := context.Background()
	seedLinkedUser(t, fx.store, 1, 500, "alice@example.com")

	rep := fx.engine.Dispatch(ctx, Outbound{
		Recipients: []string{"alice@example.com", "nobody@example.com"},
		Subject:    "Schedule published",
		Body:       "The timetable is now available.",
		Context:    format.Context{Type: "event_update", EventID: "42", URL: "https://events.example.com/e/42"},
	})

	if rep.Matched != 1 || rep.Delivered != 1 || rep.Failed != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(fx.fa.sent) != 1 {
		t.Fatalf("expected one telegram send, got %d", len(fx.fa.sent))
	}
	if !strings.Contains(fx.fa.sent[0], "*Schedule published*") {
		t.Fatalf("unexpected chat text: %q", fx.fa.sent[0])
	}

	rows, err := fx.store.RecentDeliveries(ctx, 1, 10)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one log row, got %d", len(rows))
	}
	row := rows[0]
	if !row.Success || len(row.Channels) != 1 || row.Channels[0] != "telegram" {
		t.Fatalf("unexpected log row: %+v", row)
	}
	if row.EventID != "42" || row.Type != "event_update" {
		t.Fatalf("unexpected log metadata: %+v", row)
	}
	if strings.Contains(row.ExtraJSON, `"push"`) {
		t.Fatalf("push sub-result should be absent: %s", row.ExtraJSON)
	}

	user, err := fx.store.UserByID(ctx, 1)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if user.LastNotifiedAt.IsZero() {
		t.Fatalf("last-notified should be set after success")
	}
}

func TestDispatchMirroredEmailsDeliverOnce(t *testing.T) {
	fx := newFixture(t, Config{}, prefs.Availability{Telegram: true}, webpush.Keys{})
	ctx := context.Background()
	if err := fx.store.UpsertUser(ctx, store.User{
		ID: 1, Name: "Alice", Emails: []string{"alice@example.com", "alice@corp.example.com"},
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	token, _, err := fx.store.IssueLinkToken(ctx, 1)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, ok, err := fx.store.ConsumeLinkToken(ctx, token, 500, "alice"); err != nil || !ok {
		t.Fatalf("consume token: ok=%v err=%v", ok, err)
	}

	rep := fx.engine.Dispatch(ctx, Outbound{
		Recipients: []string{"alice@example.com", "alice@corp.example.com"},
		Subject:    "Hello",
		Body:       "body",
	})

	if rep.Matched != 1 || rep.Delivered != 1 {
		t.Fatalf("mirrored addresses must match one user: %+v", rep)
	}
	if len(fx.fa.sent) != 1 {
		t.Fatalf("expected one telegram send, got %d", len(fx.fa.sent))
	}
	rows, err := fx.store.RecentDeliveries(ctx, 1, 10)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one log row, got %d", len(rows))
	}
}

func TestDispatchSkippedRecipientNotLoggedByDefault(t *testing.T) {
	fx := newFixture(t, Config{}, prefs.Availability{Telegram: true, Push: true}, webpush.Keys{})
	ctx := context.Background()
	if err := fx.store.UpsertUser(ctx, store.User{ID: 1, Name: "Alice", Emails: []string{"alice@example.com"}}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	rep := fx.engine.Dispatch(ctx, Outbound{
		Recipients: []string{"alice@example.com"},
		Subject:    "Hello",
		Body:       "body",
	})

	if rep.Matched != 1 || rep.Skipped != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	rows, err := fx.store.RecentDeliveries(ctx, 1, 10)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("suppressed send should not be logged by default, got %d rows", len(rows))
	}
}

func TestDispatchSkippedRecipientLoggedWhenConfigured(t *testing.T) {
	fx := newFixture(t, Config{LogSkipped: true}, prefs.Availability{Telegram: true, Push: true}, webpush.Keys{})
	ctx := context.Background()
	if err := fx.store.UpsertUser(ctx, store.User{ID: 1, Name: "Alice", Emails: []string{"alice@example.com"}}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	fx.engine.Dispatch(ctx, Outbound{Recipients: []string{"alice@example.com"}, Subject: "Hello", Body: "body"})

	rows, err := fx.store.RecentDeliveries(ctx, 1, 10)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(rows) != 1 || rows[0].Success || rows[0].Error != "no eligible channels" {
		t.Fatalf("expected one skipped row, got %+v", rows)
	}
}

func TestDispatchDefaultType(t *testing.T) {
	fx := newFixture(t, Config{}, prefs.Availability{Telegram: true}, webpush.Keys{})
	ctx := context.Background()
	seedLinkedUser(t, fx.store, 1, 500, "alice@example.com")

	fx.engine.Dispatch(ctx, Outbound{Recipients: []string{"alice@example.com"}, Subject: "Hello", Body: "body"})

	rows, err := fx.store.RecentDeliveries(ctx, 1, 10)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(rows) != 1 || rows[0].Type != "generic" {
		t.Fatalf("expected generic type, got %+v", rows)
	}
}

func TestDispatchTelegramFailureIsRecorded(t *testing.T) {
	fx := newFixture(t, Config{}, prefs.Availability{Telegram: true}, webpush.Keys{})
	ctx := context.Background()
	seedLinkedUser(t, fx.store, 1, 500, "alice@example.com")
	fx.fa.err = context.DeadlineExceeded

	rep := fx.engine.Dispatch(ctx, Outbound{Recipients: []string{"alice@example.com"}, Subject: "Hello", Body: "body"})

	if rep.Failed != 1 || rep.Delivered != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	rows, err := fx.store.RecentDeliveries(ctx, 1, 10)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(rows) != 1 || rows[0].Success || rows[0].Error == "" {
		t.Fatalf("expected failed row with error text, got %+v", rows)
	}
	user, err := fx.store.UserByID(ctx, 1)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if !user.LastNotifiedAt.IsZero() {
		t.Fatalf("last-notified must not move on failure")
	}
}

func TestDispatchPushSubscriptionsIndependent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	keys, err := webpush.GenerateKeys()
	if err != nil {
		t.Fatalf("vapid keys: %v", err)
	}
	fx := newFixture(t, Config{}, prefs.Availability{Push: true}, keys)
	ctx := context.Background()
	if err := fx.store.UpsertUser(ctx, store.User{ID: 1, Name: "Alice", Emails: []string{"alice@example.com"}}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	auth, p256dh := subscriptionKeys(t)
	// One endpoint that answers and one that refuses connections.
	for _, endpoint := range []string{srv.URL + "/push/ok", "http://127.0.0.1:1/push/dead"} {
		if _, err := fx.store.SaveSubscription(ctx, store.PushSubscription{
			UserID: 1, Endpoint: endpoint, Auth: auth, P256DH: p256dh,
		}); err != nil {
			t.Fatalf("save subscription: %v", err)
		}
	}

	rep := fx.engine.Dispatch(ctx, Outbound{Recipients: []string{"alice@example.com"}, Subject: "Hello", Body: "body"})

	if rep.Delivered != 1 {
		t.Fatalf("one live endpoint should be enough: %+v", rep)
	}
	rows, err := fx.store.RecentDeliveries(ctx, 1, 10)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(rows) != 1 || !rows[0].Success || rows[0].Channels[0] != "push" {
		t.Fatalf("unexpected log row: %+v", rows)
	}
}

func TestDispatchGoneEndpointMarkedStale(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	keys, err := webpush.GenerateKeys()
	if err != nil {
		t.Fatalf("vapid keys: %v", err)
	}
	fx := newFixture(t, Config{}, prefs.Availability{Push: true}, keys)
	ctx := context.Background()
	if err := fx.store.UpsertUser(ctx, store.User{ID: 1, Name: "Alice", Emails: []string{"alice@example.com"}}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	auth, p256dh := subscriptionKeys(t)
	sub, err := fx.store.SaveSubscription(ctx, store.PushSubscription{
		UserID: 1, Endpoint: srv.URL + "/push/gone", Auth: auth, P256DH: p256dh,
	})
	if err != nil {
		t.Fatalf("save subscription: %v", err)
	}

	rep := fx.engine.Dispatch(ctx, Outbound{Recipients: []string{"alice@example.com"}, Subject: "Hello", Body: "body"})

	if rep.Failed != 1 {
		t.Fatalf("gone endpoint should fail the attempt: %+v", rep)
	}
	subs, err := fx.store.SubscriptionsByUser(ctx, 1)
	if err != nil {
		t.Fatalf("subs: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != sub.ID || subs[0].StaleCount != 1 {
		t.Fatalf("expected stale_count=1, got %+v", subs)
	}
}
