package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"

	kit "pushbridge/internal/transport"
	logx "pushbridge/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
	err   error
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
	f.chats = append(f.chats, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func TestSendSuccess(t *testing.T) {
	fa := &fakeAdapter{}
	ch := New(fa, nil, 100, logx.Nop())

	if !ch.Send(context.Background(), 500, "hello") {
		t.Fatalf("expected success")
	}
	if len(fa.sent) != 1 || fa.sent[0] != "hello" || fa.chats[0] != 500 {
		t.Fatalf("unexpected sends: %v to %v", fa.sent, fa.chats)
	}
}

func TestSendFailureIsFalseNotError(t *testing.T) {
	fa := &fakeAdapter{err: errors.New("telegram: 403 forbidden")}
	ch := New(fa, nil, 100, logx.Nop())

	if ch.Send(context.Background(), 500, "hello") {
		t.Fatalf("expected failure")
	}
}

func TestSendDisabledChannel(t *testing.T) {
	fa := &fakeAdapter{}
	ch := New(fa, func() bool { return false }, 100, logx.Nop())

	if ch.Send(context.Background(), 500, "hello") {
		t.Fatalf("disabled channel should report false")
	}
	if len(fa.sent) != 0 {
		t.Fatalf("disabled channel should not reach the adapter")
	}
}

func TestSendZeroChat(t *testing.T) {
	ch := New(&fakeAdapter{}, nil, 100, logx.Nop())
	if ch.Send(context.Background(), 0, "hello") {
		t.Fatalf("chat 0 should report false")
	}
}

func TestSendCancelledContext(t *testing.T) {
	fa := &fakeAdapter{}
	ch := New(fa, nil, 1, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Drain the limiter's burst so Wait has to block, then observe the
	// cancelled context.
	_ = ch.Send(context.Background(), 1, "warmup")
	if ch.Send(ctx, 500, "hello") {
		t.Fatalf("cancelled context should report false")
	}
}
