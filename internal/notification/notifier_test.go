package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

type recordingNotifier struct {
	mu      sync.Mutex
	alerts  []Alert
	err     error
	started chan struct{}
	release chan struct{}
}

func (r *recordingNotifier) Send(ctx context.Context, alert Alert) error {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestMultiSendsToAllAndJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("boom")}
	multi := Multi{NewLogNotifier(zerolog.Nop()), failing, ok}

	err := multi.Send(context.Background(), Alert{Level: LevelWarning, Title: "order expired"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if ok.count() != 1 || failing.count() != 1 {
		t.Fatalf("expected every backend to receive the alert")
	}
}

func TestAsyncDeliversQueuedAlertsOnClose(t *testing.T) {
	next := &recordingNotifier{}
	async := NewAsync(next, 8, zerolog.Nop())
	for i := 0; i < 3; i++ {
		if err := async.Send(context.Background(), Alert{Title: "t"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	async.Close()
	if next.count() != 3 {
		t.Fatalf("expected 3 delivered alerts, got %d", next.count())
	}
	if err := async.Send(context.Background(), Alert{Title: "late"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected send after close to be rejected, got %v", err)
	}
}

func TestAsyncDropsWhenFull(t *testing.T) {
	next := &recordingNotifier{started: make(chan struct{}, 4), release: make(chan struct{})}
	async := NewAsync(next, 1, zerolog.Nop())

	if err := async.Send(context.Background(), Alert{Title: "first"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-next.started
	if err := async.Send(context.Background(), Alert{Title: "second"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := async.Send(context.Background(), Alert{Title: "third"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(next.release)
	async.Close()
	if next.count() != 2 {
		t.Fatalf("expected 2 delivered alerts, got %d", next.count())
	}
}

type fakeBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.err
}

func TestTelegramNotifierFormatsMessage(t *testing.T) {
	bot := &fakeBot{}
	n := newTelegramNotifier(bot, 42, zerolog.Nop())

	if err := n.Send(context.Background(), Alert{Level: LevelCritical, Title: "order_expired", Message: "BTC/USD buy 0.001"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("expected MessageConfig, got %T", bot.sent[0])
	}
	if msg.ChatID != 42 || msg.ParseMode != tgbotapi.ModeMarkdownV2 {
		t.Fatalf("unexpected message config: chat=%d mode=%s", msg.ChatID, msg.ParseMode)
	}
	if !strings.Contains(msg.Text, `order\_expired`) || !strings.Contains(msg.Text, `0\.001`) {
		t.Fatalf("expected escaped text, got %q", msg.Text)
	}
}

func TestTelegramNotifierPropagatesErrors(t *testing.T) {
	n := newTelegramNotifier(&fakeBot{err: errors.New("forbidden")}, 1, zerolog.Nop())
	if err := n.Send(context.Background(), Alert{Title: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWebhookNotifierPostsOrderAlert(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "run-1", zerolog.Nop())
	alert := Alert{
		Level: LevelCritical, Title: "SELL order may still be live", Message: "cancel failed",
		Symbol: "BTC/USD", Side: "sell", OrderID: "ord-9",
	}
	if err := n.Send(context.Background(), alert); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["source"] != "run-1" || got["level"] != "CRITICAL" || got["title"] != "SELL order may still be live" {
		t.Fatalf("unexpected payload: %v", got)
	}
	if got["symbol"] != "BTC/USD" || got["side"] != "sell" || got["order_id"] != "ord-9" {
		t.Fatalf("expected order fields, got %v", got)
	}
	if _, ok := got["sent_at"]; !ok {
		t.Fatalf("expected sent_at, got %v", got)
	}
}

func TestWebhookNotifierOmitsOrderFieldsWhenUnset(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, "run-1", zerolog.Nop()).Send(context.Background(), Alert{Level: LevelWarning, Title: "reconcile"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := got["order_id"]; ok {
		t.Fatalf("expected order_id to be omitted, got %v", got)
	}
	if got["title"] != "reconcile" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, "run-1", zerolog.Nop()).Send(context.Background(), Alert{Title: "x"}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}
