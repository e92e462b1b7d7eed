package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpagent/internal/config"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Handle(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type panicSink struct{}

func (panicSink) Name() string                          { return "panic" }
func (panicSink) Handle(context.Context, Event) error { panic("boom") }

func TestHubFanOutAndDrain(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("down")}
	hub := NewHub(8, a, panicSink{}, b)

	require.True(t, hub.Publish(NewEvent(KindOpened, "BTCUSDT", "opened")))
	require.True(t, hub.Publish(NewEvent(KindClosed, "BTCUSDT", "closed")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// ctx 已取消：Run 直接进入 drain，仍需把队列中的事件发完
	require.NoError(t, hub.Run(ctx))

	assert.Equal(t, []Kind{KindOpened, KindClosed}, a.kinds())
	assert.Equal(t, []Kind{KindOpened, KindClosed}, b.kinds())
}

func TestHubOverflowDrops(t *testing.T) {
	hub := NewHub(1)
	assert.True(t, hub.Publish(NewEvent(KindError, "", "first")))
	assert.False(t, hub.Publish(NewEvent(KindError, "", "second")))
}

func TestEventFields(t *testing.T) {
	ev := NewEvent(KindClosed, "ETHUSDT", "closed").With("reason", "stop_loss").With("pnl", 1.5)
	v, ok := ev.Field("reason")
	assert.True(t, ok)
	assert.Equal(t, "stop_loss", v)
	v, _ = ev.Field("pnl")
	assert.Equal(t, "1.5", v)

	ev.PnL = 1.5
	text := RenderMarkdown(ev)
	assert.Contains(t, text, "🏁 ETHUSDT closed")
	assert.Contains(t, text, "reason  stop_loss")
	assert.Contains(t, text, "pnl     1.5")
	assert.Contains(t, text, "realized pnl: +1.5000")
}

func TestTelegramSendsAndRetries(t *testing.T) {
	var calls atomic.Int32
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{BotToken: "TOKEN", ChatID: "42", BaseURL: srv.URL})
	tg.client.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(2 * time.Millisecond)

	err := tg.Handle(context.Background(), NewEvent(KindOpened, "BTCUSDT", "opened long"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "Markdown", body["parse_mode"])
	assert.Contains(t, body["text"], "BTCUSDT opened long")
}

func TestTelegramSkipsDecisionsByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{BotToken: "T", ChatID: "1", BaseURL: srv.URL})
	require.NoError(t, tg.Handle(context.Background(), NewEvent(KindDecision, "BTCUSDT", "long")))
	assert.Equal(t, int32(0), calls.Load())

	tg.NotifyDecisions = true
	require.NoError(t, tg.Handle(context.Background(), NewEvent(KindDecision, "BTCUSDT", "long")))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTelegramAPIErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{BotToken: "T", ChatID: "1", BaseURL: srv.URL})
	err := tg.SendText(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramRequiresConfig(t *testing.T) {
	tg := NewTelegram(config.TelegramConfig{})
	assert.Error(t, tg.SendText(context.Background(), "x"))
}
