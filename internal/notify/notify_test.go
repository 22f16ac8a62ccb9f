package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/nightwatch/internal/config"
	"github.com/ShayCichocki/nightwatch/internal/guard"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

func TestTelegram_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "42", r.PostForm.Get("chat_id"))
		assert.Equal(t, "hello", r.PostForm.Get("text"))
		assert.Equal(t, "Markdown", r.PostForm.Get("parse_mode"))
		assert.Equal(t, "true", r.PostForm.Get("disable_web_page_preview"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", "42", time.Second)
	tg.baseURL = srv.URL
	require.NoError(t, tg.Send(context.Background(), "hello"))
}

func TestTelegram_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tg := NewTelegram("bad", "42", time.Second)
	tg.baseURL = srv.URL
	err := tg.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestFromConfig(t *testing.T) {
	assert.IsType(t, Nop{}, FromConfig(config.TelegramConfig{}))
	assert.IsType(t, Nop{}, FromConfig(config.TelegramConfig{BotToken: "x"}))
	assert.IsType(t, &Telegram{}, FromConfig(config.TelegramConfig{BotToken: "x", ChatID: "1"}))
}

type countingNotifier struct {
	calls atomic.Int32
	err   error
}

func (c *countingNotifier) Send(context.Context, string) error {
	c.calls.Add(1)
	return c.err
}

func TestBestEffort_SwallowsErrorsAndTripsOwnBreaker(t *testing.T) {
	n := &countingNotifier{err: &models.RemoteError{Op: "sendMessage", StatusCode: 502, Kind: models.ErrRemoteUnavailable}}
	g := guard.New(guard.Config{Name: "notify", FailureThreshold: 2, Cooldown: time.Hour}, nil)
	b := NewBestEffort(n, g, time.Second, nil)

	for i := 0; i < 5; i++ {
		b.Notify(context.Background(), "msg")
	}
	assert.EqualValues(t, 2, n.calls.Load(), "breaker stops sends after the threshold")
	assert.Equal(t, guard.BreakerOpen, g.Breaker().State())
}

func TestBestEffort_DetachedFromCallerCancel(t *testing.T) {
	n := &countingNotifier{}
	b := NewBestEffort(n, nil, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Notify(ctx, "msg")
	assert.EqualValues(t, 1, n.calls.Load())

	var nilB *BestEffort
	nilB.Notify(context.Background(), "ignored")
	assert.Nil(t, nilB.Guard())
}
