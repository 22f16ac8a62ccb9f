// Package notify delivers short operator messages.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/internal/config"
	"github.com/ShayCichocki/nightwatch/internal/guard"
	"github.com/ShayCichocki/nightwatch/internal/logging"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// Notifier sends one message.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Nop drops every message.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(context.Context, string) error { return nil }

// Telegram sends messages through the Bot API.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	http    *http.Client
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(token, chatID string, timeout time.Duration) *Telegram {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: "https://api.telegram.org",
		http:    &http.Client{Timeout: timeout},
	}
}

// Send posts text to the configured chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	form := url.Values{
		"chat_id":                  {t.chatID},
		"text":                     {models.Truncate(text, 4000)},
		"parse_mode":               {"Markdown"},
		"disable_web_page_preview": {"true"},
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		return &models.RemoteError{Op: "sendMessage", Kind: models.ErrRemoteUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()
	if kind := models.KindForStatus(resp.StatusCode); kind != nil {
		return &models.RemoteError{Op: "sendMessage", StatusCode: resp.StatusCode, Kind: kind, Message: resp.Status}
	}
	return nil
}

// FromConfig returns a Telegram notifier when both token and chat are set, Nop otherwise.
func FromConfig(cfg config.TelegramConfig) Notifier {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return Nop{}
	}
	return NewTelegram(cfg.BotToken, cfg.ChatID, cfg.Timeout)
}

// BestEffort wraps a Notifier so that failures are logged and never returned.
// Sends go through their own guard so a dead channel cannot slow the callers.
type BestEffort struct {
	next    Notifier
	guard   *guard.Guard
	timeout time.Duration
	logger  *zap.Logger
}

// NewBestEffort wraps next. A nil guard sends unguarded.
func NewBestEffort(next Notifier, g *guard.Guard, timeout time.Duration, logger *zap.Logger) *BestEffort {
	if next == nil {
		next = Nop{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BestEffort{
		next:    next,
		guard:   g,
		timeout: timeout,
		logger:  logging.OrNop(logger).Named("notify"),
	}
}

// Notify sends text, detached from the caller's cancellation but bounded by the timeout.
func (b *BestEffort) Notify(ctx context.Context, text string) {
	if b == nil {
		return
	}
	if _, ok := b.next.(Nop); ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	send := func(ctx context.Context) error { return b.next.Send(ctx, text) }
	var err error
	if b.guard != nil {
		err = b.guard.Do(ctx, guard.ClassWrite, send)
	} else {
		err = send(ctx)
	}
	if err == nil {
		return
	}
	if errors.Is(err, models.ErrRateLimited) || errors.Is(err, models.ErrCircuitOpen) {
		b.logger.Debug("notification skipped", zap.Error(err))
		return
	}
	b.logger.Warn("notification failed", zap.Error(err))
}

// Guard returns the notification guard, if any.
func (b *BestEffort) Guard() *guard.Guard {
	if b == nil {
		return nil
	}
	return b.guard
}
