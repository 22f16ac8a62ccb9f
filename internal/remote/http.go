package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

// Observer is told about every HTTP attempt. Status is zero for transport errors.
type Observer func(service, op string, status int, elapsed time.Duration, err error)

// transport is the shared HTTP plumbing for the Jules and GitHub clients.
type transport struct {
	service  string
	baseURL  string
	http     *http.Client
	headers  func(h http.Header)
	timeout  time.Duration
	retry    RetryPolicy
	stats    *CallStats
	observer Observer
	logger   *zap.Logger
}

// call sends one logical request with retries and decodes a JSON response into out.
// A nil out discards the body.
func (t *transport) call(ctx context.Context, op, method, path string, body, out any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = t.timeout
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return &models.RemoteError{Op: op, Kind: models.ErrValidation, Message: fmt.Sprintf("encode request: %v", err)}
		}
	}

	attempts := 0
	err := t.retry.Do(ctx, t.logger, op, func(ctx context.Context) error {
		attempts++
		return t.once(ctx, op, method, path, payload, out, timeout)
	})
	if t.stats != nil {
		t.stats.record(op, attempts, err)
	}
	return err
}

func (t *transport) once(ctx context.Context, op, method, path string, payload []byte, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, rd)
	if err != nil {
		return &models.RemoteError{Op: op, Kind: models.ErrValidation, Message: fmt.Sprintf("build request: %v", err)}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if t.headers != nil {
		t.headers(req.Header)
	}

	start := time.Now()
	resp, err := t.http.Do(req)
	if err != nil {
		t.observe(op, 0, start, err)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return err
		}
		return &models.RemoteError{Op: op, Kind: models.ErrRemoteUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		t.observe(op, resp.StatusCode, start, err)
		return &models.RemoteError{Op: op, StatusCode: resp.StatusCode, Kind: models.ErrRemoteUnavailable, Message: fmt.Sprintf("read body: %v", err)}
	}

	if kind := models.KindForStatus(resp.StatusCode); kind != nil {
		rerr := &models.RemoteError{Op: op, StatusCode: resp.StatusCode, Kind: kind, Message: errorMessage(data)}
		t.observe(op, resp.StatusCode, start, rerr)
		return rerr
	}
	t.observe(op, resp.StatusCode, start, nil)

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &models.RemoteError{Op: op, StatusCode: resp.StatusCode, Kind: models.ErrInternalInconsistency, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

func (t *transport) observe(op string, status int, start time.Time, err error) {
	if t.observer != nil {
		t.observer(t.service, op, status, time.Since(start), err)
	}
}

// errorMessage extracts a readable message from an error body.
// Handles the Google {"error":{"message":...}} and GitHub {"message":...} shapes.
func errorMessage(data []byte) string {
	var google struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &google) == nil && google.Error.Message != "" {
		if google.Error.Status != "" {
			return google.Error.Status + ": " + google.Error.Message
		}
		return google.Error.Message
	}

	var github struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &github) == nil && github.Message != "" {
		return github.Message
	}

	return models.Truncate(strings.TrimSpace(string(data)), 300)
}
