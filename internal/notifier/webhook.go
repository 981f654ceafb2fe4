package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	logx "supertask/pkg/logx"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("webhook: unexpected status %d: %s", e.Code, e.Body)
}

// retryable reports whether a response code is worth another attempt.
func retryable(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

type WebhookConfig struct {
	URL   string
	Token string // sent as "Authorization: Bearer <token>"

	// Breaker trips after this many consecutive failures (default 5) and
	// stays open for OpenFor (default 30s).
	BreakerFailures uint32
	OpenFor         time.Duration

	Client *http.Client
}

// WebhookSender POSTs alerts as JSON.
type WebhookSender struct {
	url    string
	token  string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

func NewWebhookSender(cfg WebhookConfig, log logx.Logger) *WebhookSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	failures := cfg.BreakerFailures
	return &WebhookSender{
		url:    cfg.URL,
		token:  cfg.Token,
		client: client,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "alert.webhook",
			MaxRequests: 1,
			Timeout:     cfg.OpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			// a rejected payload says nothing about endpoint health
			IsSuccessful: func(err error) bool {
				var pe *backoff.PermanentError
				return err == nil || errors.As(err, &pe)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change",
					logx.String("name", name),
					logx.String("from", from.String()),
					logx.String("to", to.String()),
				)
			},
		}),
	}
}

// State exposes the breaker state (closed, half-open, open).
func (w *WebhookSender) State() string { return w.cb.State().String() }

func (w *WebhookSender) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("webhook: encode alert: %w", err))
	}
	_, err = w.cb.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, body)
	})
	return err
}

func (w *WebhookSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("webhook: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "supertask")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	serr := &StatusError{Code: resp.StatusCode, Body: logx.Truncate(string(bytes.TrimSpace(snippet)), 200)}
	if retryable(resp.StatusCode) {
		return serr
	}
	return backoff.Permanent(serr)
}
