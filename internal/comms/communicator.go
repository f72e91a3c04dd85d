// Package comms delivers payloads to agent callback URLs with bounded,
// backoff-spaced retry.
package comms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dazrave/botline/internal/domain"
)

const (
	defaultRetryDelay     = time.Second
	defaultAttemptTimeout = 10 * time.Second
	maxResponseBytes      = 1 << 20
)

// SecretHeader carries an agent's shared secret on authenticated deliveries.
const SecretHeader = "X-Agent-Secret"

// Config tunes the communicator. Zero values fall back to defaults.
type Config struct {
	RetryDelay time.Duration // base delay between attempts
	Timeout    time.Duration // per-attempt timeout
	Logger     *slog.Logger
}

// Communicator posts JSON payloads to agent callbacks over a pooled client.
type Communicator struct {
	client     *http.Client
	retryDelay time.Duration
	timeout    time.Duration
	logger     *slog.Logger
}

// New creates a Communicator with a connection-pooled HTTP client.
func New(cfg Config) *Communicator {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAttemptTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Communicator{
		client:     sharedHTTPClient(cfg.Timeout),
		retryDelay: cfg.RetryDelay,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
	}
}

// SendOptions controls one delivery.
type SendOptions struct {
	Retries int // additional attempts after the first
	Headers map[string]string
}

// Response is the agent's reply to a successful delivery.
type Response struct {
	Status int
	Body   []byte
}

// SendToAgent attempts delivery up to opts.Retries+1 times, waiting
// retryDelay*N before the Nth retry. Any non-2xx status or transport error
// counts as a failed attempt; exhausting all attempts yields a DeliveryError.
func (c *Communicator) SendToAgent(ctx context.Context, url string, payload any, opts SendOptions) (*Response, error) {
	return c.send(ctx, url, payload, opts.Retries, opts.Headers, func(n int) time.Duration {
		return c.retryDelay * time.Duration(n)
	})
}

// SendWithBackoff is SendToAgent with exponential waits retryDelay*2^(N-1).
func (c *Communicator) SendWithBackoff(ctx context.Context, url string, payload any, opts SendOptions) (*Response, error) {
	return c.send(ctx, url, payload, opts.Retries, opts.Headers, func(n int) time.Duration {
		return c.retryDelay * (1 << (n - 1))
	})
}

func (c *Communicator) send(ctx context.Context, url string, payload any, retries int, headers map[string]string, delay func(retry int) time.Duration) (*Response, error) {
	if retries < 0 {
		retries = 0
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	attempts := retries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := delay(attempt - 1)
			c.logger.Warn("retrying delivery", "url", url, "attempt", attempt, "wait", wait)
			select {
			case <-ctx.Done():
				return nil, &domain.DeliveryError{URL: url, Attempts: attempt - 1, Err: ctx.Err()}
			case <-time.After(wait):
			}
		}

		resp, err := c.attempt(ctx, url, body, headers)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.logger.Warn("delivery attempt failed", "url", url, "attempt", attempt, "err", err)
	}

	return nil, &domain.DeliveryError{URL: url, Attempts: attempts, Err: lastErr}
}

func (c *Communicator) attempt(ctx context.Context, url string, body []byte, headers map[string]string) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
	}
	return &Response{Status: resp.StatusCode, Body: respBody}, nil
}

// ReplyOptions shapes a reply delivery.
type ReplyOptions struct {
	Username string
	Secret   string
	Retries  int
}

// SendReply posts {reply, from} to an agent's callback, attaching the
// secret header only when one is supplied.
func (c *Communicator) SendReply(ctx context.Context, url, reply string, opts ReplyOptions) (*Response, error) {
	payload := map[string]string{
		"reply": reply,
		"from":  opts.Username,
	}
	var headers map[string]string
	if opts.Secret != "" {
		headers = map[string]string{SecretHeader: opts.Secret}
	}
	return c.SendToAgent(ctx, url, payload, SendOptions{Retries: opts.Retries, Headers: headers})
}

// NotifyOptions shapes a user notification.
type NotifyOptions struct {
	From    string
	Retries int
}

// NotifyUser posts {from, message} to a callback URL.
func (c *Communicator) NotifyUser(ctx context.Context, url, message string, opts NotifyOptions) (*Response, error) {
	payload := map[string]string{
		"from":    opts.From,
		"message": message,
	}
	return c.SendToAgent(ctx, url, payload, SendOptions{Retries: opts.Retries})
}
