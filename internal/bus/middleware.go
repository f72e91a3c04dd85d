package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dazrave/botline/internal/domain"
)

// MaxMessageLength is the upper bound accepted by the validation middleware.
const MaxMessageLength = 10000

// Validation rejects empty and oversized messages.
func Validation() Middleware {
	return func(msg *domain.Message, proceed func() error) error {
		if strings.TrimSpace(msg.Text) == "" {
			return &domain.ValidationError{Reason: "message is empty"}
		}
		if len([]rune(msg.Text)) > MaxMessageLength {
			return &domain.ValidationError{Reason: "message exceeds maximum length"}
		}
		return proceed()
	}
}

// Logging records every message passing the chain. It observes only and
// never fails.
func Logging(logger *slog.Logger) Middleware {
	return func(msg *domain.Message, proceed func() error) error {
		logger.Info("message",
			"event", msg.Event,
			"platform", msg.Context.Platform,
			"sender", msg.Context.SenderKey(),
			"type", msg.Context.Type,
			"len", len(msg.Text),
		)
		return proceed()
	}
}

// CommandDetection marks messages whose first character is the sigil,
// lower-casing the command name and splitting the remaining tokens as args.
func CommandDetection(sigil string) Middleware {
	if sigil == "" {
		sigil = "/"
	}
	return func(msg *domain.Message, proceed func() error) error {
		text := strings.TrimSpace(msg.Text)
		if strings.HasPrefix(text, sigil) {
			parts := strings.Fields(text)
			if len(parts) > 0 {
				msg.Context.IsCommand = true
				msg.Context.Command = strings.ToLower(strings.TrimPrefix(parts[0], sigil))
				msg.Context.Args = parts[1:]
			}
		}
		return proceed()
	}
}

// AgentAuthorizer is the registry view the access-control middleware needs.
type AgentAuthorizer interface {
	HasAgent(name string) bool
	VerifySecret(name, secret string) bool
	IPAllowed(name, ip string) bool
}

// AccessControl gates agent-originated traffic: the named agent must be
// registered, its secret must match when one is configured, and the source
// IP must be on the allow-list when one is present. User traffic passes
// untouched.
func AccessControl(auth AgentAuthorizer) Middleware {
	return func(msg *domain.Message, proceed func() error) error {
		mctx := msg.Context
		if mctx.Type != "agent" {
			return proceed()
		}
		name := mctx.From
		if name == "" {
			name = mctx.User
		}
		if !auth.HasAgent(name) {
			return &domain.AuthError{Agent: name, Reason: "not registered"}
		}
		if !auth.VerifySecret(name, mctx.Secret) {
			return &domain.AuthError{Agent: name, Reason: "invalid secret"}
		}
		if mctx.IP != "" && !auth.IPAllowed(name, mctx.IP) {
			return &domain.AuthError{Agent: name, Reason: "IP not allowed"}
		}
		return proceed()
	}
}

// rateCounter is a per-sender fixed window: reset lazily once the window
// has elapsed, no background timers.
type rateCounter struct {
	count       int
	windowStart time.Time
}

// RateLimit caps messages per sender inside a rolling window. Counters are
// keyed by user, then agent name, then IP, else a shared bucket.
func RateLimit(window time.Duration, max int) Middleware {
	return RateLimitAt(window, max, time.Now)
}

// RateLimitAt is RateLimit with an injectable clock.
func RateLimitAt(window time.Duration, max int, now func() time.Time) Middleware {
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 30
	}
	var mu sync.Mutex
	counters := make(map[string]*rateCounter)

	return func(msg *domain.Message, proceed func() error) error {
		key := msg.Context.SenderKey()
		ts := now()

		mu.Lock()
		c, ok := counters[key]
		if !ok {
			c = &rateCounter{windowStart: ts}
			counters[key] = c
		}
		if ts.Sub(c.windowStart) >= window {
			c.count = 0
			c.windowStart = ts
		}
		c.count++
		count := c.count
		resetAt := c.windowStart.Add(window)
		mu.Unlock()

		if count > max {
			return &domain.RateLimitError{Key: key, RetryAfter: resetAt.Sub(ts)}
		}
		return proceed()
	}
}
