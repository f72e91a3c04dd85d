package domain

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects an empty or oversized message.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// AuthError rejects agent traffic that fails registry checks.
type AuthError struct {
	Agent  string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: agent %q: %s", e.Agent, e.Reason)
}

// RateLimitError rejects a sender that exceeded the window cap.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry in %s", e.Key, e.RetryAfter.Round(time.Second))
}

// DeliveryError reports that every attempt to reach an external callback failed.
type DeliveryError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// CommandError wraps a failure inside a command handler.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command /%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ConfigError reports a missing agent or default-agent at route time.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Reason
}

// UserMessage renders an error as a short, non-technical string suitable for
// chat. Raw errors and stack traces never reach platform users.
func UserMessage(err error) string {
	var (
		validationErr *ValidationError
		authErr       *AuthError
		rateErr       *RateLimitError
		deliveryErr   *DeliveryError
		configErr     *ConfigError
	)
	switch {
	case errors.As(err, &validationErr):
		return "Your message could not be accepted: " + validationErr.Reason + "."
	case errors.As(err, &authErr):
		return "This agent is not allowed to send messages here."
	case errors.As(err, &rateErr):
		return fmt.Sprintf("You're sending messages too quickly. Try again in %s.", rateErr.RetryAfter.Round(time.Second))
	case errors.As(err, &deliveryErr):
		return "The agent could not be reached. Please try again later."
	case errors.As(err, &configErr):
		return "No agent is configured to handle this message."
	}
	return "Something went wrong handling your message."
}
