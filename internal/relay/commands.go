package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dazrave/botline/internal/domain"
)

// CommandFunc handles one chat command. The returned string is sent back to
// the user verbatim.
type CommandFunc func(ctx context.Context, args []string, mctx *domain.Context) (string, error)

// Commands maps command names to handlers and isolates handler failures:
// an unknown command or a failing handler always yields a user-facing text,
// never an error to the router.
type Commands struct {
	mu       sync.RWMutex
	handlers map[string]CommandFunc
	logger   *slog.Logger
}

// NewCommands creates an empty command registry.
func NewCommands(logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{
		handlers: make(map[string]CommandFunc),
		logger:   logger,
	}
}

// Register stores a handler under name, silently replacing any previous one.
func (c *Commands) Register(name string, fn CommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = fn
}

// Has reports whether a handler is registered for name.
func (c *Commands) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.handlers[name]
	return ok
}

// Names returns the registered command names.
func (c *Commands) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	return names
}

// Execute runs the named handler and returns its text. Failures are
// contained here: the caller always gets something safe to show a user.
func (c *Commands) Execute(ctx context.Context, name string, args []string, mctx *domain.Context) string {
	c.mu.RLock()
	fn, ok := c.handlers[name]
	c.mu.RUnlock()

	if !ok {
		return fmt.Sprintf("Unknown command: /%s. Try /help.", name)
	}

	result, err := c.run(ctx, name, fn, args, mctx)
	if err != nil {
		c.logger.Error("command failed", "command", name, "err", err)
		return fmt.Sprintf("Command /%s failed. Please try again.", name)
	}
	return result
}

func (c *Commands) run(ctx context.Context, name string, fn CommandFunc, args []string, mctx *domain.Context) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.CommandError{Command: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	result, err = fn(ctx, args, mctx)
	if err != nil {
		err = &domain.CommandError{Command: name, Err: err}
	}
	return result, err
}
