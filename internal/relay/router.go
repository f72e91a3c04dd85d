// Package relay is the message-routing core: the router decides whether an
// inbound message is a chat command or a forward to an agent, and sends the
// result back to the platform it came from.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dazrave/botline/internal/bus"
	"github.com/dazrave/botline/internal/domain"
)

// Router is the top-level orchestrator.
type Router struct {
	bus      *bus.Bus
	commands *Commands

	mu           sync.RWMutex
	platforms    map[string]domain.Platform
	agents       map[string]domain.Agent
	defaultAgent string

	heartbeat *Heartbeat // optional; paused when real traffic arrives
	logger    *slog.Logger
}

// RouterConfig wires the router's collaborators.
type RouterConfig struct {
	Bus       *bus.Bus
	Commands  *Commands
	Heartbeat *Heartbeat
	Logger    *slog.Logger
}

// NewRouter creates a Router with empty platform and agent registries.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		bus:       cfg.Bus,
		commands:  cfg.Commands,
		platforms: make(map[string]domain.Platform),
		agents:    make(map[string]domain.Agent),
		heartbeat: cfg.Heartbeat,
		logger:    cfg.Logger,
	}
}

// RegisterPlatform adds a platform adapter for outbound delivery.
func (r *Router) RegisterPlatform(p domain.Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[p.Name()] = p
	r.logger.Info("platform registered", "platform", p.Name())
}

// RegisterAgent adds a forwarding target.
func (r *Router) RegisterAgent(a domain.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name()] = a
	r.logger.Info("agent target registered", "agent", a.Name())
}

// SetDefaultAgent picks the fallback forwarding target. The agent must
// already be registered.
func (r *Router) SetDefaultAgent(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; !ok {
		return fmt.Errorf("agent %q not registered", name)
	}
	r.defaultAgent = name
	return nil
}

// Platforms returns registered platform names, sorted.
func (r *Router) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.platforms))
	for name := range r.platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Agents returns registered agent names, sorted.
func (r *Router) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Platform returns the named adapter.
func (r *Router) Platform(name string) (domain.Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[name]
	return p, ok
}

// RouteMessage publishes the inbound message (running the full middleware
// chain), then either executes a detected command or forwards to the target
// agent, and delivers the textual result back to the originating platform.
func (r *Router) RouteMessage(ctx context.Context, platformName, text string, mctx *domain.Context) (string, error) {
	if mctx == nil {
		mctx = &domain.Context{}
	}
	mctx.Platform = platformName

	if err := r.bus.Publish(bus.EventIncoming, text, mctx); err != nil {
		return "", err
	}

	if r.heartbeat != nil && mctx.Type != "agent" {
		r.heartbeat.PauseAfterRealMessage()
	}

	if mctx.IsCommand && r.commands.Has(mctx.Command) {
		result := r.commands.Execute(ctx, mctx.Command, mctx.Args, mctx)
		r.deliver(ctx, platformName, mctx, result)
		return result, nil
	}

	agent, err := r.resolveAgent(mctx)
	if err != nil {
		return "", err
	}

	reply, err := agent.Send(ctx, text, mctx)
	if err != nil {
		return "", err
	}

	if err := r.bus.Publish(bus.EventOutgoing, reply, mctx); err != nil {
		return "", err
	}
	r.deliver(ctx, platformName, mctx, reply)
	return reply, nil
}

func (r *Router) resolveAgent(mctx *domain.Context) (domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := mctx.Agent
	if name == "" {
		name = r.defaultAgent
	}
	if name == "" {
		return nil, &domain.ConfigError{Reason: "no agent specified and no default agent configured"}
	}
	agent, ok := r.agents[name]
	if !ok {
		return nil, &domain.ConfigError{Reason: fmt.Sprintf("agent %q not registered", name)}
	}
	return agent, nil
}

// deliver sends the result back to the originating platform. Messages that
// arrived over a surface the router does not manage (the HTTP boundary)
// have no registered platform; the result still goes back to that caller
// through the return value.
func (r *Router) deliver(ctx context.Context, platformName string, mctx *domain.Context, text string) {
	r.mu.RLock()
	platform, ok := r.platforms[platformName]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("no platform for delivery", "platform", platformName)
		return
	}
	if err := platform.Send(ctx, mctx.ChatID, text); err != nil {
		r.logger.Error("platform delivery failed", "platform", platformName, "chat", mctx.ChatID, "err", err)
	}
}
