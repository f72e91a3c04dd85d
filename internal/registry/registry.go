// Package registry is the durable store of agent records and the sole
// authority for agent identity, secret, and IP checks.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Agent is one registered external participant.
type Agent struct {
	Name        string    `json:"name"`
	CallbackURL string    `json:"callbackUrl"`
	Description string    `json:"description,omitempty"`
	Secret      string    `json:"-"`
	AllowedIPs  []string  `json:"allowedIPs,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Options carries the optional fields of a registration.
type Options struct {
	Description string
	Secret      string
	AllowedIPs  []string
}

// Registry keeps agent records in memory and writes every mutation through
// to the store before returning. Mutations are serialized behind one mutex,
// so concurrent registration cannot lose an update.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	store  *Store
	logger *slog.Logger
}

// New loads all persisted agents from the store. A store with no prior
// records yields an empty registry.
func New(store *Store, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	agents, err := store.LoadAll(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	byName := make(map[string]*Agent, len(agents))
	for _, a := range agents {
		byName[a.Name] = a
	}
	logger.Info("agent registry loaded", "agents", len(byName))
	return &Registry{agents: byName, store: store, logger: logger}, nil
}

// Register creates or overwrites the record for name, activates it, and
// persists before returning.
func (r *Registry) Register(ctx context.Context, name, callbackURL string, opts Options) (*Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if callbackURL == "" {
		return nil, fmt.Errorf("callback URL is required")
	}

	now := time.Now()
	agent := &Agent{
		Name:        name,
		CallbackURL: callbackURL,
		Description: opts.Description,
		Secret:      opts.Secret,
		AllowedIPs:  append([]string(nil), opts.AllowedIPs...),
		Active:      true,
		CreatedAt:   now,
		LastSeen:    now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Save(ctx, agent); err != nil {
		return nil, fmt.Errorf("persist agent %q: %w", name, err)
	}
	r.agents[name] = agent
	r.logger.Info("agent registered", "agent", name, "callback", callbackURL, "allowed_ips", len(agent.AllowedIPs))
	return copyAgent(agent), nil
}

// Unregister removes the record. Fails if the agent is unknown.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; !ok {
		return fmt.Errorf("agent %q not registered", name)
	}
	if err := r.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("remove agent %q: %w", name, err)
	}
	delete(r.agents, name)
	r.logger.Info("agent unregistered", "agent", name)
	return nil
}

// UpdateLastSeen stamps the record and persists. Fails if unknown.
func (r *Registry) UpdateLastSeen(ctx context.Context, name string) error {
	return r.mutate(ctx, name, func(a *Agent) { a.LastSeen = time.Now() })
}

// SetActive flips the active flag and persists. Fails if unknown.
func (r *Registry) SetActive(ctx context.Context, name string, active bool) error {
	return r.mutate(ctx, name, func(a *Agent) { a.Active = active })
}

func (r *Registry) mutate(ctx context.Context, name string, fn func(*Agent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[name]
	if !ok {
		return fmt.Errorf("agent %q not registered", name)
	}
	fn(agent)
	if err := r.store.Save(ctx, agent); err != nil {
		return fmt.Errorf("persist agent %q: %w", name, err)
	}
	return nil
}

// Agent returns a copy of the named record.
func (r *Registry) Agent(name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, false
	}
	return copyAgent(a), true
}

// AllAgents returns copies of every record, sorted by name.
func (r *Registry) AllAgents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ActiveAgents returns copies of records with the active flag set.
func (r *Registry) ActiveAgents() []*Agent {
	var out []*Agent
	for _, a := range r.AllAgents() {
		if a.Active {
			out = append(out, a)
		}
	}
	return out
}

// HasAgent reports whether a record exists for name.
func (r *Registry) HasAgent(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// VerifySecret is true when the agent has no configured secret (open
// access) or the supplied secret matches exactly. Unknown agents fail.
func (r *Registry) VerifySecret(name, secret string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return false
	}
	if a.Secret == "" {
		return true
	}
	return a.Secret == secret
}

// IPAllowed is true when the agent's allow-list is empty (open access) or
// contains the normalized IP. Unknown agents fail.
func (r *Registry) IPAllowed(name, ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return false
	}
	if len(a.AllowedIPs) == 0 {
		return true
	}
	ip = NormalizeIP(ip)
	for _, allowed := range a.AllowedIPs {
		if NormalizeIP(allowed) == ip {
			return true
		}
	}
	return false
}

// NormalizeIP folds IPv6 loopback spellings into the canonical IPv4
// loopback string so allow-lists written as "127.0.0.1" keep matching
// local traffic on dual-stack hosts.
func NormalizeIP(ip string) string {
	switch ip {
	case "::1", "::ffff:127.0.0.1", "0:0:0:0:0:0:0:1":
		return "127.0.0.1"
	}
	return ip
}

func copyAgent(a *Agent) *Agent {
	out := *a
	out.AllowedIPs = append([]string(nil), a.AllowedIPs...)
	return &out
}
