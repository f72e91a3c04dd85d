package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dazrave/botline/internal/bus"
	"github.com/dazrave/botline/internal/domain"
	"github.com/dazrave/botline/internal/registry"
)

var startTime = time.Now()

// Builtins wires the standard chat commands: /help, /status, /agents,
// /start, /buffer, /timer.
type Builtins struct {
	Bus       *bus.Bus
	Registry  *registry.Registry
	Router    *Router
	Heartbeat *Heartbeat
	Version   string
}

// Register installs every built-in command on c.
func (b Builtins) Register(c *Commands) {
	c.Register("help", b.help)
	c.Register("status", b.status)
	c.Register("agents", b.agents)
	c.Register("start", b.start)
	c.Register("buffer", b.buffer)
	c.Register("timer", b.timer)
}

func (b Builtins) help(ctx context.Context, args []string, mctx *domain.Context) (string, error) {
	return `**Botline Commands**

/help — Show this help message
/status — Show relay status
/agents — List registered agents
/start <agent> <task...> — Send a task to an agent
/buffer [count] — Show recent messages
/timer <on|off|status> — Control the keepalive timer`, nil
}

func (b Builtins) status(ctx context.Context, args []string, mctx *domain.Context) (string, error) {
	stats := b.Bus.Stats()
	hb := b.Heartbeat.Status()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Botline v%s**\n\n", b.Version))
	sb.WriteString(fmt.Sprintf("Uptime: %s\n", time.Since(startTime).Round(time.Second)))
	sb.WriteString(fmt.Sprintf("Platforms: %s\n", joinOrNone(b.Router.Platforms())))
	sb.WriteString(fmt.Sprintf("Agents: %d registered, %d active\n", len(b.Registry.AllAgents()), len(b.Registry.ActiveAgents())))
	sb.WriteString(fmt.Sprintf("Buffer: %d/%d messages\n", stats.Size, stats.Max))
	sb.WriteString(fmt.Sprintf("Keepalive: %s\n", heartbeatSummary(hb)))
	return sb.String(), nil
}

func (b Builtins) agents(ctx context.Context, args []string, mctx *domain.Context) (string, error) {
	agents := b.Registry.AllAgents()
	if len(agents) == 0 {
		return "No agents registered.", nil
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Registered Agents** (%d)\n\n", len(agents)))
	for _, a := range agents {
		state := "active"
		if !a.Active {
			state = "inactive"
		}
		sb.WriteString(fmt.Sprintf("• **%s** (%s) — last seen %s", a.Name, state, a.LastSeen.Format("2006-01-02 15:04")))
		if a.Description != "" {
			sb.WriteString(" — " + a.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (b Builtins) start(ctx context.Context, args []string, mctx *domain.Context) (string, error) {
	if len(args) < 2 {
		return "Usage: /start <agent> <task...>", nil
	}
	name := args[0]
	task := strings.Join(args[1:], " ")

	agent, ok := b.Registry.Agent(name)
	if !ok {
		return fmt.Sprintf("Agent %q is not registered.", name), nil
	}
	if !agent.Active {
		return fmt.Sprintf("Agent %q is inactive.", name), nil
	}

	startCtx := &domain.Context{
		Platform: mctx.Platform,
		User:     mctx.User,
		ChatID:   mctx.ChatID,
		Agent:    name,
		Type:     mctx.Type,
	}
	b.Bus.Emit(bus.EventAgentStart, task, startCtx)
	return fmt.Sprintf("Task sent to %s: %s", name, task), nil
}

func (b Builtins) buffer(ctx context.Context, args []string, mctx *domain.Context) (string, error) {
	count := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return "Usage: /buffer [count]", nil
		}
		count = n
	}

	entries := b.Bus.RecentMessages(count)
	if len(entries) == 0 {
		return "Buffer is empty.", nil
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Recent Messages** (%d)\n\n", len(entries)))
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", e.Timestamp.Format("15:04:05"), e.Event, e.Preview))
	}
	return sb.String(), nil
}

func (b Builtins) timer(ctx context.Context, args []string, mctx *domain.Context) (string, error) {
	if len(args) != 1 {
		return "Usage: /timer <on|off|status>", nil
	}
	switch strings.ToLower(args[0]) {
	case "on":
		b.Heartbeat.Enable()
		return "Keepalive timer enabled.", nil
	case "off":
		b.Heartbeat.Disable()
		return "Keepalive timer disabled.", nil
	case "status":
		return "Keepalive: " + heartbeatSummary(b.Heartbeat.Status()), nil
	}
	return "Usage: /timer <on|off|status>", nil
}

func heartbeatSummary(s HeartbeatStatus) string {
	if !s.Enabled {
		return "disabled"
	}
	switch s.Phase {
	case PhasePaused:
		return fmt.Sprintf("paused until %s", s.NextFire.Format("15:04:05"))
	case PhaseScheduled:
		return fmt.Sprintf("next keepalive at %s (every %s)", s.NextFire.Format("15:04:05"), s.Interval)
	}
	return "stopped"
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
