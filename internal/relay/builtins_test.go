package relay

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dazrave/botline/internal/bus"
	"github.com/dazrave/botline/internal/domain"
	"github.com/dazrave/botline/internal/registry"
)

func builtinEnv(t *testing.T) (Builtins, *Commands, *bus.Bus, *registry.Registry) {
	t.Helper()
	store, err := registry.NewStore(filepath.Join(t.TempDir(), "reg.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	reg, err := registry.New(store, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New(10, testLogger())
	c := NewCommands(testLogger())
	h := NewHeartbeat(HeartbeatConfig{Interval: time.Hour, Cooldown: time.Hour, Logger: testLogger()})
	r := NewRouter(RouterConfig{Bus: b, Commands: c, Heartbeat: h, Logger: testLogger()})

	bi := Builtins{Bus: b, Registry: reg, Router: r, Heartbeat: h, Version: "test"}
	bi.Register(c)
	return bi, c, b, reg
}

func TestBuiltins_RegisterInstallsAll(t *testing.T) {
	_, c, _, _ := builtinEnv(t)
	for _, name := range []string{"help", "status", "agents", "start", "buffer", "timer"} {
		if !c.Has(name) {
			t.Errorf("missing builtin %q", name)
		}
	}
}

func TestBuiltins_Help(t *testing.T) {
	_, c, _, _ := builtinEnv(t)
	got := c.Execute(context.Background(), "help", nil, &domain.Context{})
	if !strings.Contains(got, "/status") || !strings.Contains(got, "/timer") {
		t.Errorf("help incomplete: %q", got)
	}
}

func TestBuiltins_AgentsEmptyAndListed(t *testing.T) {
	_, c, _, reg := builtinEnv(t)

	got := c.Execute(context.Background(), "agents", nil, &domain.Context{})
	if got != "No agents registered." {
		t.Errorf("empty listing %q", got)
	}

	reg.Register(context.Background(), "claude", "http://x", registry.Options{Description: "bridge"})
	got = c.Execute(context.Background(), "agents", nil, &domain.Context{})
	if !strings.Contains(got, "claude") || !strings.Contains(got, "bridge") {
		t.Errorf("listing %q", got)
	}
}

func TestBuiltins_Start(t *testing.T) {
	_, c, b, reg := builtinEnv(t)

	var started *domain.Message
	b.Subscribe(bus.EventAgentStart, func(msg *domain.Message) { started = msg })

	got := c.Execute(context.Background(), "start", []string{"ghost", "do", "it"}, &domain.Context{})
	if !strings.Contains(got, "not registered") {
		t.Errorf("unknown agent: %q", got)
	}
	if started != nil {
		t.Fatal("start event emitted for unknown agent")
	}

	reg.Register(context.Background(), "claude", "http://x", registry.Options{})
	got = c.Execute(context.Background(), "start", []string{"claude", "fix", "the", "build"}, &domain.Context{User: "alice"})
	if !strings.Contains(got, "Task sent to claude") {
		t.Errorf("got %q", got)
	}
	if started == nil {
		t.Fatal("no start event emitted")
	}
	if started.Text != "fix the build" || started.Context.Agent != "claude" || started.Context.User != "alice" {
		t.Errorf("start event %q %+v", started.Text, started.Context)
	}

	reg.SetActive(context.Background(), "claude", false)
	got = c.Execute(context.Background(), "start", []string{"claude", "x"}, &domain.Context{})
	if !strings.Contains(got, "inactive") {
		t.Errorf("inactive agent: %q", got)
	}
}

func TestBuiltins_Buffer(t *testing.T) {
	_, c, b, _ := builtinEnv(t)

	got := c.Execute(context.Background(), "buffer", nil, &domain.Context{})
	if got != "Buffer is empty." {
		t.Errorf("empty buffer %q", got)
	}

	b.Publish(bus.EventIncoming, "first", nil)
	b.Publish(bus.EventIncoming, "second", nil)

	got = c.Execute(context.Background(), "buffer", []string{"1"}, &domain.Context{})
	if strings.Contains(got, "first") || !strings.Contains(got, "second") {
		t.Errorf("count not honored: %q", got)
	}

	got = c.Execute(context.Background(), "buffer", []string{"zero"}, &domain.Context{})
	if !strings.HasPrefix(got, "Usage:") {
		t.Errorf("bad count accepted: %q", got)
	}
}

func TestBuiltins_Timer(t *testing.T) {
	bi, c, _, _ := builtinEnv(t)
	bi.Heartbeat.Start(func(string) error { return nil })

	got := c.Execute(context.Background(), "timer", []string{"status"}, &domain.Context{})
	if !strings.Contains(got, "disabled") {
		t.Errorf("initial status %q", got)
	}

	c.Execute(context.Background(), "timer", []string{"on"}, &domain.Context{})
	if !bi.Heartbeat.Status().Enabled {
		t.Error("timer on did not enable")
	}

	c.Execute(context.Background(), "timer", []string{"off"}, &domain.Context{})
	if bi.Heartbeat.Status().Enabled {
		t.Error("timer off did not disable")
	}

	got = c.Execute(context.Background(), "timer", nil, &domain.Context{})
	if !strings.HasPrefix(got, "Usage:") {
		t.Errorf("missing arg: %q", got)
	}
}

func TestBuiltins_Status(t *testing.T) {
	_, c, _, _ := builtinEnv(t)
	got := c.Execute(context.Background(), "status", nil, &domain.Context{})
	for _, want := range []string{"Botline vtest", "Uptime:", "Agents:", "Buffer:", "Keepalive:"} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q: %q", want, got)
		}
	}
}
