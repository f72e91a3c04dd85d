package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/dazrave/botline/internal/comms"
	"github.com/dazrave/botline/internal/domain"
	"github.com/dazrave/botline/internal/registry"
)

func callbackEnv(t *testing.T) (*registry.Registry, *comms.Communicator) {
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
	return reg, comms.New(comms.Config{RetryDelay: time.Millisecond, Logger: testLogger()})
}

func TestCallbackAgent_Send(t *testing.T) {
	reg, communicator := callbackEnv(t)

	var payload map[string]string
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get(comms.SecretHeader)
		json.NewDecoder(r.Body).Decode(&payload)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	reg.Register(context.Background(), "claude", srv.URL, registry.Options{Secret: "s3cret"})
	before, _ := reg.Agent("claude")

	agent := NewCallbackAgent("claude", reg, communicator, 0)
	ack, err := agent.Send(context.Background(), "review this", &domain.Context{User: "alice"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack != "Message sent to claude." {
		t.Errorf("ack %q", ack)
	}
	if payload["reply"] != "review this" || payload["from"] != "alice" {
		t.Errorf("payload %v", payload)
	}
	if secret != "s3cret" {
		t.Errorf("secret %q", secret)
	}

	after, _ := reg.Agent("claude")
	if after.LastSeen.Before(before.LastSeen) {
		t.Error("last seen not updated")
	}
}

func TestCallbackAgent_ResolvesAtSendTime(t *testing.T) {
	reg, communicator := callbackEnv(t)

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	agent := NewCallbackAgent("claude", reg, communicator, 0)

	// Not yet registered.
	_, err := agent.Send(context.Background(), "x", &domain.Context{})
	var cerr *domain.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("unregistered agent: got %v", err)
	}

	// Registration after router wiring takes effect immediately.
	reg.Register(context.Background(), "claude", srv.URL, registry.Options{})
	if _, err := agent.Send(context.Background(), "x", &domain.Context{}); err != nil {
		t.Fatalf("registered agent: %v", err)
	}
	if hits != 1 {
		t.Errorf("callback hits %d", hits)
	}

	// Deactivation takes effect immediately too.
	reg.SetActive(context.Background(), "claude", false)
	_, err = agent.Send(context.Background(), "x", &domain.Context{})
	if !errors.As(err, &cerr) {
		t.Fatalf("inactive agent: got %v", err)
	}
	if hits != 1 {
		t.Errorf("inactive agent still reached: %d hits", hits)
	}
}
