package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dazrave/botline/internal/bus"
	"github.com/dazrave/botline/internal/comms"
	"github.com/dazrave/botline/internal/domain"
	"github.com/dazrave/botline/internal/registry"
	"github.com/dazrave/botline/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memPlatform struct {
	name string
	sent []string
}

func (p *memPlatform) Name() string                    { return p.name }
func (p *memPlatform) Start(ctx context.Context) error { return nil }
func (p *memPlatform) Send(ctx context.Context, chatID, text string) error {
	p.sent = append(p.sent, text)
	return nil
}

type testEnv struct {
	server   *Server
	registry *registry.Registry
	bus      *bus.Bus
	router   *relay.Router
	platform *memPlatform
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := registry.NewStore(filepath.Join(t.TempDir(), "reg.db"), testLogger())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	reg, err := registry.New(store, testLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	b := bus.New(10, testLogger())
	b.Use(bus.AccessControl(reg))
	commands := relay.NewCommands(testLogger())
	router := relay.NewRouter(relay.RouterConfig{Bus: b, Commands: commands, Logger: testLogger()})
	platform := &memPlatform{name: "telegram"}
	router.RegisterPlatform(platform)

	communicator := comms.New(comms.Config{RetryDelay: time.Millisecond, Logger: testLogger()})

	srv := NewServer(Config{
		Registry: reg,
		Bus:      b,
		Router:   router,
		Comms:    communicator,
		Logger:   testLogger(),
	})
	return &testEnv{server: srv, registry: reg, bus: b, router: router, platform: platform}
}

func doJSON(t *testing.T, h http.Handler, method, path, remoteAddr string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestNotify_FansOutToPlatforms(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register(context.Background(), "claude", "http://localhost:9", registry.Options{})

	var notifyEvents int
	env.bus.Subscribe(bus.EventNotify, func(msg *domain.Message) { notifyEvents++ })

	w := doJSON(t, env.server.Handler(), "POST", "/notify", "127.0.0.1:5555",
		map[string]string{"from": "claude", "message": "build finished"}, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	if notifyEvents != 1 {
		t.Errorf("notify events %d", notifyEvents)
	}
	if len(env.platform.sent) != 1 {
		t.Fatalf("fan-out count %d", len(env.platform.sent))
	}
	if !strings.Contains(env.platform.sent[0], "**claude**") || !strings.Contains(env.platform.sent[0], "build finished") {
		t.Errorf("fan-out format %q", env.platform.sent[0])
	}
}

func TestNotify_MissingFields(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.server.Handler(), "POST", "/notify", "127.0.0.1:5555",
		map[string]string{"from": "claude"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d", w.Code)
	}
}

func TestNotify_UnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.server.Handler(), "POST", "/notify", "127.0.0.1:5555",
		map[string]string{"from": "ghost", "message": "hi"}, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("status %d", w.Code)
	}
}

func TestNotify_IPAllowList(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register(context.Background(), "claude", "http://localhost:9", registry.Options{
		AllowedIPs: []string{"127.0.0.1"},
	})

	w := doJSON(t, env.server.Handler(), "POST", "/notify", "10.0.0.5:4000",
		map[string]string{"from": "claude", "message": "hi"}, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("off-list IP: status %d", w.Code)
	}
	if len(env.platform.sent) != 0 {
		t.Errorf("rejected notify still fanned out")
	}

	w = doJSON(t, env.server.Handler(), "POST", "/notify", "127.0.0.1:4000",
		map[string]string{"from": "claude", "message": "hi"}, nil)
	if w.Code != http.StatusOK {
		t.Errorf("loopback: status %d: %s", w.Code, w.Body)
	}

	// IPv6 loopback counts as local.
	w = doJSON(t, env.server.Handler(), "POST", "/notify", "[::1]:4000",
		map[string]string{"from": "claude", "message": "hi"}, nil)
	if w.Code != http.StatusOK {
		t.Errorf("v6 loopback: status %d: %s", w.Code, w.Body)
	}
}

func TestNotify_SecretRequired(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register(context.Background(), "claude", "http://localhost:9", registry.Options{
		Secret: "s3cret",
	})

	h := env.server.Handler()
	w := doJSON(t, h, "POST", "/notify", "127.0.0.1:4000",
		map[string]string{"from": "claude", "message": "hi"}, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("missing secret: status %d", w.Code)
	}

	w = doJSON(t, h, "POST", "/notify", "127.0.0.1:4000",
		map[string]string{"from": "claude", "message": "hi"},
		map[string]string{comms.SecretHeader: "s3cret"})
	if w.Code != http.StatusOK {
		t.Errorf("correct secret: status %d: %s", w.Code, w.Body)
	}
}

func TestReply_DeliversToCallback(t *testing.T) {
	env := newTestEnv(t)

	var got map[string]string
	var secret string
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get(comms.SecretHeader)
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"status":"received"}`))
	}))
	defer agentSrv.Close()

	env.registry.Register(context.Background(), "claude", agentSrv.URL, registry.Options{Secret: "s3cret"})

	w := doJSON(t, env.server.Handler(), "POST", "/reply", "127.0.0.1:4000",
		map[string]string{"to": "claude", "reply": "looks good", "from": "alice"}, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	if got["reply"] != "looks good" || got["from"] != "alice" {
		t.Errorf("callback payload %v", got)
	}
	if secret != "s3cret" {
		t.Errorf("callback secret %q", secret)
	}
}

func TestReply_UnknownAndInactive(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	w := doJSON(t, h, "POST", "/reply", "127.0.0.1:4000",
		map[string]string{"to": "ghost", "reply": "x"}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown agent: status %d", w.Code)
	}

	env.registry.Register(context.Background(), "claude", "http://localhost:9", registry.Options{})
	env.registry.SetActive(context.Background(), "claude", false)

	w = doJSON(t, h, "POST", "/reply", "127.0.0.1:4000",
		map[string]string{"to": "claude", "reply": "x"}, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("inactive agent: status %d", w.Code)
	}
}

func TestReply_DeliveryFailure(t *testing.T) {
	env := newTestEnv(t)
	// Nothing listens on this address.
	env.registry.Register(context.Background(), "claude", "http://127.0.0.1:0/", registry.Options{})

	w := doJSON(t, env.server.Handler(), "POST", "/reply", "127.0.0.1:4000",
		map[string]string{"to": "claude", "reply": "x"}, nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status %d", w.Code)
	}
}

func TestRegister_MakesAgentRoutable(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.server.Handler(), "POST", "/agents/register", "127.0.0.1:4000",
		map[string]any{
			"name":        "claude",
			"callbackUrl": "http://localhost:9100/hook",
			"description": "CLI bridge",
			"allowedIPs":  []string{"127.0.0.1"},
		}, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	if !env.registry.HasAgent("claude") {
		t.Error("agent missing from registry")
	}

	// The router can now resolve the agent without a restart.
	found := false
	for _, name := range env.router.Agents() {
		if name == "claude" {
			found = true
		}
	}
	if !found {
		t.Errorf("agent not routable: %v", env.router.Agents())
	}
}

func TestRegister_Invalid(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.server.Handler(), "POST", "/agents/register", "127.0.0.1:4000",
		map[string]string{"name": "x"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d", w.Code)
	}
}

func TestAgentsList(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register(context.Background(), "claude", "http://x", registry.Options{Description: "bridge"})

	req := httptest.NewRequest("GET", "/agents", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp struct {
		Agents []struct {
			Name        string `json:"name"`
			Active      bool   `json:"active"`
			Description string `json:"description"`
		} `json:"agents"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Agents) != 1 || resp.Agents[0].Name != "claude" || !resp.Agents[0].Active {
		t.Errorf("agents payload %+v", resp.Agents)
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Error("secret leaked in listing")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("healthz status %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/metrics", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("metrics status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "botline_uptime_seconds") {
		t.Errorf("metrics body missing uptime: %s", w.Body)
	}
}

func TestNotify_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/notify", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d", w.Code)
	}
}
