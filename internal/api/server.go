// Package api is the HTTP boundary agents use to push notifications,
// receive replies, and manage their registration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dazrave/botline/internal/bus"
	"github.com/dazrave/botline/internal/comms"
	"github.com/dazrave/botline/internal/domain"
	"github.com/dazrave/botline/internal/metrics"
	"github.com/dazrave/botline/internal/registry"
	"github.com/dazrave/botline/internal/relay"
)

const maxBodySize = 1 << 20 // 1MB

// Config wires the server's collaborators.
type Config struct {
	Port          int
	DeliveryRetry int // retries for /reply deliveries
	Registry      *registry.Registry
	Bus           *bus.Bus
	Router        *relay.Router
	Comms         *comms.Communicator
	Metrics       *metrics.Collector
	Logger        *slog.Logger
}

// Server exposes the notify/reply/register endpoints.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server

	notifies   *metrics.Counter
	replies    *metrics.Counter
	rejections *metrics.Counter
}

// NewServer creates the HTTP boundary. Metrics may be nil.
func NewServer(cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}
	return &Server{
		cfg:        cfg,
		logger:     cfg.Logger,
		notifies:   cfg.Metrics.Counter("botline_notifications_total", "Agent notifications accepted"),
		replies:    cfg.Metrics.Counter("botline_replies_total", "Replies delivered to agents"),
		rejections: cfg.Metrics.Counter("botline_rejections_total", "Requests rejected by validation or auth"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /notify", s.handleNotify)
	mux.HandleFunc("POST /reply", s.handleReply)
	mux.HandleFunc("POST /agents/register", s.handleRegister)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.cfg.Metrics.Handler())
	return mux
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("api server starting", "port", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

type notifyRequest struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.From == "" || req.Message == "" {
		s.fail(w, http.StatusBadRequest, "from and message are required")
		return
	}

	ip := clientIP(r)
	reg := s.cfg.Registry
	switch {
	case !reg.HasAgent(req.From):
		s.fail(w, http.StatusForbidden, "unknown agent")
		return
	case !reg.IPAllowed(req.From, ip):
		s.logger.Warn("notify rejected by IP", "agent", req.From, "ip", ip)
		s.fail(w, http.StatusForbidden, "IP not allowed")
		return
	case !reg.VerifySecret(req.From, r.Header.Get(comms.SecretHeader)):
		s.fail(w, http.StatusForbidden, "invalid secret")
		return
	}

	if err := reg.UpdateLastSeen(r.Context(), req.From); err != nil {
		s.logger.Warn("update last seen failed", "agent", req.From, "err", err)
	}

	mctx := &domain.Context{
		From:   req.From,
		IP:     ip,
		Secret: r.Header.Get(comms.SecretHeader),
		Type:   "agent",
	}
	if err := s.cfg.Bus.Publish(bus.EventNotify, req.Message, mctx); err != nil {
		s.fail(w, statusFor(err), err.Error())
		return
	}

	formatted := fmt.Sprintf("🧠 **%s**: %s", req.From, req.Message)
	for _, name := range s.cfg.Router.Platforms() {
		platform, ok := s.cfg.Router.Platform(name)
		if !ok {
			continue
		}
		if err := platform.Send(r.Context(), "", formatted); err != nil {
			s.logger.Error("notify fan-out failed", "platform", name, "err", err)
		}
	}

	s.notifies.Inc()
	s.ok(w, map[string]any{
		"ok":        true,
		"message":   "notification delivered",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type replyRequest struct {
	To    string `json:"to"`
	Reply string `json:"reply"`
	From  string `json:"from,omitempty"`
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.To == "" || req.Reply == "" {
		s.fail(w, http.StatusBadRequest, "to and reply are required")
		return
	}

	rec, ok := s.cfg.Registry.Agent(req.To)
	if !ok {
		s.fail(w, http.StatusNotFound, "unknown agent")
		return
	}
	if !rec.Active {
		s.fail(w, http.StatusForbidden, "agent is inactive")
		return
	}

	resp, err := s.cfg.Comms.SendReply(r.Context(), rec.CallbackURL, req.Reply, comms.ReplyOptions{
		Username: req.From,
		Secret:   rec.Secret,
		Retries:  s.cfg.DeliveryRetry,
	})
	if err != nil {
		s.logger.Error("reply delivery failed", "agent", req.To, "err", err)
		s.fail(w, http.StatusBadGateway, err.Error())
		return
	}

	s.replies.Inc()
	s.ok(w, map[string]any{
		"ok":       true,
		"message":  "reply delivered",
		"response": rawOrString(resp.Body),
	})
}

type registerRequest struct {
	Name        string   `json:"name"`
	CallbackURL string   `json:"callbackUrl"`
	Description string   `json:"description,omitempty"`
	Secret      string   `json:"secret,omitempty"`
	AllowedIPs  []string `json:"allowedIPs,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}

	agent, err := s.cfg.Registry.Register(r.Context(), req.Name, req.CallbackURL, registry.Options{
		Description: req.Description,
		Secret:      req.Secret,
		AllowedIPs:  req.AllowedIPs,
	})
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	// Make the agent routable without a restart.
	s.cfg.Router.RegisterAgent(relay.NewCallbackAgent(agent.Name, s.cfg.Registry, s.cfg.Comms, s.cfg.DeliveryRetry))

	s.ok(w, map[string]any{
		"ok":      true,
		"message": fmt.Sprintf("agent %s registered", agent.Name),
		"agent": map[string]any{
			"name":        agent.Name,
			"callbackUrl": agent.CallbackURL,
			"active":      agent.Active,
		},
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.cfg.Registry.AllAgents()
	list := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		list = append(list, map[string]any{
			"name":        a.Name,
			"active":      a.Active,
			"lastSeen":    a.LastSeen.Format(time.RFC3339),
			"description": a.Description,
		})
	}
	s.ok(w, map[string]any{"agents": list})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.ok(w, map[string]any{"ok": true})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "cannot read body")
		return false
	}
	defer r.Body.Close()
	if err := json.Unmarshal(body, v); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) ok(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.rejections.Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// statusFor maps middleware failures to HTTP statuses.
func statusFor(err error) int {
	var (
		validationErr *domain.ValidationError
		authErr       *domain.AuthError
		rateErr       *domain.RateLimitError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusForbidden
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// clientIP strips the port from the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rawOrString keeps JSON agent responses structured in the reply envelope.
func rawOrString(body []byte) any {
	if json.Valid(body) && len(body) > 0 {
		return json.RawMessage(body)
	}
	return string(body)
}
