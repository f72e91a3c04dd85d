package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dazrave/botline/internal/domain"

	"github.com/gorilla/websocket"
)

// WebConfig configures the websocket web-chat adapter.
type WebConfig struct {
	Port   int
	Path   string // endpoint path (default: /ws)
	Router Router
	Logger *slog.Logger
}

// Web serves a websocket endpoint for browser-based chat clients.
type Web struct {
	port   int
	path   string
	router Router
	logger *slog.Logger
	server *http.Server

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// WSMessage is the JSON protocol spoken with web clients.
type WSMessage struct {
	Type    string `json:"type"` // "message" | "status"
	Content string `json:"content,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // configure CORS for production
	},
}

// NewWeb creates the adapter.
func NewWeb(cfg WebConfig) *Web {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	return &Web{
		port:    cfg.Port,
		path:    cfg.Path,
		router:  cfg.Router,
		logger:  cfg.Logger,
		clients: make(map[string]*wsClient),
	}
}

func (w *Web) Name() string { return "web" }

// Start runs the websocket server until ctx is cancelled.
func (w *Web) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, func(rw http.ResponseWriter, r *http.Request) {
		w.handleUpgrade(ctx, rw, r)
	})

	w.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", w.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.logger.Info("web channel starting", "port", w.port, "path", w.path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Send broadcasts text to every client in the chat; an empty chatID reaches
// all connected clients.
func (w *Web) Send(ctx context.Context, chatID, text string) error {
	w.broadcastToChat(chatID, WSMessage{Type: "message", Content: text, ChatID: chatID})
	return nil
}

func (w *Web) handleUpgrade(ctx context.Context, rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = fmt.Sprintf("web-%d", time.Now().UnixNano())
	}

	client := &wsClient{conn: conn, chatID: chatID}
	clientID := fmt.Sprintf("%s-%p", chatID, conn)

	w.mu.Lock()
	w.clients[clientID] = client
	w.mu.Unlock()

	w.logger.Info("web client connected", "client_id", clientID, "chat_id", chatID)
	client.send(WSMessage{Type: "status", Content: "connected", ChatID: chatID})

	defer func() {
		w.mu.Lock()
		delete(w.clients, clientID)
		w.mu.Unlock()
		conn.Close()
		w.logger.Info("web client disconnected", "client_id", clientID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(raw, &wsMsg); err != nil {
			w.logger.Warn("invalid websocket message", "err", err)
			continue
		}
		if wsMsg.Type != "message" {
			continue
		}

		mctx := &domain.Context{
			User:   wsMsg.UserID,
			ChatID: chatID,
			Type:   "user",
		}
		if _, err := w.router.RouteMessage(ctx, w.Name(), wsMsg.Content, mctx); err != nil {
			client.send(WSMessage{Type: "message", Content: domain.UserMessage(err), ChatID: chatID})
		}
	}
}

func (w *Web) broadcastToChat(chatID string, msg WSMessage) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, client := range w.clients {
		if client.chatID == chatID || chatID == "" {
			client.mu.Lock()
			err := client.conn.WriteMessage(websocket.TextMessage, data)
			client.mu.Unlock()
			if err != nil {
				w.logger.Debug("websocket write failed", "err", err)
			}
		}
	}
}

func (c *wsClient) send(msg WSMessage) {
	data, _ := json.Marshal(msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *Web) closeAllClients() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, client := range w.clients {
		client.conn.Close()
		delete(w.clients, id)
	}
}
