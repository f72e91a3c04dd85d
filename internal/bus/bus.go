package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dazrave/botline/internal/domain"
)

// Well-known event names.
const (
	EventIncoming   = "message:incoming"
	EventOutgoing   = "message:outgoing"
	EventAgentStart = "agent:start"
	EventNotify     = "agent:notify"
	EventError      = "error"
)

const defaultBufferSize = 100

// Middleware inspects or annotates a message before subscribers see it.
// It must call proceed to continue the chain; returning an error aborts the
// publish, and returning nil without calling proceed silently drops the
// message (the documented filter mechanism).
type Middleware func(msg *domain.Message, proceed func() error) error

// Handler receives messages for a subscribed event.
type Handler func(msg *domain.Message)

// BufferEntry is one retained message in the bus history.
type BufferEntry struct {
	Event     string
	Preview   string
	Context   *domain.Context
	Timestamp time.Time
}

// BufferStats summarizes the retained history.
type BufferStats struct {
	Size   int
	Max    int
	Oldest time.Time
	Newest time.Time
}

// Bus is the central pub/sub: every published message is buffered, run
// through the middleware chain in registration order, then fanned out to
// subscribers of its event.
type Bus struct {
	mu          sync.RWMutex
	middleware  []Middleware
	subscribers map[string][]Handler
	buffer      []BufferEntry
	maxBuffer   int
	logger      *slog.Logger
}

// New creates a Bus retaining at most bufferSize messages.
func New(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string][]Handler),
		maxBuffer:   bufferSize,
		logger:      logger,
	}
}

// Use appends a middleware to the chain. Chain order is registration order.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Subscribe registers a handler for the given event.
func (b *Bus) Subscribe(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[event] = append(b.subscribers[event], h)
}

// Publish buffers the message, runs the middleware chain, and on success
// emits the event to subscribers. A middleware error aborts the publish:
// nothing is emitted, the error is broadcast on the internal error event,
// and the error is returned. A middleware that never calls proceed stops
// the chain without error and without emission.
func (b *Bus) Publish(event, text string, mctx *domain.Context) error {
	if mctx == nil {
		mctx = &domain.Context{}
	}
	msg := &domain.Message{
		Event:     event,
		Text:      text,
		Context:   mctx,
		Timestamp: time.Now(),
	}

	b.appendBuffer(msg)

	completed, err := b.runChain(msg)
	if err != nil {
		b.emit(&domain.Message{
			Event:     EventError,
			Text:      err.Error(),
			Context:   mctx,
			Timestamp: time.Now(),
		})
		return err
	}
	if !completed {
		// A middleware held the message back deliberately.
		b.logger.Debug("message dropped by middleware", "event", event, "sender", mctx.SenderKey())
		return nil
	}

	b.emit(msg)
	return nil
}

// runChain executes the middleware chain in registration order. completed
// reports whether the final middleware handed off; a false value with a nil
// error is a silent drop.
func (b *Bus) runChain(msg *domain.Message) (completed bool, err error) {
	b.mu.RLock()
	chain := make([]Middleware, len(b.middleware))
	copy(chain, b.middleware)
	b.mu.RUnlock()

	var run func(i int) error
	run = func(i int) error {
		if i >= len(chain) {
			completed = true
			return nil
		}
		return chain[i](msg, func() error { return run(i + 1) })
	}
	return completed, run(0)
}

// emit delivers to subscribers of the message's event. A panicking handler
// is recovered so one subscriber cannot take down the publish path.
func (b *Bus) emit(msg *domain.Message) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.subscribers[msg.Event]))
	copy(handlers, b.subscribers[msg.Event])
	b.mu.RUnlock()

	for _, h := range handlers {
		func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("subscriber panic", "event", msg.Event, "panic", r)
				}
			}()
			h(msg)
		}(h)
	}
}

// Emit bypasses the buffer and middleware chain and notifies subscribers
// directly. Used for synthetic internal events such as command-triggered
// agent starts.
func (b *Bus) Emit(event, text string, mctx *domain.Context) {
	if mctx == nil {
		mctx = &domain.Context{}
	}
	b.emit(&domain.Message{Event: event, Text: text, Context: mctx, Timestamp: time.Now()})
}

func (b *Bus) appendBuffer(msg *domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buffer) >= b.maxBuffer {
		b.buffer = b.buffer[1:]
	}
	b.buffer = append(b.buffer, BufferEntry{
		Event:     msg.Event,
		Preview:   preview(msg.Text),
		Context:   msg.Context,
		Timestamp: msg.Timestamp,
	})
}

// RecentMessages returns the last n buffer entries in publish order, fewer
// if the buffer holds less.
func (b *Bus) RecentMessages(n int) []BufferEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || len(b.buffer) == 0 {
		return nil
	}
	if n > len(b.buffer) {
		n = len(b.buffer)
	}
	out := make([]BufferEntry, n)
	copy(out, b.buffer[len(b.buffer)-n:])
	return out
}

// Stats reports buffer occupancy. Oldest and Newest are zero when empty.
func (b *Bus) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := BufferStats{Size: len(b.buffer), Max: b.maxBuffer}
	if len(b.buffer) > 0 {
		stats.Oldest = b.buffer[0].Timestamp
		stats.Newest = b.buffer[len(b.buffer)-1].Timestamp
	}
	return stats
}

const previewLen = 120

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLen {
		return text
	}
	return string(runes[:previewLen]) + "…"
}
