package domain

import "time"

// Message is the envelope carried through the bus. Event and Text are fixed
// once published; Context is mutable while the middleware chain runs and is
// discarded after routing completes.
type Message struct {
	Event     string
	Text      string
	Context   *Context
	Timestamp time.Time
}

// Context is the per-message bag threaded through the middleware chain.
// Middleware may annotate it (command detection fills IsCommand/Command/Args);
// everything else is set by whoever received the message.
type Context struct {
	Platform string // originating platform adapter name
	User     string // platform-level sender identity
	From     string // agent name for agent-originated traffic
	ChatID   string // platform conversation to deliver replies into
	IP       string // remote address for agent-originated traffic
	Secret   string // shared secret supplied with the message, if any
	Type     string // "user" | "agent"
	Agent    string // explicit target agent, overrides the default

	IsCommand bool
	Command   string
	Args      []string
}

// SenderKey returns the identity used for per-sender bookkeeping such as
// rate limiting: user, then agent name, then IP, else a shared bucket.
func (c *Context) SenderKey() string {
	switch {
	case c.User != "":
		return c.User
	case c.From != "":
		return c.From
	case c.IP != "":
		return c.IP
	}
	return "unknown"
}
