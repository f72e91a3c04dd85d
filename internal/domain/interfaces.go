package domain

import "context"

// Platform is the interface for user-facing chat surfaces (Telegram, Slack,
// Discord, web). An empty chatID sends to the adapter's configured default
// destination.
type Platform interface {
	Name() string
	Start(ctx context.Context) error
	Send(ctx context.Context, chatID, text string) error
}

// Agent is a named external participant that accepts forwarded messages and
// returns a textual reply.
type Agent interface {
	Name() string
	Send(ctx context.Context, text string, mctx *Context) (string, error)
}
