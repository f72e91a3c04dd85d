// Package channel holds the platform adapters: each translates one chat
// surface's wire events into router calls and delivers routed results back.
package channel

import (
	"context"
	"strings"

	"github.com/dazrave/botline/internal/domain"
)

// Router is the adapter-facing slice of the message router.
type Router interface {
	RouteMessage(ctx context.Context, platform, text string, mctx *domain.Context) (string, error)
}

// splitMessage breaks text into chunks under maxLen, preferring newline
// boundaries, for platforms with hard message-size limits.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		// Try to split on a newline.
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
