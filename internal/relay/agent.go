package relay

import (
	"context"
	"fmt"

	"github.com/dazrave/botline/internal/comms"
	"github.com/dazrave/botline/internal/domain"
	"github.com/dazrave/botline/internal/registry"
)

// CallbackAgent forwards messages to a registered agent's callback URL.
// It resolves the record at send time, so registration updates (new URL,
// rotated secret, deactivation) take effect without rewiring the router.
type CallbackAgent struct {
	name    string
	reg     *registry.Registry
	comms   *comms.Communicator
	retries int
}

// NewCallbackAgent creates a forwarding target for the named registry entry.
func NewCallbackAgent(name string, reg *registry.Registry, c *comms.Communicator, retries int) *CallbackAgent {
	return &CallbackAgent{name: name, reg: reg, comms: c, retries: retries}
}

func (a *CallbackAgent) Name() string { return a.name }

// Send delivers the message to the agent's callback and returns a short
// acknowledgement. The agent answers asynchronously through /notify.
func (a *CallbackAgent) Send(ctx context.Context, text string, mctx *domain.Context) (string, error) {
	rec, ok := a.reg.Agent(a.name)
	if !ok {
		return "", &domain.ConfigError{Reason: fmt.Sprintf("agent %q not registered", a.name)}
	}
	if !rec.Active {
		return "", &domain.ConfigError{Reason: fmt.Sprintf("agent %q is inactive", a.name)}
	}

	from := mctx.User
	if from == "" {
		from = mctx.SenderKey()
	}
	_, err := a.comms.SendReply(ctx, rec.CallbackURL, text, comms.ReplyOptions{
		Username: from,
		Secret:   rec.Secret,
		Retries:  a.retries,
	})
	if err != nil {
		return "", err
	}

	_ = a.reg.UpdateLastSeen(ctx, a.name)
	return fmt.Sprintf("Message sent to %s.", a.name), nil
}
