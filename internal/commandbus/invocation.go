package commandbus

import (
	"context"
	"errors"

	"github.com/you/overlaykit/internal/broadcast"
	"github.com/you/overlaykit/internal/core"
)

// Replier sends a chat message to a channel.
type Replier interface {
	Say(ctx context.Context, channel, text string) error
}

// Invocation is the per-call context handed to a command handler.
type Invocation struct {
	Channel       string
	Tags          core.Tags
	Message       string
	Trigger       string
	Args          []string
	DisplayName   string
	UserID        string
	IsMod         bool
	IsBroadcaster bool
	IsSubscriber  bool

	replier Replier
}

var errNoReplier = errors.New("commandbus: no chat connection bound")

// Reply answers in the channel the command came from.
func (inv *Invocation) Reply(ctx context.Context, text string) error {
	if inv.replier == nil {
		return errNoReplier
	}
	return inv.replier.Say(ctx, inv.Channel, text)
}

// Redacted returns the subset of the invocation safe to forward to other
// instances. Raw tags are dropped.
func (inv *Invocation) Redacted() broadcast.Context {
	return broadcast.Context{
		Channel:       inv.Channel,
		Trigger:       inv.Trigger,
		Args:          append([]string(nil), inv.Args...),
		Message:       inv.Message,
		DisplayName:   inv.DisplayName,
		UserID:        inv.UserID,
		IsMod:         inv.IsMod,
		IsBroadcaster: inv.IsBroadcaster,
		IsSubscriber:  inv.IsSubscriber,
	}
}

// Notification is what subscribed listeners receive, both for local executions
// and for executions announced by other instances.
type Notification struct {
	Trigger  string
	SenderID string
	Remote   bool
	Context  broadcast.Context
}
