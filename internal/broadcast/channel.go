// Package broadcast carries command notifications between independently running
// overlay instances. Delivery is best-effort: there is no acknowledgement, no
// retry, and an instance that is not subscribed at publish time never sees the
// message.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// DefaultName is the well-known channel name shared by every overlay instance.
const DefaultName = "overlay-commands"

// TypeCommand is the only envelope type currently published.
const TypeCommand = "command"

// Context is the redacted subset of an invocation forwarded to other instances.
type Context struct {
	Channel       string   `json:"channel"`
	Trigger       string   `json:"trigger"`
	Args          []string `json:"args"`
	Message       string   `json:"message"`
	DisplayName   string   `json:"displayName"`
	UserID        string   `json:"userId"`
	IsMod         bool     `json:"isMod"`
	IsBroadcaster bool     `json:"isBroadcaster"`
	IsSubscriber  bool     `json:"isSubscriber"`
}

// Envelope is the JSON message exchanged on the channel.
type Envelope struct {
	Type     string  `json:"type"`
	Trigger  string  `json:"trigger"`
	SenderID string  `json:"senderId"`
	Context  Context `json:"context"`
}

// Channel is a named publish/subscribe primitive. Subscribers receive every
// envelope published on the channel, including their own; sender filtering is
// the receiver's job.
type Channel interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(fn func(Envelope)) (cancel func(), err error)
	Close() error
}

var errInvalidEnvelope = errors.New("broadcast: invalid envelope")

// Encode marshals an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		env.Type = TypeCommand
	}
	return json.Marshal(env)
}

// Decode parses and validates a wire envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type != TypeCommand || strings.TrimSpace(env.Trigger) == "" || env.SenderID == "" {
		return Envelope{}, errInvalidEnvelope
	}
	return env, nil
}
