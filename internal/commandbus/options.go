package commandbus

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/you/overlaykit/internal/broadcast"
)

// Option configures a single command registration. With no options a command is
// open to everyone, has no cooldown, is enabled and broadcasts on success.
type Option func(*command)

// ModOnly restricts the command to moderators and the broadcaster.
func ModOnly() Option { return func(c *command) { c.modOnly = true } }

// BroadcasterOnly restricts the command to the channel owner.
func BroadcasterOnly() Option { return func(c *command) { c.broadcasterOnly = true } }

// SubscriberOnly restricts the command to subscribers and the broadcaster.
func SubscriberOnly() Option { return func(c *command) { c.subscriberOnly = true } }

// Cooldown sets the per-user cooldown. Zero disables it.
func Cooldown(d time.Duration) Option { return func(c *command) { c.cooldown = d } }

// Description documents the command for listings.
func Description(s string) Option { return func(c *command) { c.description = s } }

// Disabled registers the command switched off.
func Disabled() Option { return func(c *command) { c.enabled = false } }

// LocalOnly suppresses the cross-instance announcement on success.
func LocalOnly() Option { return func(c *command) { c.broadcast = false } }

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithClock replaces the wall clock used by the cooldown ledger.
func WithClock(c clockwork.Clock) BusOption { return func(b *Bus) { b.clock = c } }

// WithChannel attaches the cross-instance channel.
func WithChannel(ch broadcast.Channel) BusOption { return func(b *Bus) { b.channel = ch } }

// WithReplier binds invocation replies to a chat connection.
func WithReplier(r Replier) BusOption { return func(b *Bus) { b.replier = r } }

// WithInstanceID overrides the random instance id.
func WithInstanceID(id string) BusOption {
	return func(b *Bus) {
		if id != "" {
			b.id = id
		}
	}
}

// WithRecorder reports execution outcomes to a metrics sink.
func WithRecorder(r Recorder) BusOption { return func(b *Bus) { b.recorder = r } }
