// Package commandbus dispatches chat commands: it parses a message into a trigger
// and arguments, enforces permission and per-user cooldown policy, runs the
// registered handler, and announces successful executions to other overlay
// instances so they can react without re-running the privileged handler.
package commandbus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/you/overlaykit/internal/broadcast"
	"github.com/you/overlaykit/internal/core"
)

// Handler runs a command. A returned error or a panic marks the execution failed.
type Handler func(ctx context.Context, inv *Invocation) error

// Listener reacts to a command that already ran, here or on another instance.
type Listener func(n Notification)

// Recorder receives execution outcomes. Implementations must be safe for
// concurrent use.
type Recorder interface {
	CommandOutcome(trigger, outcome string)
	BroadcastReceived(trigger string)
}

// Execution outcomes reported to the Recorder.
const (
	OutcomeOK         = "ok"
	OutcomePermission = "denied_permission"
	OutcomeCooldown   = "denied_cooldown"
	OutcomeError      = "error"
)

type command struct {
	triggers        []string
	handler         Handler
	modOnly         bool
	broadcasterOnly bool
	subscriberOnly  bool
	cooldown        time.Duration
	description     string
	enabled         bool
	broadcast       bool
}

type cooldownKey struct {
	trigger string
	userID  string
}

// Bus is one command dispatcher instance. Every instance has its own random id
// used to drop its own broadcast echoes.
type Bus struct {
	id       string
	clock    clockwork.Clock
	channel  broadcast.Channel
	replier  Replier
	recorder Recorder

	mu        sync.RWMutex
	commands  map[string]*command
	listeners map[string]map[uint64]Listener
	nextID    uint64
	cooldowns map[cooldownKey]time.Time

	unsubscribe func()
}

// New builds a bus and, when a channel is configured, starts listening for
// announcements from other instances.
func New(opts ...BusOption) (*Bus, error) {
	b := &Bus{
		id:        uuid.NewString(),
		clock:     clockwork.NewRealClock(),
		commands:  make(map[string]*command),
		listeners: make(map[string]map[uint64]Listener),
		cooldowns: make(map[cooldownKey]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.channel != nil {
		cancel, err := b.channel.Subscribe(b.receive)
		if err != nil {
			return nil, fmt.Errorf("commandbus: subscribe channel: %w", err)
		}
		b.unsubscribe = cancel
	}
	return b, nil
}

// ID returns the instance id stamped on outgoing broadcasts.
func (b *Bus) ID() string { return b.id }

// Close stops receiving announcements. The channel itself is left open.
func (b *Bus) Close() {
	b.mu.Lock()
	cancel := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Register stores handler under every trigger, replacing earlier registrations.
// Triggers are case-insensitive.
func (b *Bus) Register(triggers []string, handler Handler, opts ...Option) {
	cmd := &command{handler: handler, enabled: true, broadcast: true}
	for _, opt := range opts {
		opt(cmd)
	}
	for _, t := range triggers {
		if key := normalize(t); key != "" {
			cmd.triggers = append(cmd.triggers, key)
		}
	}

	b.mu.Lock()
	for _, key := range cmd.triggers {
		b.commands[key] = cmd
	}
	b.mu.Unlock()

	log.Debug().Strs("triggers", cmd.triggers).Msg("commandbus: registered")
}

// Unregister removes one trigger. Aliases sharing its descriptor stay.
func (b *Bus) Unregister(trigger string) bool {
	key := normalize(trigger)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.commands[key]; !ok {
		return false
	}
	delete(b.commands, key)
	return true
}

// Enable switches a command (and its aliases) on.
func (b *Bus) Enable(trigger string) bool { return b.setEnabled(trigger, true) }

// Disable switches a command (and its aliases) off.
func (b *Bus) Disable(trigger string) bool { return b.setEnabled(trigger, false) }

func (b *Bus) setEnabled(trigger string, enabled bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cmd, ok := b.commands[normalize(trigger)]
	if !ok {
		return false
	}
	cmd.enabled = enabled
	return true
}

// Subscribe adds a listener for trigger and returns a token for Unsubscribe.
func (b *Bus) Subscribe(trigger string, fn Listener) uint64 {
	key := normalize(trigger)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	set := b.listeners[key]
	if set == nil {
		set = make(map[uint64]Listener)
		b.listeners[key] = set
	}
	set[b.nextID] = fn
	return b.nextID
}

// Unsubscribe removes a listener previously added with Subscribe.
func (b *Bus) Unsubscribe(trigger string, token uint64) {
	key := normalize(trigger)
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.listeners[key]
	delete(set, token)
	if len(set) == 0 {
		delete(b.listeners, key)
	}
}

// ResetCooldowns clears the whole cooldown ledger.
func (b *Bus) ResetCooldowns() {
	b.mu.Lock()
	b.cooldowns = make(map[cooldownKey]time.Time)
	b.mu.Unlock()
}

// Execute parses message and runs the matching command. It reports whether the
// command ran successfully; unknown, disabled, denied and failed commands all
// return false and never propagate an error to the caller.
func (b *Bus) Execute(ctx context.Context, message string, tags core.Tags, channel string) bool {
	trigger, args := tokenize(message)
	if trigger == "" {
		return false
	}

	b.mu.RLock()
	cmd, ok := b.commands[trigger]
	enabled := ok && cmd.enabled
	b.mu.RUnlock()
	if !enabled {
		return false
	}

	inv := &Invocation{
		Channel:       strings.TrimPrefix(channel, "#"),
		Tags:          tags,
		Message:       message,
		Trigger:       trigger,
		Args:          args,
		DisplayName:   tags.Name(),
		UserID:        tags.UserID,
		IsMod:         tags.Mod,
		IsBroadcaster: tags.Broadcaster,
		IsSubscriber:  tags.Subscriber,
		replier:       b.replier,
	}

	if reason := permissionDenied(cmd, inv); reason != "" {
		log.Warn().
			Str("trigger", trigger).
			Str("user", inv.DisplayName).
			Str("reason", reason).
			Msg("commandbus: permission denied")
		b.record(trigger, OutcomePermission)
		return false
	}

	if cmd.cooldown > 0 {
		if remaining, ok := b.takeCooldown(trigger, inv.UserID, cmd.cooldown); !ok {
			log.Warn().
				Str("trigger", trigger).
				Str("user", inv.DisplayName).
				Float64("remaining_secs", remaining.Seconds()).
				Msg("commandbus: on cooldown")
			b.record(trigger, OutcomeCooldown)
			return false
		}
	}

	if err := runHandler(ctx, cmd.handler, inv); err != nil {
		log.Error().
			Err(err).
			Str("trigger", trigger).
			Str("user", inv.DisplayName).
			Str("user_id", inv.UserID).
			Strs("args", args).
			Msg("commandbus: handler failed")
		b.record(trigger, OutcomeError)
		return false
	}
	b.record(trigger, OutcomeOK)

	if cmd.broadcast {
		redacted := inv.Redacted()
		b.publish(ctx, trigger, redacted)
		b.notify(Notification{Trigger: trigger, SenderID: b.id, Context: redacted})
	}
	return true
}

// takeCooldown checks the ledger and, when allowed, records now before the
// handler runs so a duplicate message cannot slip past a slow handler.
func (b *Bus) takeCooldown(trigger, userID string, cooldown time.Duration) (time.Duration, bool) {
	key := cooldownKey{trigger: trigger, userID: userID}
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if last, ok := b.cooldowns[key]; ok {
		if elapsed := now.Sub(last); elapsed < cooldown {
			return cooldown - elapsed, false
		}
	}
	b.cooldowns[key] = now
	return 0, true
}

func (b *Bus) publish(ctx context.Context, trigger string, redacted broadcast.Context) {
	if b.channel == nil {
		return
	}
	env := broadcast.Envelope{
		Type:     broadcast.TypeCommand,
		Trigger:  trigger,
		SenderID: b.id,
		Context:  redacted,
	}
	if err := b.channel.Publish(ctx, env); err != nil {
		log.Debug().Err(err).Str("trigger", trigger).Msg("commandbus: broadcast not sent")
	}
}

func (b *Bus) receive(env broadcast.Envelope) {
	if env.SenderID == b.id {
		return
	}
	trigger := normalize(env.Trigger)
	if r := b.recorder; r != nil {
		r.BroadcastReceived(trigger)
	}
	b.notify(Notification{Trigger: trigger, SenderID: env.SenderID, Remote: true, Context: env.Context})
}

func (b *Bus) notify(n Notification) {
	b.mu.RLock()
	set := b.listeners[n.Trigger]
	tokens := make([]uint64, 0, len(set))
	for token := range set {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	fns := make([]Listener, 0, len(tokens))
	for _, token := range tokens {
		fns = append(fns, set[token])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		callListener(fn, n)
	}
}

func (b *Bus) record(trigger, outcome string) {
	if b.recorder != nil {
		b.recorder.CommandOutcome(trigger, outcome)
	}
}

func callListener(fn Listener, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("trigger", n.Trigger).Interface("panic", r).Msg("commandbus: listener panicked")
		}
	}()
	fn(n)
}

func runHandler(ctx context.Context, h Handler, inv *Invocation) (err error) {
	if h == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, inv)
}

func permissionDenied(cmd *command, inv *Invocation) string {
	if cmd.broadcasterOnly && !inv.IsBroadcaster {
		return "broadcaster only"
	}
	if cmd.modOnly && !inv.IsMod && !inv.IsBroadcaster {
		return "moderator only"
	}
	if cmd.subscriberOnly && !inv.IsSubscriber && !inv.IsBroadcaster {
		return "subscriber only"
	}
	return ""
}

// Info describes a registered command.
type Info struct {
	Triggers        []string      `json:"triggers"`
	Description     string        `json:"description,omitempty"`
	ModOnly         bool          `json:"mod_only"`
	BroadcasterOnly bool          `json:"broadcaster_only"`
	SubscriberOnly  bool          `json:"subscriber_only"`
	Cooldown        time.Duration `json:"cooldown_ns"`
	Enabled         bool          `json:"enabled"`
	Broadcast       bool          `json:"broadcast"`
}

// Commands lists registered commands, one entry per descriptor.
func (b *Bus) Commands() []Info {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[*command]struct{})
	var out []Info
	for _, cmd := range b.commands {
		if _, ok := seen[cmd]; ok {
			continue
		}
		seen[cmd] = struct{}{}
		var live []string
		for _, t := range cmd.triggers {
			if b.commands[t] == cmd {
				live = append(live, t)
			}
		}
		out = append(out, Info{
			Triggers:        live,
			Description:     cmd.description,
			ModOnly:         cmd.modOnly,
			BroadcasterOnly: cmd.broadcasterOnly,
			SubscriberOnly:  cmd.subscriberOnly,
			Cooldown:        cmd.cooldown,
			Enabled:         cmd.enabled,
			Broadcast:       cmd.broadcast,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Triggers[0] < out[j].Triggers[0] })
	return out
}

// tagSpace is appended by some chat clients to make repeated messages unique.
const tagSpace = "\U000E0000"

func tokenize(message string) (string, []string) {
	var fields []string
	for _, f := range strings.Fields(message) {
		f = strings.ReplaceAll(f, tagSpace, "")
		if f != "" {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func normalize(trigger string) string {
	return strings.ToLower(strings.TrimSpace(trigger))
}
