package timer

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/you/overlaykit/internal/commandbus"
)

// Trigger is the chat command controlling timers.
const Trigger = "!timer"

var actions = map[string]struct{}{
	"start": {}, "pause": {}, "stop": {}, "reset": {},
	"add": {}, "remove": {}, "subtract": {}, "set": {},
}

// Router owns the local timers and registers the !timer command on a bus.
// Executions on this instance are applied by the handler; executions announced
// by other instances arrive through the bus listener.
type Router struct {
	bus   *commandbus.Bus
	token uint64

	mu     sync.RWMutex
	timers []*Timer
}

// NewRouter registers !timer on bus (mod-only, broadcasting) and listens for
// remote executions.
func NewRouter(bus *commandbus.Bus) *Router {
	r := &Router{bus: bus}
	bus.Register([]string{Trigger}, r.handle,
		commandbus.ModOnly(),
		commandbus.Description("control overlay timers: !timer [name] start|pause|stop|reset|add|remove|subtract|set [minutes]"),
	)
	r.token = bus.Subscribe(Trigger, r.onNotification)
	return r
}

// Close detaches the router from its bus.
func (r *Router) Close() {
	r.bus.Unsubscribe(Trigger, r.token)
	r.bus.Unregister(Trigger)
}

// Add puts t under router control.
func (r *Router) Add(t *Timer) {
	r.mu.Lock()
	r.timers = append(r.timers, t)
	r.mu.Unlock()
}

// Remove drops t from router control.
func (r *Router) Remove(t *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.timers {
		if x == t {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
}

// Timers returns the timers under router control.
func (r *Router) Timers() []*Timer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Timer(nil), r.timers...)
}

// Find returns the timer whose name matches, case-insensitively.
func (r *Router) Find(name string) (*Timer, bool) {
	for _, t := range r.Timers() {
		if strings.EqualFold(t.Name(), name) {
			return t, true
		}
	}
	return nil, false
}

func (r *Router) handle(_ context.Context, inv *commandbus.Invocation) error {
	r.Dispatch(inv.Args)
	return nil
}

func (r *Router) onNotification(n commandbus.Notification) {
	if !n.Remote {
		return
	}
	r.Dispatch(n.Context.Args)
}

// Dispatch applies a !timer argument list. The first argument is either an
// action, addressing every timer, or a timer name followed by an action.
// Unknown actions and bad values are ignored.
func (r *Router) Dispatch(args []string) {
	if len(args) == 0 {
		return
	}
	var name, action string
	var rest []string
	first := strings.ToLower(args[0])
	if _, ok := actions[first]; ok {
		action, rest = first, args[1:]
	} else {
		if len(args) < 2 {
			return
		}
		name, action, rest = first, strings.ToLower(args[1]), args[2:]
		if _, ok := actions[action]; !ok {
			return
		}
	}

	for _, t := range r.Timers() {
		cfg := t.Config()
		if !cfg.EnableCommands {
			continue
		}
		if name != "" && !strings.EqualFold(cfg.TimerName, name) {
			continue
		}
		apply(t, action, rest)
	}
}

// ErrUnknownAction and ErrBadValue are returned by Control.
var (
	ErrUnknownAction = errors.New("timer: unknown action")
	ErrBadValue      = errors.New("timer: action needs a non-negative minute value")
)

// Control applies one action to t directly, bypassing the command router and
// its EnableCommands check. It backs the HTTP controls.
func (t *Timer) Control(action string, args ...string) error {
	action = strings.ToLower(strings.TrimSpace(action))
	if _, ok := actions[action]; !ok {
		return ErrUnknownAction
	}
	if !apply(t, action, args) {
		return ErrBadValue
	}
	return nil
}

func apply(t *Timer, action string, rest []string) bool {
	switch action {
	case "start":
		t.Start()
	case "pause", "stop":
		t.Pause()
	case "reset":
		t.Reset()
	case "add", "remove", "subtract", "set":
		d, ok := minutesArg(rest)
		if !ok {
			log.Debug().Str("action", action).Strs("args", rest).Msg("timer: ignoring command without a valid value")
			return false
		}
		switch action {
		case "add":
			t.AddTime(d)
		case "set":
			t.Set(d)
		default:
			t.RemoveTime(d)
		}
	}
	return true
}

func minutesArg(rest []string) (time.Duration, bool) {
	if len(rest) == 0 {
		return 0, false
	}
	n, err := strconv.ParseFloat(rest[0], 64)
	if err != nil || n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return fromUnits(n, time.Minute), true
}
