// Package overlay assembles the command bus, the timers and their
// persistence into one running overlay instance.
package overlay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/you/overlaykit/internal/broadcast"
	"github.com/you/overlaykit/internal/commandbus"
	"github.com/you/overlaykit/internal/config"
	"github.com/you/overlaykit/internal/core"
	"github.com/you/overlaykit/internal/store"
	"github.com/you/overlaykit/internal/timer"
)

// ChatSource delivers chat events. *twitchirc.Client satisfies it.
type ChatSource interface {
	On(kind core.EventKind, fn func(core.Event))
}

// Deps are the collaborators an App is built from. Every field is optional.
type Deps struct {
	Store    store.KV
	Channel  broadcast.Channel
	Replier  commandbus.Replier
	Recorder commandbus.Recorder
	Sounder  timer.Sounder
	Clock    clockwork.Clock

	// StoreFailed is called when a settings or state write fails.
	StoreFailed func()
}

type App struct {
	cfg    config.Config
	deps   Deps
	bus    *commandbus.Bus
	router *timer.Router

	mu     sync.Mutex
	sinks  []func(timer.Snapshot)
	closed bool
	// loaded indexes timers by lowercased name.
	loaded map[string]*timer.Timer
}

// New builds the bus and one timer per configured spec. Persisted settings
// and, with TimerResume, saved runtime state are layered in here.
func New(ctx context.Context, cfg config.Config, deps Deps) (*App, error) {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	opts := []commandbus.BusOption{commandbus.WithClock(deps.Clock)}
	if deps.Channel != nil {
		opts = append(opts, commandbus.WithChannel(deps.Channel))
	}
	if deps.Replier != nil {
		opts = append(opts, commandbus.WithReplier(deps.Replier))
	}
	if deps.Recorder != nil {
		opts = append(opts, commandbus.WithRecorder(deps.Recorder))
	}
	bus, err := commandbus.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("overlay: command bus: %w", err)
	}

	a := &App{
		cfg:    cfg,
		deps:   deps,
		bus:    bus,
		router: timer.NewRouter(bus),
		loaded: make(map[string]*timer.Timer),
	}
	for _, spec := range cfg.TimerSpecs() {
		if reserved(spec) {
			continue
		}
		if _, dup := a.loaded[strings.ToLower(spec.Name)]; dup {
			log.Warn().Str("timer", spec.Name).Msg("overlay: duplicate timer name ignored")
			continue
		}
		a.addTimer(ctx, spec)
	}
	log.Info().Str("instance", bus.ID()).Int("timers", len(a.loaded)).Msg("overlay: ready")
	return a, nil
}

// DefaultAlias addresses the unnamed timer over HTTP and in storage keys, so no
// timer may carry it as its own name.
const DefaultAlias = "default"

func reserved(spec config.TimerSpec) bool {
	if !strings.EqualFold(strings.TrimSpace(spec.Name), DefaultAlias) {
		return false
	}
	log.Warn().Str("timer", spec.Name).Msg("overlay: timer name is reserved for the unnamed timer; ignored")
	return true
}

func (a *App) Bus() *commandbus.Bus { return a.bus }

func (a *App) Router() *timer.Router { return a.router }

// OnSnapshot registers fn to receive every timer snapshot.
func (a *App) OnSnapshot(fn func(timer.Snapshot)) {
	a.mu.Lock()
	a.sinks = append(a.sinks, fn)
	a.mu.Unlock()
}

func (a *App) addTimer(ctx context.Context, spec config.TimerSpec) *timer.Timer {
	persisted := map[string]string{}
	if a.deps.Store != nil {
		store.Get(ctx, a.deps.Store, store.TimerSettingsKey(spec.Name), &persisted)
	}
	cfg := timer.ParseQuery(spec.Query, persisted)

	opts := []timer.Option{timer.WithClock(a.deps.Clock), timer.WithObserver(a.observe)}
	if a.deps.Sounder != nil {
		opts = append(opts, timer.WithSounder(a.deps.Sounder))
	}
	t := timer.New(cfg, opts...)

	resumed := false
	if a.cfg.TimerResume && a.deps.Store != nil {
		var saved timer.Snapshot
		if store.Get(ctx, a.deps.Store, store.TimerStateKey(cfg.TimerName), &saved) {
			t.Restore(saved)
			resumed = saved.Running
		}
	}

	a.router.Add(t)
	a.mu.Lock()
	a.loaded[strings.ToLower(cfg.TimerName)] = t
	a.mu.Unlock()
	a.SaveSettings(t)

	if cfg.AutoStart || resumed {
		t.Start()
	}
	log.Debug().
		Str("timer", cfg.TimerName).
		Str("mode", string(cfg.Mode)).
		Bool("resumed", resumed).
		Msg("overlay: timer added")
	return t
}

func (a *App) observe(snap timer.Snapshot) {
	a.mu.Lock()
	sinks := append(([]func(timer.Snapshot))(nil), a.sinks...)
	closed := a.closed
	a.mu.Unlock()
	// The shutdown pause must not overwrite the running flag used by resume.
	if a.deps.Store != nil && !closed {
		a.save(store.TimerStateKey(snap.Name), snap)
	}
	for _, fn := range sinks {
		fn(snap)
	}
}

// SaveSettings persists the timer's current configuration.
func (a *App) SaveSettings(t *timer.Timer) {
	if a.deps.Store == nil {
		return
	}
	cfg := t.Config()
	a.save(store.TimerSettingsKey(cfg.TimerName), cfg.Values())
}

func (a *App) save(key string, value any) {
	if !store.Set(context.Background(), a.deps.Store, key, value) && a.deps.StoreFailed != nil {
		a.deps.StoreFailed()
	}
}

// AttachChat routes chat messages through the command bus and chat events
// into the timers.
func (a *App) AttachChat(src ChatSource) {
	src.On(core.EventMessage, func(ev core.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.bus.Execute(ctx, ev.Text, ev.Tags, ev.Channel)
	})
	timer.Wire(src, a.router.Timers)
}

// ReloadTimers re-reads the configuration file and reconciles the timer set:
// known names get the file's settings, new names are added and names that
// disappeared are stopped and dropped.
func (a *App) ReloadTimers() (int, error) {
	path := a.cfg.ConfigFile
	if path == "" {
		return 0, fmt.Errorf("overlay: no config file configured")
	}
	f, err := config.LoadFile(path)
	if err != nil {
		return 0, err
	}
	specs, err := f.Specs()
	if err != nil {
		return 0, err
	}
	if len(specs) == 0 {
		specs = config.Config{}.TimerSpecs()
	}

	ctx := context.Background()
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if reserved(spec) {
			continue
		}
		key := strings.ToLower(spec.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		a.mu.Lock()
		t, ok := a.loaded[key]
		a.mu.Unlock()
		if !ok {
			a.addTimer(ctx, spec)
			continue
		}
		// File values win over the current settings.
		t.Apply(timer.ParseQuery(spec.Query, t.Config().Values()))
		a.SaveSettings(t)
	}

	a.mu.Lock()
	var gone []*timer.Timer
	for key, t := range a.loaded {
		if _, ok := seen[key]; !ok {
			gone = append(gone, t)
			delete(a.loaded, key)
		}
	}
	n := len(a.loaded)
	a.mu.Unlock()
	for _, t := range gone {
		t.Pause()
		a.router.Remove(t)
	}

	log.Info().Int("timers", n).Int("removed", len(gone)).Str("path", path).Msg("overlay: timers reloaded")
	return n, nil
}

// Close stops every timer and detaches from the bus. The store and the
// broadcast channel belong to the caller.
func (a *App) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	for _, t := range a.router.Timers() {
		t.Pause()
	}
	a.router.Close()
	a.bus.Close()
}
