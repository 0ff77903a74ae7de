// Package timer implements the overlay timer: a single value advanced once per
// second under one of several modes, adjusted by chat commands and stream
// events, and reported to display subscribers after every change.
package timer

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Sound cues played on state changes.
const (
	CueStart  = "start"
	CueAdd    = "add"
	CueRemove = "remove"
	CueZero   = "zero"
	CuePhase  = "phase"
)

// Sounder plays a named cue. Implementations swallow their own failures.
type Sounder interface {
	Play(cue string)
}

// Snapshot is the display state handed to renderers after every mutation.
type Snapshot struct {
	Name      string    `json:"name"`
	Mode      Mode      `json:"mode"`
	Phase     Phase     `json:"phase,omitempty"`
	Cycles    int       `json:"cycles,omitempty"`
	Seconds   float64   `json:"seconds"`
	Display   string    `json:"display"`
	ModeLabel string    `json:"modeLabel,omitempty"`
	Label     string    `json:"label,omitempty"`
	Running   bool      `json:"running"`
	Paused    bool      `json:"paused"`
	Finished  bool      `json:"finished,omitempty"`
	Hidden    bool      `json:"hidden,omitempty"`
	Pulse     string    `json:"pulse,omitempty"`
	At        time.Time `json:"at"`
}

// Option configures a Timer.
type Option func(*Timer)

// WithClock replaces the wall clock; tests pass a fake.
func WithClock(c clockwork.Clock) Option {
	return func(t *Timer) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithSounder attaches an audio cue player.
func WithSounder(s Sounder) Option {
	return func(t *Timer) { t.sounder = s }
}

// WithObserver registers fn to receive every snapshot. Observers run on the
// goroutine that caused the change, outside the timer lock.
func WithObserver(fn func(Snapshot)) Option {
	return func(t *Timer) {
		if fn != nil {
			t.observers = append(t.observers, fn)
		}
	}
}

// Timer is safe for concurrent use. At most one tick loop runs at a time.
type Timer struct {
	clock   clockwork.Clock
	sounder Sounder

	mu       sync.Mutex
	cfg      Config
	mode     mode
	st       state
	running  bool
	finished bool
	hidden   bool
	zeroed   bool
	done     chan struct{}

	obsMu     sync.RWMutex
	observers []func(Snapshot)
}

// New builds a stopped timer initialised from cfg.
func New(cfg Config, opts ...Option) *Timer {
	t := &Timer{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(t)
	}
	t.cfg = cfg
	t.mode = modeFor(cfg.Mode)
	t.reinitLocked()
	return t
}

// Name returns the configured timer name, possibly empty.
func (t *Timer) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.TimerName
}

// Config returns the active configuration.
func (t *Timer) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Start begins the one-second tick loop. Starting a running timer does nothing.
// A timer that finished under the stop policy starts over from its configured
// value.
func (t *Timer) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	if t.finished {
		t.reinitLocked()
	}
	t.running = true
	t.hidden = false
	t.zeroed = false
	t.st.lastDecay = t.clock.Now()
	done := make(chan struct{})
	t.done = done
	ticker := t.clock.NewTicker(time.Second)
	snap := t.snapshotLocked("")
	t.mu.Unlock()

	go t.loop(ticker, done)
	t.play(CueStart)
	t.emit(snap)
}

func (t *Timer) loop(ticker clockwork.Ticker, done chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			t.tick(done)
		}
	}
}

// Pause halts the tick loop. Pausing a stopped timer does nothing.
func (t *Timer) Pause() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.haltLocked()
	snap := t.snapshotLocked("")
	t.mu.Unlock()
	t.emit(snap)
}

// Stop halts the tick loop; it is an alias of Pause.
func (t *Timer) Stop() { t.Pause() }

// Reset halts the loop and reloads the value, phase and cycle count from the
// configuration.
func (t *Timer) Reset() {
	t.mu.Lock()
	t.haltLocked()
	t.reinitLocked()
	snap := t.snapshotLocked("")
	t.mu.Unlock()
	t.emit(snap)
}

// AddTime adds d, whether or not the timer is running.
func (t *Timer) AddTime(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mutate(CueAdd, func(st *state) { st.seconds += d.Seconds() })
}

// RemoveTime subtracts d, never going below zero.
func (t *Timer) RemoveTime(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mutate(CueRemove, func(st *state) { st.seconds = math.Max(0, st.seconds-d.Seconds()) })
}

// Set overwrites the current value.
func (t *Timer) Set(d time.Duration) {
	if d < 0 {
		return
	}
	t.mutate("", func(st *state) { st.seconds = d.Seconds() })
}

func (t *Timer) mutate(cue string, fn func(*state)) {
	t.mu.Lock()
	fn(&t.st)
	t.clampLocked()
	if t.offBoundaryLocked() {
		t.zeroed = false
	}
	snap := t.snapshotLocked(cue)
	t.mu.Unlock()

	if cue != "" {
		t.play(cue)
	}
	t.emit(snap)
}

// Tick runs one loop iteration. It does nothing while the timer is stopped.
func (t *Timer) Tick() { t.tick(nil) }

// tick ignores a loop whose run has ended: a tick from the previous run can
// still be waiting on the lock after Pause and Start.
func (t *Timer) tick(run chan struct{}) {
	t.mu.Lock()
	if !t.running || (run != nil && run != t.done) {
		t.mu.Unlock()
		return
	}
	tr := t.mode.tick(t.cfg, &t.st, t.clock.Now())
	cue := ""
	if tr.phase {
		cue = CuePhase
	}
	if tr.zero && !t.zeroed {
		t.zeroed = true
		cue = CueZero
		t.atZeroLocked()
	}
	t.clampLocked()
	snap := t.snapshotLocked("")
	t.mu.Unlock()

	if cue != "" {
		t.play(cue)
	}
	t.emit(snap)
}

func (t *Timer) atZeroLocked() {
	log.Debug().Str("timer", t.cfg.TimerName).Str("policy", string(t.cfg.AtZero)).Msg("timer: reached zero")
	switch t.cfg.AtZero {
	case AtZeroPause:
		t.haltLocked()
	case AtZeroLoop:
		t.mode.initial(t.cfg, &t.st, t.clock.Now())
		t.zeroed = false
	case AtZeroHide:
		t.haltLocked()
		t.hidden = true
	default:
		t.haltLocked()
		t.finished = true
	}
}

// Snapshot returns the current display state.
func (t *Timer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked("")
}

// Apply swaps in a new configuration. A mode change reinitialises the state;
// otherwise the current value is kept and only re-clamped.
func (t *Timer) Apply(cfg Config) {
	t.mu.Lock()
	prev := t.cfg.Mode
	t.cfg = cfg
	if cfg.Mode != prev {
		t.mode = modeFor(cfg.Mode)
		t.reinitLocked()
	}
	t.clampLocked()
	snap := t.snapshotLocked("")
	t.mu.Unlock()
	t.emit(snap)
}

// Restore loads a previously saved snapshot without starting the loop.
func (t *Timer) Restore(s Snapshot) {
	t.mu.Lock()
	if s.Mode != t.cfg.Mode {
		t.mu.Unlock()
		return
	}
	t.st.seconds = math.Max(0, s.Seconds)
	if s.Mode == ModePomodoro && s.Phase != PhaseNone {
		t.st.phase = s.Phase
		t.st.cycles = s.Cycles
	}
	t.finished = s.Finished
	t.hidden = s.Hidden
	t.clampLocked()
	snap := t.snapshotLocked("")
	t.mu.Unlock()
	t.emit(snap)
}

// Subscribe returns a channel receiving every snapshot and a function to stop
// the subscription. Slow readers miss updates rather than block the timer.
func (t *Timer) Subscribe(buffer int) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, buffer)
	var (
		once   sync.Once
		closed bool
		mu     sync.Mutex
	)
	fn := func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- s:
		default:
		}
	}
	t.obsMu.Lock()
	t.observers = append(t.observers, fn)
	idx := len(t.observers) - 1
	t.obsMu.Unlock()

	cancel := func() {
		once.Do(func() {
			t.obsMu.Lock()
			if idx < len(t.observers) {
				t.observers[idx] = nil
			}
			t.obsMu.Unlock()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel
}

func (t *Timer) emit(s Snapshot) {
	t.obsMu.RLock()
	obs := make([]func(Snapshot), 0, len(t.observers))
	for _, fn := range t.observers {
		if fn != nil {
			obs = append(obs, fn)
		}
	}
	t.obsMu.RUnlock()
	for _, fn := range obs {
		fn(s)
	}
}

func (t *Timer) play(cue string) {
	if t.sounder != nil {
		t.sounder.Play(cue)
	}
}

func (t *Timer) haltLocked() {
	if !t.running {
		return
	}
	t.running = false
	close(t.done)
	t.done = nil
}

func (t *Timer) reinitLocked() {
	t.st = state{}
	t.mode.initial(t.cfg, &t.st, t.clock.Now())
	t.finished = false
	t.hidden = false
	t.zeroed = false
	t.clampLocked()
}

// clampLocked applies the minTime floor and maxTime ceiling.
func (t *Timer) clampLocked() {
	if t.st.seconds < 0 {
		t.st.seconds = 0
	}
	if floor := t.cfg.MinTime.Seconds(); floor > 0 && t.st.seconds < floor {
		t.st.seconds = floor
	}
	if ceil := t.cfg.MaxTime.Seconds(); ceil > 0 && t.st.seconds > ceil {
		t.st.seconds = ceil
	}
}

func (t *Timer) offBoundaryLocked() bool {
	if t.mode.kind() == ModeCountup {
		limit := t.cfg.MaxTime.Seconds()
		return limit <= 0 || t.st.seconds < limit
	}
	return t.st.seconds > 0
}

func (t *Timer) snapshotLocked(pulse string) Snapshot {
	s := Snapshot{
		Name:     t.cfg.TimerName,
		Mode:     t.mode.kind(),
		Phase:    t.st.phase,
		Cycles:   t.st.cycles,
		Seconds:  t.st.seconds,
		Display:  Format(t.st.seconds, t.cfg.ShowHours),
		Label:    t.cfg.Label,
		Running:  t.running,
		Paused:   !t.running,
		Finished: t.finished,
		Hidden:   t.hidden,
		At:       t.clock.Now(),
	}
	if t.cfg.ShowMode {
		s.ModeLabel = t.mode.label(t.cfg, &t.st)
	}
	switch pulse {
	case CueAdd:
		s.Pulse = "add"
	case CueRemove:
		s.Pulse = "remove"
	}
	return s
}
