package timer

import "time"

// Phase is the pomodoro sub-state. Other modes stay in PhaseNone.
type Phase string

const (
	PhaseNone      Phase = ""
	PhaseWork      Phase = "work"
	PhaseBreak     Phase = "break"
	PhaseLongBreak Phase = "longbreak"
)

// state is the mutable runtime record shared by every mode.
type state struct {
	seconds   float64
	phase     Phase
	cycles    int
	lastDecay time.Time
	goal      int // goalathon progress counter
}

// transition reports what a tick did beyond moving the value.
type transition struct {
	zero  bool // value ran out, or a count-up reached its cap
	phase bool // pomodoro moved to another phase
}

// mode is one timer behaviour. tick is called once per loop iteration with the
// wall-clock time of the iteration.
type mode interface {
	kind() Mode
	initial(cfg Config, st *state, now time.Time)
	tick(cfg Config, st *state, now time.Time) transition
	label(cfg Config, st *state) string
}

func modeFor(m Mode) mode {
	switch m {
	case ModeCountup:
		return countup{}
	case ModePomodoro:
		return pomodoro{}
	case ModeHype:
		return hype{}
	case ModeSubathon, ModeTipathon, ModeGoalathon:
		return countdown{m: m}
	default:
		return countdown{m: ModeCountdown}
	}
}

var tickStep = time.Second.Seconds()

// countdown also drives subathon, tipathon and goalathon; they differ only in
// which external events add time.
type countdown struct{ m Mode }

func (c countdown) kind() Mode { return c.m }

func (countdown) initial(cfg Config, st *state, _ time.Time) {
	st.seconds = cfg.Duration.Seconds()
}

func (countdown) tick(_ Config, st *state, _ time.Time) transition {
	st.seconds -= tickStep
	if st.seconds <= 0 {
		st.seconds = 0
		return transition{zero: true}
	}
	return transition{}
}

func (c countdown) label(Config, *state) string {
	switch c.m {
	case ModeSubathon:
		return "Subathon"
	case ModeTipathon:
		return "Tipathon"
	case ModeGoalathon:
		return "Goalathon"
	}
	return "Countdown"
}

type countup struct{}

func (countup) kind() Mode { return ModeCountup }

func (countup) initial(_ Config, st *state, _ time.Time) { st.seconds = 0 }

func (countup) tick(cfg Config, st *state, _ time.Time) transition {
	st.seconds += tickStep
	if limit := cfg.MaxTime.Seconds(); limit > 0 && st.seconds >= limit {
		st.seconds = limit
		return transition{zero: true}
	}
	return transition{}
}

func (countup) label(Config, *state) string { return "Elapsed" }

type pomodoro struct{}

func (pomodoro) kind() Mode { return ModePomodoro }

func (pomodoro) initial(cfg Config, st *state, _ time.Time) {
	st.phase = PhaseWork
	st.cycles = 0
	st.seconds = cfg.WorkDuration.Seconds()
}

func (p pomodoro) tick(cfg Config, st *state, _ time.Time) transition {
	st.seconds -= tickStep
	if st.seconds > 0 {
		return transition{}
	}
	p.advance(cfg, st)
	return transition{phase: true}
}

// advance moves to the next phase. The cycle counter only grows when a work
// phase completes.
func (pomodoro) advance(cfg Config, st *state) {
	if st.phase == PhaseWork {
		st.cycles++
		every := cfg.CyclesBeforeLong
		if every <= 0 {
			every = 1
		}
		if st.cycles%every == 0 {
			st.phase = PhaseLongBreak
			st.seconds = cfg.LongBreakDuration.Seconds()
		} else {
			st.phase = PhaseBreak
			st.seconds = cfg.BreakDuration.Seconds()
		}
		return
	}
	st.phase = PhaseWork
	st.seconds = cfg.WorkDuration.Seconds()
}

func (pomodoro) label(_ Config, st *state) string {
	switch st.phase {
	case PhaseBreak:
		return "Break"
	case PhaseLongBreak:
		return "Long Break"
	}
	return "Focus"
}

// hype decays in proportion to wall-clock time since the previous decay, so a
// late tick removes more and an early tick removes less.
type hype struct{}

func (hype) kind() Mode { return ModeHype }

func (hype) initial(cfg Config, st *state, now time.Time) {
	st.seconds = cfg.Duration.Seconds()
	st.lastDecay = now
}

func (hype) tick(cfg Config, st *state, now time.Time) transition {
	elapsed := now.Sub(st.lastDecay)
	st.lastDecay = now
	if elapsed > 0 {
		st.seconds -= cfg.DecayRate / 60 * elapsed.Seconds()
	}
	if st.seconds <= 0 {
		st.seconds = 0
		return transition{zero: true}
	}
	return transition{}
}

func (hype) label(Config, *state) string { return "Hype" }
