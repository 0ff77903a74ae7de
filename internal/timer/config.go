package timer

import (
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Mode selects how a timer advances.
type Mode string

const (
	ModeCountdown Mode = "countdown"
	ModeCountup   Mode = "countup"
	ModePomodoro  Mode = "pomodoro"
	ModeSubathon  Mode = "subathon"
	ModeTipathon  Mode = "tipathon"
	ModeGoalathon Mode = "goalathon"
	ModeHype      Mode = "hype"
)

// AtZero is the policy applied when a timer runs out (or a count-up hits its cap).
type AtZero string

const (
	AtZeroStop  AtZero = "stop"
	AtZeroPause AtZero = "pause"
	AtZeroLoop  AtZero = "loop"
	AtZeroHide  AtZero = "hide"
)

// Goal types counted by goalathon timers.
const (
	GoalSubs      = "subs"
	GoalBits      = "bits"
	GoalFollowers = "followers"
)

// Config is the parsed timer configuration. Durations are kept as
// time.Duration; the query surface expresses them in hours, minutes or seconds
// as documented on each key.
type Config struct {
	Mode     Mode
	Duration time.Duration // hours + minutes + seconds

	WorkDuration      time.Duration
	BreakDuration     time.Duration
	LongBreakDuration time.Duration
	CyclesBeforeLong  int

	TimePerSub   time.Duration
	TimePerTier2 time.Duration
	TimePerTier3 time.Duration
	TimePerGift  time.Duration

	TimePerCurrency time.Duration
	TipMinimum      float64

	GoalType          string
	MilestoneInterval int
	TimePerMilestone  time.Duration

	DecayRate     float64 // seconds lost per minute of wall time
	ActivityBoost time.Duration
	FollowBoost   time.Duration

	AtZero         AtZero
	AutoStart      bool
	EnableCommands bool
	TimerName      string
	MaxTime        time.Duration // zero means no ceiling
	MinTime        time.Duration // zero means no floor
	ShowHours      bool
	ShowMode       bool
	Label          string

	// Style carries presentation parameters for the overlay page untouched.
	Style map[string]string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeCountdown,
		Duration:          10 * time.Minute,
		WorkDuration:      25 * time.Minute,
		BreakDuration:     5 * time.Minute,
		LongBreakDuration: 15 * time.Minute,
		CyclesBeforeLong:  4,
		TimePerSub:        5 * time.Minute,
		TimePerTier2:      10 * time.Minute,
		TimePerTier3:      20 * time.Minute,
		TimePerGift:       5 * time.Minute,
		TimePerCurrency:   time.Minute,
		TipMinimum:        1,
		GoalType:          GoalSubs,
		MilestoneInterval: 10,
		TimePerMilestone:  10 * time.Minute,
		DecayRate:         60,
		ActivityBoost:     5 * time.Second,
		FollowBoost:       30 * time.Second,
		AtZero:            AtZeroStop,
		EnableCommands:    true,
		ShowHours:         true,
		ShowMode:          true,
	}
}

var knownKeys = map[string]struct{}{
	"mode": {}, "hours": {}, "minutes": {}, "seconds": {},
	"workDuration": {}, "breakDuration": {}, "longBreakDuration": {}, "cyclesBeforeLong": {},
	"timePerSub": {}, "timePerTier2": {}, "timePerTier3": {}, "timePerGift": {},
	"timePerCurrency": {}, "tipMinimum": {}, "goalType": {}, "milestoneInterval": {},
	"timePerMilestone": {}, "decayRate": {}, "activityBoost": {}, "followBoost": {},
	"atZero": {}, "autoStart": {}, "enableCommands": {}, "timerName": {}, "maxTime": {},
	"minTime": {}, "showHours": {}, "showMode": {}, "label": {},
}

// layers resolves a key from the highest-priority source that holds a usable
// value: URL parameters first, then persisted settings.
type layers struct {
	url       url.Values
	persisted map[string]string
}

func (l layers) lookups() []func(string) (string, bool) {
	var out []func(string) (string, bool)
	if l.url != nil {
		out = append(out, func(key string) (string, bool) {
			if _, ok := l.url[key]; !ok {
				return "", false
			}
			return strings.TrimSpace(l.url.Get(key)), true
		})
	}
	if l.persisted != nil {
		out = append(out, func(key string) (string, bool) {
			raw, ok := l.persisted[key]
			return strings.TrimSpace(raw), ok
		})
	}
	return out
}

func (l layers) each(key string, fn func(string) bool) bool {
	for _, lookup := range l.lookups() {
		if raw, ok := lookup(key); ok && fn(raw) {
			return true
		}
	}
	return false
}

func (l layers) float(key string, def float64, valid func(float64) bool) float64 {
	out := def
	l.each(key, func(raw string) bool {
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) || !valid(n) {
			return false
		}
		out = n
		return true
	})
	return out
}

func (l layers) int(key string, def int, valid func(int) bool) int {
	out := def
	l.each(key, func(raw string) bool {
		n, err := strconv.Atoi(raw)
		if err != nil || !valid(n) {
			return false
		}
		out = n
		return true
	})
	return out
}

func (l layers) bool(key string, def bool) bool {
	out := def
	l.each(key, func(raw string) bool {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return false
		}
		out = v
		return true
	})
	return out
}

func (l layers) str(key string, def string, valid func(string) bool) string {
	out := def
	l.each(key, func(raw string) bool {
		if !valid(raw) {
			return false
		}
		out = raw
		return true
	})
	return out
}

func (l layers) minutes(key string, def time.Duration) time.Duration {
	return l.units(key, def, time.Minute)
}

func (l layers) seconds(key string, def time.Duration) time.Duration {
	return l.units(key, def, time.Second)
}

func (l layers) units(key string, def, unit time.Duration) time.Duration {
	return fromUnits(l.float(key, toUnits(def, unit), fitsDuration(unit)), unit)
}

var durationUnits = []struct {
	key  string
	unit time.Duration
}{
	{"hours", time.Hour},
	{"minutes", time.Minute},
	{"seconds", time.Second},
}

// duration resolves hours, minutes and seconds as one group. The first layer
// holding a usable value for any of them supplies all three, with the keys it
// lacks counting as zero.
func (l layers) duration(def time.Duration) time.Duration {
	for _, lookup := range l.lookups() {
		var total float64
		found := false
		for _, u := range durationUnits {
			raw, ok := lookup(u.key)
			if !ok {
				continue
			}
			n, err := strconv.ParseFloat(raw, 64)
			if err != nil || math.IsNaN(n) || !fitsDuration(u.unit)(n) {
				continue
			}
			total += n * float64(u.unit)
			found = true
		}
		if found && total < float64(math.MaxInt64) {
			return time.Duration(math.Round(total))
		}
	}
	return def
}

func nonNegative(n float64) bool { return n >= 0 }
func positiveInt(n int) bool     { return n > 0 }
func anyString(string) bool      { return true }

// fitsDuration rejects negative amounts and amounts of unit that overflow a
// time.Duration.
func fitsDuration(unit time.Duration) func(float64) bool {
	return func(n float64) bool { return n >= 0 && n*float64(unit) < float64(math.MaxInt64) }
}

func toUnits(d, unit time.Duration) float64 { return float64(d) / float64(unit) }

func fromUnits(n float64, unit time.Duration) time.Duration {
	return time.Duration(math.Round(n * float64(unit)))
}

// ParseQuery builds a Config from URL parameters layered over persisted
// settings layered over defaults. Unparseable values fall back to the next
// layer; parsing never fails.
func ParseQuery(values url.Values, persisted map[string]string) Config {
	l := layers{url: values, persisted: persisted}
	def := DefaultConfig()
	cfg := def

	cfg.Mode = Mode(strings.ToLower(l.str("mode", string(def.Mode), func(s string) bool {
		return validMode(Mode(strings.ToLower(s)))
	})))

	cfg.Duration = l.duration(def.Duration)

	cfg.WorkDuration = l.minutes("workDuration", def.WorkDuration)
	cfg.BreakDuration = l.minutes("breakDuration", def.BreakDuration)
	cfg.LongBreakDuration = l.minutes("longBreakDuration", def.LongBreakDuration)
	cfg.CyclesBeforeLong = l.int("cyclesBeforeLong", def.CyclesBeforeLong, positiveInt)

	cfg.TimePerSub = l.minutes("timePerSub", def.TimePerSub)
	cfg.TimePerTier2 = l.minutes("timePerTier2", def.TimePerTier2)
	cfg.TimePerTier3 = l.minutes("timePerTier3", def.TimePerTier3)
	cfg.TimePerGift = l.minutes("timePerGift", def.TimePerGift)

	cfg.TimePerCurrency = l.minutes("timePerCurrency", def.TimePerCurrency)
	cfg.TipMinimum = l.float("tipMinimum", def.TipMinimum, nonNegative)

	cfg.GoalType = strings.ToLower(l.str("goalType", def.GoalType, func(s string) bool {
		switch strings.ToLower(s) {
		case GoalSubs, GoalBits, GoalFollowers:
			return true
		}
		return false
	}))
	cfg.MilestoneInterval = l.int("milestoneInterval", def.MilestoneInterval, positiveInt)
	cfg.TimePerMilestone = l.minutes("timePerMilestone", def.TimePerMilestone)

	cfg.DecayRate = l.float("decayRate", def.DecayRate, nonNegative)
	cfg.ActivityBoost = l.seconds("activityBoost", def.ActivityBoost)
	cfg.FollowBoost = l.seconds("followBoost", def.FollowBoost)

	cfg.AtZero = AtZero(strings.ToLower(l.str("atZero", string(def.AtZero), func(s string) bool {
		switch AtZero(strings.ToLower(s)) {
		case AtZeroStop, AtZeroPause, AtZeroLoop, AtZeroHide:
			return true
		}
		return false
	})))
	cfg.AutoStart = l.bool("autoStart", def.AutoStart)
	cfg.EnableCommands = l.bool("enableCommands", def.EnableCommands)
	cfg.TimerName = l.str("timerName", def.TimerName, anyString)
	cfg.MaxTime = l.units("maxTime", def.MaxTime, time.Hour)
	cfg.MinTime = l.units("minTime", def.MinTime, time.Minute)
	cfg.ShowHours = l.bool("showHours", def.ShowHours)
	cfg.ShowMode = l.bool("showMode", def.ShowMode)
	cfg.Label = l.str("label", def.Label, anyString)

	cfg.Style = make(map[string]string)
	for key, raw := range persisted {
		if _, ok := knownKeys[key]; !ok {
			cfg.Style[key] = raw
		}
	}
	for key := range values {
		if _, ok := knownKeys[key]; !ok {
			cfg.Style[key] = values.Get(key)
		}
	}
	return cfg
}

func validMode(m Mode) bool {
	switch m {
	case ModeCountdown, ModeCountup, ModePomodoro, ModeSubathon, ModeTipathon, ModeGoalathon, ModeHype:
		return true
	}
	return false
}

// Values serializes the config back to the flat key/value surface, suitable
// for persisting and for feeding ParseQuery again.
func (c Config) Values() map[string]string {
	fmtFloat := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	mins := func(d time.Duration) string { return fmtFloat(toUnits(d, time.Minute)) }
	secs := func(d time.Duration) string { return fmtFloat(toUnits(d, time.Second)) }

	out := map[string]string{
		"mode":              string(c.Mode),
		"hours":             "0",
		"minutes":           "0",
		"seconds":           secs(c.Duration),
		"workDuration":      mins(c.WorkDuration),
		"breakDuration":     mins(c.BreakDuration),
		"longBreakDuration": mins(c.LongBreakDuration),
		"cyclesBeforeLong":  strconv.Itoa(c.CyclesBeforeLong),
		"timePerSub":        mins(c.TimePerSub),
		"timePerTier2":      mins(c.TimePerTier2),
		"timePerTier3":      mins(c.TimePerTier3),
		"timePerGift":       mins(c.TimePerGift),
		"timePerCurrency":   mins(c.TimePerCurrency),
		"tipMinimum":        fmtFloat(c.TipMinimum),
		"goalType":          c.GoalType,
		"milestoneInterval": strconv.Itoa(c.MilestoneInterval),
		"timePerMilestone":  mins(c.TimePerMilestone),
		"decayRate":         fmtFloat(c.DecayRate),
		"activityBoost":     secs(c.ActivityBoost),
		"followBoost":       secs(c.FollowBoost),
		"atZero":            string(c.AtZero),
		"autoStart":         strconv.FormatBool(c.AutoStart),
		"enableCommands":    strconv.FormatBool(c.EnableCommands),
		"timerName":         c.TimerName,
		"maxTime":           fmtFloat(toUnits(c.MaxTime, time.Hour)),
		"minTime":           mins(c.MinTime),
		"showHours":         strconv.FormatBool(c.ShowHours),
		"showMode":          strconv.FormatBool(c.ShowMode),
		"label":             c.Label,
	}
	for k, v := range c.Style {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// Query renders Values as a stable URL query string.
func (c Config) Query() string {
	vals := c.Values()
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	q := url.Values{}
	for _, k := range keys {
		q.Set(k, vals[k])
	}
	return q.Encode()
}
