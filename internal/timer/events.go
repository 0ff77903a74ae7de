package timer

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/you/overlaykit/internal/core"
)

// Source is the chat/event emitter timers listen to.
type Source interface {
	On(kind core.EventKind, fn func(core.Event))
}

// Wire routes stream events from src to every timer. Each timer decides from
// its own mode whether an event adds time.
func Wire(src Source, timers func() []*Timer) {
	for _, kind := range []core.EventKind{
		core.EventMessage,
		core.EventSubscription,
		core.EventResub,
		core.EventSubGift,
		core.EventCheer,
	} {
		src.On(kind, func(ev core.Event) {
			for _, t := range timers() {
				t.HandleEvent(ev)
			}
		})
	}
}

// HandleEvent converts a stream event into added time for subathon, hype and
// goalathon timers. Other modes ignore stream events.
func (t *Timer) HandleEvent(ev core.Event) {
	cfg := t.Config()
	switch cfg.Mode {
	case ModeSubathon:
		t.AddTime(subathonTime(cfg, ev))
	case ModeHype:
		switch ev.Kind {
		case core.EventMessage:
			t.AddTime(cfg.ActivityBoost)
		case core.EventCheer:
			t.AddTime(time.Duration(ev.Bits/10) * cfg.ActivityBoost)
		}
	case ModeGoalathon:
		switch {
		case cfg.GoalType == GoalSubs && (ev.Kind == core.EventSubscription || ev.Kind == core.EventResub):
			t.Progress(1)
		case cfg.GoalType == GoalSubs && ev.Kind == core.EventSubGift:
			t.Progress(giftCount(ev))
		case cfg.GoalType == GoalBits && ev.Kind == core.EventCheer:
			t.Progress(ev.Bits)
		}
	}
}

func subathonTime(cfg Config, ev core.Event) time.Duration {
	switch ev.Kind {
	case core.EventSubscription, core.EventResub:
		switch ev.Plan {
		case core.PlanTier2:
			return cfg.TimePerTier2
		case core.PlanTier3:
			return cfg.TimePerTier3
		case core.PlanPrime, core.PlanTier1, "":
			return cfg.TimePerSub
		default:
			log.Debug().Str("plan", ev.Plan).Msg("timer: unknown sub plan counted as tier 1")
			return cfg.TimePerSub
		}
	case core.EventSubGift:
		return time.Duration(giftCount(ev)) * cfg.TimePerGift
	}
	return 0
}

func giftCount(ev core.Event) int {
	if ev.GiftCount > 0 {
		return ev.GiftCount
	}
	return 1
}

// HandleTip adds Amount × timePerCurrency to a tipathon timer when the tip
// meets the configured minimum.
func (t *Timer) HandleTip(amount float64) {
	cfg := t.Config()
	if cfg.Mode != ModeTipathon || amount <= 0 || amount < cfg.TipMinimum {
		return
	}
	t.AddTime(time.Duration(amount * float64(cfg.TimePerCurrency)))
}

// HandleFollow boosts hype timers and counts toward follower goals.
func (t *Timer) HandleFollow() {
	cfg := t.Config()
	switch {
	case cfg.Mode == ModeHype:
		t.AddTime(cfg.FollowBoost)
	case cfg.Mode == ModeGoalathon && cfg.GoalType == GoalFollowers:
		t.Progress(1)
	}
}

// HandleGoal applies injected goal progress when goalType matches.
func (t *Timer) HandleGoal(goalType string, amount int) {
	cfg := t.Config()
	if cfg.Mode != ModeGoalathon || goalType != cfg.GoalType {
		return
	}
	t.Progress(amount)
}

// Progress advances a goalathon counter by n and adds timePerMilestone for
// every multiple of milestoneInterval crossed.
func (t *Timer) Progress(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	if t.cfg.Mode != ModeGoalathon {
		t.mu.Unlock()
		return
	}
	interval := t.cfg.MilestoneInterval
	if interval <= 0 {
		interval = 1
	}
	before := t.st.goal / interval
	t.st.goal += n
	crossed := t.st.goal/interval - before
	per := t.cfg.TimePerMilestone
	t.mu.Unlock()

	if crossed > 0 {
		t.AddTime(time.Duration(crossed) * per)
	}
}

// GoalProgress returns the goalathon counter.
func (t *Timer) GoalProgress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.goal
}
