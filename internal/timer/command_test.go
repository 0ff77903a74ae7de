package timer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/you/overlaykit/internal/broadcast"
	"github.com/you/overlaykit/internal/commandbus"
	"github.com/you/overlaykit/internal/core"
)

var mod = core.Tags{Username: "mod", DisplayName: "Mod", UserID: "1", Mod: true}

func newRoutedTimer(t *testing.T, bus *commandbus.Bus, name string) (*Router, *Timer) {
	t.Helper()
	cfg := countdownConfig(10*time.Minute, AtZeroStop)
	cfg.TimerName = name
	tm := New(cfg, WithClock(clockwork.NewFakeClock()))
	t.Cleanup(tm.Pause)
	r := NewRouter(bus)
	r.Add(tm)
	return r, tm
}

func newBus(t *testing.T, opts ...commandbus.BusOption) *commandbus.Bus {
	t.Helper()
	b, err := commandbus.New(opts...)
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestNamedTimerIsolation(t *testing.T) {
	bus := newBus(t)
	_, x := newRoutedTimer(t, bus, "break")
	ctx := context.Background()

	if !bus.Execute(ctx, "!timer start", mod, "chan") {
		t.Fatalf("execute failed")
	}
	if !x.Snapshot().Running {
		t.Fatalf("global start should reach named timer")
	}
	x.Pause()

	bus.Execute(ctx, "!timer otherName start", mod, "chan")
	if x.Snapshot().Running {
		t.Fatalf("command for another name must not affect timer")
	}

	bus.Execute(ctx, "!timer BREAK start", mod, "chan")
	if !x.Snapshot().Running {
		t.Fatalf("named start should reach timer")
	}
}

func TestRouterActions(t *testing.T) {
	bus := newBus(t)
	r, tm := newRoutedTimer(t, bus, "")

	steps := []struct {
		args []string
		want float64
	}{
		{[]string{"add", "2"}, 720},
		{[]string{"subtract", "1"}, 660},
		{[]string{"remove", "0.5"}, 630},
		{[]string{"set", "3"}, 180},
		{[]string{"add"}, 180},
		{[]string{"add", "lots"}, 180},
		{[]string{"set", "-4"}, 180},
		{[]string{"jump", "4"}, 180},
		{[]string{"reset"}, 600},
	}
	for _, s := range steps {
		r.Dispatch(s.args)
		if got := tm.Snapshot().Seconds; got != s.want {
			t.Fatalf("after %v: seconds = %v, want %v", s.args, got, s.want)
		}
	}
}

func TestRouterSkipsTimersWithCommandsDisabled(t *testing.T) {
	bus := newBus(t)
	r, tm := newRoutedTimer(t, bus, "")
	cfg := tm.Config()
	cfg.EnableCommands = false
	tm.Apply(cfg)

	r.Dispatch([]string{"add", "5"})
	if got := tm.Snapshot().Seconds; got != 600 {
		t.Fatalf("seconds = %v, want 600", got)
	}
}

func TestTimerCommandIsModOnly(t *testing.T) {
	bus := newBus(t)
	_, tm := newRoutedTimer(t, bus, "")

	viewer := core.Tags{Username: "v", UserID: "2"}
	if bus.Execute(context.Background(), "!timer add 5", viewer, "chan") {
		t.Fatalf("viewer should be denied")
	}
	if got := tm.Snapshot().Seconds; got != 600 {
		t.Fatalf("seconds = %v, want 600", got)
	}
}

func TestRemoteInstancesApplyOnce(t *testing.T) {
	hub := broadcast.NewHub("test")
	defer hub.Close()

	busA := newBus(t, commandbus.WithChannel(hub))
	busB := newBus(t, commandbus.WithChannel(hub))
	_, a := newRoutedTimer(t, busA, "")
	_, b := newRoutedTimer(t, busB, "")

	if !busA.Execute(context.Background(), "!timer add 1", mod, "chan") {
		t.Fatalf("execute failed")
	}
	hub.Wait()

	if got := a.Snapshot().Seconds; got != 660 {
		t.Fatalf("originating timer seconds = %v, want 660", got)
	}
	if got := b.Snapshot().Seconds; got != 660 {
		t.Fatalf("remote timer seconds = %v, want 660", got)
	}
}

func TestRouterFind(t *testing.T) {
	bus := newBus(t)
	r, tm := newRoutedTimer(t, bus, "Raid")
	if got, ok := r.Find("raid"); !ok || got != tm {
		t.Fatalf("find failed")
	}
	r.Remove(tm)
	if _, ok := r.Find("raid"); ok {
		t.Fatalf("removed timer still found")
	}
}

func TestControlBypassesEnableCommands(t *testing.T) {
	cfg := countdownConfig(10*time.Minute, AtZeroStop)
	cfg.EnableCommands = false
	tm := New(cfg, WithClock(clockwork.NewFakeClock()))

	if err := tm.Control("ADD", "2"); err != nil {
		t.Fatalf("control add: %v", err)
	}
	if got := tm.Snapshot().Seconds; got != 720 {
		t.Fatalf("seconds = %v, want 720", got)
	}
	if err := tm.Control("launch"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err = %v, want ErrUnknownAction", err)
	}
	if err := tm.Control("set", "NaN"); !errors.Is(err, ErrBadValue) {
		t.Fatalf("err = %v, want ErrBadValue", err)
	}
	if err := tm.Control("reset"); err != nil {
		t.Fatalf("control reset: %v", err)
	}
	if got := tm.Snapshot().Seconds; got != 600 {
		t.Fatalf("seconds after reset = %v, want 600", got)
	}
}
