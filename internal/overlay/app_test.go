package overlay

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/you/overlaykit/internal/config"
	"github.com/you/overlaykit/internal/core"
	"github.com/you/overlaykit/internal/store"
	"github.com/you/overlaykit/internal/timer"
)

type fakeSource struct {
	handlers map[core.EventKind][]func(core.Event)
}

func (f *fakeSource) On(kind core.EventKind, fn func(core.Event)) {
	if f.handlers == nil {
		f.handlers = make(map[core.EventKind][]func(core.Event))
	}
	f.handlers[kind] = append(f.handlers[kind], fn)
}

func (f *fakeSource) emit(ev core.Event) {
	for _, fn := range f.handlers[ev.Kind] {
		fn(ev)
	}
}

func openStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "overlay.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func spec(query string) config.TimerSpec {
	q, err := url.ParseQuery(query)
	if err != nil {
		panic(err)
	}
	return config.TimerSpec{Name: q.Get("timerName"), Query: q}
}

func newApp(t *testing.T, cfg config.Config, deps Deps) *App {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = clockwork.NewFakeClock()
	}
	app, err := New(context.Background(), cfg, deps)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(app.Close)
	return app
}

func find(t *testing.T, app *App, name string) *timer.Timer {
	t.Helper()
	tm, ok := app.Router().Find(name)
	if !ok {
		t.Fatalf("timer %q not found", name)
	}
	return tm
}

func TestPersistedSettingsLayering(t *testing.T) {
	kv := openStore(t)
	ctx := context.Background()
	store.Set(ctx, kv, store.TimerSettingsKey("raid"), map[string]string{"mode": "hype", "decayRate": "30"})
	store.Set(ctx, kv, store.TimerSettingsKey("focus"), map[string]string{"mode": "hype"})

	cfg := config.Config{Timers: []config.TimerSpec{
		spec("timerName=raid"),
		spec("timerName=focus&mode=pomodoro"),
	}}
	app := newApp(t, cfg, Deps{Store: kv})

	raid := find(t, app, "raid").Config()
	if raid.Mode != timer.ModeHype || raid.DecayRate != 30 {
		t.Fatalf("persisted settings not applied: %+v", raid)
	}
	if got := find(t, app, "focus").Config().Mode; got != timer.ModePomodoro {
		t.Fatalf("url value should win, got %s", got)
	}

	var saved map[string]string
	if !store.Get(ctx, kv, store.TimerSettingsKey("focus"), &saved) || saved["mode"] != "pomodoro" {
		t.Fatalf("effective settings not saved: %v", saved)
	}
}

func TestResumeRestoresRunningState(t *testing.T) {
	kv := openStore(t)
	ctx := context.Background()
	store.Set(ctx, kv, store.TimerStateKey("main"), timer.Snapshot{
		Name: "main", Mode: timer.ModeCountdown, Seconds: 42, Running: true,
	})

	cfg := config.Config{TimerResume: true, Timers: []config.TimerSpec{spec("timerName=main")}}
	app := newApp(t, cfg, Deps{Store: kv})

	snap := find(t, app, "main").Snapshot()
	if snap.Seconds != 42 || !snap.Running {
		t.Fatalf("state not resumed: %+v", snap)
	}

	other := newApp(t, config.Config{Timers: []config.TimerSpec{spec("timerName=main")}}, Deps{Store: kv})
	if got := find(t, other, "main").Snapshot().Seconds; got != 600 {
		t.Fatalf("resume disabled should start fresh, got %v", got)
	}
}

func TestRestartKeepsConfiguredDuration(t *testing.T) {
	kv := openStore(t)
	cfg := config.Config{Timers: []config.TimerSpec{spec("timerName=main&minutes=5")}}

	for i := 0; i < 3; i++ {
		app := newApp(t, cfg, Deps{Store: kv})
		if got := find(t, app, "main").Config().Duration; got != 5*time.Minute {
			t.Fatalf("start %d: duration = %v", i, got)
		}
		app.Close()
	}
}

func TestCloseKeepsRunningFlagForResume(t *testing.T) {
	kv := openStore(t)
	app, err := New(context.Background(), config.Config{Timers: []config.TimerSpec{spec("timerName=main&autoStart=true")}},
		Deps{Store: kv, Clock: clockwork.NewFakeClock()})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if !find(t, app, "main").Snapshot().Running {
		t.Fatalf("autoStart should start the timer")
	}
	app.Close()

	var saved timer.Snapshot
	if !store.Get(context.Background(), kv, store.TimerStateKey("main"), &saved) || !saved.Running {
		t.Fatalf("saved state lost the running flag: %+v", saved)
	}
}

func TestSnapshotsReachSinks(t *testing.T) {
	app := newApp(t, config.Config{}, Deps{})

	var (
		mu  sync.Mutex
		got []timer.Snapshot
	)
	app.OnSnapshot(func(s timer.Snapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	find(t, app, "").AddTime(time.Minute)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Seconds != 660 || got[0].Pulse != "add" {
		t.Fatalf("unexpected snapshots %+v", got)
	}
}

func TestChatDrivesCommandsAndEvents(t *testing.T) {
	cfg := config.Config{Timers: []config.TimerSpec{
		spec("timerName=main"),
		spec("timerName=subs&mode=subathon&minutes=0"),
	}}
	app := newApp(t, cfg, Deps{})
	src := &fakeSource{}
	app.AttachChat(src)

	src.emit(core.Event{
		Kind:    core.EventMessage,
		Channel: "chan",
		Text:    "!timer main add 5",
		Tags:    core.Tags{Username: "mod", UserID: "1", Mod: true},
	})
	if got := find(t, app, "main").Snapshot().Seconds; got != 900 {
		t.Fatalf("command not applied, seconds = %v", got)
	}

	src.emit(core.Event{
		Kind:    core.EventMessage,
		Channel: "chan",
		Text:    "!timer main add 5",
		Tags:    core.Tags{Username: "viewer", UserID: "2"},
	})
	if got := find(t, app, "main").Snapshot().Seconds; got != 900 {
		t.Fatalf("non-moderator command applied, seconds = %v", got)
	}

	src.emit(core.Event{Kind: core.EventSubscription, Channel: "chan", Plan: core.PlanTier2})
	if got := find(t, app, "subs").Snapshot().Seconds; got != 600 {
		t.Fatalf("tier 2 sub should add 10 minutes, seconds = %v", got)
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestReloadTimersReconciles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	writeFile(t, path, `
timers:
  - name: a
    query: "mode=countdown"
  - name: b
    query: "mode=countup"
`)
	f, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := config.Config{ConfigFile: path}
	if err := cfg.Apply(f); err != nil {
		t.Fatalf("apply: %v", err)
	}
	app := newApp(t, cfg, Deps{})
	if n := len(app.Router().Timers()); n != 2 {
		t.Fatalf("expected two timers, got %d", n)
	}

	writeFile(t, path, `
timers:
  - name: a
    query: "mode=hype"
  - name: c
`)
	n, err := app.ReloadTimers()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if n != 2 {
		t.Fatalf("reload reported %d timers", n)
	}
	if got := find(t, app, "a").Config().Mode; got != timer.ModeHype {
		t.Fatalf("a should be hype, got %s", got)
	}
	if _, ok := app.Router().Find("b"); ok {
		t.Fatalf("b should be removed")
	}
	find(t, app, "c")
}

func TestDefaultNameIsReserved(t *testing.T) {
	kv := openStore(t)
	cfg := config.Config{Timers: []config.TimerSpec{
		spec("minutes=3"),
		spec("timerName=Default&minutes=7"),
	}}
	app := newApp(t, cfg, Deps{Store: kv})

	if n := len(app.Router().Timers()); n != 1 {
		t.Fatalf("expected only the unnamed timer, got %d", n)
	}
	if _, ok := app.Router().Find("default"); ok {
		t.Fatalf("a timer named default should not be loaded")
	}
	var saved map[string]string
	if !store.Get(context.Background(), kv, store.TimerSettingsKey(""), &saved) || saved["seconds"] != "180" {
		t.Fatalf("unnamed timer settings overwritten: %v", saved)
	}
}

func TestReloadWithoutConfigFile(t *testing.T) {
	app := newApp(t, config.Config{}, Deps{})
	if _, err := app.ReloadTimers(); err == nil {
		t.Fatalf("expected error without a config file")
	}
}

func TestWatchConfigReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	writeFile(t, path, "timers:\n  - name: first\n")
	f, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := config.Config{ConfigFile: path}
	if err := cfg.Apply(f); err != nil {
		t.Fatalf("apply: %v", err)
	}
	app := newApp(t, cfg, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.WatchConfig(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeFile(t, path, "timers:\n  - name: first\n  - name: second\n")

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := app.Router().Find("second"); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("config change was not picked up")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
