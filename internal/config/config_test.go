package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"OVERLAY_HTTP_ADDR", "OVERLAY_CORS_ORIGINS", "OVERLAY_HTTP_RPS", "OVERLAY_HTTP_BURST",
		"OVERLAY_STORE", "OVERLAY_SQLITE_PATH", "OVERLAY_POSTGRES_DSN", "OVERLAY_STORE_FLUSH_MS",
		"OVERLAY_TWITCH_CHANNEL", "OVERLAY_TWITCH_NICK", "OVERLAY_TWITCH_TOKEN", "OVERLAY_TWITCH_TOKEN_FILE",
		"OVERLAY_TWITCH_TLS", "OVERLAY_TWITCH_ENABLED", "TWITCH_CHANNEL", "TWITCH_NICK", "TWITCH_TOKEN",
		"OVERLAY_BROADCAST", "OVERLAY_BROADCAST_NAME", "OVERLAY_NATS_URL", "OVERLAY_NATS_SUBJECT_PREFIX",
		"OVERLAY_SOUND_DIR", "OVERLAY_TIMERS", "OVERLAY_TIMER_RESUME", "OVERLAY_CONFIG",
		"OVERLAY_LOG_LEVEL", "OVERLAY_LOG_PRETTY",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	if cfg.HTTP.Addr != ":8765" {
		t.Fatalf("unexpected http addr: %q", cfg.HTTP.Addr)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.SQLitePath != "overlay.db" {
		t.Fatalf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.FlushInterval() != 500*time.Millisecond {
		t.Fatalf("unexpected flush interval: %s", cfg.FlushInterval())
	}
	if cfg.Twitch.Enabled {
		t.Fatalf("twitch should be disabled without a channel")
	}
	if !cfg.Twitch.TLS {
		t.Fatalf("expected tls by default")
	}
	if cfg.Broadcast.Driver != "hub" || cfg.Broadcast.Name != "overlay-commands" {
		t.Fatalf("unexpected broadcast config: %+v", cfg.Broadcast)
	}
	specs := cfg.TimerSpecs()
	if len(specs) != 1 || specs[0].Name != "" {
		t.Fatalf("expected one default timer, got %+v", specs)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OVERLAY_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("OVERLAY_CORS_ORIGINS", "http://b.test, http://a.test,http://a.test")
	t.Setenv("OVERLAY_HTTP_RPS", "-1")
	t.Setenv("OVERLAY_STORE", "Postgres")
	t.Setenv("OVERLAY_POSTGRES_DSN", "postgres://u:p@db/overlay")
	t.Setenv("OVERLAY_TWITCH_CHANNEL", "#Elora")
	t.Setenv("OVERLAY_TWITCH_TOKEN", "oauth:abc")
	t.Setenv("OVERLAY_TWITCH_TLS", "nope")
	t.Setenv("OVERLAY_BROADCAST", "nats")
	t.Setenv("OVERLAY_TIMERS", "break| mode=hype&decayRate=30&timerName=hype ")
	t.Setenv("OVERLAY_TIMER_RESUME", "true")

	cfg := Load()
	if cfg.HTTP.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr %q", cfg.HTTP.Addr)
	}
	if len(cfg.HTTP.CORSOrigins) != 2 || cfg.HTTP.CORSOrigins[0] != "http://a.test" {
		t.Fatalf("unexpected origins %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.HTTP.RateRPS != 20 {
		t.Fatalf("invalid rps should fall back, got %d", cfg.HTTP.RateRPS)
	}
	if cfg.Store.Driver != "postgres" {
		t.Fatalf("unexpected driver %q", cfg.Store.Driver)
	}
	if !cfg.Twitch.Enabled || cfg.Twitch.Channel != "elora" {
		t.Fatalf("unexpected twitch config %+v", cfg.Twitch)
	}
	if !cfg.Twitch.TLS {
		t.Fatalf("unparseable bool should keep default")
	}
	if cfg.Broadcast.Driver != "nats" || !cfg.TimerResume {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Timers) != 2 {
		t.Fatalf("expected two timers, got %+v", cfg.Timers)
	}
	if cfg.Timers[0].Name != "break" || cfg.Timers[0].Query.Get("timerName") != "break" {
		t.Fatalf("unexpected first timer %+v", cfg.Timers[0])
	}
	if cfg.Timers[1].Name != "hype" || cfg.Timers[1].Query.Get("decayRate") != "30" {
		t.Fatalf("unexpected second timer %+v", cfg.Timers[1])
	}
}

func TestLoadFileApply(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	data := `
http:
  addr: ":9999"
twitch:
  channel: "#OverlayChan"
broadcast:
  driver: nats
timers:
  - name: focus
    query: "?mode=pomodoro&workDuration=50"
    settings:
      breakDuration: "10"
  - query: "mode=countup&timerName=uptime"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	cfg := Load()
	if err := cfg.Apply(f); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.HTTP.Addr != ":9999" || cfg.Twitch.Channel != "overlaychan" || !cfg.Twitch.Enabled || cfg.Broadcast.Driver != "nats" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Timers) != 2 {
		t.Fatalf("expected two timers, got %d", len(cfg.Timers))
	}
	focus := cfg.Timers[0]
	if focus.Name != "focus" || focus.Query.Get("mode") != "pomodoro" || focus.Query.Get("breakDuration") != "10" {
		t.Fatalf("unexpected focus timer %+v", focus)
	}
	if cfg.Timers[1].Name != "uptime" {
		t.Fatalf("unexpected second timer %+v", cfg.Timers[1])
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("timers: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv("OVERLAY_TWITCH_TOKEN", "oauth:supersecret")
	t.Setenv("OVERLAY_POSTGRES_DSN", "postgres://user:pass@db/overlay")

	cfg := Load()
	raw := string(cfg.RedactedJSON())
	if strings.Contains(raw, "supersecret") || strings.Contains(raw, "user:pass") {
		t.Fatalf("secrets leaked: %s", raw)
	}

	var summary struct {
		Config Summary `json:"config_summary"`
	}
	if err := json.Unmarshal(cfg.SummaryJSON(), &summary); err != nil {
		t.Fatalf("summary json: %v", err)
	}
	if !strings.HasPrefix(summary.Config.Twitch.Token, "***REDACTED***") {
		t.Fatalf("token not redacted: %q", summary.Config.Twitch.Token)
	}
}
