package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP      HTTPConfig
	Store     StoreConfig
	Twitch    TwitchConfig
	Broadcast BroadcastConfig
	Sound     SoundConfig
	Timers    []TimerSpec
	// TimerResume restores the last saved runtime state at startup.
	TimerResume bool
	ConfigFile  string
	LogLevel    string
	LogPretty   bool
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
}

type StoreConfig struct {
	Driver      string // sqlite, postgres or none
	SQLitePath  string
	PostgresDSN string
	FlushMS     int
}

type TwitchConfig struct {
	Enabled   bool
	Channel   string
	Nick      string
	Token     string
	TokenFile string
	TLS       bool
}

type BroadcastConfig struct {
	Driver        string // hub or nats
	Name          string
	NATSURL       string
	SubjectPrefix string
}

type SoundConfig struct {
	Dir string
}

// TimerSpec declares one timer instance as an overlay query string.
type TimerSpec struct {
	Name  string
	Query url.Values
}

const (
	defaultHTTPAddr   = ":8765"
	defaultSQLitePath = "overlay.db"
	defaultFlushMS    = 500
	defaultRateRPS    = 20
	defaultRateBurst  = 40
	defaultNATSURL    = "nats://127.0.0.1:4222"
	defaultChannel    = "overlay-commands"
	defaultSubject    = "overlay.broadcast"
)

func Load() Config {
	cfg := Config{}

	cfg.HTTP.Addr = readString("OVERLAY_HTTP_ADDR", defaultHTTPAddr)
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("OVERLAY_CORS_ORIGINS"))
	cfg.HTTP.RateRPS = readInt("OVERLAY_HTTP_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt("OVERLAY_HTTP_BURST", defaultRateBurst)

	cfg.Store.Driver = strings.ToLower(readString("OVERLAY_STORE", "sqlite"))
	cfg.Store.SQLitePath = readString("OVERLAY_SQLITE_PATH", defaultSQLitePath)
	cfg.Store.PostgresDSN = strings.TrimSpace(os.Getenv("OVERLAY_POSTGRES_DSN"))
	cfg.Store.FlushMS = readInt("OVERLAY_STORE_FLUSH_MS", defaultFlushMS)

	cfg.Twitch.Channel = strings.ToLower(strings.TrimPrefix(readString("OVERLAY_TWITCH_CHANNEL", os.Getenv("TWITCH_CHANNEL")), "#"))
	cfg.Twitch.Nick = readString("OVERLAY_TWITCH_NICK", os.Getenv("TWITCH_NICK"))
	cfg.Twitch.Token = readString("OVERLAY_TWITCH_TOKEN", os.Getenv("TWITCH_TOKEN"))
	cfg.Twitch.TokenFile = strings.TrimSpace(os.Getenv("OVERLAY_TWITCH_TOKEN_FILE"))
	cfg.Twitch.TLS = readBool("OVERLAY_TWITCH_TLS", true)
	cfg.Twitch.Enabled = readBool("OVERLAY_TWITCH_ENABLED", cfg.Twitch.Channel != "")
	if cfg.Twitch.Nick == "" {
		cfg.Twitch.Nick = "overlaykit"
	}

	cfg.Broadcast.Driver = strings.ToLower(readString("OVERLAY_BROADCAST", "hub"))
	cfg.Broadcast.Name = readString("OVERLAY_BROADCAST_NAME", defaultChannel)
	cfg.Broadcast.NATSURL = readString("OVERLAY_NATS_URL", defaultNATSURL)
	cfg.Broadcast.SubjectPrefix = readString("OVERLAY_NATS_SUBJECT_PREFIX", defaultSubject)

	cfg.Sound.Dir = strings.TrimSpace(os.Getenv("OVERLAY_SOUND_DIR"))

	cfg.Timers = parseTimerList(os.Getenv("OVERLAY_TIMERS"))
	cfg.TimerResume = readBool("OVERLAY_TIMER_RESUME", false)
	cfg.ConfigFile = strings.TrimSpace(os.Getenv("OVERLAY_CONFIG"))
	cfg.LogLevel = strings.ToLower(readString("OVERLAY_LOG_LEVEL", "info"))
	cfg.LogPretty = readBool("OVERLAY_LOG_PRETTY", false)

	return cfg
}

// parseTimerList reads "|"-separated overlay query strings. A bare entry with
// no "=" names a timer with default settings.
func parseTimerList(raw string) []TimerSpec {
	var out []TimerSpec
	for _, entry := range strings.Split(raw, "|") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "=") {
			out = append(out, TimerSpec{Name: entry, Query: url.Values{"timerName": {entry}}})
			continue
		}
		q, err := url.ParseQuery(strings.TrimPrefix(entry, "?"))
		if err != nil {
			continue
		}
		out = append(out, TimerSpec{Name: q.Get("timerName"), Query: q})
	}
	return out
}

// File is the optional YAML configuration.
type File struct {
	HTTP struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"http"`
	Twitch struct {
		Channel string `yaml:"channel"`
		Nick    string `yaml:"nick"`
	} `yaml:"twitch"`
	Broadcast struct {
		Driver  string `yaml:"driver"`
		NATSURL string `yaml:"nats_url"`
	} `yaml:"broadcast"`
	SoundDir string      `yaml:"sound_dir"`
	Timers   []FileTimer `yaml:"timers"`
}

// FileTimer declares a timer either as a query string, a settings map, or
// both (settings win).
type FileTimer struct {
	Name     string            `yaml:"name"`
	Query    string            `yaml:"query"`
	Settings map[string]string `yaml:"settings"`
}

func LoadFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f, nil
}

// Specs converts the file's timers into TimerSpecs.
func (f File) Specs() ([]TimerSpec, error) {
	out := make([]TimerSpec, 0, len(f.Timers))
	for i, t := range f.Timers {
		q, err := url.ParseQuery(strings.TrimPrefix(strings.TrimSpace(t.Query), "?"))
		if err != nil {
			return nil, fmt.Errorf("config: timer %d query: %w", i, err)
		}
		for k, v := range t.Settings {
			q.Set(k, v)
		}
		name := strings.TrimSpace(t.Name)
		if name != "" {
			q.Set("timerName", name)
		} else {
			name = q.Get("timerName")
		}
		out = append(out, TimerSpec{Name: name, Query: q})
	}
	return out, nil
}

// Apply overlays the file on top of env configuration. Empty file fields keep
// the env values.
func (c *Config) Apply(f File) error {
	if f.HTTP.Addr != "" {
		c.HTTP.Addr = f.HTTP.Addr
	}
	if len(f.HTTP.CORSOrigins) > 0 {
		c.HTTP.CORSOrigins = dedupe(f.HTTP.CORSOrigins)
	}
	if f.Twitch.Channel != "" {
		c.Twitch.Channel = strings.ToLower(strings.TrimPrefix(f.Twitch.Channel, "#"))
		c.Twitch.Enabled = true
	}
	if f.Twitch.Nick != "" {
		c.Twitch.Nick = f.Twitch.Nick
	}
	if f.Broadcast.Driver != "" {
		c.Broadcast.Driver = strings.ToLower(f.Broadcast.Driver)
	}
	if f.Broadcast.NATSURL != "" {
		c.Broadcast.NATSURL = f.Broadcast.NATSURL
	}
	if f.SoundDir != "" {
		c.Sound.Dir = f.SoundDir
	}
	specs, err := f.Specs()
	if err != nil {
		return err
	}
	if len(specs) > 0 {
		c.Timers = specs
	}
	return nil
}

// TimerSpecs returns the configured timers, or a single default timer.
func (c Config) TimerSpecs() []TimerSpec {
	if len(c.Timers) == 0 {
		return []TimerSpec{{Query: url.Values{}}}
	}
	return c.Timers
}

func (c Config) FlushInterval() time.Duration {
	if c.Store.FlushMS <= 0 {
		return 0
	}
	return time.Duration(c.Store.FlushMS) * time.Millisecond
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	return dedupe(parts)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readString(name, def string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return strings.TrimSpace(def)
	}
	return raw
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

type Summary struct {
	HTTPAddr    string        `json:"http_addr"`
	Store       string        `json:"store"`
	SQLitePath  string        `json:"sqlite_path,omitempty"`
	Broadcast   string        `json:"broadcast"`
	Timers      int           `json:"timers"`
	TimerResume bool          `json:"timer_resume"`
	Sound       bool          `json:"sound"`
	Twitch      TwitchSummary `json:"twitch"`
}

type TwitchSummary struct {
	Enabled bool   `json:"enabled"`
	Channel string `json:"channel,omitempty"`
	Nick    string `json:"nick,omitempty"`
	Token   string `json:"token,omitempty"`
	TLS     bool   `json:"tls"`
}

func (c Config) Summary() Summary {
	s := Summary{
		HTTPAddr:    c.HTTP.Addr,
		Store:       c.Store.Driver,
		Broadcast:   c.Broadcast.Driver,
		Timers:      len(c.TimerSpecs()),
		TimerResume: c.TimerResume,
		Sound:       c.Sound.Dir != "",
		Twitch: TwitchSummary{
			Enabled: c.Twitch.Enabled,
			Channel: c.Twitch.Channel,
			Nick:    c.Twitch.Nick,
			Token:   redactString(c.Twitch.Token),
			TLS:     c.Twitch.TLS,
		},
	}
	if c.Store.Driver == "sqlite" {
		s.SQLitePath = c.Store.SQLitePath
	}
	return s
}

func (c Config) Redacted() map[string]any {
	timers := make([]string, 0, len(c.TimerSpecs()))
	for _, spec := range c.TimerSpecs() {
		timers = append(timers, spec.Query.Encode())
	}
	return map[string]any{
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
		},
		"store": map[string]any{
			"driver":       c.Store.Driver,
			"sqlite_path":  c.Store.SQLitePath,
			"postgres_dsn": redactString(c.Store.PostgresDSN),
			"flush_ms":     c.Store.FlushMS,
		},
		"twitch": map[string]any{
			"enabled":    c.Twitch.Enabled,
			"channel":    c.Twitch.Channel,
			"nick":       c.Twitch.Nick,
			"token":      redactString(c.Twitch.Token),
			"token_file": c.Twitch.TokenFile,
			"tls":        c.Twitch.TLS,
		},
		"broadcast": map[string]any{
			"driver":         c.Broadcast.Driver,
			"name":           c.Broadcast.Name,
			"nats_url":       c.Broadcast.NATSURL,
			"subject_prefix": c.Broadcast.SubjectPrefix,
		},
		"sound_dir":    c.Sound.Dir,
		"timers":       timers,
		"timer_resume": c.TimerResume,
		"config_file":  c.ConfigFile,
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
