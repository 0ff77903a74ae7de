package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/you/overlaykit/internal/broadcast"
	"github.com/you/overlaykit/internal/commandbus"
	"github.com/you/overlaykit/internal/config"
	httpadmin "github.com/you/overlaykit/internal/http"
	"github.com/you/overlaykit/internal/httpapi"
	"github.com/you/overlaykit/internal/overlay"
	"github.com/you/overlaykit/internal/sound"
	"github.com/you/overlaykit/internal/store"
	"github.com/you/overlaykit/internal/timer"
	"github.com/you/overlaykit/internal/twitchirc"
	"github.com/you/overlaykit/internal/version"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "overlayd: .env: %v\n", err)
	}

	var (
		versionFlag bool
		configPath  string
		httpAddr    string
		storeDriver string
		dbPath      string
		twChannel   string
		twNick      string
		twToken     string
		twTokenFile string
		twTLS       bool
		bcDriver    string
		natsURL     string
		soundDir    string
		logLevel    string
		logPretty   bool
		resume      bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&configPath, "config", "", "Path to YAML config declaring timers")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP overlay/API address (e.g., :8765)")
	flag.StringVar(&storeDriver, "store", "", "Settings store: sqlite, postgres or none")
	flag.StringVar(&dbPath, "sqlite", "", "Path to SQLite settings database")
	flag.StringVar(&twChannel, "twitch-channel", "", "Twitch channel to join (without #)")
	flag.StringVar(&twNick, "twitch-nick", "", "Twitch nickname to login as")
	flag.StringVar(&twToken, "twitch-token", "", "Twitch OAuth token (format: oauth:xxxxx)")
	flag.StringVar(&twTokenFile, "twitch-token-file", "", "Path to file containing the Twitch OAuth token")
	flag.BoolVar(&twTLS, "twitch-tls", true, "Use TLS (port 6697) for Twitch IRC connection")
	flag.StringVar(&bcDriver, "broadcast", "", "Cross-instance channel: hub or nats")
	flag.StringVar(&natsURL, "nats-url", "", "NATS server URL when -broadcast=nats")
	flag.StringVar(&soundDir, "sound-dir", "", "Directory of .wav/.ogg cue files")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&logPretty, "log-pretty", false, "Human-readable console logs")
	flag.BoolVar(&resume, "timer-resume", false, "Restore saved timer state at startup")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"overlayd version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["config"] {
		cfg.ConfigFile = strings.TrimSpace(configPath)
	}
	if cfg.ConfigFile != "" {
		file, err := config.LoadFile(cfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "overlayd: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.Apply(file); err != nil {
			fmt.Fprintf(os.Stderr, "overlayd: %v\n", err)
			os.Exit(1)
		}
	}

	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["store"] {
		cfg.Store.Driver = strings.ToLower(strings.TrimSpace(storeDriver))
	}
	if overrides["sqlite"] {
		cfg.Store.SQLitePath = strings.TrimSpace(dbPath)
	}
	if overrides["twitch-channel"] {
		cfg.Twitch.Channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(twChannel), "#"))
		cfg.Twitch.Enabled = cfg.Twitch.Channel != ""
	}
	if overrides["twitch-nick"] {
		cfg.Twitch.Nick = strings.TrimSpace(twNick)
	}
	if overrides["twitch-token"] {
		cfg.Twitch.Token = strings.TrimSpace(twToken)
	}
	if overrides["twitch-token-file"] {
		cfg.Twitch.TokenFile = strings.TrimSpace(twTokenFile)
	}
	if overrides["twitch-tls"] {
		cfg.Twitch.TLS = twTLS
	}
	if overrides["broadcast"] {
		cfg.Broadcast.Driver = strings.ToLower(strings.TrimSpace(bcDriver))
	}
	if overrides["nats-url"] {
		cfg.Broadcast.NATSURL = strings.TrimSpace(natsURL)
	}
	if overrides["sound-dir"] {
		cfg.Sound.Dir = strings.TrimSpace(soundDir)
	}
	if overrides["log-level"] {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(logLevel))
	}
	if overrides["log-pretty"] {
		cfg.LogPretty = logPretty
	}
	if overrides["timer-resume"] {
		cfg.TimerResume = resume
	}

	setupLogging(cfg)
	log.Info().RawJSON("config", cfg.SummaryJSON()).Msg("overlayd: starting")
	log.Debug().RawJSON("config", cfg.RedactedJSON()).Msg("overlayd: effective config")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("overlayd: shutting down")
		cancel()
	}()

	kv, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("overlayd: settings store")
	}
	if kv != nil {
		defer func() {
			if err := kv.Close(); err != nil {
				log.Error().Err(err).Msg("overlayd: closing store")
			}
		}()
	}

	channel, err := openChannel(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("overlayd: broadcast channel")
	}
	defer channel.Close()

	metrics := httpapi.NewMetrics()

	deps := overlay.Deps{
		Store:       kv,
		Channel:     channel,
		Recorder:    metrics,
		StoreFailed: metrics.IncStoreErrors,
	}

	if cfg.Sound.Dir != "" {
		player := sound.New()
		n, err := player.LoadDir(cfg.Sound.Dir)
		if err != nil {
			log.Warn().Err(err).Str("dir", cfg.Sound.Dir).Msg("overlayd: sound cues")
		}
		log.Info().Int("cues", n).Str("status", player.Status()).Msg("overlayd: sound ready")
		deps.Sounder = player
	}

	var chat *twitchirc.Client
	if cfg.Twitch.Enabled && cfg.Twitch.Channel != "" {
		chat = twitchirc.New(twitchirc.Config{
			Channel:       cfg.Twitch.Channel,
			Nick:          cfg.Twitch.Nick,
			Token:         cfg.Twitch.Token,
			UseTLS:        cfg.Twitch.TLS,
			TokenProvider: tokenFileProvider(cfg.Twitch.TokenFile),
		}, twitchirc.WithRecorder(metrics))
		deps.Replier = chat
	} else {
		log.Info().Msg("overlayd: twitch channel not configured; chat disabled")
	}

	app, err := overlay.New(ctx, cfg, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("overlayd: app")
	}
	defer app.Close()

	if chat != nil {
		app.AttachChat(chat)
		go func() {
			if err := chat.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("overlayd: twitch client stopped")
			}
		}()
	}

	api := httpapi.New(httpapi.Options{
		Addr:        cfg.HTTP.Addr,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		RateRPS:     cfg.HTTP.RateRPS,
		RateBurst:   cfg.HTTP.RateBurst,
		Build:       buildInfo(),
		Timers:      app.Router(),
		Bus:         app.Bus(),
		Metrics:     metrics,
		OnSettings:  app.SaveSettings,
		Admin:       httpadmin.New(app, app.Bus()),
		Status: func() any {
			status := map[string]any{"instance": app.Bus().ID()}
			if chat != nil {
				status["twitch"] = chat.Stats()
			}
			return status
		},
	})
	app.OnSnapshot(api.Publish)
	go func() {
		if err := api.Start(); err != nil {
			log.Error().Err(err).Msg("overlayd: http api")
			cancel()
		}
	}()

	if err := app.WatchConfig(ctx); err != nil {
		log.Warn().Err(err).Msg("overlayd: config watch disabled")
	}

	<-ctx.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("overlayd: http shutdown")
	}
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	}
}

// openStore returns nil, nil when persistence is disabled.
func openStore(ctx context.Context, cfg config.Config) (store.KV, error) {
	var base store.KV
	switch cfg.Store.Driver {
	case "none", "":
		log.Info().Msg("overlayd: settings store disabled")
		return nil, nil
	case "sqlite":
		db, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		if err := migrateSQLite(ctx, db.DB()); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite migrate: %w", err)
		}
		base = db
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			return nil, errors.New("postgres store requires OVERLAY_POSTGRES_DSN")
		}
		pg, err := store.OpenPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		base = pg
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if interval := cfg.FlushInterval(); interval > 0 {
		return store.NewDebounced(base, interval), nil
	}
	return base, nil
}

func openChannel(cfg config.Config) (broadcast.Channel, error) {
	switch cfg.Broadcast.Driver {
	case "nats":
		return broadcast.DialNATS(broadcast.NATSConfig{
			URL:           cfg.Broadcast.NATSURL,
			Name:          cfg.Broadcast.Name,
			SubjectPrefix: cfg.Broadcast.SubjectPrefix,
			MaxReconnects: -1,
		})
	case "hub", "":
		return broadcast.NewHub(cfg.Broadcast.Name), nil
	default:
		return nil, fmt.Errorf("unknown broadcast driver %q", cfg.Broadcast.Driver)
	}
}

// tokenFileProvider re-reads the token file on every connect so a rotated
// token is picked up by the next reconnect.
func tokenFileProvider(path string) func() string {
	if path == "" {
		return nil
	}
	return func() string {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("overlayd: twitch token file")
			return ""
		}
		return strings.TrimSpace(string(data))
	}
}

func buildInfo() httpapi.BuildInfo {
	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}
	return build
}

var (
	_ commandbus.Replier = (*twitchirc.Client)(nil)
	_ timer.Sounder      = (*sound.Player)(nil)
)
