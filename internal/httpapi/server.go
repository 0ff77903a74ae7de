package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/you/overlaykit/internal/commandbus"
	"github.com/you/overlaykit/internal/timer"
)

// Timers is the set of timers the API exposes. *timer.Router satisfies it.
type Timers interface {
	Timers() []*timer.Timer
	Find(name string) (*timer.Timer, bool)
}

type Options struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	Build       BuildInfo
	Timers      Timers
	Bus         *commandbus.Bus
	Metrics     *Metrics
	// OnSettings is called after settings change through the API.
	OnSettings func(t *timer.Timer)
	// Status adds runtime details to /info.
	Status func() any
	// Admin registers operator routes on the same mux.
	Admin interface{ Register(mux *http.ServeMux) }
}

type Server struct {
	httpServer *http.Server
	opts       Options
	limiter    *ipRateLimiter
	started    time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	ch        chan timer.Snapshot
	timer     string
	transport string
}

func New(opts Options) *Server {
	srv := &Server{
		opts:    opts,
		limiter: newIPRateLimiter(opts.RateRPS, opts.RateBurst),
		started: time.Now(),
		clients: make(map[*client]struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", srv.wrap("healthz", srv.handleHealthz))
	mux.Handle("GET /info", srv.wrap("info", srv.handleInfo))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}
	mux.Handle("GET /stream", srv.wrap("stream", srv.handleStream))
	mux.Handle("GET /ws", srv.wrap("ws", srv.handleWS))
	mux.Handle("GET /timers", srv.wrap("timers", srv.handleTimers))
	mux.Handle("GET /timers/{name}", srv.wrap("timer", srv.handleTimer))
	mux.Handle("PUT /timers/{name}/settings", srv.wrap("timer_settings", srv.handleSettings))
	mux.Handle("POST /timers/{name}/{action}", srv.wrap("timer_action", srv.handleAction))
	mux.Handle("GET /commands", srv.wrap("commands", srv.handleCommands))
	mux.Handle("POST /commands/cooldowns/reset", srv.wrap("commands_reset", srv.handleResetCooldowns))
	mux.Handle("POST /events/tip", srv.wrap("event_tip", srv.handleTip))
	mux.Handle("POST /events/follow", srv.wrap("event_follow", srv.handleFollow))
	mux.Handle("POST /events/goal", srv.wrap("event_goal", srv.handleGoal))
	if opts.Admin != nil {
		opts.Admin.Register(mux)
	}

	var handler http.Handler = mux
	if c := newCORS(opts.CORSOrigins); c != nil {
		handler = c.Handler(mux)
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleTimers(w http.ResponseWriter, _ *http.Request) {
	timers := s.opts.Timers.Timers()
	out := make([]timer.Snapshot, 0, len(timers))
	for _, t := range timers {
		out = append(out, t.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

type timerDetail struct {
	Snapshot timer.Snapshot    `json:"snapshot"`
	Settings map[string]string `json:"settings"`
	Query    string            `json:"query"`
	Goal     int               `json:"goal,omitempty"`
}

func (s *Server) handleTimer(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(r.PathValue("name"))
	if !ok {
		http.Error(w, "unknown timer", http.StatusNotFound)
		return
	}
	cfg := t.Config()
	writeJSON(w, http.StatusOK, timerDetail{
		Snapshot: t.Snapshot(),
		Settings: cfg.Values(),
		Query:    cfg.Query(),
		Goal:     t.GoalProgress(),
	})
}

type actionRequest struct {
	Minutes *float64 `json:"minutes"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(r.PathValue("name"))
	if !ok {
		http.Error(w, "unknown timer", http.StatusNotFound)
		return
	}
	var args []string
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		args = append(args, raw)
	} else if r.ContentLength != 0 {
		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if req.Minutes != nil {
			args = append(args, strconv.FormatFloat(*req.Minutes, 'f', -1, 64))
		}
	}
	if err := t.Control(r.PathValue("action"), args...); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, timer.ErrUnknownAction) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(r.PathValue("name"))
	if !ok {
		http.Error(w, "unknown timer", http.StatusNotFound)
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	values := make(map[string][]string, len(body))
	for k, v := range body {
		values[k] = []string{fmt.Sprint(v)}
	}
	// The settings key is derived from the name, so renames are refused.
	if raw, ok := body["timerName"]; ok && strings.TrimSpace(fmt.Sprint(raw)) != t.Name() {
		http.Error(w, "timerName cannot be changed", http.StatusBadRequest)
		return
	}
	cfg := timer.ParseQuery(values, t.Config().Values())
	t.Apply(cfg)
	if s.opts.OnSettings != nil {
		s.opts.OnSettings(t)
	}
	writeJSON(w, http.StatusOK, timerDetail{Snapshot: t.Snapshot(), Settings: cfg.Values(), Query: cfg.Query()})
}

func (s *Server) handleCommands(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Bus == nil {
		writeJSON(w, http.StatusOK, []commandbus.Info{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Bus.Commands())
}

func (s *Server) handleResetCooldowns(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Bus != nil {
		s.opts.Bus.ResetCooldowns()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type eventRequest struct {
	Timer  string  `json:"timer"`
	Amount float64 `json:"amount"`
	Type   string  `json:"type"`
}

func (s *Server) handleTip(w http.ResponseWriter, r *http.Request) {
	s.handleEvent(w, r, func(t *timer.Timer, req eventRequest) { t.HandleTip(req.Amount) })
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	s.handleEvent(w, r, func(t *timer.Timer, _ eventRequest) { t.HandleFollow() })
}

func (s *Server) handleGoal(w http.ResponseWriter, r *http.Request) {
	s.handleEvent(w, r, func(t *timer.Timer, req eventRequest) {
		t.HandleGoal(req.Type, int(req.Amount))
	})
}

// handleEvent applies an injected event to the named timer or, without a
// name, to every timer.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, fn func(*timer.Timer, eventRequest)) {
	var req eventRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}
	targets := s.opts.Timers.Timers()
	if req.Timer != "" {
		t, ok := s.lookup(req.Timer)
		if !ok {
			http.Error(w, "unknown timer", http.StatusNotFound)
			return
		}
		targets = []*timer.Timer{t}
	}
	out := make([]timer.Snapshot, 0, len(targets))
	for _, t := range targets {
		fn(t, req)
		out = append(out, t.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

// lookup resolves a path name; "default" also matches the unnamed timer.
func (s *Server) lookup(name string) (*timer.Timer, bool) {
	if t, ok := s.opts.Timers.Find(name); ok {
		return t, true
	}
	if strings.EqualFold(name, "default") {
		return s.opts.Timers.Find("")
	}
	return nil, false
}

// Publish fans a snapshot out to stream and WebSocket clients. Slow clients
// drop snapshots rather than block the timer.
func (s *Server) Publish(snap timer.Snapshot) {
	s.opts.Metrics.ObserveSnapshot(snap)

	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		if c.timer != "" && !strings.EqualFold(c.timer, snap.Name) {
			continue
		}
		select {
		case c.ch <- snap:
		default:
			s.opts.Metrics.IncBroadcastDrops(c.transport)
		}
	}
}

// attach registers a client and queues the current state of its timers.
func (s *Server) attach(transport, name string) (*client, bool) {
	c := &client{ch: make(chan timer.Snapshot, 64), timer: name, transport: transport}

	var initial []timer.Snapshot
	for _, t := range s.opts.Timers.Timers() {
		if name != "" && !strings.EqualFold(name, t.Name()) {
			continue
		}
		initial = append(initial, t.Snapshot())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.clients[c] = struct{}{}
	for _, snap := range initial {
		select {
		case c.ch <- snap:
		default:
		}
	}
	return c, true
}

func (s *Server) detach(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
	}
	s.mu.Unlock()
}

func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("httpapi: listening")
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		close(c.ch)
		delete(s.clients, c)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
