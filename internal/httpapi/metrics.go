package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/overlaykit/internal/timer"
)

// Metrics bundles the Prometheus collectors for the daemon. It also serves as
// the commandbus and twitchirc recorder.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsClients       prometheus.Gauge
	sseClients      prometheus.Gauge
	broadcastDrops  *prometheus.CounterVec
	rateLimited     prometheus.Counter
	snapshotsSent   *prometheus.CounterVec
	commands        *prometheus.CounterVec
	remoteCommands  *prometheus.CounterVec
	chatEvents      *prometheus.CounterVec
	chatDrops       *prometheus.CounterVec
	timerSeconds    *prometheus.GaugeVec
	timerRunning    *prometheus.GaugeVec
	storeErrors     prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "overlay",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "overlay",
			Name:      "ws_clients",
			Help:      "Current connected WebSocket clients",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "overlay",
			Name:      "sse_clients",
			Help:      "Current connected SSE clients",
		}),
		broadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "snapshot_drops_total",
			Help:      "Number of timer snapshots dropped due to slow clients",
		}, []string{"transport"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		snapshotsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "snapshots_sent_total",
			Help:      "Number of timer snapshots delivered to clients",
		}, []string{"transport"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "commands_total",
			Help:      "Chat command executions by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		remoteCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "commands_remote_total",
			Help:      "Command executions announced by other instances",
		}, []string{"trigger"}),
		chatEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "chat_events_total",
			Help:      "Chat events received from Twitch by kind",
		}, []string{"kind"}),
		chatDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "chat_dropped_total",
			Help:      "Chat lines ignored by reason",
		}, []string{"reason"}),
		timerSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "overlay",
			Name:      "timer_seconds",
			Help:      "Current value of each timer in seconds",
		}, []string{"timer", "mode"}),
		timerRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "overlay",
			Name:      "timer_running",
			Help:      "1 when the timer is running",
		}, []string{"timer"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay",
			Name:      "store_errors_total",
			Help:      "Number of settings store failures reported",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.wsClients,
		m.sseClients,
		m.broadcastDrops,
		m.rateLimited,
		m.snapshotsSent,
		m.commands,
		m.remoteCommands,
		m.chatEvents,
		m.chatDrops,
		m.timerSeconds,
		m.timerRunning,
		m.storeErrors,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

func (m *Metrics) IncWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}

func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.sseClients.Add(delta)
}

func (m *Metrics) IncBroadcastDrops(transport string) {
	if m == nil {
		return
	}
	m.broadcastDrops.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) IncSnapshotsSent(transport string) {
	if m == nil {
		return
	}
	m.snapshotsSent.WithLabelValues(transport).Inc()
}

// IncStoreErrors counts a failed settings or state write.
func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

// ObserveSnapshot tracks the latest value of a timer.
func (m *Metrics) ObserveSnapshot(s timer.Snapshot) {
	if m == nil {
		return
	}
	m.timerSeconds.WithLabelValues(s.Name, string(s.Mode)).Set(s.Seconds)
	running := 0.0
	if s.Running {
		running = 1
	}
	m.timerRunning.WithLabelValues(s.Name).Set(running)
}

// CommandOutcome implements commandbus.Recorder.
func (m *Metrics) CommandOutcome(trigger, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(trigger, outcome).Inc()
}

// BroadcastReceived implements commandbus.Recorder.
func (m *Metrics) BroadcastReceived(trigger string) {
	if m == nil {
		return
	}
	m.remoteCommands.WithLabelValues(trigger).Inc()
}

// ChatEvent implements twitchirc.Recorder.
func (m *Metrics) ChatEvent(kind string) {
	if m == nil {
		return
	}
	m.chatEvents.WithLabelValues(kind).Inc()
}

// ChatDropped implements twitchirc.Recorder.
func (m *Metrics) ChatDropped(reason string) {
	if m == nil {
		return
	}
	m.chatDrops.WithLabelValues(reason).Inc()
}
