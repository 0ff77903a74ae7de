package httpadmin

import (
	"encoding/json"
	"net/http"
)

// Reloader re-reads timer declarations from the configuration file.
type Reloader interface {
	ReloadTimers() (timers int, err error)
}

// Switch toggles chat commands. *commandbus.Bus satisfies it.
type Switch interface {
	Enable(trigger string) bool
	Disable(trigger string) bool
}

type Server struct {
	rel Reloader
	sw  Switch
}

func New(rel Reloader, sw Switch) *Server { return &Server{rel: rel, sw: sw} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/timers/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.rel == nil {
			http.Error(w, "reload unavailable", http.StatusNotImplemented)
			return
		}
		n, err := s.rel.ReloadTimers()
		if err != nil {
			http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "reloaded": true, "timers": n})
	})
	mux.HandleFunc("/admin/commands/{trigger}/{state}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.sw == nil {
			http.Error(w, "commands unavailable", http.StatusNotImplemented)
			return
		}
		trigger := r.PathValue("trigger")
		var ok bool
		switch r.PathValue("state") {
		case "enable":
			ok = s.sw.Enable(trigger)
		case "disable":
			ok = s.sw.Disable(trigger)
		default:
			http.Error(w, "state must be enable or disable", http.StatusBadRequest)
			return
		}
		if !ok {
			http.Error(w, "unknown command", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "trigger": trigger, "enabled": r.PathValue("state") == "enable"})
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
