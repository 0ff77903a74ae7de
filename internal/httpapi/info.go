package httpapi

import (
	"net/http"
	"runtime"
	"time"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type infoResponse struct {
	Version  string `json:"version"`
	Revision string `json:"rev"`
	BuiltAt  string `json:"built_at,omitempty"`
	Go       string `json:"go"`
	Uptime   string `json:"uptime"`
	Timers   int    `json:"timers"`
	Commands int    `json:"commands"`
	Status   any    `json:"status,omitempty"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Timers:   len(s.opts.Timers.Timers()),
	}
	if s.opts.Bus != nil {
		resp.Commands = len(s.opts.Bus.Commands())
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	if s.opts.Status != nil {
		resp.Status = s.opts.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}
