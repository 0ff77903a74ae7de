package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const keepAlive = 20 * time.Second

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	c, ok := s.attach("sse", r.URL.Query().Get("timer"))
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.detach(c)
	s.opts.Metrics.IncSSEClients(1)
	defer s.opts.Metrics.IncSSEClients(-1)

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case snap, ok := <-c.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: timer\ndata: %s\n\n", data)
			flusher.Flush()
			s.opts.Metrics.IncSnapshotsSent("sse")
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: s.opts.CORSOrigins}
	if len(s.opts.CORSOrigins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(baseWriter(w), r, opts)
	if err != nil {
		log.Debug().Err(err).Msg("httpapi: websocket accept failed")
		return
	}
	defer conn.CloseNow()

	c, ok := s.attach("ws", r.URL.Query().Get("timer"))
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.detach(c)
	s.opts.Metrics.IncWSClients(1)
	defer s.opts.Metrics.IncWSClients(-1)

	// Overlays only listen; reading is limited to control frames.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case snap, ok := <-c.ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, snap)
			cancel()
			if err != nil {
				return
			}
			s.opts.Metrics.IncSnapshotsSent("ws")
		}
	}
}
