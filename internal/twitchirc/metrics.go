package twitchirc

import "sync/atomic"

// Recorder receives per-event and per-drop counts, typically Prometheus
// counters. Implementations must be safe for concurrent use.
type Recorder interface {
	ChatEvent(kind string)
	ChatDropped(reason string)
}

type stats struct {
	events  atomic.Int64
	dropped atomic.Int64
}

// Stats is a point-in-time view of the client's counters.
type Stats struct {
	Events    int64            `json:"events"`
	Dropped   int64            `json:"dropped"`
	DroppedBy map[string]int64 `json:"dropped_by,omitempty"`
	Connected bool             `json:"connected"`
}

func (c *Client) Stats() Stats {
	return Stats{
		Events:    c.stats.events.Load(),
		Dropped:   c.stats.dropped.Load(),
		DroppedBy: c.drops.counts(),
		Connected: c.Connected(),
	}
}
