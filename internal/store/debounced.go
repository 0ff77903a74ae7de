package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Debounced coalesces writes per key and flushes them to the base store after
// the interval has passed without further writes. Reads see pending values.
// A write lost to a crash before the flush is acceptable.
type Debounced struct {
	base     KV
	interval time.Duration

	mu      sync.Mutex
	pending map[string][]byte
	timer   *time.Timer
	gen     uint64 // bumped whenever the armed timer changes
	closed  bool
	lastErr error
}

func NewDebounced(base KV, interval time.Duration) *Debounced {
	return &Debounced{base: base, interval: interval, pending: make(map[string][]byte)}
}

// Save queues value. It returns the error from a previous background flush,
// if any.
func (d *Debounced) Save(ctx context.Context, key string, value []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("debounced store closed")
	}
	pendingErr := d.lastErr
	d.lastErr = nil

	if d.interval <= 0 {
		d.mu.Unlock()
		if err := d.base.Save(ctx, key, value); err != nil {
			return err
		}
		return pendingErr
	}

	d.pending[key] = append([]byte(nil), value...)
	d.startTimerLocked()
	d.mu.Unlock()
	return pendingErr
}

func (d *Debounced) Load(ctx context.Context, key string) ([]byte, bool, error) {
	d.mu.Lock()
	if v, ok := d.pending[key]; ok {
		d.mu.Unlock()
		return append([]byte(nil), v...), true, nil
	}
	d.mu.Unlock()
	return d.base.Load(ctx, key)
}

func (d *Debounced) Delete(ctx context.Context, key string) error {
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
	return d.base.Delete(ctx, key)
}

func (d *Debounced) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := d.Flush(ctx); err != nil {
		return nil, err
	}
	return d.base.Keys(ctx, prefix)
}

// Flush writes every pending value now.
func (d *Debounced) Flush(ctx context.Context) error {
	d.mu.Lock()
	d.stopTimerLocked()
	batch := d.takeLocked()
	d.mu.Unlock()
	return d.writeAll(ctx, batch)
}

// Close flushes pending writes and closes the base store.
func (d *Debounced) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.stopTimerLocked()
	batch := d.takeLocked()
	pendingErr := d.lastErr
	d.lastErr = nil
	d.mu.Unlock()

	if err := d.writeAll(context.Background(), batch); err != nil {
		_ = d.base.Close()
		return err
	}
	if err := d.base.Close(); err != nil {
		return err
	}
	return pendingErr
}

// onTimer flushes for the timer armed as generation gen. A callback that
// fired after being replaced or stopped does nothing.
func (d *Debounced) onTimer(gen uint64) {
	d.mu.Lock()
	if d.closed || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	batch := d.takeLocked()
	d.mu.Unlock()

	if err := d.writeAll(context.Background(), batch); err != nil {
		d.mu.Lock()
		d.lastErr = err
		d.mu.Unlock()
	}
}

func (d *Debounced) takeLocked() map[string][]byte {
	if len(d.pending) == 0 {
		return nil
	}
	batch := d.pending
	d.pending = make(map[string][]byte)
	return batch
}

func (d *Debounced) startTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.interval, func() { d.onTimer(gen) })
}

func (d *Debounced) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

func (d *Debounced) writeAll(ctx context.Context, batch map[string][]byte) error {
	var firstErr error
	for key, value := range batch {
		if err := d.base.Save(ctx, key, value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
