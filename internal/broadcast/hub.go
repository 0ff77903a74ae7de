package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultQueueSize = 64

// Hub is an in-process Channel. Each subscriber gets its own queue and delivery
// goroutine so a slow listener never blocks the publisher; when a queue is full
// the envelope is dropped for that subscriber.
type Hub struct {
	name      string
	queueSize int

	mu     sync.Mutex
	subs   map[string]*hubSub
	closed bool

	pending sync.WaitGroup
}

type hubSub struct {
	id   string
	fn   func(Envelope)
	ch   chan []byte
	done chan struct{}
}

var errHubClosed = errors.New("broadcast: hub closed")

// NewHub returns an in-process channel with the given name.
func NewHub(name string) *Hub {
	if name == "" {
		name = DefaultName
	}
	return &Hub{name: name, queueSize: defaultQueueSize, subs: make(map[string]*hubSub)}
}

// Name returns the channel name.
func (h *Hub) Name() string { return h.name }

// Publish fans the envelope out to every current subscriber.
func (h *Hub) Publish(_ context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHubClosed
	}
	for _, sub := range h.subs {
		h.pending.Add(1)
		select {
		case sub.ch <- data:
		default:
			h.pending.Done()
			log.Warn().Str("channel", h.name).Str("subscriber", sub.id).Msg("broadcast: subscriber queue full; dropping")
		}
	}
	return nil
}

// Subscribe registers fn for every subsequent envelope.
func (h *Hub) Subscribe(fn func(Envelope)) (func(), error) {
	if fn == nil {
		return nil, errors.New("broadcast: nil subscriber")
	}

	sub := &hubSub{
		id:   uuid.NewString(),
		fn:   fn,
		ch:   make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errHubClosed
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	go h.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[sub.id]; ok {
				delete(h.subs, sub.id)
				close(sub.done)
			}
			h.mu.Unlock()
		})
	}, nil
}

func (h *Hub) deliver(sub *hubSub) {
	for {
		select {
		case <-sub.done:
			h.drain(sub)
			return
		case data := <-sub.ch:
			h.dispatch(sub, data)
		}
	}
}

func (h *Hub) drain(sub *hubSub) {
	for {
		select {
		case <-sub.ch:
			h.pending.Done()
		default:
			return
		}
	}
}

func (h *Hub) dispatch(sub *hubSub, data []byte) {
	defer h.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("channel", h.name).Interface("panic", r).Msg("broadcast: subscriber panicked")
		}
	}()

	env, err := Decode(data)
	if err != nil {
		log.Debug().Err(err).Str("channel", h.name).Msg("broadcast: ignoring malformed envelope")
		return
	}
	sub.fn(env)
}

// Wait blocks until every envelope queued so far has been handled or dropped.
func (h *Hub) Wait() {
	h.pending.Wait()
}

// Close detaches every subscriber. Further publishes fail.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.done)
	}
	return nil
}
