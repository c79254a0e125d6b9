// Package stream fans the events of one run out to any number of live
// viewers. Late subscribers first receive a replay of what they missed.
package stream

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/user/crawl-supervisor/internal/domain"
)

// Default configuration values.
const (
	DefaultHistorySize      = 2000
	DefaultClientBufferSize = 256
)

// Event is one item of a run's event stream.
type Event struct {
	ID   uint64           `json:"id"`
	Type domain.EventType `json:"type"`
	Data any              `json:"data"`
}

// terminalSlots is the capacity of each subscriber channel held back for the
// final bundle and the done event.
const terminalSlots = 2

type subscriber struct {
	ch      chan Event
	dropped int
	// bundleID is the last bundle event queued for this subscriber.
	bundleID uint64
}

// offer queues ev unless the non-reserved part of the channel is full. The
// hub is the only sender and holds its lock, so len only shrinks meanwhile.
func (s *subscriber) offer(ev Event) bool {
	if len(s.ch) >= cap(s.ch)-terminalSlots {
		s.dropped++
		return false
	}
	s.ch <- ev
	if ev.Type == domain.EventBundle {
		s.bundleID = ev.ID
	}
	return true
}

// finish queues the latest bundle if this subscriber missed it, then the
// done event, using the reserved slots.
func (s *subscriber) finish(bundle *Event, done Event) {
	if bundle != nil && s.bundleID != bundle.ID {
		s.ch <- *bundle
		s.bundleID = bundle.ID
	}
	s.ch <- done
}

// Hub keeps a bounded history of line and state events, the latest bundle
// and the terminal event, and forwards new events to subscribers without
// ever blocking the publisher. A subscriber that falls behind loses line
// events, but it always receives the final bundle and the done event.
type Hub struct {
	logger *zap.Logger

	mu           sync.Mutex
	nextID       uint64
	history      []Event
	bundle       *Event
	final        *Event
	subs         map[int]*subscriber
	nextSub      int
	closed       bool
	historySize  int
	clientBuffer int
}

// Option configures a Hub.
type Option func(*Hub)

func WithHistorySize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.historySize = n
		}
	}
}

func WithClientBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.clientBuffer = n
		}
	}
}

func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		logger:       logger,
		subs:         make(map[int]*subscriber),
		historySize:  DefaultHistorySize,
		clientBuffer: DefaultClientBufferSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish records an event and forwards it. A bundle identical to the
// previous one is dropped. Publishing EventDone closes the hub. Events
// published after that are ignored.
func (h *Hub) Publish(typ domain.EventType, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	if typ == domain.EventBundle && h.bundle != nil && sameBundle(h.bundle.Data, data) {
		return
	}

	h.nextID++
	ev := Event{ID: h.nextID, Type: typ, Data: data}

	switch typ {
	case domain.EventBundle:
		h.bundle = &ev
	case domain.EventDone:
		h.final = &ev
	default:
		h.history = append(h.history, ev)
		if over := len(h.history) - h.historySize; over > 0 {
			h.history = append(h.history[:0:0], h.history[over:]...)
		}
	}

	if typ == domain.EventDone {
		for _, s := range h.subs {
			s.finish(h.bundle, ev)
		}
		h.closeLocked()
		return
	}

	for id, s := range h.subs {
		if !s.offer(ev) {
			h.logger.Debug("dropping event for slow subscriber",
				zap.Int("subscriber", id),
				zap.Uint64("event_id", ev.ID),
				zap.Int("dropped", s.dropped),
			)
		}
	}
}

func sameBundle(a, b any) bool {
	x, ok := a.(domain.BundleUpdate)
	if !ok {
		return false
	}
	y, ok := b.(domain.BundleUpdate)
	return ok && x == y
}

// Subscribe returns a channel that first yields the replay and then live
// events. It is closed after the done event, or by the returned cancel func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := h.replayLocked()
	sub := &subscriber{ch: make(chan Event, len(replay)+h.clientBuffer+terminalSlots)}
	for _, ev := range replay {
		sub.ch <- ev
		if ev.Type == domain.EventBundle {
			sub.bundleID = ev.ID
		}
	}
	ch := sub.ch

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextSub
	h.nextSub++
	h.subs[id] = sub

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if s, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(s.ch)
			}
		})
	}
}

func (h *Hub) replayLocked() []Event {
	replay := make([]Event, 0, len(h.history)+2)
	replay = append(replay, h.history...)
	if h.bundle != nil {
		replay = append(replay, *h.bundle)
	}
	if h.final != nil {
		replay = append(replay, *h.final)
	}
	sort.Slice(replay, func(i, j int) bool { return replay[i].ID < replay[j].ID })
	return replay
}

// Close ends every subscription without a done event.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked()
}

func (h *Hub) closeLocked() {
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
