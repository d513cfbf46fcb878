// Package events provides a publish/subscribe event bus for attach
// observability. Components publish status and exit events; consumers
// either subscribe with a buffered channel (WebSocket handler, MQTT
// mirror) or register a listener for one event kind (controller
// bookkeeping, tests). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"slices"
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAttach identifies events from the attach controller.
	SourceAttach = "attach"
	// SourceLauncher identifies events from a launched process.
	SourceLauncher = "launcher"
	// SourceKeepalive identifies events from the re-attach watcher.
	SourceKeepalive = "keepalive"
)

// Kind constants describe the type of event within a source.
const (
	// KindStatus reports a controller-level status transition.
	// Data: id, status, attempt, error (failed only).
	KindStatus = "status"
	// KindExit reports that an attached server process exited.
	// Data: id, code, signal (nil when absent).
	KindExit = "exit"
	// KindRestart reports that keepalive is re-attaching a server.
	// Data: id, delay_ms.
	KindRestart = "restart"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// String returns Data[key] as a string, or "" if absent.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Int returns Data[key] as an int, or 0 if absent or not an integer.
// Any Go integer kind is accepted, as is a whole float64 from decoded
// JSON.
func (e Event) Int(key string) int {
	switch n := e.Data[key].(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		if n == float64(int(n)) {
			return int(n)
		}
	}
	return 0
}

type listener struct {
	fn   func(Event)
	once bool
}

// Bus is a broadcast event bus. Channel subscribers receive events on
// buffered channels; slow subscribers miss events rather than blocking
// publishers. Listeners registered with On or Once are called
// synchronously by Publish, in publish order.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event

	listeners map[string]map[uint64]*listener
	nextID    uint64
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		listeners:  make(map[string]map[uint64]*listener),
	}
}

// Publish delivers an event to every listener registered for its kind,
// in registration order, and then to all channel subscribers. A zero
// Timestamp is set to now.
// One-shot listeners are unregistered before they are called, so a
// listener that publishes from inside its callback is never re-entered.
// Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	ids := make([]uint64, 0, len(b.listeners[e.Kind]))
	for id := range b.listeners[e.Kind] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	call := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		l := b.listeners[e.Kind][id]
		call = append(call, l.fn)
		if l.once {
			delete(b.listeners[e.Kind], id)
		}
	}
	b.mu.Unlock()

	for _, fn := range call {
		fn(e)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// On registers fn for every future event of the given kind. The
// returned function unregisters it and is safe to call more than once.
func (b *Bus) On(kind string, fn func(Event)) (cancel func()) {
	return b.register(kind, fn, false)
}

// Once registers fn for the next event of the given kind only. The
// listener removes itself before delivery; the returned function
// unregisters it early if the event never arrives.
func (b *Bus) Once(kind string, fn func(Event)) (cancel func()) {
	return b.register(kind, fn, true)
}

func (b *Bus) register(kind string, fn func(Event), once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.listeners[kind] == nil {
		b.listeners[kind] = make(map[uint64]*listener)
	}
	b.listeners[kind][id] = &listener{fn: fn, once: once}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners[kind], id)
	}
}

// ListenerCount returns the number of listeners registered for kind.
func (b *Bus) ListenerCount(kind string) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[kind])
}

// Subscribe returns a channel that receives every published event. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active channel subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
