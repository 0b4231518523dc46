// Package event is a small in-process notification bus.
//
// Listeners subscribe under a scope (a user id) and only receive events of
// that scope. Emitters learn how many listeners took an event so they can
// pick a different path when nobody is listening.
package event

import (
	"log/slog"
	"sync"

	"github.com/choraleia/relaychat/pkg/utils"
)

// Event is the interface all event types must implement.
type Event interface {
	// EventName returns the unique name for this event type (e.g., "title.delta")
	EventName() string
	// Scope returns the id of the audience, usually a user id.
	Scope() string
}

// Listener is a callback function for handling events.
type Listener func(Event)

type subscription struct {
	scope string
	fn    Listener
}

// Emitter manages event subscriptions and dispatching.
type Emitter struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]subscription
	logger    *slog.Logger
}

// NewEmitter creates a new event emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[uint64]subscription),
		logger:    utils.GetLogger(),
	}
}

// On subscribes fn to every event of scope.
// Returns an unsubscribe function; calling it more than once is harmless.
func (e *Emitter) On(scope string, fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = subscription{scope: scope, fn: fn}
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Emit dispatches ev to the listeners of its scope and returns how many
// received it. Callbacks run on the caller's goroutine and must not block.
func (e *Emitter) Emit(ev Event) int {
	e.mu.RLock()
	// Copy listeners to avoid holding lock during callbacks
	var targets []Listener
	for _, s := range e.listeners {
		if s.scope == ev.Scope() {
			targets = append(targets, s.fn)
		}
	}
	e.mu.RUnlock()

	e.logger.Debug("Emitting event", "event", ev.EventName(), "scope", ev.Scope(), "listeners", len(targets))
	for _, fn := range targets {
		fn(ev)
	}
	return len(targets)
}

// TryEmit emits ev and reports whether at least one listener received it.
func (e *Emitter) TryEmit(ev Event) bool {
	return e.Emit(ev) > 0
}

// ListenerCount returns the number of listeners subscribed under scope.
func (e *Emitter) ListenerCount(scope string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, s := range e.listeners {
		if s.scope == scope {
			n++
		}
	}
	return n
}
