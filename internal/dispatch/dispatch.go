// Package dispatch fans decoded relay events out to registered handlers.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gastownhall/live-relay/internal/wire"
)

// Handler receives one event.
type Handler func(wire.Event)

type registration struct {
	id int
	fn Handler
}

// Dispatcher routes events by type. Handlers for a type run in registration
// order, followed by wildcard handlers in registration order.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string][]registration
	nextID   int
	log      *slog.Logger
}

// New creates an empty dispatcher. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string][]registration),
		log:      logger.With("component", "dispatch"),
	}
}

// On registers fn for eventType (or wire.Wildcard) and returns a function
// that removes exactly this registration. Calling it twice is harmless.
func (d *Dispatcher) On(eventType string, fn Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[eventType] = append(d.handlers[eventType], registration{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(eventType, id) })
	}
}

func (d *Dispatcher) remove(eventType string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[eventType]
	for i, r := range regs {
		if r.id == id {
			// copy so in-flight Emit snapshots stay intact
			next := make([]registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			next = append(next, regs[i+1:]...)
			if len(next) == 0 {
				delete(d.handlers, eventType)
			} else {
				d.handlers[eventType] = next
			}
			return
		}
	}
}

// Emit delivers ev to its type handlers and then to wildcard handlers.
// A panicking handler is logged and does not stop the others.
func (d *Dispatcher) Emit(ev wire.Event) {
	d.mu.Lock()
	typed := d.handlers[ev.Type]
	var wildcard []registration
	if ev.Type != wire.Wildcard {
		wildcard = d.handlers[wire.Wildcard]
	}
	d.mu.Unlock()

	for _, r := range typed {
		d.call(r, ev)
	}
	for _, r := range wildcard {
		d.call(r, ev)
	}
}

func (d *Dispatcher) call(r registration, ev wire.Event) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("event handler panicked", "type", ev.Type, "panic", p)
		}
	}()
	r.fn(ev)
}

// Len reports how many handlers are registered for eventType.
func (d *Dispatcher) Len(eventType string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers[eventType])
}
