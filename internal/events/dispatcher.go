package events

import (
	"context"
	"log"
	"sync"
)

// Event is an in-process notification delivered to subscribed handlers after a
// state change commits.
type Event struct {
	Type    string
	Payload map[string]any
}

type Handler func(ctx context.Context, evt Event) error

// Dispatcher fans events out to subscribed handlers. It is constructed
// explicitly and wired at the composition root; there is no package-level
// instance. Handler errors are logged and never propagate to the emitter.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[string]map[int]Handler{}}
}

// Subscribe registers h for evtType and returns a function that removes the
// subscription.
func (d *Dispatcher) Subscribe(evtType string, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	if d.handlers[evtType] == nil {
		d.handlers[evtType] = map[int]Handler{}
	}
	d.handlers[evtType][id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[evtType], id)
	}
}

// Emit delivers evt to every handler subscribed to its type. A failing
// handler is logged and never blocks the others.
func (d *Dispatcher) Emit(ctx context.Context, evt Event) {
	d.mu.Lock()
	hs := make([]Handler, 0, len(d.handlers[evt.Type]))
	for _, h := range d.handlers[evt.Type] {
		hs = append(hs, h)
	}
	d.mu.Unlock()
	for _, h := range hs {
		if err := h(ctx, evt); err != nil {
			log.Printf("event handler error for %s: %v", evt.Type, err)
		}
	}
}

// Clear drops all subscriptions.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = map[string]map[int]Handler{}
}
