package events

import (
	"sync"

	"reservebank/core/types"
)

// Event represents a structured state change emitted by the lending engine.
type Event interface {
	EventType() string
}

// Flatten returns the attribute view of evt. Events without one yield a view
// carrying only the type.
func Flatten(evt Event) *types.Event {
	if evt == nil {
		return nil
	}
	if attributed, ok := evt.(Attributed); ok {
		if view := attributed.Event(); view != nil {
			if view.Attributes == nil {
				view.Attributes = map[string]string{}
			}
			return view
		}
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}

// Emitter broadcasts events to downstream subscribers (e.g. journal, streams).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// FanOut delivers every event to each registered emitter in order.
type FanOut struct {
	mu      sync.RWMutex
	targets []Emitter
}

func NewFanOut(targets ...Emitter) *FanOut {
	f := &FanOut{}
	for _, t := range targets {
		f.Add(t)
	}
	return f
}

// Add registers another downstream emitter.
func (f *FanOut) Add(target Emitter) {
	if f == nil || target == nil {
		return
	}
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.mu.Unlock()
}

// Emit implements the Emitter interface.
func (f *FanOut) Emit(evt Event) {
	if f == nil || evt == nil {
		return
	}
	f.mu.RLock()
	targets := append([]Emitter(nil), f.targets...)
	f.mu.RUnlock()
	for _, t := range targets {
		t.Emit(evt)
	}
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
