package testing

import (
	"sync"

	"dateper-messaging/internal/event"
	"github.com/pkg/errors"
)

var (
	ErrClosed = errors.New("connection closed")
	ErrFull   = errors.New("outbound buffer full")
)

// Recorder is an in-memory connection that keeps every event it accepts.
// It rejects events once capacity is reached, like a slow websocket client.
type Recorder struct {
	mu       sync.Mutex
	events   []event.Event
	capacity int
	failing  bool
}

// NewRecorder creates a recorder holding at most capacity events, zero means unbounded
func NewRecorder(capacity int) *Recorder {
	return &Recorder{capacity: capacity}
}

func (r *Recorder) Send(ev event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failing {
		return ErrClosed
	}
	if r.capacity > 0 && len(r.events) >= r.capacity {
		return ErrFull
	}
	r.events = append(r.events, ev)
	return nil
}

// Fail makes subsequent sends return ErrClosed
func (r *Recorder) Fail(failing bool) {
	r.mu.Lock()
	r.failing = failing
	r.mu.Unlock()
}

func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]event.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Types() []event.Type {
	events := r.Events()
	types := make([]event.Type, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

// Count returns how many recorded events are of type t
func (r *Recorder) Count(t event.Type) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Last returns the most recent event of type t
func (r *Recorder) Last(t event.Type) (event.Event, bool) {
	events := r.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == t {
			return events[i], true
		}
	}
	return event.Event{}, false
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
