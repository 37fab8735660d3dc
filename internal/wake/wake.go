// Package wake provides the one-shot wake-up primitive the scheduler parks
// on. At most one wake may be registered under a given name; registering
// again replaces the previous one.
package wake

import (
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("waker closed")

// Event is delivered on the event channel when a registered wake fires.
type Event struct {
	Name string
	At   time.Time // the instant the wake was registered for
}

// Info describes a currently registered wake.
type Info struct {
	Name string
	At   time.Time
}

// Waker registers named one-shot wake-ups and delivers fire events.
type Waker interface {
	// Register arms (or re-arms) the named wake for the given instant.
	// Instants in the past fire immediately.
	Register(name string, at time.Time) error

	// Cancel disarms the named wake. It reports whether one was registered.
	Cancel(name string) bool

	// Get returns the registered wake, if any.
	Get(name string) (Info, bool)

	// Events returns the channel wake fires are delivered on.
	Events() <-chan Event

	Close()
}

// Timers implements Waker on runtime timers.
//
// Each name carries a version counter so a timer callback from a replaced
// or cancelled registration can detect it is stale and do nothing. This
// mirrors how upsert-by-name one-shot schedules avoid double fires.
type Timers struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	at     map[string]time.Time
	ver    map[string]uint64
	events chan Event
	closed bool
}

func NewTimers() *Timers {
	return &Timers{
		timers: map[string]*time.Timer{},
		at:     map[string]time.Time{},
		ver:    map[string]uint64{},
		events: make(chan Event, 8),
	}
}

func (w *Timers) Register(name string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	// Upsert: stop any existing timer under this name.
	if t, ok := w.timers[name]; ok {
		_ = t.Stop()
		delete(w.timers, name)
	}
	v := w.ver[name] + 1
	w.ver[name] = v
	w.at[name] = at

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	localName, localAt, localVer := name, at, v
	w.timers[name] = time.AfterFunc(delay, func() {
		w.fire(localName, localAt, localVer)
	})
	return nil
}

func (w *Timers) fire(name string, at time.Time, ver uint64) {
	w.mu.Lock()
	if w.closed || w.ver[name] != ver {
		w.mu.Unlock()
		return
	}
	delete(w.timers, name)
	delete(w.at, name)
	ev := w.events
	w.mu.Unlock()

	// Best-effort delivery: the scheduler keeps at most one wake armed and
	// drains promptly, so a full channel means the consumer is gone.
	select {
	case ev <- Event{Name: name, At: at}:
	default:
	}
}

func (w *Timers) Cancel(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.timers[name]
	if ok {
		_ = t.Stop()
		delete(w.timers, name)
	}
	if _, had := w.at[name]; had {
		delete(w.at, name)
		ok = true
	}
	// Bump the version so an in-flight callback becomes stale.
	w.ver[name]++
	return ok
}

func (w *Timers) Get(name string) (Info, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.at[name]
	if !ok {
		return Info{}, false
	}
	return Info{Name: name, At: at}, true
}

func (w *Timers) Events() <-chan Event { return w.events }

func (w *Timers) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for _, t := range w.timers {
		_ = t.Stop()
	}
	w.timers = map[string]*time.Timer{}
	w.at = map[string]time.Time{}
}
