// Package observer replaces the teacher's string-keyed event emitter
// with typed channels per spec §9 ("explicit Observer interface
// with typed channels... fan-out replaces the string-keyed emitter").
package observer

import (
	"sync"

	"github.com/distsched/agenda/internal/domain"
)

// Kind is the event category, mirroring spec §6's surfaced event set.
type Kind string

const (
	KindReady    Kind = "ready"
	KindStart    Kind = "start"
	KindSuccess  Kind = "success"
	KindFail     Kind = "fail"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Event is delivered to subscribers. Event carries no name of its own:
// per spec §6, per-name events are produced by this layer matching
// Job.Name against a subscription's name, not by emitting a second event.
type Event struct {
	Kind Kind
	Job  *domain.Job // nil for KindReady and bare KindError
	Err  error       // set for KindFail and KindError
}

type subscription struct {
	id      uint64
	kind    Kind
	name    string // "" subscribes to every job name
	handler func(Event)
}

// Observer is the instance-local fan-out point. Handlers are invoked
// synchronously on the caller's goroutine (the executor's dispatch
// goroutine for job events); a slow handler is the caller's problem to
// isolate. Matching spec §4.4's "handler errors must not crash
// delivery" requirement, Observer itself recovers panics so one bad
// subscriber can't take down the loop.
type Observer struct {
	mu   sync.Mutex
	subs []subscription
	next uint64
}

// New returns an empty Observer.
func New() *Observer {
	return &Observer{}
}

// On subscribes to every event of kind, for every job name.
func (o *Observer) On(kind Kind, handler func(Event)) (unsubscribe func()) {
	return o.on(kind, "", handler)
}

// OnName subscribes to events of kind for one specific job name only
// (spec §6's "success:<name>" style events).
func (o *Observer) OnName(kind Kind, name string, handler func(Event)) (unsubscribe func()) {
	return o.on(kind, name, handler)
}

func (o *Observer) on(kind Kind, name string, handler func(Event)) func() {
	o.mu.Lock()
	id := o.next
	o.next++
	o.subs = append(o.subs, subscription{id: id, kind: kind, name: name, handler: handler})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit fans an event out to every matching subscriber.
func (o *Observer) Emit(ev Event) {
	o.mu.Lock()
	matching := make([]subscription, 0, len(o.subs))
	for _, s := range o.subs {
		if s.kind != ev.Kind {
			continue
		}
		if s.name != "" {
			if ev.Job == nil || ev.Job.Name != s.name {
				continue
			}
		}
		matching = append(matching, s)
	}
	o.mu.Unlock()

	for _, s := range matching {
		safeInvoke(s.handler, ev)
	}
}

func safeInvoke(handler func(Event), ev Event) {
	defer func() { _ = recover() }()
	handler(ev)
}
