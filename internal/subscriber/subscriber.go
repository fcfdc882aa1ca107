// Package subscriber tracks lifecycle subscribers and applies the fan-out
// rules that decide which subscriber sees which event in what shape.
package subscriber

import (
	"github.com/basket/bgtaskd/internal/record"
)

// Flag is a subscriber capability bitmask.
type Flag uint32

const (
	// FlagTransientTask opts the subscriber into delay-quota events.
	FlagTransientTask Flag = 1 << 0
	// FlagTaskSuspend marks an application subscriber able to survive a
	// suspend instead of a hard stop when its grant is retracted.
	FlagTaskSuspend Flag = 1 << 1
)

// EventType names a subscriber event.
type EventType string

const (
	EventTaskStart   EventType = "task.start"
	EventTaskUpdate  EventType = "task.update"
	EventTaskStop    EventType = "task.stop"
	EventTaskSuspend EventType = "task.suspend"
	EventTaskActive  EventType = "task.active"
	// EventOwnerStop signals that a uid's last continuous task is gone.
	EventOwnerStop EventType = "task.owner_stop"

	EventDelayStart EventType = "delay.start"
	EventDelayEnd   EventType = "delay.end"
	// EventDelayExpired warns the requester that its delay window is about
	// to be reclaimed.
	EventDelayExpired EventType = "delay.expired"
)

// Event is one delivery to a subscriber. Task is a snapshot and is nil for
// delay and owner-stop events.
type Event struct {
	Type    EventType                    `json:"type"`
	Task    *record.ContinuousTaskRecord `json:"task,omitempty"`
	UID     int32                        `json:"uid,omitempty"`
	Bundle  string                       `json:"bundle,omitempty"`
	Reason  int32                        `json:"reason,omitempty"`
	DelayID int32                        `json:"delayId,omitempty"`
}

// Sink receives events for one subscriber. Done is closed when the
// subscriber's transport dies; the manager purges the entry on that signal.
type Sink interface {
	Send(ev Event)
	Done() <-chan struct{}
}

// Entry is one registered subscriber. System subscribers (IsApp false) see
// every task event; application subscribers only see events about their own
// uid, and only the shapes addressed to applications.
type Entry struct {
	ID    string
	UID   int32
	IsApp bool
	Flags Flag
	Sink  Sink
}

// Registry is the subscriber table. Like the task store it is owned by the
// manager's dispatch loop and is not safe for concurrent use.
type Registry struct {
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add registers an entry. Returns false when the id is already present.
func (r *Registry) Add(e *Entry) bool {
	if _, ok := r.entries[e.ID]; ok {
		return false
	}
	r.entries[e.ID] = e
	return true
}

// Remove deletes the entry with id and returns it, or nil.
func (r *Registry) Remove(id string) *Entry {
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	return e
}

// Get returns the entry with id, or nil.
func (r *Registry) Get(id string) *Entry {
	return r.entries[id]
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	return len(r.entries)
}

// SupportsSuspend reports whether uid has an application subscriber that
// declared the suspend capability. Without one, retraction falls back to a
// hard stop.
func (r *Registry) SupportsSuspend(uid int32) bool {
	for _, e := range r.entries {
		if e.IsApp && e.UID == uid && e.Flags&FlagTaskSuspend != 0 {
			return true
		}
	}
	return false
}

// NotifyStart fans out a freshly granted task to system subscribers.
func (r *Registry) NotifyStart(rec *record.ContinuousTaskRecord) {
	r.toSystem(Event{Type: EventTaskStart, Task: rec})
}

// NotifyUpdate fans out a mode-list change to system subscribers.
func (r *Registry) NotifyUpdate(rec *record.ContinuousTaskRecord) {
	r.toSystem(Event{Type: EventTaskUpdate, Task: rec})
}

// NotifyStop fans out a retraction. System subscribers always see it; the
// owning application only when the reason is in the app-echoed set.
func (r *Registry) NotifyStop(rec *record.ContinuousTaskRecord, reason int32) {
	ev := Event{Type: EventTaskStop, Task: rec, Reason: reason}
	r.toSystem(ev)
	if record.AppEchoedCancelReason(reason) {
		r.toApp(rec.UID, ev)
	}
}

// NotifySuspend fans out a suspension. System subscribers see a stop-shaped
// event; the owning application sees the suspend with its reason.
func (r *Registry) NotifySuspend(rec *record.ContinuousTaskRecord, reason int32) {
	r.toSystem(Event{Type: EventTaskStop, Task: rec, Reason: reason})
	r.toApp(rec.UID, Event{Type: EventTaskSuspend, Task: rec, Reason: reason})
}

// NotifyActive fans out a resume. System subscribers see a start-shaped
// event; the owning application sees the resume.
func (r *Registry) NotifyActive(rec *record.ContinuousTaskRecord) {
	r.toSystem(Event{Type: EventTaskStart, Task: rec})
	r.toApp(rec.UID, Event{Type: EventTaskActive, Task: rec})
}

// NotifyOwnerStop tells system subscribers that uid holds no more tasks.
func (r *Registry) NotifyOwnerStop(uid int32, bundle string) {
	r.toSystem(Event{Type: EventOwnerStop, UID: uid, Bundle: bundle})
}

// NotifyDelay fans out a transient delay event to subscribers that opted in.
func (r *Registry) NotifyDelay(evType EventType, uid int32, bundle string, delayID int32) {
	ev := Event{Type: evType, UID: uid, Bundle: bundle, DelayID: delayID}
	for _, e := range r.entries {
		if e.Flags&FlagTransientTask == 0 {
			continue
		}
		if e.IsApp && e.UID != uid {
			continue
		}
		e.Sink.Send(ev)
	}
}

func (r *Registry) toSystem(ev Event) {
	for _, e := range r.entries {
		if !e.IsApp {
			e.Sink.Send(ev)
		}
	}
}

func (r *Registry) toApp(uid int32, ev Event) {
	for _, e := range r.entries {
		if e.IsApp && e.UID == uid {
			e.Sink.Send(ev)
		}
	}
}
