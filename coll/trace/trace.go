// Package trace provides state-transition telemetry for bootstrap, connection
// setup, and proxy progress. It depends on nothing else in coll/ and holds
// only data types and sinks.
package trace

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event captures one state transition of a traced subject (a rank, a channel
// edge, or a connection). Emission is fire-and-forget: the core never depends
// on a sink's existence or success.
type Event struct {
	Rank    int       // rank on which the transition happened
	Subject string    // identifier of the traced object, e.g. "bootstrap" or "ch0/send"
	From    string    // previous state
	To      string    // new state
	At      time.Time // wall-clock time of the transition
	Detail  string    // optional free-form annotation
}

// Sink receives telemetry events. Implementations must be safe for
// concurrent use; Emit must not block the caller for long.
type Sink interface {
	Emit(Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Nop discards all events. It is the default sink everywhere.
var Nop Sink = nopSink{}

// Transition emits a state-transition event on sink, tolerating a nil sink.
func Transition(sink Sink, rank int, subject, from, to, detail string) {
	if sink == nil {
		return
	}
	sink.Emit(Event{
		Rank:    rank,
		Subject: subject,
		From:    from,
		To:      to,
		At:      time.Now(),
		Detail:  detail,
	})
}

// LogSink forwards events to logrus at debug level.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(ev Event) {
	logrus.Debugf("trace: rank %d %s: %s -> %s %s", ev.Rank, ev.Subject, ev.From, ev.To, ev.Detail)
}

// Recorder collects events in memory. Used by tests to assert on the
// transition sequence of a subject.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of all recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// BySubject returns recorded events whose Subject matches, in emission order.
func (r *Recorder) BySubject(subject string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Subject == subject {
			out = append(out, ev)
		}
	}
	return out
}
