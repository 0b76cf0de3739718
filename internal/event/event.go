// Package event defines the immutable value records that flow through
// the runtime: inserts, retractions, batches, and faults, plus the
// per-stream schemas they are validated against.
package event

import (
	"strings"
	"time"
)

// Event is one immutable record on a stream. Seq is the engine-assigned
// arrival sequence number; it fixes the order in which matcher state is
// advanced (deterministic application order).
type Event struct {
	Stream    string
	Values    []Value
	Timestamp time.Time
	Seq       int64
}

// New creates an event. The values slice is copied so later caller
// mutation cannot reach buffered window state.
func New(stream string, ts time.Time, values []Value) *Event {
	vs := make([]Value, len(values))
	copy(vs, values)
	return &Event{Stream: CanonicalName(stream), Values: vs, Timestamp: ts}
}

// Value returns the attribute at position i.
func (e *Event) Value(i int) Value { return e.Values[i] }

// String renders the event for logs and test failures.
func (e *Event) String() string {
	var b strings.Builder
	b.WriteString(e.Stream)
	b.WriteByte('[')
	for i, v := range e.Values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(v.String())
	}
	b.WriteByte(']')
	return b.String()
}

// Remove is the retraction pairing a previously emitted insert with the
// time it left window-scoped state. Every insert a window forwards is
// eventually wrapped by at most one Remove, FIFO by insertion.
type Remove struct {
	Event     *Event
	Timestamp time.Time
}

// Batch is an ordered group of events submitted and processed
// atomically through a stage. Relative order is preserved end to end.
type Batch struct {
	Events []*Event
}

// Fault reports a per-event failure (schema violation at ingress) to
// sinks without disturbing the pipeline.
type Fault struct {
	Stream    string
	Values    []Value
	Err       error
	Timestamp time.Time
	Token     string
}
