package window

import (
	"fmt"
	"time"

	"github.com/rillflow/rill/internal/chain"
	"github.com/rillflow/rill/internal/event"
	"github.com/rillflow/rill/internal/sched"
)

// Length is a length-K sliding window. Inserts are forwarded
// immediately; once the fill counter reaches K the window is steady and
// every further arrival evicts the oldest buffered event, keeping the
// outstanding count pinned at K.
//
// The buffer and fill counter are mutated only under the owning query's
// serialization lock (Process is never called concurrently).
type Length struct {
	name     string
	capacity int

	buf   *sched.Queue[*event.Event]
	fill  int
	state State
}

// NewLength creates a length window of the given capacity.
func NewLength(name string, capacity int) (*Length, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("length window %s: capacity must be positive, got %d", name, capacity)
	}
	return &Length{
		name:     name,
		capacity: capacity,
		buf:      sched.NewQueue[*event.Event](),
	}, nil
}

// Name implements chain.Stage.
func (w *Length) Name() string { return w.name }

// State returns the current fill state.
func (w *Length) State() State { return w.state }

// Buffered returns the number of outstanding (not yet retracted) events.
func (w *Length) Buffered() int { return w.buf.Len() }

// Process implements chain.Stage.
func (w *Length) Process(in chain.Input) chain.Effects {
	switch {
	case in.Insert != nil:
		return w.admit([]*event.Event{in.Insert})
	case in.Batch != nil:
		// Per-element admission; the retractions the batch produced are
		// coalesced into the one Removes list, order preserved.
		return w.admit(in.Batch.Events)
	case in.Remove != nil:
		return w.retract(in.Remove)
	}
	return chain.Effects{}
}

// retract handles a retraction produced upstream (an earlier window in
// the same chain). A still-buffered copy is dropped and the retraction
// forwarded, so the eventual eviction cannot retract the event a second
// time. An event no longer buffered was already evicted here and its
// one retraction has gone downstream; the duplicate stops.
func (w *Length) retract(rm *event.Remove) chain.Effects {
	if !w.buf.Remove(func(ev *event.Event) bool { return ev == rm.Event }) {
		return chain.Effects{}
	}
	if w.state == Filling {
		w.fill--
	}
	return chain.Effects{Removes: []*event.Remove{rm}}
}

func (w *Length) admit(events []*event.Event) chain.Effects {
	var eff chain.Effects
	now := time.Now()
	for _, ev := range events {
		w.buf.Put(ev)
		eff.Inserts = append(eff.Inserts, ev)
		if w.state == Steady {
			old, ok := w.buf.TryTake()
			if ok {
				eff.Removes = append(eff.Removes, &event.Remove{Event: old, Timestamp: now})
			}
		} else {
			w.fill++
			if w.fill == w.capacity {
				w.state = Steady
			}
		}
	}
	return eff
}
