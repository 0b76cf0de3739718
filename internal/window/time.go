package window

import (
	"context"
	"fmt"
	"time"

	"github.com/rillflow/rill/internal/chain"
	"github.com/rillflow/rill/internal/event"
	"github.com/rillflow/rill/internal/sched"
)

// Time is a duration-D sliding window. Inserts are forwarded
// immediately and scheduled to expire at arrival+D; eviction is
// time-driven, performed by an expiry consumer the engine runs against
// TakeExpired, independent of later arrivals.
type Time struct {
	name string
	dur  time.Duration

	q *sched.TimedQueue[*event.Event]
}

// NewTime creates a time window of the given duration.
func NewTime(name string, dur time.Duration) (*Time, error) {
	if dur <= 0 {
		return nil, fmt.Errorf("time window %s: duration must be positive, got %v", name, dur)
	}
	return &Time{
		name: name,
		dur:  dur,
		q:    sched.NewTimedQueue[*event.Event](),
	}, nil
}

// Name implements chain.Stage.
func (w *Time) Name() string { return w.name }

// Duration returns the configured window span.
func (w *Time) Duration() time.Duration { return w.dur }

// Buffered returns the number of outstanding (not yet expired) events.
func (w *Time) Buffered() int { return w.q.Len() }

// Process implements chain.Stage.
func (w *Time) Process(in chain.Input) chain.Effects {
	switch {
	case in.Insert != nil:
		w.schedule(in.Insert)
		return chain.Effects{Inserts: []*event.Event{in.Insert}}
	case in.Batch != nil:
		var eff chain.Effects
		for _, ev := range in.Batch.Events {
			w.schedule(ev)
			eff.Inserts = append(eff.Inserts, ev)
		}
		return eff
	case in.Remove != nil:
		return w.retract(in.Remove)
	}
	return chain.Effects{}
}

// retract handles a retraction produced upstream. A still-scheduled
// event is unscheduled and the retraction forwarded, so the expiry
// consumer cannot retract it a second time. An already-expired event
// was retracted by its expiry; the duplicate stops.
func (w *Time) retract(rm *event.Remove) chain.Effects {
	if w.q.Remove(func(ev *event.Event) bool { return ev == rm.Event }) {
		return chain.Effects{Removes: []*event.Remove{rm}}
	}
	return chain.Effects{}
}

func (w *Time) schedule(ev *event.Event) {
	w.q.Put(ev, ev.Timestamp.Add(w.dur))
}

// TakeExpired blocks until the earliest buffered event's deadline has
// passed and returns it. ok is false once the window is closed or ctx
// is cancelled.
func (w *Time) TakeExpired(ctx context.Context) (*event.Event, bool) {
	return w.q.TakeExpired(ctx)
}

// Drain removes all buffered events, earliest deadline first. Used by
// query teardown.
func (w *Time) Drain() []*event.Event {
	return w.q.Drain()
}

// Close shuts the expiry queue, waking the expiry consumer.
func (w *Time) Close() {
	w.q.Close()
}
