package chain

import (
	"log/slog"

	"github.com/rillflow/rill/internal/event"
)

// Predicate decides whether an insert passes a filter stage. An error
// counts as a non-match for that event and is logged, never raised.
type Predicate func(*event.Event) (bool, error)

// Filter drops inserts that fail its predicate. Retractions pass
// through untouched; batches are filtered per element and forwarded as
// one batch so downstream coalescing still sees a single unit.
type Filter struct {
	name string
	pred Predicate
}

// NewFilter creates a named filter stage.
func NewFilter(name string, pred Predicate) *Filter {
	return &Filter{name: name, pred: pred}
}

// Name implements Stage.
func (f *Filter) Name() string { return f.name }

// Process implements Stage.
func (f *Filter) Process(in Input) Effects {
	switch {
	case in.Insert != nil:
		if f.keep(in.Insert) {
			return Effects{Inserts: []*event.Event{in.Insert}}
		}
		return Effects{}

	case in.Batch != nil:
		kept := make([]*event.Event, 0, len(in.Batch.Events))
		for _, ev := range in.Batch.Events {
			if f.keep(ev) {
				kept = append(kept, ev)
			}
		}
		if len(kept) == 0 {
			return Effects{}
		}
		return Effects{Batches: []*event.Batch{{Events: kept}}}

	case in.Remove != nil:
		return Effects{Removes: []*event.Remove{in.Remove}}
	}
	return Effects{}
}

func (f *Filter) keep(ev *event.Event) bool {
	ok, err := f.pred(ev)
	if err != nil {
		slog.Debug("filter predicate error, treating as non-match",
			"stage", f.name, "event", ev.String(), "error", err)
		return false
	}
	return ok
}
