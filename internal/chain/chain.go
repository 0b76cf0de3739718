// Package chain threads events through the compiled stage sequence of a
// query: zero or more filter/window stages, optionally terminating in a
// pattern matcher. Stages are held in an explicit slice and expose a
// uniform process-to-effects contract; no stage knows its successor.
package chain

import (
	"github.com/rillflow/rill/internal/event"
)

// Input is the single unit a stage processes: exactly one of Insert,
// Remove, or Batch is set.
type Input struct {
	Insert *event.Event
	Remove *event.Remove
	Batch  *event.Batch
}

// Effects is what a stage produced for one input: inserts, batches, and
// retractions to hand to the next stage, in order, plus any faults.
// Retractions coalesced from one batch stay together in Removes. A
// stage that forwards an incoming batch unbroken (filter) returns it in
// Batches so downstream stages still see one atomic unit; the window
// stages re-emit the batch elements as per-element Inserts in batch
// order instead.
type Effects struct {
	Inserts []*event.Event
	Batches []*event.Batch
	Removes []*event.Remove
	Faults  []event.Fault
}

// Empty reports whether the effects carry nothing.
func (e Effects) Empty() bool {
	return len(e.Inserts) == 0 && len(e.Batches) == 0 &&
		len(e.Removes) == 0 && len(e.Faults) == 0
}

// Stage is one step of a compiled chain.
//
// Process must be synchronous and must only be called under the owning
// query's serialization lock; stages keep no locks of their own beyond
// what their buffers need.
type Stage interface {
	Name() string
	Process(in Input) Effects
}

// Chain is the compiled stage sequence for one (query, stream) route.
type Chain struct {
	stages []Stage
}

// New builds a chain over the given stages, in declared order.
func New(stages ...Stage) *Chain {
	return &Chain{stages: stages}
}

// Stages returns the stage slice (read-only by convention).
func (c *Chain) Stages() []Stage { return c.stages }

// Process pushes an input through the whole chain and returns the
// terminal effects.
func (c *Chain) Process(in Input) Effects {
	return c.ProcessFrom(0, in)
}

// ProcessFrom pushes an input through the chain starting at stage
// index from. Window expiry uses this to inject retractions downstream
// of the window that produced them.
func (c *Chain) ProcessFrom(from int, in Input) Effects {
	pending := []Input{in}
	var faults []event.Fault

	for i := from; i < len(c.stages); i++ {
		stage := c.stages[i]
		var next []Input
		for _, item := range pending {
			eff := stage.Process(item)
			faults = append(faults, eff.Faults...)
			for _, ins := range eff.Inserts {
				next = append(next, Input{Insert: ins})
			}
			for _, b := range eff.Batches {
				next = append(next, Input{Batch: b})
			}
			for _, rm := range eff.Removes {
				next = append(next, Input{Remove: rm})
			}
		}
		pending = next
		if len(pending) == 0 {
			break
		}
	}

	out := Effects{Faults: faults}
	for _, item := range pending {
		switch {
		case item.Insert != nil:
			out.Inserts = append(out.Inserts, item.Insert)
		case item.Remove != nil:
			out.Removes = append(out.Removes, item.Remove)
		case item.Batch != nil:
			// A batch that reached the end without a consuming stage
			// flattens in order.
			for _, ev := range item.Batch.Events {
				out.Inserts = append(out.Inserts, ev)
			}
		}
	}
	return out
}
