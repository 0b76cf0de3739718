// Package window implements the sliding-window stages: length-bounded
// windows that evict on arrival once full, and time-bounded windows
// whose eviction is driven by the scheduler queue's expiry path. Both
// forward inserts unchanged and pair every forwarded insert with
// exactly one retraction, FIFO by insertion.
package window

// State is the window fill state. The FILLING to STEADY transition is
// one-way and sticky.
type State int

const (
	Filling State = iota
	Steady
)

func (s State) String() string {
	if s == Steady {
		return "STEADY"
	}
	return "FILLING"
}
