// Package sink defines the egress contract: a sink receives the
// inserts, retractions, and faults of one propagation together, so
// consumers can maintain materialized state correctly.
package sink

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rillflow/rill/internal/event"
)

// Sink consumes the terminal effects of one propagation step.
// OnEvents is called synchronously from the propagating goroutine and
// must not block on downstream consumers.
type Sink interface {
	OnEvents(ts time.Time, inserts []*event.Event, removes []*event.Remove, faults []event.Fault)
}

// Propagation is one delivered batch of effects.
type Propagation struct {
	Timestamp time.Time
	Inserts   []*event.Event
	Removes   []*event.Remove
	Faults    []event.Fault
}

// Collector is a thread-safe in-memory sink for tests and the harness.
type Collector struct {
	mu    sync.Mutex
	props []Propagation
}

// NewCollector creates an empty collector.
func NewCollector() *Collector { return &Collector{} }

// OnEvents implements Sink.
func (c *Collector) OnEvents(ts time.Time, inserts []*event.Event, removes []*event.Remove, faults []event.Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props = append(c.props, Propagation{
		Timestamp: ts,
		Inserts:   inserts,
		Removes:   removes,
		Faults:    faults,
	})
}

// Propagations returns a copy of the delivered propagations in order.
func (c *Collector) Propagations() []Propagation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Propagation, len(c.props))
	copy(out, c.props)
	return out
}

// Inserts returns every delivered insert in delivery order.
func (c *Collector) Inserts() []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*event.Event
	for _, p := range c.props {
		out = append(out, p.Inserts...)
	}
	return out
}

// Removes returns every delivered retraction in delivery order.
func (c *Collector) Removes() []*event.Remove {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*event.Remove
	for _, p := range c.props {
		out = append(out, p.Removes...)
	}
	return out
}

// Faults returns every delivered fault in delivery order.
func (c *Collector) Faults() []event.Fault {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Fault
	for _, p := range c.props {
		out = append(out, p.Faults...)
	}
	return out
}

// Reset drops all recorded propagations.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props = nil
}

// Slog logs every propagation through a structured logger.
type Slog struct {
	logger *slog.Logger
}

// NewSlog creates a logging sink. A nil logger uses slog.Default.
func NewSlog(logger *slog.Logger) *Slog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slog{logger: logger}
}

// OnEvents implements Sink.
func (s *Slog) OnEvents(ts time.Time, inserts []*event.Event, removes []*event.Remove, faults []event.Fault) {
	for _, ev := range inserts {
		s.logger.Info("insert", "at", ts, "event", ev.String())
	}
	for _, rm := range removes {
		s.logger.Info("retract", "at", ts, "event", rm.Event.String())
	}
	for _, f := range faults {
		s.logger.Warn("fault", "at", ts, "stream", f.Stream, "error", f.Err)
	}
}
