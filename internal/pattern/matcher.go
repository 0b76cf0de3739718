package pattern

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rillflow/rill/internal/chain"
	"github.com/rillflow/rill/internal/event"
)

// DefaultHighWater is the active partial-match count above which the
// matcher reports resource pressure. Pathological every-roots can grow
// state without bound; the matcher warns, it does not shed (capacity
// policy is a deployment concern).
const DefaultHighWater = 10000

// Scheduler registers a partial-match expiry deadline with the engine's
// timer service. The engine calls Expire with the same id once the
// deadline passes.
type Scheduler func(id uint64, deadline time.Time)

// Option configures a Matcher.
type Option func(*Matcher)

// WithScheduler wires the expiry path for plans with a within bound.
func WithScheduler(s Scheduler) Option {
	return func(m *Matcher) { m.schedule = s }
}

// WithHighWater overrides the partial-match warning threshold.
func WithHighWater(n int) Option {
	return func(m *Matcher) { m.highWater = n }
}

// partial is one in-progress instance of the plan.
//
// step is the index of the next positive element to satisfy; the
// elements in [negFrom, step) are the currently active negation guards.
// bindings maps step variables to their bound events (for star, the
// last matching event so far).
type partial struct {
	id       uint64
	step     int
	negFrom  int
	bindings map[string]*event.Event
	created  time.Time
}

// Matcher tracks the active partial matches of one compiled plan.
//
// All mutation happens inside OnEvent/Expire/DiscardAll, which the
// owning query serializes; the matcher itself holds no lock. Events
// reach OnEvent in a single well-defined order (engine arrival order),
// which makes evaluation deterministic.
type Matcher struct {
	plan     *Plan
	fields   []outputField
	relevant map[string]bool

	active []*partial
	nextID uint64

	schedule  Scheduler
	highWater int
	warned    bool

	logger *slog.Logger
}

// NewMatcher compiles a matcher for the plan against the registered
// stream schemas.
func NewMatcher(plan *Plan, schemas map[string]*event.Schema, opts ...Option) (*Matcher, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	for _, el := range plan.Elements {
		if _, ok := schemas[el.Stream]; !ok {
			return nil, fmt.Errorf("plan %s: unknown stream %s", plan.ID, el.Stream)
		}
	}
	fields, err := plan.resolveOutput(schemas)
	if err != nil {
		return nil, err
	}

	m := &Matcher{
		plan:      plan,
		fields:    fields,
		relevant:  plan.Streams(),
		highWater: DefaultHighWater,
		logger:    slog.Default().With("query", plan.ID),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Plan returns the compiled plan the matcher runs.
func (m *Matcher) Plan() *Plan { return m.plan }

// ActiveCount returns the number of in-flight partial matches.
func (m *Matcher) ActiveCount() int { return len(m.active) }

// Name implements chain.Stage.
func (m *Matcher) Name() string { return "match[" + m.plan.ID + "]" }

// Process implements chain.Stage. The matcher is a consuming terminal:
// inserts drive the state machine and only synthesized match outputs
// leave it; retractions carry no pattern semantics and are absorbed.
func (m *Matcher) Process(in chain.Input) chain.Effects {
	switch {
	case in.Insert != nil:
		return chain.Effects{Inserts: m.OnEvent(in.Insert)}
	case in.Batch != nil:
		var out []*event.Event
		for _, ev := range in.Batch.Events {
			out = append(out, m.OnEvent(ev)...)
		}
		return chain.Effects{Inserts: out}
	}
	return chain.Effects{}
}

type verdict int

const (
	vKeep verdict = iota
	vDiscard
	vComplete
)

// OnEvent applies one event to all partial matches, then to the root
// element, per the processing rule: advance or discard existing
// matches, instantiate new ones, and project completed matches into
// output events.
func (m *Matcher) OnEvent(e *event.Event) []*event.Event {
	if !m.relevant[e.Stream] {
		// No active step references this stream: pass with no state change.
		return nil
	}

	var outputs []*event.Event
	survivors := m.active[:0]
	for _, pm := range m.active {
		switch m.step(pm, e) {
		case vKeep:
			survivors = append(survivors, pm)
		case vDiscard:
			m.logger.Debug("partial match discarded", "id", pm.id, "event", e.String())
		case vComplete:
			outputs = append(outputs, m.project(pm, e))
		}
	}
	m.active = survivors

	// Root instantiation: every-roots trigger on each satisfying event
	// independent of in-flight matches; plain roots keep a single
	// in-flight match and re-arm once it completes or dies.
	root := &m.plan.Elements[0]
	if e.Stream == root.Stream && (root.Every || len(m.active) == 0) {
		ok, err := root.Cond.Eval(e)
		if err != nil {
			m.logEvalError(0, e, err)
		} else if ok {
			if out := m.instantiate(e); out != nil {
				outputs = append(outputs, out)
			}
		}
	}

	m.checkPressure()
	return outputs
}

// instantiate creates a partial match rooted at e. A single-element
// plan completes immediately and returns its projection.
func (m *Matcher) instantiate(e *event.Event) *event.Event {
	m.nextID++
	pm := &partial{
		id:       m.nextID,
		bindings: map[string]*event.Event{m.plan.Elements[0].Var: e},
		created:  e.Timestamp,
	}
	pm.negFrom = 1
	pm.step = m.plan.nextPositive(1)
	if pm.step >= len(m.plan.Elements) {
		return m.project(pm, e)
	}

	m.active = append(m.active, pm)
	if m.plan.Within > 0 && m.schedule != nil {
		m.schedule(pm.id, e.Timestamp.Add(m.plan.Within))
	}
	m.logger.Debug("partial match created", "id", pm.id, "root", e.String())
	return nil
}

// step advances one partial match by one event.
func (m *Matcher) step(pm *partial, e *event.Event) verdict {
	// Active negation guards: elements between the last matched
	// positive step and the next one. A satisfying event kills the
	// match outright.
	if v := m.checkGuards(pm.negFrom, pm.step, e); v != vKeep {
		return v
	}

	cur := &m.plan.Elements[pm.step]
	switch cur.Quant {
	case Star:
		return m.stepStar(pm, cur, e)
	case Optional:
		return m.stepOptional(pm, cur, e)
	default:
		return m.stepSingle(pm, cur, e)
	}
}

func (m *Matcher) stepSingle(pm *partial, cur *Element, e *event.Event) verdict {
	if cur.Stream == e.Stream {
		ok, err := cur.Cond.Eval(e)
		if err != nil {
			m.logEvalError(pm.step, e, err)
			ok = false
		}
		if ok {
			pm.bindings[cur.Var] = e
			return m.advance(pm, pm.step+1)
		}
		if m.plan.Mode == ModeSequence {
			// Strict adjacency: a non-matching event on the awaited
			// stream disqualifies a non-star, non-optional step.
			return vDiscard
		}
		return vKeep
	}

	if m.plan.Mode == ModeSequence {
		// Any event on a stream the plan references breaks adjacency;
		// unreferenced streams never reach the matcher's state.
		return vDiscard
	}
	return vKeep
}

func (m *Matcher) stepStar(pm *partial, cur *Element, e *event.Event) verdict {
	// The terminating element is evaluated first: the event that
	// satisfies it seals the star step's final binding and advances.
	next := m.plan.nextPositive(pm.step + 1)
	if v := m.checkGuards(pm.step+1, next, e); v != vKeep {
		return v
	}
	term := &m.plan.Elements[next]
	if term.Stream == e.Stream {
		ok, err := term.Cond.Eval(e)
		if err != nil {
			m.logEvalError(next, e, err)
		} else if ok {
			pm.bindings[term.Var] = e
			return m.advance(pm, next+1)
		}
	}

	if cur.Stream == e.Stream {
		ok, err := cur.Cond.Eval(e)
		if err != nil {
			m.logEvalError(pm.step, e, err)
		} else if ok {
			// Zero-or-more: update the last binding, do not advance.
			pm.bindings[cur.Var] = e
			return vKeep
		}
	}

	// Events matching neither side are ignored even in sequence mode;
	// only non-star, non-optional elements demand strict adjacency.
	return vKeep
}

func (m *Matcher) stepOptional(pm *partial, cur *Element, e *event.Event) verdict {
	if cur.Stream == e.Stream {
		ok, err := cur.Cond.Eval(e)
		if err != nil {
			m.logEvalError(pm.step, e, err)
		} else if ok {
			pm.bindings[cur.Var] = e
			return m.advance(pm, pm.step+1)
		}
	}

	// The optional step may be skipped: the next positive element's
	// condition can be satisfied directly, leaving the variable unbound.
	next := m.plan.nextPositive(pm.step + 1)
	if next < len(m.plan.Elements) {
		if v := m.checkGuards(pm.step+1, next, e); v != vKeep {
			return v
		}
		term := &m.plan.Elements[next]
		if term.Stream == e.Stream {
			ok, err := term.Cond.Eval(e)
			if err != nil {
				m.logEvalError(next, e, err)
			} else if ok {
				pm.bindings[term.Var] = e
				return m.advance(pm, next+1)
			}
		}
	}
	return vKeep
}

// checkGuards evaluates the negated elements in [from, to) against e.
func (m *Matcher) checkGuards(from, to int, e *event.Event) verdict {
	for i := from; i < to && i < len(m.plan.Elements); i++ {
		el := &m.plan.Elements[i]
		if !el.Negated || el.Stream != e.Stream {
			continue
		}
		ok, err := el.Cond.Eval(e)
		if err != nil {
			m.logEvalError(i, e, err)
			continue
		}
		if ok {
			return vDiscard
		}
	}
	return vKeep
}

// advance repositions a partial match past element index after-1.
func (m *Matcher) advance(pm *partial, after int) verdict {
	pm.negFrom = after
	pm.step = m.plan.nextPositive(after)
	if pm.step >= len(m.plan.Elements) {
		return vComplete
	}
	return vKeep
}

// project evaluates the output binding for a completed match. Unbound
// optional variables project as null.
func (m *Matcher) project(pm *partial, last *event.Event) *event.Event {
	values := make([]event.Value, len(m.fields))
	for i, f := range m.fields {
		if bound := pm.bindings[f.vr]; bound != nil {
			values[i] = bound.Values[f.idx]
		} else {
			values[i] = event.Null{}
		}
	}
	m.logger.Debug("match completed", "id", pm.id, "output", m.plan.Output.Stream)
	return &event.Event{
		Stream:    m.plan.Output.Stream,
		Values:    values,
		Timestamp: last.Timestamp,
		Seq:       last.Seq,
	}
}

// Expire discards the partial match with the given id if it is still
// live. Matches that completed or died before their deadline make this
// a no-op (lazy invalidation).
func (m *Matcher) Expire(id uint64) {
	for i, pm := range m.active {
		if pm.id == id {
			m.active = append(m.active[:i], m.active[i+1:]...)
			m.logger.Debug("partial match expired", "id", id)
			return
		}
	}
}

// DiscardAll drops every active partial match. Used by query teardown.
func (m *Matcher) DiscardAll() {
	m.active = nil
	m.warned = false
}

func (m *Matcher) checkPressure() {
	n := len(m.active)
	switch {
	case !m.warned && m.highWater > 0 && n >= m.highWater:
		m.warned = true
		m.logger.Warn("active partial matches above high-water mark",
			"active", n, "high_water", m.highWater)
	case m.warned && n < m.highWater/2:
		m.warned = false
	}
}

func (m *Matcher) logEvalError(elem int, e *event.Event, err error) {
	m.logger.Debug("condition evaluation error, treating as non-match",
		"element", elem, "event", e.String(), "error", err)
}
