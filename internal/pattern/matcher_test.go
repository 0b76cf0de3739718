package pattern

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillflow/rill/internal/event"
)

func matcherSchemas(t *testing.T) map[string]*event.Schema {
	t.Helper()
	orders, err := event.NewSchema("Orders", []event.Attribute{
		{Name: "kind", Type: event.TypeString},
		{Name: "price", Type: event.TypeInt},
	})
	require.NoError(t, err)
	prices, err := event.NewSchema("Prices", []event.Attribute{
		{Name: "price", Type: event.TypeInt},
	})
	require.NoError(t, err)
	ticks, err := event.NewSchema("Ticks", []event.Attribute{
		{Name: "price", Type: event.TypeInt},
	})
	require.NoError(t, err)
	return map[string]*event.Schema{
		"Orders": orders, "Prices": prices, "Ticks": ticks,
	}
}

// feed stamps events with strictly increasing timestamps and sequence
// numbers, the way the engine does on admission.
type feed struct {
	base time.Time
	n    int64
}

func newFeed() *feed {
	return &feed{base: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *feed) order(kind string, price int64) *event.Event {
	return f.stamp(event.New("Orders", time.Time{}, []event.Value{event.String(kind), event.Int(price)}))
}

func (f *feed) price(p int64) *event.Event {
	return f.stamp(event.New("Prices", time.Time{}, []event.Value{event.Int(p)}))
}

func (f *feed) tick(p int64) *event.Event {
	return f.stamp(event.New("Ticks", time.Time{}, []event.Value{event.Int(p)}))
}

func (f *feed) stamp(ev *event.Event) *event.Event {
	f.n++
	ev.Timestamp = f.base.Add(time.Duration(f.n) * time.Millisecond)
	ev.Seq = f.n
	return ev
}

func cond(t *testing.T, schemas map[string]*event.Schema, stream, attr string, op Op, lit event.Value) Condition {
	t.Helper()
	c, err := NewCompare(schemas[stream], attr, op, lit)
	require.NoError(t, err)
	return c
}

// errCond always fails evaluation.
type errCond struct{}

func (errCond) Eval(*event.Event) (bool, error) { return false, errors.New("divide by zero") }
func (errCond) String() string                  { return "err" }

func TestMatcher_EveryWithNegation(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "neg",
		Mode: ModePattern,
		Elements: []Element{
			{Var: "a", Stream: "Orders", Cond: cond(t, schemas, "Orders", "kind", OpEq, event.String("buy")), Every: true},
			{Var: "n", Stream: "Orders", Cond: cond(t, schemas, "Orders", "kind", OpEq, event.String("cancel")), Negated: true},
			{Var: "b", Stream: "Prices", Cond: cond(t, schemas, "Prices", "price", OpEq, event.Int(125))},
		},
		Output: Output{
			Stream: "Alerts",
			Fields: []Field{
				{As: "priceA", Var: "a", Attr: "price"},
				{As: "priceB", Var: "b", Attr: "price"},
			},
		},
	}
	m, err := NewMatcher(plan, schemas)
	require.NoError(t, err)

	f := newFeed()
	var outputs []*event.Event
	send := func(ev *event.Event) {
		outputs = append(outputs, m.OnEvent(ev)...)
	}

	send(f.order("buy", 100))  // opens a match
	send(f.order("cancel", 0)) // the guard kills it
	send(f.price(125))         // nothing left to complete
	require.Empty(t, outputs)
	assert.Equal(t, 0, m.ActiveCount())

	send(f.order("buy", 125)) // fresh match, no cancel in between
	send(f.price(105))        // non-matching terminal event is ignored
	send(f.price(125))        // completes
	send(f.price(105))

	require.Len(t, outputs, 1, "exactly one match despite repeated terminals")
	out := outputs[0]
	assert.Equal(t, "Alerts", out.Stream)
	assert.Equal(t, event.Int(125), out.Values[0], "priceA from the surviving root")
	assert.Equal(t, event.Int(125), out.Values[1])
	assert.Equal(t, 0, m.ActiveCount())
}

func TestMatcher_ConsecutiveNegationGuards(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "neg2",
		Mode: ModePattern,
		Elements: []Element{
			{Var: "a", Stream: "Orders", Cond: cond(t, schemas, "Orders", "kind", OpEq, event.String("buy")), Every: true},
			{Var: "n1", Stream: "Prices", Cond: cond(t, schemas, "Prices", "price", OpEq, event.Int(75)), Negated: true},
			{Var: "n2", Stream: "Orders", Cond: cond(t, schemas, "Orders", "kind", OpEq, event.String("cancel")), Negated: true},
			{Var: "b", Stream: "Prices", Cond: cond(t, schemas, "Prices", "price", OpEq, event.Int(125))},
		},
		Output: Output{
			Stream: "Alerts",
			Fields: []Field{{As: "priceA", Var: "b", Attr: "price"}},
		},
	}
	m, err := NewMatcher(plan, schemas)
	require.NoError(t, err)

	f := newFeed()
	var outputs []*event.Event
	send := func(ev *event.Event) {
		outputs = append(outputs, m.OnEvent(ev)...)
	}

	// Both guards in the block are live at once.
	send(f.order("buy", 1))
	send(f.price(75)) // first guard fires
	send(f.price(125))
	require.Empty(t, outputs)

	send(f.order("buy", 2))
	send(f.order("cancel", 0)) // second guard fires
	send(f.price(125))
	require.Empty(t, outputs)

	send(f.order("buy", 3))
	send(f.price(105)) // matches neither guard nor terminal
	send(f.price(125))
	require.Len(t, outputs, 1, "exactly one clean match")
	assert.Equal(t, event.Int(125), outputs[0].Values[0])
}

func TestMatcher_EveryRootsAreIndependent(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "every",
		Mode: ModePattern,
		Elements: []Element{
			{Var: "a", Stream: "Orders", Cond: cond(t, schemas, "Orders", "kind", OpEq, event.String("buy")), Every: true},
			{Var: "b", Stream: "Prices", Cond: cond(t, schemas, "Prices", "price", OpGt, event.Int(100))},
		},
		Output: Output{
			Stream: "Alerts",
			Fields: []Field{{As: "priceA", Var: "a", Attr: "price"}},
		},
	}
	m, err := NewMatcher(plan, schemas)
	require.NoError(t, err)

	f := newFeed()
	var outputs []*event.Event
	outputs = append(outputs, m.OnEvent(f.order("buy", 10))...)
	outputs = append(outputs, m.OnEvent(f.order("buy", 20))...)
	assert.Equal(t, 2, m.ActiveCount())

	outputs = append(outputs, m.OnEvent(f.price(150))...)
	require.Len(t, outputs, 2, "one completion per in-flight match")
	assert.Equal(t, event.Int(10), outputs[0].Values[0])
	assert.Equal(t, event.Int(20), outputs[1].Values[0])
}

func TestMatcher_PlainRootRearmsAfterCompletion(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "plain",
		Mode: ModePattern,
		Elements: []Element{
			{Var: "a", Stream: "Orders", Cond: cond(t, schemas, "Orders", "kind", OpEq, event.String("buy"))},
			{Var: "b", Stream: "Prices", Cond: cond(t, schemas, "Prices", "price", OpGt, event.Int(100))},
		},
		Output: Output{
			Stream: "Alerts",
			Fields: []Field{{As: "priceA", Var: "a", Attr: "price"}},
		},
	}
	m, err := NewMatcher(plan, schemas)
	require.NoError(t, err)

	f := newFeed()
	var outputs []*event.Event
	outputs = append(outputs, m.OnEvent(f.order("buy", 1))...)
	outputs = append(outputs, m.OnEvent(f.order("buy", 2))...)
	assert.Equal(t, 1, m.ActiveCount(), "plain root keeps a single in-flight match")

	outputs = append(outputs, m.OnEvent(f.price(150))...)
	require.Len(t, outputs, 1)
	assert.Equal(t, event.Int(1), outputs[0].Values[0])

	// Completed, so the root is armed again.
	outputs = append(outputs, m.OnEvent(f.order("buy", 3))...)
	assert.Equal(t, 1, m.ActiveCount())
	outputs = append(outputs, m.OnEvent(f.price(200))...)
	require.Len(t, outputs, 2)
	assert.Equal(t, event.Int(3), outputs[1].Values[0])
}

func TestMatcher_SequenceStar(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "seqstar",
		Mode: ModeSequence,
		Elements: []Element{
			{Var: "first", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpLt, event.Int(500))},
			{Var: "mid", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpLt, event.Int(500)), Quant: Star},
			{Var: "last", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpGe, event.Int(500))},
		},
		Output: Output{
			Stream: "Runs",
			Fields: []Field{
				{As: "first", Var: "first", Attr: "price"},
				{As: "mid", Var: "mid", Attr: "price"},
				{As: "last", Var: "last", Attr: "price"},
			},
		},
	}
	m, err := NewMatcher(plan, schemas)
	require.NoError(t, err)

	f := newFeed()
	var outputs []*event.Event
	for _, p := range []int64{400, 450, 470, 490, 100, 500} {
		outputs = append(outputs, m.OnEvent(f.tick(p))...)
	}

	require.Len(t, outputs, 1)
	out := outputs[0]
	assert.Equal(t, event.Int(400), out.Values[0])
	assert.Equal(t, event.Int(100), out.Values[1], "star retains the last matching binding")
	assert.Equal(t, event.Int(500), out.Values[2])
	assert.Equal(t, 0, m.ActiveCount())
}

func TestMatcher_SequenceStarZeroMatches(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "starzero",
		Mode: ModeSequence,
		Elements: []Element{
			{Var: "first", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpEq, event.Int(1))},
			{Var: "mid", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpEq, event.Int(2)), Quant: Star},
			{Var: "last", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpEq, event.Int(3))},
		},
		Output: Output{
			Stream: "Runs",
			Fields: []Field{
				{As: "mid", Var: "mid", Attr: "price"},
				{As: "last", Var: "last", Attr: "price"},
			},
		},
	}
	m, err := NewMatcher(plan, schemas)
	require.NoError(t, err)

	f := newFeed()
	var outputs []*event.Event
	for _, p := range []int64{1, 3} {
		outputs = append(outputs, m.OnEvent(f.tick(p))...)
	}

	require.Len(t, outputs, 1, "star admits zero repetitions")
	assert.Equal(t, event.Null{}, outputs[0].Values[0], "unbound star projects null")
	assert.Equal(t, event.Int(3), outputs[0].Values[1])
}

func TestMatcher_SequenceStrictAdjacency(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "seq",
		Mode: ModeSequence,
		Elements: []Element{
			{Var: "a", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpEq, event.Int(1))},
			{Var: "b", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpEq, event.Int(2))},
		},
		Output: Output{
			Stream: "Out",
			Fields: []Field{{As: "b", Var: "b", Attr: "price"}},
		},
	}
	m, err := NewMatcher(plan, schemas)
	require.NoError(t, err)

	f := newFeed()
	var outputs []*event.Event
	// An intervening non-match on the awaited stream breaks the sequence.
	for _, p := range []int64{1, 7, 2} {
		outputs = append(outputs, m.OnEvent(f.tick(p))...)
	}
	assert.Empty(t, outputs)

	// Adjacent pair matches.
	for _, p := range []int64{1, 2} {
		outputs = append(outputs, m.OnEvent(f.tick(p))...)
	}
	require.Len(t, outputs, 1)
}

func TestMatcher_PatternModeIgnoresIntervening(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "pat",
		Mode: ModePattern,
		Elements: []Element{
			{Var: "a", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpEq, event.Int(1))},
			{Var: "b", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpEq, event.Int(2))},
		},
		Output: Output{
			Stream: "Out",
			Fields: []Field{{As: "b", Var: "b", Attr: "price"}},
		},
	}
	m, err := NewMatcher(plan, schemas)
	require.NoError(t, err)

	f := newFeed()
	var outputs []*event.Event
	for _, p := range []int64{1, 7, 7, 2} {
		outputs = append(outputs, m.OnEvent(f.tick(p))...)
	}
	require.Len(t, outputs, 1, "pattern mode tolerates intervening events")
}

func TestMatcher_OptionalStep(t *testing.T) {
	schemas := matcherSchemas(t)
	newPlan := func() *Plan {
		return &Plan{
			ID:   "opt",
			Mode: ModePattern,
			Elements: []Element{
				{Var: "a", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpEq, event.Int(1))},
				{Var: "o", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpEq, event.Int(2)), Quant: Optional},
				{Var: "b", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpEq, event.Int(3))},
			},
			Output: Output{
				Stream: "Out",
				Fields: []Field{
					{As: "o", Var: "o", Attr: "price"},
					{As: "b", Var: "b", Attr: "price"},
				},
			},
		}
	}

	t.Run("skipped", func(t *testing.T) {
		m, err := NewMatcher(newPlan(), schemas)
		require.NoError(t, err)
		f := newFeed()
		var outputs []*event.Event
		for _, p := range []int64{1, 3} {
			outputs = append(outputs, m.OnEvent(f.tick(p))...)
		}
		require.Len(t, outputs, 1)
		assert.Equal(t, event.Null{}, outputs[0].Values[0], "unbound optional projects null")
		assert.Equal(t, event.Int(3), outputs[0].Values[1])
	})

	t.Run("taken", func(t *testing.T) {
		m, err := NewMatcher(newPlan(), schemas)
		require.NoError(t, err)
		f := newFeed()
		var outputs []*event.Event
		for _, p := range []int64{1, 2, 3} {
			outputs = append(outputs, m.OnEvent(f.tick(p))...)
		}
		require.Len(t, outputs, 1)
		assert.Equal(t, event.Int(2), outputs[0].Values[0])
	})
}

func TestMatcher_SingleElementPlanCompletesImmediately(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "one",
		Mode: ModePattern,
		Elements: []Element{
			{Var: "a", Stream: "Prices", Cond: cond(t, schemas, "Prices", "price", OpGt, event.Int(100)), Every: true},
		},
		Output: Output{
			Stream: "Out",
			Fields: []Field{{As: "p", Var: "a", Attr: "price"}},
		},
	}
	m, err := NewMatcher(plan, schemas)
	require.NoError(t, err)

	f := newFeed()
	outputs := m.OnEvent(f.price(125))
	require.Len(t, outputs, 1)
	assert.Equal(t, event.Int(125), outputs[0].Values[0])
	assert.Equal(t, 0, m.ActiveCount())

	assert.Empty(t, m.OnEvent(f.price(50)))
}

func TestMatcher_WithinExpiry(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:     "within",
		Mode:   ModePattern,
		Within: time.Hour,
		Elements: []Element{
			{Var: "a", Stream: "Orders", Cond: cond(t, schemas, "Orders", "kind", OpEq, event.String("buy"))},
			{Var: "b", Stream: "Prices", Cond: cond(t, schemas, "Prices", "price", OpGt, event.Int(0))},
		},
		Output: Output{
			Stream: "Out",
			Fields: []Field{{As: "p", Var: "b", Attr: "price"}},
		},
	}

	type scheduled struct {
		id       uint64
		deadline time.Time
	}
	var calls []scheduled
	m, err := NewMatcher(plan, schemas, WithScheduler(func(id uint64, deadline time.Time) {
		calls = append(calls, scheduled{id, deadline})
	}))
	require.NoError(t, err)

	f := newFeed()
	root := f.order("buy", 1)
	require.Empty(t, m.OnEvent(root))
	require.Len(t, calls, 1)
	assert.Equal(t, root.Timestamp.Add(time.Hour), calls[0].deadline)

	// Deadline passes before the terminal event: the match is gone.
	m.Expire(calls[0].id)
	assert.Equal(t, 0, m.ActiveCount())
	assert.Empty(t, m.OnEvent(f.price(10)))

	// Lazy invalidation: expiring a completed or unknown id is a no-op.
	m.Expire(calls[0].id)
	m.Expire(9999)
}

func TestMatcher_EvalErrorIsNonMatch(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "evalerr",
		Mode: ModePattern,
		Elements: []Element{
			{Var: "a", Stream: "Prices", Cond: errCond{}, Every: true},
		},
		Output: Output{
			Stream: "Out",
			Fields: []Field{{As: "p", Var: "a", Attr: "price"}},
		},
	}
	m, err := NewMatcher(plan, schemas)
	require.NoError(t, err)

	f := newFeed()
	assert.Empty(t, m.OnEvent(f.price(1)), "eval error never matches and never panics")
	assert.Equal(t, 0, m.ActiveCount())
}

func TestMatcher_GuardEvalErrorKeepsMatch(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "guarderr",
		Mode: ModePattern,
		Elements: []Element{
			{Var: "a", Stream: "Orders", Cond: cond(t, schemas, "Orders", "kind", OpEq, event.String("buy"))},
			{Var: "n", Stream: "Orders", Cond: errCond{}, Negated: true},
			{Var: "b", Stream: "Prices", Cond: cond(t, schemas, "Prices", "price", OpGt, event.Int(0))},
		},
		Output: Output{
			Stream: "Out",
			Fields: []Field{{As: "p", Var: "b", Attr: "price"}},
		},
	}
	m, err := NewMatcher(plan, schemas)
	require.NoError(t, err)

	f := newFeed()
	require.Empty(t, m.OnEvent(f.order("buy", 1)))
	require.Empty(t, m.OnEvent(f.order("noise", 2)), "guard error must not kill the match")
	assert.Equal(t, 1, m.ActiveCount())

	outputs := m.OnEvent(f.price(10))
	require.Len(t, outputs, 1)
}

func TestMatcher_IrrelevantStreamLeavesStateAlone(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "irrelevant",
		Mode: ModeSequence,
		Elements: []Element{
			{Var: "a", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpEq, event.Int(1))},
			{Var: "b", Stream: "Ticks", Cond: cond(t, schemas, "Ticks", "price", OpEq, event.Int(2))},
		},
		Output: Output{
			Stream: "Out",
			Fields: []Field{{As: "b", Var: "b", Attr: "price"}},
		},
	}
	m, err := NewMatcher(plan, schemas)
	require.NoError(t, err)

	f := newFeed()
	require.Empty(t, m.OnEvent(f.tick(1)))
	// Even in sequence mode, a stream the plan never references cannot
	// break adjacency.
	require.Empty(t, m.OnEvent(f.price(99)))
	assert.Equal(t, 1, m.ActiveCount())

	outputs := m.OnEvent(f.tick(2))
	require.Len(t, outputs, 1)
}

func TestMatcher_DiscardAll(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "discard",
		Mode: ModePattern,
		Elements: []Element{
			{Var: "a", Stream: "Orders", Cond: cond(t, schemas, "Orders", "kind", OpEq, event.String("buy")), Every: true},
			{Var: "b", Stream: "Prices", Cond: cond(t, schemas, "Prices", "price", OpGt, event.Int(0))},
		},
		Output: Output{
			Stream: "Out",
			Fields: []Field{{As: "p", Var: "b", Attr: "price"}},
		},
	}
	m, err := NewMatcher(plan, schemas)
	require.NoError(t, err)

	f := newFeed()
	m.OnEvent(f.order("buy", 1))
	m.OnEvent(f.order("buy", 2))
	require.Equal(t, 2, m.ActiveCount())

	m.DiscardAll()
	assert.Equal(t, 0, m.ActiveCount())
	assert.Empty(t, m.OnEvent(f.price(10)))
}

func TestMatcher_UnknownPlanStream(t *testing.T) {
	schemas := matcherSchemas(t)
	plan := &Plan{
		ID:   "bad",
		Mode: ModePattern,
		Elements: []Element{
			{Var: "a", Stream: "Nowhere", Cond: trueCond{}},
		},
		Output: Output{
			Stream: "Out",
			Fields: []Field{{As: "x", Var: "a", Attr: "price"}},
		},
	}
	_, err := NewMatcher(plan, schemas)
	assert.Error(t, err)
}
