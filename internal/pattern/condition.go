package pattern

import (
	"fmt"

	"github.com/rillflow/rill/internal/event"
)

// Op is a comparison operator in a condition predicate.
type Op int

const (
	OpEq Op = iota + 1
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

// String returns the definition-document spelling.
func (o Op) String() string {
	switch o {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// ParseOp maps an operator spelling to an Op.
func ParseOp(s string) (Op, error) {
	switch s {
	case "==", "=":
		return OpEq, nil
	case "!=":
		return OpNe, nil
	case "<":
		return OpLt, nil
	case "<=":
		return OpLe, nil
	case ">":
		return OpGt, nil
	case ">=":
		return OpGe, nil
	default:
		return 0, fmt.Errorf("unknown comparison operator %q", s)
	}
}

// Condition is a boolean predicate over one event's attributes.
// Attribute references are resolved to positions at compile time; Eval
// itself never consults the schema. An Eval error is treated by every
// caller as a non-match for that event, not a pipeline failure.
type Condition interface {
	Eval(ev *event.Event) (bool, error)
	String() string
}

type compare struct {
	attr string
	idx  int
	op   Op
	lit  event.Value
}

// NewCompare builds an attr-vs-literal comparison, resolving the
// attribute against the stream schema once.
func NewCompare(schema *event.Schema, attr string, op Op, lit event.Value) (Condition, error) {
	idx, ok := schema.Index(attr)
	if !ok {
		return nil, fmt.Errorf("stream %s has no attribute %q", schema.Stream, attr)
	}
	declared := schema.Attrs[idx].Type
	if !comparableWith(declared, lit.Type()) {
		return nil, fmt.Errorf("stream %s attribute %q is %s, literal is %s",
			schema.Stream, attr, declared, lit.Type())
	}
	if op != OpEq && op != OpNe && declared == event.TypeBool {
		return nil, fmt.Errorf("attribute %q: bool supports only == and !=", attr)
	}
	return &compare{attr: event.CanonicalName(attr), idx: idx, op: op, lit: lit}, nil
}

func comparableWith(declared, lit event.Type) bool {
	if declared == lit {
		return true
	}
	// Numeric promotion: an int attribute may be compared to a float
	// literal and vice versa.
	numeric := func(t event.Type) bool { return t == event.TypeInt || t == event.TypeFloat }
	return numeric(declared) && numeric(lit)
}

func (c *compare) Eval(ev *event.Event) (bool, error) {
	if c.idx >= len(ev.Values) {
		return false, fmt.Errorf("event %s has no attribute at %d", ev.Stream, c.idx)
	}
	cmp, err := event.Compare(ev.Values[c.idx], c.lit)
	if err != nil {
		return false, fmt.Errorf("compare %s: %w", c.attr, err)
	}
	switch c.op {
	case OpEq:
		return cmp == 0, nil
	case OpNe:
		return cmp != 0, nil
	case OpLt:
		return cmp < 0, nil
	case OpLe:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGe:
		return cmp >= 0, nil
	default:
		return false, fmt.Errorf("invalid operator %v", c.op)
	}
}

func (c *compare) String() string {
	return fmt.Sprintf("%s %s %s", c.attr, c.op, c.lit)
}

type and struct{ conds []Condition }

// And is true when every sub-condition is true.
func And(conds ...Condition) Condition {
	if len(conds) == 1 {
		return conds[0]
	}
	return &and{conds: conds}
}

func (c *and) Eval(ev *event.Event) (bool, error) {
	for _, sub := range c.conds {
		ok, err := sub.Eval(ev)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (c *and) String() string { return joinConds(c.conds, " and ") }

type or struct{ conds []Condition }

// Or is true when any sub-condition is true.
func Or(conds ...Condition) Condition {
	if len(conds) == 1 {
		return conds[0]
	}
	return &or{conds: conds}
}

func (c *or) Eval(ev *event.Event) (bool, error) {
	var firstErr error
	for _, sub := range c.conds {
		ok, err := sub.Eval(ev)
		if ok {
			return true, nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return false, firstErr
}

func (c *or) String() string { return joinConds(c.conds, " or ") }

type not struct{ cond Condition }

// Not inverts a condition.
func Not(cond Condition) Condition { return &not{cond: cond} }

func (c *not) Eval(ev *event.Event) (bool, error) {
	ok, err := c.cond.Eval(ev)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (c *not) String() string { return "not (" + c.cond.String() + ")" }

func joinConds(conds []Condition, sep string) string {
	s := ""
	for i, c := range conds {
		if i > 0 {
			s += sep
		}
		s += "(" + c.String() + ")"
	}
	return s
}
