// Package pattern implements the compiled pattern/sequence plans and
// the state machine that tracks partial matches of multi-step temporal
// conditions across streams, including negation and zero-or-more
// repetition.
package pattern

import (
	"errors"
	"fmt"
	"time"

	"github.com/rillflow/rill/internal/event"
)

// Mode selects how intervening events are treated between steps.
type Mode int

const (
	// ModePattern ignores intervening non-matching events.
	ModePattern Mode = iota + 1
	// ModeSequence requires strict adjacency among designated
	// conditions; events on unreferenced streams are still ignored.
	ModeSequence
)

func (m Mode) String() string {
	switch m {
	case ModePattern:
		return "pattern"
	case ModeSequence:
		return "sequence"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Quantifier is a pattern element's repetition marker.
type Quantifier int

const (
	// Single matches exactly one event.
	Single Quantifier = iota
	// Star matches zero or more events, retaining the last binding.
	// Sequence mode only.
	Star
	// Optional matches zero or one event.
	Optional
)

func (q Quantifier) String() string {
	switch q {
	case Single:
		return "single"
	case Star:
		return "star"
	case Optional:
		return "optional"
	default:
		return fmt.Sprintf("Quantifier(%d)", int(q))
	}
}

// Element is one step of a compiled plan. Negated elements are
// non-occurrence guards bracketed by the surrounding positive steps;
// Every marks the root as re-triggering (a fresh partial match per
// satisfying event).
type Element struct {
	Var     string
	Stream  string
	Cond    Condition
	Quant   Quantifier
	Negated bool
	Every   bool
}

// Field is one projected output attribute: output name As takes the
// value of attribute Attr from the event bound to step variable Var.
type Field struct {
	As   string
	Var  string
	Attr string
}

// Output is the projection evaluated once per completed match.
type Output struct {
	Stream string
	Fields []Field
}

// Plan is the compiled pattern definition a matcher consumes.
// Read-only after Validate.
type Plan struct {
	ID       string
	Mode     Mode
	Elements []Element
	Within   time.Duration // zero means no time bound
	Output   Output
}

// Validate checks structural invariants of a plan. Conditions are
// assumed already compiled against their stream schemas.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return errors.New("plan has no id")
	}
	if p.Mode != ModePattern && p.Mode != ModeSequence {
		return fmt.Errorf("plan %s: invalid mode", p.ID)
	}
	if len(p.Elements) == 0 {
		return fmt.Errorf("plan %s: no elements", p.ID)
	}
	if p.Within < 0 {
		return fmt.Errorf("plan %s: negative within bound", p.ID)
	}

	vars := make(map[string]int, len(p.Elements))
	for i, el := range p.Elements {
		at := fmt.Sprintf("plan %s element %d", p.ID, i)
		if el.Var == "" {
			return fmt.Errorf("%s: no variable name", at)
		}
		if _, dup := vars[el.Var]; dup {
			return fmt.Errorf("%s: duplicate variable %q", at, el.Var)
		}
		vars[el.Var] = i
		if el.Stream == "" {
			return fmt.Errorf("%s: no stream", at)
		}
		if el.Cond == nil {
			return fmt.Errorf("%s: no condition", at)
		}
		if el.Every && i != 0 {
			return fmt.Errorf("%s: every is only valid on the root element", at)
		}
		if el.Negated {
			if i == 0 {
				return fmt.Errorf("%s: the root element cannot be negated", at)
			}
			if i == len(p.Elements)-1 {
				return fmt.Errorf("%s: negation must be followed by a positive element", at)
			}
			if el.Quant != Single {
				return fmt.Errorf("%s: negated elements cannot carry a quantifier", at)
			}
		}
		if el.Quant == Star {
			if p.Mode != ModeSequence {
				return fmt.Errorf("%s: star is only valid in sequence mode", at)
			}
			if i == 0 {
				return fmt.Errorf("%s: the root element cannot be star", at)
			}
			if i == len(p.Elements)-1 {
				return fmt.Errorf("%s: star needs a terminating element after it", at)
			}
		}
	}
	if p.Elements[0].Quant == Optional {
		return fmt.Errorf("plan %s: the root element cannot be optional", p.ID)
	}

	if p.Output.Stream == "" {
		return fmt.Errorf("plan %s: no output stream", p.ID)
	}
	if len(p.Output.Fields) == 0 {
		return fmt.Errorf("plan %s: no output fields", p.ID)
	}
	for _, f := range p.Output.Fields {
		if f.As == "" || f.Var == "" || f.Attr == "" {
			return fmt.Errorf("plan %s: incomplete output field %+v", p.ID, f)
		}
		i, ok := vars[f.Var]
		if !ok {
			return fmt.Errorf("plan %s: output references unknown variable %q", p.ID, f.Var)
		}
		if p.Elements[i].Negated {
			return fmt.Errorf("plan %s: output references negated variable %q", p.ID, f.Var)
		}
	}
	return nil
}

// Streams returns the set of input streams the plan's conditions
// reference.
func (p *Plan) Streams() map[string]bool {
	set := make(map[string]bool, len(p.Elements))
	for _, el := range p.Elements {
		set[el.Stream] = true
	}
	return set
}

// nextPositive returns the index of the first non-negated element at or
// after i, or len(elements) if none remain.
func (p *Plan) nextPositive(i int) int {
	for ; i < len(p.Elements); i++ {
		if !p.Elements[i].Negated {
			return i
		}
	}
	return i
}

// outputField is a projection slot with the source attribute resolved.
type outputField struct {
	as  string
	vr  string
	idx int
	typ event.Type
}

// resolveOutput resolves projection fields against the schemas of the
// streams their variables are bound to.
func (p *Plan) resolveOutput(schemas map[string]*event.Schema) ([]outputField, error) {
	byVar := make(map[string]*Element, len(p.Elements))
	for i := range p.Elements {
		byVar[p.Elements[i].Var] = &p.Elements[i]
	}

	fields := make([]outputField, 0, len(p.Output.Fields))
	for _, f := range p.Output.Fields {
		el := byVar[f.Var]
		if el == nil {
			return nil, fmt.Errorf("plan %s: output references unknown variable %q", p.ID, f.Var)
		}
		schema, ok := schemas[el.Stream]
		if !ok {
			return nil, fmt.Errorf("plan %s: no schema for stream %s", p.ID, el.Stream)
		}
		idx, ok := schema.Index(f.Attr)
		if !ok {
			return nil, fmt.Errorf("plan %s: stream %s has no attribute %q", p.ID, el.Stream, f.Attr)
		}
		fields = append(fields, outputField{
			as:  f.As,
			vr:  f.Var,
			idx: idx,
			typ: schema.Attrs[idx].Type,
		})
	}
	return fields, nil
}
