package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rillflow/rill/internal/engine"
	"github.com/rillflow/rill/internal/event"
	"github.com/rillflow/rill/internal/pattern"
)

// Compiled is a definition document lowered to what the engine
// consumes: schemas and query specs, in declaration order.
type Compiled struct {
	Schemas []*event.Schema
	Queries []engine.QuerySpec
}

// Compile lowers a validated document. All name resolution (streams,
// attributes, step variables) happens here, once.
func Compile(doc *Document) (*Compiled, error) {
	out := &Compiled{}
	schemas := make(map[string]*event.Schema, len(doc.Streams))

	for _, sd := range doc.Streams {
		attrs := make([]event.Attribute, 0, len(sd.Attributes))
		for _, ad := range sd.Attributes {
			typ, err := event.ParseType(ad.Type)
			if err != nil {
				return nil, fmt.Errorf("stream %s: %w", sd.Name, err)
			}
			attrs = append(attrs, event.Attribute{Name: ad.Name, Type: typ})
		}
		schema, err := event.NewSchema(sd.Name, attrs)
		if err != nil {
			return nil, err
		}
		if _, dup := schemas[schema.Stream]; dup {
			return nil, fmt.Errorf("duplicate stream %s", schema.Stream)
		}
		schemas[schema.Stream] = schema
		out.Schemas = append(out.Schemas, schema)
	}

	for _, qd := range doc.Queries {
		spec, err := compileQuery(qd, schemas)
		if err != nil {
			return nil, err
		}
		out.Queries = append(out.Queries, spec)
	}
	return out, nil
}

func compileQuery(qd QueryDoc, schemas map[string]*event.Schema) (engine.QuerySpec, error) {
	spec := engine.QuerySpec{ID: qd.ID, Stages: make(map[string]engine.StreamStages)}

	for _, in := range qd.Inputs {
		name := event.CanonicalName(in.Stream)
		schema, ok := schemas[name]
		if !ok {
			return spec, fmt.Errorf("query %s: unknown stream %s", qd.ID, in.Stream)
		}
		stages := engine.StreamStages{}
		if in.Filter != "" {
			cond, err := ParseWhere(schema, in.Filter)
			if err != nil {
				return spec, fmt.Errorf("query %s filter: %w", qd.ID, err)
			}
			stages.Filter = cond.Eval
		}
		for _, wd := range in.Windows {
			ws, err := compileWindow(wd)
			if err != nil {
				return spec, fmt.Errorf("query %s stream %s: %w", qd.ID, in.Stream, err)
			}
			stages.Windows = append(stages.Windows, ws)
		}
		spec.Stages[name] = stages
		spec.Streams = append(spec.Streams, name)
	}

	if len(qd.Elements) == 0 {
		if qd.Output != nil {
			return spec, fmt.Errorf("query %s: output requires pattern elements", qd.ID)
		}
		return spec, nil
	}
	if qd.Output == nil {
		return spec, fmt.Errorf("query %s: pattern requires an output projection", qd.ID)
	}

	plan := &pattern.Plan{ID: qd.ID, Mode: pattern.ModePattern}
	switch qd.Mode {
	case "", "pattern":
	case "sequence":
		plan.Mode = pattern.ModeSequence
	default:
		return spec, fmt.Errorf("query %s: unknown mode %q", qd.ID, qd.Mode)
	}

	if qd.Within != "" {
		d, err := time.ParseDuration(qd.Within)
		if err != nil || d <= 0 {
			return spec, fmt.Errorf("query %s: invalid within %q", qd.ID, qd.Within)
		}
		plan.Within = d
	}

	for _, ed := range qd.Elements {
		name := event.CanonicalName(ed.Stream)
		schema, ok := schemas[name]
		if !ok {
			return spec, fmt.Errorf("query %s element %s: unknown stream %s", qd.ID, ed.Var, ed.Stream)
		}
		cond, err := ParseWhere(schema, ed.Where)
		if err != nil {
			return spec, fmt.Errorf("query %s element %s: %w", qd.ID, ed.Var, err)
		}
		quant := pattern.Single
		switch ed.Quantifier {
		case "", "single":
		case "star":
			quant = pattern.Star
		case "optional":
			quant = pattern.Optional
		default:
			return spec, fmt.Errorf("query %s element %s: unknown quantifier %q", qd.ID, ed.Var, ed.Quantifier)
		}
		plan.Elements = append(plan.Elements, pattern.Element{
			Var:     ed.Var,
			Stream:  name,
			Cond:    cond,
			Quant:   quant,
			Negated: ed.Negated,
			Every:   ed.Every,
		})
	}

	plan.Output.Stream = event.CanonicalName(qd.Output.Stream)
	for _, fd := range qd.Output.Fields {
		vr, attr, ok := strings.Cut(fd.From, ".")
		if !ok {
			return spec, fmt.Errorf("query %s output %s: from must be var.attr, got %q", qd.ID, fd.As, fd.From)
		}
		plan.Output.Fields = append(plan.Output.Fields, pattern.Field{
			As:   fd.As,
			Var:  strings.TrimSpace(vr),
			Attr: strings.TrimSpace(attr),
		})
	}

	if err := plan.Validate(); err != nil {
		return spec, err
	}
	spec.Plan = plan
	return spec, nil
}

func compileWindow(wd WindowDoc) (engine.WindowSpec, error) {
	switch wd.Kind {
	case "length":
		if wd.Size <= 0 {
			return engine.WindowSpec{}, fmt.Errorf("length window needs a positive size")
		}
		return engine.WindowSpec{Kind: engine.WindowLength, Length: wd.Size}, nil
	case "time":
		d, err := time.ParseDuration(wd.Duration)
		if err != nil || d <= 0 {
			return engine.WindowSpec{}, fmt.Errorf("time window has invalid duration %q", wd.Duration)
		}
		return engine.WindowSpec{Kind: engine.WindowTime, Duration: d}, nil
	default:
		return engine.WindowSpec{}, fmt.Errorf("unknown window kind %q", wd.Kind)
	}
}
