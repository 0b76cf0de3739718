package event

import (
	"errors"
	"fmt"
)

// ErrSchema tags schema-violation errors raised at ingress. The engine
// converts these to fault events rather than failing the pipeline.
var ErrSchema = errors.New("schema violation")

// IsSchemaViolation reports whether err is (or wraps) a schema
// violation.
func IsSchemaViolation(err error) bool { return errors.Is(err, ErrSchema) }

// Attribute is one typed slot of a stream schema.
type Attribute struct {
	Name string
	Type Type
}

// Schema is the declared shape of a stream: its name and the ordered,
// typed attribute list. Fixed at stream-definition time.
type Schema struct {
	Stream string
	Attrs  []Attribute

	index map[string]int
}

// NewSchema builds a schema, canonicalizing the stream and attribute
// names. Rejects empty and duplicate attribute names.
func NewSchema(stream string, attrs []Attribute) (*Schema, error) {
	stream = CanonicalName(stream)
	if stream == "" {
		return nil, errors.New("empty stream name")
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("stream %s: no attributes", stream)
	}

	s := &Schema{
		Stream: stream,
		Attrs:  make([]Attribute, len(attrs)),
		index:  make(map[string]int, len(attrs)),
	}
	for i, a := range attrs {
		name := CanonicalName(a.Name)
		if name == "" {
			return nil, fmt.Errorf("stream %s: attribute %d has no name", stream, i)
		}
		if _, dup := s.index[name]; dup {
			return nil, fmt.Errorf("stream %s: duplicate attribute %q", stream, name)
		}
		if a.Type < TypeString || a.Type > TypeBool {
			return nil, fmt.Errorf("stream %s: attribute %q has invalid type", stream, name)
		}
		s.Attrs[i] = Attribute{Name: name, Type: a.Type}
		s.index[name] = i
	}
	return s, nil
}

// Arity returns the number of declared attributes.
func (s *Schema) Arity() int { return len(s.Attrs) }

// Index resolves an attribute name to its position.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[CanonicalName(name)]
	return i, ok
}

// Validate checks an ingress value sequence against the schema: exact
// arity and per-position type. Returned errors wrap ErrSchema.
func (s *Schema) Validate(values []Value) error {
	if len(values) != len(s.Attrs) {
		return fmt.Errorf("%w: stream %s expects %d attributes, got %d",
			ErrSchema, s.Stream, len(s.Attrs), len(values))
	}
	for i, v := range values {
		if v == nil {
			return fmt.Errorf("%w: stream %s attribute %q is nil",
				ErrSchema, s.Stream, s.Attrs[i].Name)
		}
		if v.Type() != s.Attrs[i].Type {
			return fmt.Errorf("%w: stream %s attribute %q expects %s, got %s",
				ErrSchema, s.Stream, s.Attrs[i].Name, s.Attrs[i].Type, v.Type())
		}
	}
	return nil
}
