// Package harness runs end-to-end scenarios against a freshly built
// engine and snapshots what the sinks observed. Tests drive it
// directly or through golden-file comparison.
package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rillflow/rill/internal/config"
	"github.com/rillflow/rill/internal/engine"
	"github.com/rillflow/rill/internal/event"
	"github.com/rillflow/rill/internal/sink"
)

// Scenario is one end-to-end run: a definition document and the events
// to send through it, in order.
type Scenario struct {
	// Name uniquely identifies the scenario; golden files key on it.
	Name string `yaml:"name"`

	// Description explains what the scenario exercises.
	Description string `yaml:"description,omitempty"`

	// Definitions is the path to the definition document, relative to
	// the scenario file.
	Definitions string `yaml:"definitions"`

	// Sends is the ordered event feed. Each step is a single event or
	// one atomic batch.
	Sends []SendStep `yaml:"sends"`
}

// SendStep delivers one event (Values) or one batch (Batch) to a
// stream. Values are coerced to the stream's declared attribute types;
// rows that cannot be coerced are sent raw so the engine's schema
// validation faults them.
type SendStep struct {
	Stream string  `yaml:"stream"`
	Values []any   `yaml:"values,omitempty"`
	Batch  [][]any `yaml:"batch,omitempty"`
}

// Record is one delivered effect, reduced to its deterministic parts.
type Record struct {
	Kind   string   `json:"kind"` // insert | retract | fault
	Stream string   `json:"stream"`
	Values []string `json:"values,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Result is everything the sinks observed, per query, in delivery
// order.
type Result struct {
	Scenario string
	Records  map[string][]Record
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode scenario %s: %w", path, err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("scenario %s has no name", path)
	}
	s.Definitions = filepath.Join(filepath.Dir(path), s.Definitions)
	return &s, nil
}

// counterTokens issues deterministic propagation tokens.
type counterTokens struct {
	mu sync.Mutex
	n  int
}

func (g *counterTokens) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("prop-%06d", g.n)
}

// Run executes a scenario: builds an engine from the definitions,
// attaches a collector per query, replays the sends with fixed
// timestamps, and returns the collected records.
func Run(s *Scenario) (*Result, error) {
	doc, err := config.Load(s.Definitions)
	if err != nil {
		return nil, err
	}
	compiled, err := config.Compile(doc)
	if err != nil {
		return nil, err
	}

	eng := engine.New(engine.WithTokenGenerator(&counterTokens{}))
	defer eng.Close()

	for _, schema := range compiled.Schemas {
		if err := eng.DefineStream(schema); err != nil {
			return nil, err
		}
	}
	collectors := make(map[string]*sink.Collector, len(compiled.Queries))
	order := make([]string, 0, len(compiled.Queries))
	for _, spec := range compiled.Queries {
		if err := eng.AddQuery(spec); err != nil {
			return nil, err
		}
		col := sink.NewCollector()
		if err := eng.AddSink(spec.ID, col); err != nil {
			return nil, err
		}
		collectors[spec.ID] = col
		order = append(order, spec.ID)
	}

	// Fixed, evenly spaced timestamps keep replays identical.
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, step := range s.Sends {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		schema, _ := eng.Schema(step.Stream)
		if step.Batch != nil {
			rows := make([][]event.Value, len(step.Batch))
			for j, raw := range step.Batch {
				rows[j] = coerce(schema, raw)
			}
			// Schema violations surface as collected faults.
			_ = eng.SendBatch(step.Stream, rows)
			continue
		}
		if err := eng.SendAt(step.Stream, ts, coerce(schema, step.Values)...); err != nil {
			if !isFault(err) {
				return nil, fmt.Errorf("send %d: %w", i, err)
			}
		}
	}

	result := &Result{Scenario: s.Name, Records: make(map[string][]Record, len(order))}
	for _, id := range order {
		result.Records[id] = records(collectors[id])
	}
	return result, nil
}

func isFault(err error) bool {
	return err != nil && event.IsSchemaViolation(err)
}

func records(col *sink.Collector) []Record {
	var out []Record
	for _, p := range col.Propagations() {
		for _, ev := range p.Inserts {
			out = append(out, Record{Kind: "insert", Stream: ev.Stream, Values: renderValues(ev.Values)})
		}
		for _, rm := range p.Removes {
			out = append(out, Record{Kind: "retract", Stream: rm.Event.Stream, Values: renderValues(rm.Event.Values)})
		}
		for _, f := range p.Faults {
			out = append(out, Record{Kind: "fault", Stream: f.Stream, Error: f.Err.Error()})
		}
	}
	return out
}

func renderValues(values []event.Value) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.String()
	}
	return out
}

// coerce converts raw YAML values to the stream's declared attribute
// types. Values that do not fit are passed through as their literal
// kinds so ingress validation can fault them.
func coerce(schema *event.Schema, raw []any) []event.Value {
	out := make([]event.Value, len(raw))
	for i, v := range raw {
		var declared event.Type
		if schema != nil && i < schema.Arity() {
			declared = schema.Attrs[i].Type
		}
		out[i] = coerceOne(declared, v)
	}
	return out
}

func coerceOne(declared event.Type, v any) event.Value {
	switch val := v.(type) {
	case string:
		return event.String(val)
	case bool:
		return event.Bool(val)
	case int:
		if declared == event.TypeFloat {
			return event.Float(float64(val))
		}
		return event.Int(int64(val))
	case int64:
		if declared == event.TypeFloat {
			return event.Float(float64(val))
		}
		return event.Int(val)
	case float64:
		if declared == event.TypeInt && val == float64(int64(val)) {
			return event.Int(int64(val))
		}
		return event.Float(val)
	default:
		return event.String(fmt.Sprintf("%v", val))
	}
}
