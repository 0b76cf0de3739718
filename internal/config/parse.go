package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rillflow/rill/internal/event"
	"github.com/rillflow/rill/internal/pattern"
)

// ParseWhere parses a where-expression into a compiled condition over
// the given stream schema.
//
// Grammar: comparisons `attr <op> literal` with ops == != < <= > >=,
// combined by `and` / `or` (and binds tighter). Literals are quoted
// strings, integers, floats, or true/false. This is structural plan
// deserialization, not the external query language.
func ParseWhere(schema *event.Schema, expr string) (pattern.Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("stream %s: empty where-expression", schema.Stream)
	}
	return parseOr(schema, expr)
}

func parseOr(schema *event.Schema, expr string) (pattern.Condition, error) {
	parts := splitByKeyword(expr, "or")
	if len(parts) == 1 {
		return parseAnd(schema, parts[0])
	}
	conds := make([]pattern.Condition, 0, len(parts))
	for _, part := range parts {
		c, err := parseAnd(schema, part)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return pattern.Or(conds...), nil
}

func parseAnd(schema *event.Schema, expr string) (pattern.Condition, error) {
	parts := splitByKeyword(expr, "and")
	if len(parts) == 1 {
		return parseComparison(schema, parts[0])
	}
	conds := make([]pattern.Condition, 0, len(parts))
	for _, part := range parts {
		c, err := parseComparison(schema, part)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return pattern.And(conds...), nil
}

// splitByKeyword splits on a lowercase keyword surrounded by spaces,
// case insensitive.
func splitByKeyword(expr, keyword string) []string {
	marker := " " + keyword + " "
	var parts []string
	remaining := expr
	for {
		idx := strings.Index(strings.ToLower(remaining), marker)
		if idx == -1 {
			parts = append(parts, strings.TrimSpace(remaining))
			return parts
		}
		parts = append(parts, strings.TrimSpace(remaining[:idx]))
		remaining = remaining[idx+len(marker):]
	}
}

// comparison operators, two-character spellings first so "<=" does not
// parse as "<".
var opSpellings = []string{"==", "!=", "<=", ">=", "<", ">"}

func parseComparison(schema *event.Schema, expr string) (pattern.Condition, error) {
	expr = strings.TrimSpace(expr)

	for _, spelling := range opSpellings {
		idx := strings.Index(expr, spelling)
		if idx <= 0 {
			continue
		}
		attr := strings.TrimSpace(expr[:idx])
		rhs := strings.TrimSpace(expr[idx+len(spelling):])
		op, err := pattern.ParseOp(spelling)
		if err != nil {
			return nil, err
		}
		lit, err := parseLiteral(schema, attr, rhs)
		if err != nil {
			return nil, fmt.Errorf("in %q: %w", expr, err)
		}
		return pattern.NewCompare(schema, attr, op, lit)
	}
	return nil, fmt.Errorf("unsupported expression (no comparison operator): %q", expr)
}

// parseLiteral parses the right-hand side of a comparison. A quoted
// token is a string; bare integers parse to the attribute's declared
// numeric kind so `price == 125` works against int and float columns
// alike.
func parseLiteral(schema *event.Schema, attr, raw string) (event.Value, error) {
	if raw == "" {
		return nil, fmt.Errorf("missing literal after operator")
	}

	if (strings.HasPrefix(raw, `'`) && strings.HasSuffix(raw, `'`) && len(raw) >= 2) ||
		(strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) && len(raw) >= 2) {
		return event.String(raw[1 : len(raw)-1]), nil
	}
	if raw == "true" {
		return event.Bool(true), nil
	}
	if raw == "false" {
		return event.Bool(false), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if idx, ok := schema.Index(attr); ok && schema.Attrs[idx].Type == event.TypeFloat {
			return event.Float(float64(i)), nil
		}
		return event.Int(i), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return event.Float(f), nil
	}
	return nil, fmt.Errorf("unparseable literal %q", raw)
}
