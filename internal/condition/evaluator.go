// Package condition evaluates transition guard expressions of the form
// "field operator literal" against instance data.
//
// Evaluation fails closed: a missing field, a malformed expression or an
// operand type mismatch yields false and never an error.
package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// Supported operators.
const (
	OpEq       = "=="
	OpNe       = "!="
	OpGt       = ">"
	OpGe       = ">="
	OpLt       = "<"
	OpLe       = "<="
	OpIn       = "in"
	OpContains = "contains"
)

var operators = map[string]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGe: true,
	OpLt: true, OpLe: true, OpIn: true, OpContains: true,
}

var (
	intLiteral   = regexp.MustCompile(`^\d+$`)
	floatLiteral = regexp.MustCompile(`^\d+\.\d+$`)
)

// jsonPathPrefix marks a field that is resolved as a JSONPath expression
// against the whole data map instead of a top-level key.
const jsonPathPrefix = "$."

// Expression is a parsed guard.
type Expression struct {
	Field    string
	Operator string
	Literal  string
}

// Parse splits expr into exactly three whitespace-separated tokens and checks
// the operator.
func Parse(expr string) (Expression, error) {
	parts := strings.Fields(expr)
	if len(parts) != 3 {
		return Expression{}, fmt.Errorf("condition %q: expected 3 tokens, got %d", expr, len(parts))
	}
	e := Expression{Field: parts[0], Operator: parts[1], Literal: parts[2]}
	if !operators[e.Operator] {
		return Expression{}, fmt.Errorf("condition %q: unknown operator %q", expr, e.Operator)
	}
	return e, nil
}

// Validate reports whether expr is well formed. It is used when a template is
// registered so malformed guards are rejected before any instance runs.
func Validate(expr string) error {
	e, err := Parse(expr)
	if err != nil {
		return err
	}
	if strings.HasPrefix(e.Field, jsonPathPrefix) {
		if _, err := jsonpath.Compile(e.Field); err != nil {
			return fmt.Errorf("condition %q: invalid jsonpath field: %w", expr, err)
		}
	}
	if e.Operator == OpIn {
		var list []any
		if err := json.Unmarshal([]byte(e.Literal), &list); err != nil {
			return fmt.Errorf("condition %q: 'in' requires a JSON array literal", expr)
		}
	}
	return nil
}

// Evaluate reports whether expr holds for data.
func Evaluate(expr string, data map[string]any) bool {
	e, err := Parse(expr)
	if err != nil {
		return false
	}
	return e.Eval(data)
}

// Eval evaluates a parsed expression against data.
func (e Expression) Eval(data map[string]any) bool {
	if len(data) == 0 {
		return false
	}
	field, ok := lookup(data, e.Field)
	if !ok || field == nil {
		return false
	}
	field = normalize(field)
	literal, field := coerce(e.Literal, field)

	switch e.Operator {
	case OpEq:
		return equal(field, literal)
	case OpNe:
		return !equal(field, literal)
	case OpGt, OpGe, OpLt, OpLe:
		c, ok := compare(field, literal)
		if !ok {
			return false
		}
		switch e.Operator {
		case OpGt:
			return c > 0
		case OpGe:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	case OpIn:
		s, ok := literal.(string)
		if !ok {
			return false
		}
		var list []any
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			return false
		}
		for _, item := range list {
			if equal(field, normalize(item)) {
				return true
			}
		}
		return false
	case OpContains:
		// literal in field, not field in literal.
		return containedIn(literal, field)
	}
	return false
}

func lookup(data map[string]any, field string) (any, bool) {
	if strings.HasPrefix(field, jsonPathPrefix) {
		v, err := jsonpath.JsonPathLookup(data, field)
		if err != nil {
			return nil, false
		}
		return v, true
	}
	v, ok := data[field]
	return v, ok
}

// coerce converts the literal token and, for numeric literals, a digit-only
// string field to comparable values.
func coerce(tok string, field any) (any, any) {
	switch lower := strings.ToLower(tok); {
	case lower == "true":
		return true, field
	case lower == "false":
		return false, field
	case intLiteral.MatchString(tok):
		n, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return tok, field
		}
		if s, ok := field.(string); ok && intLiteral.MatchString(s) {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				field = f
			}
		}
		return float64(n), field
	case floatLiteral.MatchString(tok):
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return tok, field
		}
		if s, ok := field.(string); ok && (floatLiteral.MatchString(s) || intLiteral.MatchString(s)) {
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				field = v
			}
		}
		return f, field
	}
	return tok, field
}

// normalize folds every numeric kind to float64.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}

func equal(a, b any) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	}
	return 0, false
}

func containedIn(needle, haystack any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, item := range h {
			if equal(normalize(item), needle) {
				return true
			}
		}
		return false
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range h {
			if item == s {
				return true
			}
		}
		return false
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		_, found := h[s]
		return found
	}
	return false
}
