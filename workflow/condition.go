package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/BaSui01/botflow/types"
)

// Operator is a comparison operator understood by the condition evaluator.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpExists   Operator = "exists"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
)

// Valid reports whether the operator is known.
func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNeq, OpIn, OpContains, OpExists, OpGt, OpLt:
		return true
	}
	return false
}

// Field names with special meaning in conditions.
const (
	FieldConditionResult = "conditionResult"
	FieldIntent          = "intent"
)

// Condition is a typed edge condition: <field> <operator> <value>.
//
// Field is a dot path. "conditionResult" and "intent" address the source
// node's routing fields, "output.x" and "variables.x" address the node
// output and the instance variables; a bare path is looked up in the
// output first and the variables second.
type Condition struct {
	Field    string   `json:"field" yaml:"field" validate:"required"`
	Operator Operator `json:"operator" yaml:"operator" validate:"required"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// EvalContext is what a condition is matched against.
type EvalContext struct {
	ConditionResult string
	Intent          string
	Output          map[string]any
	Variables       map[string]any
}

// Evaluate matches the condition against ec.
func (c Condition) Evaluate(ec EvalContext) (bool, error) {
	if !c.Operator.Valid() {
		return false, types.Errorf(types.ErrValidation, "unknown operator %q", c.Operator)
	}
	actual, found := ec.Lookup(c.Field)

	switch c.Operator {
	case OpExists:
		present := found && actual != nil
		if want, ok := c.Value.(bool); ok && !want {
			return !present, nil
		}
		return present, nil
	case OpEq:
		return found && valuesEqual(actual, c.Value), nil
	case OpNeq:
		return !found || !valuesEqual(actual, c.Value), nil
	case OpIn:
		if !found {
			return false, nil
		}
		list, ok := toSlice(c.Value)
		if !ok {
			return false, types.Errorf(types.ErrValidation, "operator in on %q requires a list value", c.Field)
		}
		for _, v := range list {
			if valuesEqual(actual, v) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		if !found {
			return false, nil
		}
		if s, ok := actual.(string); ok {
			return strings.Contains(s, fmt.Sprint(c.Value)), nil
		}
		if list, ok := toSlice(actual); ok {
			for _, v := range list {
				if valuesEqual(v, c.Value) {
					return true, nil
				}
			}
		}
		return false, nil
	case OpGt, OpLt:
		if !found {
			return false, nil
		}
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false, types.Errorf(types.ErrValidation, "operator %s on %q requires numeric operands", c.Operator, c.Field)
		}
		if c.Operator == OpGt {
			return a > b, nil
		}
		return a < b, nil
	}
	return false, nil
}

// Lookup resolves a condition field against ec.
func (ec EvalContext) Lookup(field string) (any, bool) {
	switch {
	case field == FieldConditionResult:
		if ec.ConditionResult != "" {
			return ec.ConditionResult, true
		}
		return ec.Intent, ec.Intent != ""
	case field == FieldIntent:
		return ec.Intent, ec.Intent != ""
	case strings.HasPrefix(field, "output."):
		return LookupPath(ec.Output, strings.TrimPrefix(field, "output."))
	case strings.HasPrefix(field, "variables."):
		return LookupPath(ec.Variables, strings.TrimPrefix(field, "variables."))
	}
	if v, ok := LookupPath(ec.Output, field); ok {
		return v, true
	}
	return LookupPath(ec.Variables, field)
}

// LookupPath resolves a dot path such as "customer.tier" inside m.
// Numeric segments index into lists.
func LookupPath(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	var cur any = m
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// matchesShorthand compares a shorthand edge condition with the node's
// routing fields using exact string equality.
func matchesShorthand(condition string, ec EvalContext) bool {
	return condition == ec.ConditionResult || (ec.Intent != "" && condition == ec.Intent)
}

// ResolveEdge picks the outgoing edge to follow.
//
// Conditioned edges are tried in declaration order; a shorthand edge matches
// by exact equality against conditionResult or intent, a typed edge through
// Condition.Evaluate. Without a match the edge flagged default is taken,
// then the only edge without any condition. Otherwise routing fails.
func ResolveEdge(nodeID string, edges []Edge, ec EvalContext) (*Edge, error) {
	if len(edges) == 0 {
		return nil, types.Errorf(types.ErrRouting, "node %s has no outgoing edge", nodeID).WithNode(nodeID)
	}

	for i := range edges {
		e := &edges[i]
		if e.Condition != "" && matchesShorthand(e.Condition, ec) {
			return e, nil
		}
		if e.Match != nil {
			ok, err := e.Match.Evaluate(ec)
			if err != nil {
				return nil, types.Errorf(types.ErrRouting, "edge %s condition: %s", e.ID, err.Error()).
					WithNode(nodeID).WithCause(err)
			}
			if ok {
				return e, nil
			}
		}
	}

	for i := range edges {
		if edges[i].Default {
			return &edges[i], nil
		}
	}
	var plain *Edge
	for i := range edges {
		if edges[i].IsConditional() {
			continue
		}
		if plain != nil {
			return nil, types.Errorf(types.ErrRouting,
				"node %s has several unconditioned edges and none is marked default", nodeID).
				WithNode(nodeID)
		}
		plain = &edges[i]
	}
	if plain != nil {
		return plain, nil
	}

	return nil, types.Errorf(types.ErrRouting,
		"no edge from node %s matches result %q and no default edge exists", nodeID, routingValue(ec)).
		WithNode(nodeID)
}

func routingValue(ec EvalContext) string {
	if ec.ConditionResult != "" {
		return ec.ConditionResult
	}
	return ec.Intent
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return sa == sb
	}
	if ba, ok := a.(bool); ok {
		if sb, ok := b.(string); ok {
			return strconv.FormatBool(ba) == sb
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}
