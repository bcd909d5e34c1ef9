package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operator is a comparison operator usable in guards, matching rules and
// external broadcast filters.
type Operator string

const (
	OpEqual        Operator = "==="
	OpNotEqual     Operator = "!=="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpContains     Operator = "contains"
	OpIn           Operator = "in"
)

// Valid reports whether the operator is part of the filter operator set.
func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpContains, OpIn:
		return true
	}
	return false
}

// ResolvePath walks a dotted path through a value tree. Missing intermediate
// keys evaluate as unset (ok=false); comparisons against unset fail.
func ResolvePath(tree map[string]interface{}, path string) (interface{}, bool) {
	if tree == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur interface{} = tree
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Compare applies op to (left, right). Numeric operands are normalized to
// float64 so that JSON-decoded values compare with in-code literals.
func Compare(op Operator, left, right interface{}) (bool, error) {
	switch op {
	case OpEqual:
		return looseEqual(left, right), nil
	case OpNotEqual:
		return !looseEqual(left, right), nil
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if lok && rok {
			return compareFloats(op, lf, rf), nil
		}
		ls, lsok := left.(string)
		rs, rsok := right.(string)
		if lsok && rsok {
			return compareStrings(op, ls, rs), nil
		}
		return false, fmt.Errorf("operator %s requires two numbers or two strings, got %T and %T", op, left, right)
	case OpContains:
		return contains(left, right), nil
	case OpIn:
		return in(left, right), nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func looseEqual(left, right interface{}) bool {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf
		}
		return false
	}
	return left == right
}

func compareFloats(op Operator, l, r float64) bool {
	switch op {
	case OpGreater:
		return l > r
	case OpLess:
		return l < r
	case OpGreaterEqual:
		return l >= r
	case OpLessEqual:
		return l <= r
	}
	return false
}

func compareStrings(op Operator, l, r string) bool {
	switch op {
	case OpGreater:
		return l > r
	case OpLess:
		return l < r
	case OpGreaterEqual:
		return l >= r
	case OpLessEqual:
		return l <= r
	}
	return false
}

// contains is substring match for strings and membership for slices.
func contains(left, right interface{}) bool {
	switch l := left.(type) {
	case string:
		s, ok := right.(string)
		return ok && strings.Contains(l, s)
	case []interface{}:
		for _, item := range l {
			if looseEqual(item, right) {
				return true
			}
		}
	}
	return false
}

// in checks membership of left in the listed values on the right. The right
// side may be a slice or a comma-separated string.
func in(left, right interface{}) bool {
	switch r := right.(type) {
	case []interface{}:
		for _, item := range r {
			if looseEqual(left, item) {
				return true
			}
		}
	case []string:
		for _, item := range r {
			if looseEqual(left, item) {
				return true
			}
		}
	case string:
		for _, item := range strings.Split(r, ",") {
			if looseEqual(left, strings.TrimSpace(item)) {
				return true
			}
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
