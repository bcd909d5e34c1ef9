package model

import "testing"

func TestResolvePath(t *testing.T) {
	tree := map[string]interface{}{
		"orderId": "O1",
		"limits": map[string]interface{}{
			"max": 100.0,
		},
	}

	v, ok := ResolvePath(tree, "orderId")
	if !ok || v != "O1" {
		t.Fatalf("expected O1, got %v (ok=%v)", v, ok)
	}

	v, ok = ResolvePath(tree, "limits.max")
	if !ok || v != 100.0 {
		t.Fatalf("expected 100, got %v (ok=%v)", v, ok)
	}

	if _, ok := ResolvePath(tree, "limits.min"); ok {
		t.Errorf("expected missing leaf to be unset")
	}
	if _, ok := ResolvePath(tree, "missing.deep.path"); ok {
		t.Errorf("expected missing intermediate to be unset")
	}
	if _, ok := ResolvePath(tree, "orderId.sub"); ok {
		t.Errorf("expected traversal through scalar to be unset")
	}
}

func TestCompareOperators(t *testing.T) {
	tests := []struct {
		op    Operator
		left  interface{}
		right interface{}
		want  bool
	}{
		{OpEqual, "a", "a", true},
		{OpEqual, 3, 3.0, true},
		{OpEqual, "a", "b", false},
		{OpNotEqual, "a", "b", true},
		{OpGreater, 5, 3, true},
		{OpGreater, 3, 5, false},
		{OpGreaterEqual, 5, 5, true},
		{OpLess, 3.5, 4, true},
		{OpLessEqual, 4, 4.0, true},
		{OpContains, "hello world", "world", true},
		{OpContains, "hello", "world", false},
		{OpContains, []interface{}{"a", "b"}, "b", true},
		{OpIn, "b", []interface{}{"a", "b"}, true},
		{OpIn, "c", []interface{}{"a", "b"}, false},
		{OpIn, "b", "a, b, c", true},
		{OpIn, 2, []interface{}{1.0, 2.0}, true},
	}

	for _, tt := range tests {
		got, err := Compare(tt.op, tt.left, tt.right)
		if err != nil {
			t.Errorf("Compare(%s, %v, %v): %v", tt.op, tt.left, tt.right, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Compare(%s, %v, %v) = %v, want %v", tt.op, tt.left, tt.right, got, tt.want)
		}
	}
}

func TestCompareTypeMismatch(t *testing.T) {
	if _, err := Compare(OpGreater, "a", 1); err == nil {
		t.Errorf("expected error comparing string to number with >")
	}
}

func TestExpandString(t *testing.T) {
	source := map[string]interface{}{
		"orderId": "O1",
		"amount":  100.0,
	}

	// Whole-string reference preserves the value type.
	if v := ExpandString("{{amount}}", source); v != 100.0 {
		t.Errorf("expected 100.0, got %v (%T)", v, v)
	}

	// Embedded reference stringifies.
	if v := ExpandString("order {{orderId}} ok", source); v != "order O1 ok" {
		t.Errorf("expected expansion, got %v", v)
	}

	// Unresolved whole-string reference expands to nil.
	if v := ExpandString("{{missing}}", source); v != nil {
		t.Errorf("expected nil for unresolved reference, got %v", v)
	}
}

func TestExpandPayload(t *testing.T) {
	source := map[string]interface{}{"orderId": "O1", "amount": 100.0}
	payload := map[string]interface{}{
		"orderId": "{{orderId}}",
		"amount":  "{{amount}}",
		"nested":  map[string]interface{}{"ref": "{{orderId}}"},
		"fixed":   true,
	}

	out := ExpandPayload(payload, source)
	if out["orderId"] != "O1" || out["amount"] != 100.0 || out["fixed"] != true {
		t.Fatalf("unexpected expansion: %v", out)
	}
	nested := out["nested"].(map[string]interface{})
	if nested["ref"] != "O1" {
		t.Errorf("nested expansion failed: %v", nested)
	}
	// Template must not be mutated.
	if payload["orderId"] != "{{orderId}}" {
		t.Errorf("template was mutated")
	}
}
