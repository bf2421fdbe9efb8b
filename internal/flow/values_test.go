package flow

import (
	"testing"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/resolver"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		actual   interface{}
		op       types.Operator
		expected interface{}
		want     bool
	}{
		{"greater true", 5.0, types.OpGreater, 3.0, true},
		{"greater false", 2.0, types.OpGreater, 3.0, false},
		{"less with int config", 2.0, types.OpLess, 3, true},
		{"greater numeric string", "10", types.OpGreater, 9.0, true},
		{"greater on undefined", resolver.Undefined, types.OpGreater, 1.0, false},
		{"equals loose number string", "5", types.OpEquals, 5.0, true},
		{"equals strings", "gold", types.OpEquals, "gold", true},
		{"equals bool", true, types.OpEquals, true, true},
		{"not equals", "gold", types.OpNotEquals, "silver", true},
		{"not equals undefined", resolver.Undefined, types.OpNotEquals, "x", true},
		{"contains substring", "refund please", types.OpContains, "refund", true},
		{"contains missing", "hello", types.OpContains, "bye", false},
		{"contains substring of coerced array", []interface{}{"apple", "banana"}, types.OpContains, "app", true},
		{"contains absent from coerced array", []interface{}{"apple", "banana"}, types.OpContains, "cherry", false},
		{"contains on undefined", resolver.Undefined, types.OpContains, "x", false},
		{"exists value", "x", types.OpExists, nil, true},
		{"exists undefined", resolver.Undefined, types.OpExists, nil, false},
		{"exists nil", nil, types.OpExists, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compare(tt.actual, tt.op, tt.expected)
			if err != nil {
				t.Fatalf("compare failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("compare(%v %s %v) = %v, want %v", tt.actual, tt.op, tt.expected, got, tt.want)
			}
		})
	}

	t.Run("unknown operator", func(t *testing.T) {
		if _, err := compare(1, ">=", 1); err == nil {
			t.Error("expected error for unknown operator")
		}
	})
}

func TestMerge(t *testing.T) {
	engine := newTestEngine(nil, nil, nil)

	newMergeContext := func(results map[string]interface{}, order ...string) *ExecutionContext {
		ec := newContext(nil)
		for _, id := range order {
			ec.record(id, results[id])
		}
		return ec
	}

	t.Run("concat flattens arrays", func(t *testing.T) {
		ec := newMergeContext(map[string]interface{}{
			"a": []interface{}{1, 2},
			"b": []interface{}{3},
		}, "a", "b")
		node := &types.FlowNode{ID: "m", Type: types.NodeTypeMerge, Inputs: []string{"a", "b"},
			Config: map[string]interface{}{"strategy": "concat"}}

		out, _, err := engine.executeMerge(node, ec)
		if err != nil {
			t.Fatalf("merge failed: %v", err)
		}
		arr := out.([]interface{})
		if len(arr) != 3 || arr[0] != 1 || arr[2] != 3 {
			t.Errorf("expected [1 2 3], got %v", arr)
		}
	})

	t.Run("default shallow merge", func(t *testing.T) {
		ec := newMergeContext(map[string]interface{}{
			"a": map[string]interface{}{"a": 1, "shared": "first"},
			"b": map[string]interface{}{"b": 2, "shared": "second"},
		}, "a", "b")
		node := &types.FlowNode{ID: "m", Type: types.NodeTypeMerge, Inputs: []string{"a", "b"}}

		out, _, err := engine.executeMerge(node, ec)
		if err != nil {
			t.Fatalf("merge failed: %v", err)
		}
		m := out.(map[string]interface{})
		if m["a"] != 1 || m["b"] != 2 {
			t.Errorf("expected {a:1, b:2}, got %v", m)
		}
		if m["shared"] != "second" {
			t.Errorf("later input should win, got %v", m["shared"])
		}
	})

	t.Run("deep merge keeps nested fields", func(t *testing.T) {
		ec := newMergeContext(map[string]interface{}{
			"a": map[string]interface{}{"profile": map[string]interface{}{"name": "Ada"}},
			"b": map[string]interface{}{"profile": map[string]interface{}{"tier": "pro"}},
		}, "a", "b")
		node := &types.FlowNode{ID: "m", Type: types.NodeTypeMerge, Inputs: []string{"a", "b"},
			Config: map[string]interface{}{"strategy": "deep"}}

		out, _, err := engine.executeMerge(node, ec)
		if err != nil {
			t.Fatalf("merge failed: %v", err)
		}
		profile := out.(map[string]interface{})["profile"].(map[string]interface{})
		if profile["name"] != "Ada" || profile["tier"] != "pro" {
			t.Errorf("expected nested fields from both inputs, got %v", profile)
		}
	})

	t.Run("skips inputs without results", func(t *testing.T) {
		ec := newMergeContext(map[string]interface{}{"a": "text"}, "a")
		node := &types.FlowNode{ID: "m", Type: types.NodeTypeMerge, Inputs: []string{"a", "ghost"}}

		out, _, err := engine.executeMerge(node, ec)
		if err != nil {
			t.Fatalf("merge failed: %v", err)
		}
		m := out.(map[string]interface{})
		if len(m) != 1 || m["a"] != "text" {
			t.Errorf("expected scalar keyed by node id, got %v", m)
		}
	})

	t.Run("unknown strategy falls back to shallow merge", func(t *testing.T) {
		ec := newMergeContext(map[string]interface{}{
			"a": map[string]interface{}{"a": 1},
			"b": map[string]interface{}{"a": 2, "b": 3},
		}, "a", "b")
		node := &types.FlowNode{ID: "m", Type: types.NodeTypeMerge, Inputs: []string{"a", "b"},
			Config: map[string]interface{}{"mergeStrategy": "override"}}

		out, _, err := engine.executeMerge(node, ec)
		if err != nil {
			t.Fatalf("merge failed: %v", err)
		}
		m := out.(map[string]interface{})
		if len(m) != 2 || m["a"] != 2 || m["b"] != 3 {
			t.Errorf("expected {a:2, b:3}, got %v", m)
		}
	})
}
