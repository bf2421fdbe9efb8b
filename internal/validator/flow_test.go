package validator

import (
	"errors"
	"strings"
	"testing"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

func TestValidateFlow(t *testing.T) {
	t.Run("accepts a linear flow", func(t *testing.T) {
		flow := []types.FlowNode{
			{ID: "start", Type: types.NodeTypeStart, Outputs: []string{"agent"}},
			{ID: "agent", Type: types.NodeTypeAgent, Inputs: []string{"start"}},
		}
		res := ValidateFlow(flow)
		if !res.Valid {
			t.Fatalf("expected valid flow, got %v", res.Errors)
		}
		if res.Err() != nil {
			t.Errorf("Err() should be nil for valid result")
		}
	})

	t.Run("reports duplicate id and dangling output together", func(t *testing.T) {
		flow := []types.FlowNode{
			{ID: "a", Type: types.NodeTypeStart},
			{ID: "a", Type: types.NodeTypeAgent, Inputs: []string{"a"}, Outputs: []string{"z"}},
		}
		res := ValidateFlow(flow)
		if res.Valid {
			t.Fatal("expected invalid flow")
		}
		if len(res.Errors) != 2 {
			t.Fatalf("expected 2 violations, got %d: %v", len(res.Errors), res.Errors)
		}

		var dup, dangling bool
		for _, e := range res.Errors {
			if strings.Contains(e.Message, "duplicate") && e.NodeID == "a" {
				dup = true
			}
			if strings.Contains(e.Message, `"z"`) {
				dangling = true
			}
		}
		if !dup {
			t.Error("missing duplicate id violation")
		}
		if !dangling {
			t.Error("missing dangling reference violation")
		}
	})

	t.Run("requires a start node", func(t *testing.T) {
		flow := []types.FlowNode{
			{ID: "a", Type: types.NodeTypeAgent, Inputs: []string{"b"}, Outputs: []string{"b"}},
			{ID: "b", Type: types.NodeTypeAgent, Inputs: []string{"a"}},
		}
		res := ValidateFlow(flow)
		if res.Valid {
			t.Fatal("expected invalid flow")
		}
		found := false
		for _, e := range res.Errors {
			if strings.Contains(e.Message, "no start node") {
				found = true
			}
		}
		if !found {
			t.Errorf("expected start node violation, got %v", res.Errors)
		}
	})

	t.Run("node with no inputs counts as start", func(t *testing.T) {
		flow := []types.FlowNode{
			{ID: "entry", Type: types.NodeTypeTransform},
		}
		if res := ValidateFlow(flow); !res.Valid {
			t.Errorf("expected valid flow, got %v", res.Errors)
		}
	})

	t.Run("reports unknown type", func(t *testing.T) {
		flow := []types.FlowNode{
			{ID: "s", Type: "loop"},
		}
		res := ValidateFlow(flow)
		if res.Valid || len(res.Errors) != 1 {
			t.Fatalf("expected 1 violation, got %v", res.Errors)
		}
		if res.Errors[0].Path != "flowDefinition[0].type" {
			t.Errorf("unexpected path %q", res.Errors[0].Path)
		}
	})

	t.Run("reports missing condition target", func(t *testing.T) {
		flow := []types.FlowNode{
			{ID: "s", Type: types.NodeTypeCondition, Conditions: []types.Condition{
				{Field: "input", Operator: types.OpExists, NextNode: "ghost"},
			}},
		}
		res := ValidateFlow(flow)
		if res.Valid {
			t.Fatal("expected invalid flow")
		}
		if res.Errors[0].Path != "flowDefinition[0].conditions[0].nextNode" {
			t.Errorf("unexpected path %q", res.Errors[0].Path)
		}
	})

	t.Run("reports cycles", func(t *testing.T) {
		flow := []types.FlowNode{
			{ID: "s", Type: types.NodeTypeStart, Outputs: []string{"a"}},
			{ID: "a", Type: types.NodeTypeAgent, Inputs: []string{"s", "b"}, Outputs: []string{"b"}},
			{ID: "b", Type: types.NodeTypeAgent, Inputs: []string{"a"}, Outputs: []string{"a"}},
		}
		res := ValidateFlow(flow)
		if res.Valid {
			t.Fatal("expected cycle to be reported")
		}
		if len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Message, "cycle") {
			t.Errorf("expected single cycle violation, got %v", res.Errors)
		}
	})

	t.Run("diamond is not a cycle", func(t *testing.T) {
		flow := []types.FlowNode{
			{ID: "s", Type: types.NodeTypeStart, Outputs: []string{"a", "b"}},
			{ID: "a", Type: types.NodeTypeAgent, Inputs: []string{"s"}, Outputs: []string{"m"}},
			{ID: "b", Type: types.NodeTypeAgent, Inputs: []string{"s"}, Outputs: []string{"m"}},
			{ID: "m", Type: types.NodeTypeMerge, Inputs: []string{"a", "b"}},
		}
		if res := ValidateFlow(flow); !res.Valid {
			t.Errorf("expected valid flow, got %v", res.Errors)
		}
	})
}

func TestFlowError(t *testing.T) {
	res := ValidateFlow(nil)
	err := res.Err()
	if err == nil {
		t.Fatal("expected error for empty flow")
	}

	var flowErr *FlowError
	if !errors.As(err, &flowErr) {
		t.Fatalf("expected *FlowError, got %T", err)
	}
	if !strings.HasPrefix(err.Error(), "invalid flow:") {
		t.Errorf("unexpected message %q", err.Error())
	}
}
