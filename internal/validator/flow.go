package validator

import (
	"fmt"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// ValidateFlow runs the structural checks on a flow definition. Every
// violation is collected; validation never stops at the first one.
func ValidateFlow(flow []types.FlowNode) *ValidationResult {
	result := &ValidationResult{Valid: true}

	ids := make(map[string]int, len(flow))
	hasStart := false
	for i := range flow {
		node := &flow[i]
		path := fmt.Sprintf("flowDefinition[%d]", i)

		if node.ID == "" {
			result.add("", path+".id", "node id is required")
			continue
		}
		if _, dup := ids[node.ID]; dup {
			result.add(node.ID, path+".id", "duplicate node id %q", node.ID)
		} else {
			ids[node.ID] = i
		}
		if !node.Type.IsKnown() {
			result.add(node.ID, path+".type", "unknown node type %q", node.Type)
		}
		if node.IsStart() {
			hasStart = true
		}
	}
	if !hasStart {
		result.add("", "flowDefinition", "flow has no start node")
	}

	for i := range flow {
		node := &flow[i]
		if node.ID == "" {
			continue
		}
		path := fmt.Sprintf("flowDefinition[%d]", i)
		for j, out := range node.Outputs {
			if _, ok := ids[out]; !ok {
				result.add(node.ID, fmt.Sprintf("%s.outputs[%d]", path, j),
					"output references missing node %q", out)
			}
		}
		for j, in := range node.Inputs {
			if _, ok := ids[in]; !ok {
				result.add(node.ID, fmt.Sprintf("%s.inputs[%d]", path, j),
					"input references missing node %q", in)
			}
		}
		for j, cond := range node.Conditions {
			if cond.NextNode == "" {
				continue
			}
			if _, ok := ids[cond.NextNode]; !ok {
				result.add(node.ID, fmt.Sprintf("%s.conditions[%d].nextNode", path, j),
					"condition references missing node %q", cond.NextNode)
			}
		}
	}

	for _, id := range findCycles(flow, ids) {
		result.add(id, fmt.Sprintf("flowDefinition[%d].outputs", ids[id]),
			"cycle detected through node %q", id)
	}

	return result
}

// findCycles returns, for every back edge found by an iterative DFS over
// outputs and condition targets, the node the edge points to.
func findCycles(flow []types.FlowNode, ids map[string]int) []string {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(flow))
	reported := make(map[string]bool)
	var cycles []string

	type frame struct {
		idx  int
		next int
	}

	for root := range flow {
		if color[root] != white || flow[root].ID == "" {
			continue
		}
		stack := []frame{{idx: root}}
		color[root] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succ := successors(&flow[top.idx])
			if top.next >= len(succ) {
				color[top.idx] = black
				stack = stack[:len(stack)-1]
				continue
			}
			target, ok := ids[succ[top.next]]
			top.next++
			if !ok {
				continue
			}
			switch color[target] {
			case white:
				color[target] = grey
				stack = append(stack, frame{idx: target})
			case grey:
				id := flow[target].ID
				if !reported[id] {
					reported[id] = true
					cycles = append(cycles, id)
				}
			}
		}
	}
	return cycles
}

func successors(node *types.FlowNode) []string {
	if len(node.Conditions) == 0 {
		return node.Outputs
	}
	out := make([]string, 0, len(node.Outputs)+len(node.Conditions))
	out = append(out, node.Outputs...)
	for _, c := range node.Conditions {
		if c.NextNode != "" {
			out = append(out, c.NextNode)
		}
	}
	return out
}
