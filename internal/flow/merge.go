package flow

import (
	"fmt"

	"dario.cat/mergo"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// Merge strategies.
const (
	MergeShallow = "shallow"
	MergeConcat  = "concat"
	MergeDeep    = "deep"
)

// executeMerge combines the results of the node's inputs. Inputs without a
// result (for example a branch that was not taken) are skipped.
func (e *Engine) executeMerge(node *types.FlowNode, ec *ExecutionContext) (interface{}, []string, error) {
	strategy := node.ConfigString("strategy")
	if strategy == "" {
		strategy = node.ConfigString("mergeStrategy")
	}

	switch strategy {
	case MergeConcat:
		out := make([]interface{}, 0, len(node.Inputs))
		for _, id := range node.Inputs {
			v, ok := ec.NodeResult(id)
			if !ok {
				continue
			}
			if items, isSlice := toSlice(v); isSlice {
				out = append(out, items...)
			} else {
				out = append(out, v)
			}
		}
		return out, node.Outputs, nil

	case MergeDeep:
		out := map[string]interface{}{}
		for _, id := range node.Inputs {
			v, ok := ec.NodeResult(id)
			if !ok {
				continue
			}
			m, isMap := toPlain(v).(map[string]interface{})
			if !isMap {
				out[id] = v
				continue
			}
			if err := mergo.Merge(&out, deepCopy(m), mergo.WithOverride); err != nil {
				return nil, nil, fmt.Errorf("deep merge %s: %w", id, err)
			}
		}
		return out, node.Outputs, nil

	default:
		// Shallow, and any unrecognised strategy.
		out := map[string]interface{}{}
		for _, id := range node.Inputs {
			v, ok := ec.NodeResult(id)
			if !ok {
				continue
			}
			m, isMap := toPlain(v).(map[string]interface{})
			if !isMap {
				out[id] = v
				continue
			}
			for k, val := range m {
				out[k] = val
			}
		}
		return out, node.Outputs, nil
	}
}

// deepCopy clones nested maps so merging never aliases another node's result.
func deepCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopy(nested)
		} else {
			out[k] = v
		}
	}
	return out
}
