package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/resolver"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// executeCondition evaluates every condition; each match contributes its
// target, so several branches may be taken at once.
func (e *Engine) executeCondition(ctx context.Context, node *types.FlowNode, ec *ExecutionContext) (interface{}, []string, error) {
	matched := make([]string, 0, len(node.Conditions))
	for i, cond := range node.Conditions {
		ok, err := e.evaluateCondition(cond, ec)
		if err != nil {
			return nil, nil, fmt.Errorf("condition %d: %w", i, err)
		}
		if ok && cond.NextNode != "" {
			matched = append(matched, cond.NextNode)
		}
	}

	e.emit(ctx, ec.ExecutionID, &types.EventInput{
		Type:   types.EventTypeBranchSelected,
		NodeID: node.ID,
		Data:   types.BranchSelectedEvent{Matched: matched},
	})

	output := map[string]interface{}{"matched": toPlain(matched)}
	return output, matched, nil
}

func (e *Engine) evaluateCondition(cond types.Condition, ec *ExecutionContext) (bool, error) {
	if cond.Expression != "" {
		return e.exprEval.EvaluateBool(cond.Expression, ec.exprEnv())
	}
	actual := resolver.Resolve(cond.Field, ec)
	return compare(actual, cond.Operator, cond.Value)
}

// compare applies a condition operator. An unresolved actual value only
// satisfies != and never the ordering operators.
func compare(actual interface{}, op types.Operator, expected interface{}) (bool, error) {
	switch op {
	case types.OpEquals:
		return looseEqual(actual, expected), nil
	case types.OpNotEquals:
		return !looseEqual(actual, expected), nil
	case types.OpGreater, types.OpLess:
		a, okA := toFloat(actual)
		b, okB := toFloat(expected)
		if !okA || !okB {
			return false, nil
		}
		if op == types.OpGreater {
			return a > b, nil
		}
		return a < b, nil
	case types.OpContains:
		if resolver.IsUndefined(actual) || actual == nil {
			return false, nil
		}
		return strings.Contains(resolver.Stringify(actual), resolver.Stringify(expected)), nil
	case types.OpExists:
		return !resolver.IsUndefined(actual) && actual != nil, nil
	default:
		return false, fmt.Errorf("%w: operator %q", ErrUnknownOperation, op)
	}
}
