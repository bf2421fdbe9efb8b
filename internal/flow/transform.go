package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/resolver"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// Transform operations.
const (
	TransformFormat    = "format"
	TransformFilter    = "filter"
	TransformAggregate = "aggregate"
)

// executeTransform reshapes the value at config.input (default "input").
func (e *Engine) executeTransform(node *types.FlowNode, ec *ExecutionContext) (interface{}, []string, error) {
	source := node.ConfigString("input")
	if source == "" {
		source = "input"
	}
	data := resolver.Resolve(source, ec)
	if resolver.IsUndefined(data) {
		return nil, nil, fmt.Errorf("transform input %q not found", source)
	}

	op := node.ConfigString("transformType")
	if op == "" {
		op = node.ConfigString("operation")
	}
	if op == "" {
		op = node.ConfigString("transformation")
	}

	var (
		out interface{}
		err error
	)
	switch op {
	case TransformFormat:
		out, err = formatValue(data, node.ConfigString("format"))
	case TransformFilter:
		criteria, _ := node.Config["filterCriteria"].(map[string]interface{})
		out, err = filterValues(data, criteria)
	case TransformAggregate:
		out, err = aggregate(data, node.ConfigString("aggregation"), node.ConfigString("field"))
	default:
		err = fmt.Errorf("%w: transform %q", ErrUnknownOperation, op)
	}
	if err != nil {
		return nil, nil, err
	}
	return out, node.Outputs, nil
}

func formatValue(data interface{}, format string) (interface{}, error) {
	switch format {
	case "json":
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("format json: %w", err)
		}
		return string(raw), nil
	case "string":
		return resolver.Stringify(data), nil
	case "number":
		f, ok := toFloat(data)
		if !ok {
			return nil, fmt.Errorf("cannot format %s as number", resolver.Stringify(data))
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: format %q", ErrUnknownOperation, format)
	}
}

// filterValues keeps items whose fields equal every criterion.
func filterValues(data interface{}, criteria map[string]interface{}) (interface{}, error) {
	items, ok := toSlice(data)
	if !ok {
		return nil, errors.New("filter requires an array input")
	}
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		plain := toPlain(item)
		keep := true
		for field, want := range criteria {
			if !looseEqual(fieldOf(plain, field), want) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, item)
		}
	}
	return out, nil
}

func fieldOf(item interface{}, field string) interface{} {
	m, ok := item.(map[string]interface{})
	if !ok {
		return resolver.Undefined
	}
	v, ok := m[field]
	if !ok {
		return resolver.Undefined
	}
	return v
}

// aggregate folds an array. With field set, object elements contribute
// that field; non-numeric values are ignored by sum, avg, max and min.
func aggregate(data interface{}, fn, field string) (interface{}, error) {
	items, ok := toSlice(data)
	if !ok {
		return nil, errors.New("aggregate requires an array input")
	}
	if fn == "count" {
		return float64(len(items)), nil
	}

	nums := make([]float64, 0, len(items))
	for _, item := range items {
		v := item
		if field != "" {
			v = fieldOf(toPlain(item), field)
		}
		if f, ok := toFloat(v); ok {
			nums = append(nums, f)
		}
	}

	switch fn {
	case "sum":
		return sum(nums), nil
	case "avg":
		if len(nums) == 0 {
			return 0.0, nil
		}
		return sum(nums) / float64(len(nums)), nil
	case "max":
		if len(nums) == 0 {
			return nil, nil
		}
		m := math.Inf(-1)
		for _, n := range nums {
			m = math.Max(m, n)
		}
		return m, nil
	case "min":
		if len(nums) == 0 {
			return nil, nil
		}
		m := math.Inf(1)
		for _, n := range nums {
			m = math.Min(m, n)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: aggregation %q", ErrUnknownOperation, fn)
	}
}

func sum(nums []float64) float64 {
	var total float64
	for _, n := range nums {
		total += n
	}
	return total
}
