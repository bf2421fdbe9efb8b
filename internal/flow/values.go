package flow

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/resolver"
)

// toFloat converts numbers and numeric strings.
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
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint, uint64, json.Number:
		return true
	}
	return false
}

// looseEqual compares values the way dynamic configs expect: numbers match
// numeric strings, and scalars compare by their string form.
func looseEqual(a, b interface{}) bool {
	if resolver.IsUndefined(a) || a == nil {
		return b == nil || resolver.IsUndefined(b)
	}
	if b == nil {
		return false
	}
	if isNumber(a) || isNumber(b) {
		fa, okA := toFloat(a)
		fb, okB := toFloat(b)
		if okA && okB {
			return fa == fb
		}
	}
	switch a.(type) {
	case map[string]interface{}, []interface{}:
		return reflect.DeepEqual(toPlain(a), toPlain(b))
	}
	return resolver.Stringify(a) == resolver.Stringify(b)
}

// toSlice returns v as []interface{} when it is any kind of slice.
func toSlice(v interface{}) ([]interface{}, bool) {
	if s, ok := v.([]interface{}); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// toPlain converts typed values into their generic JSON form so node
// outputs can be merged, filtered and compared uniformly.
func toPlain(v interface{}) interface{} {
	switch v.(type) {
	case nil, string, bool, float64, map[string]interface{}, []interface{}:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
