package resolver

import (
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate replaces every {{path}} in tmpl with the resolved value.
// Placeholders that do not resolve are left as written.
func Interpolate(tmpl string, scope Scope) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := placeholder.FindStringSubmatch(match)[1]
		v := Resolve(path, scope)
		if IsUndefined(v) {
			return match
		}
		return Stringify(v)
	})
}

// InterpolateValue walks maps and slices and interpolates every string. A
// string consisting of a single placeholder is replaced by the raw value so
// numbers and objects keep their type.
func InterpolateValue(v interface{}, scope Scope) interface{} {
	switch t := v.(type) {
	case string:
		if loc := placeholder.FindStringSubmatchIndex(t); loc != nil && loc[0] == 0 && loc[1] == len(t) {
			resolved := Resolve(t[loc[2]:loc[3]], scope)
			if IsUndefined(resolved) {
				return t
			}
			return resolved
		}
		return Interpolate(t, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = InterpolateValue(val, scope)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = InterpolateValue(val, scope)
		}
		return out
	default:
		return v
	}
}
