// Package resolver resolves dotted variable paths and {{path}} templates
// against an execution's scope.
package resolver

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

type undefined struct{}

func (undefined) String() string { return "undefined" }

// MarshalJSON encodes the sentinel as null.
func (undefined) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// Undefined is returned when a path cannot be resolved.
var Undefined interface{} = undefined{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v interface{}) bool {
	_, ok := v.(undefined)
	return ok
}

// Scope is the data a path can reach.
type Scope interface {
	InputValue() interface{}
	Variable(name string) (interface{}, bool)
	NodeResult(id string) (interface{}, bool)
	Geo() map[string]interface{}
	User() map[string]interface{}
}

// Resolve looks up a dotted path. Recognized prefixes are input,
// variables.<name>, node.<id>, geo.<field> and user.<field>; anything after
// the first segment is looked up inside the value. Unknown prefixes and
// missing values yield Undefined.
func Resolve(path string, scope Scope) interface{} {
	path = strings.TrimSpace(path)
	if path == "" || scope == nil {
		return Undefined
	}

	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case "input":
		return lookup(scope.InputValue(), rest)
	case "variables":
		name, sub, _ := strings.Cut(rest, ".")
		v, ok := scope.Variable(name)
		if !ok {
			return Undefined
		}
		return lookup(v, sub)
	case "node":
		id, sub, _ := strings.Cut(rest, ".")
		v, ok := scope.NodeResult(id)
		if !ok {
			return Undefined
		}
		return lookup(v, sub)
	case "geo":
		return lookupMap(scope.Geo(), rest)
	case "user":
		return lookupMap(scope.User(), rest)
	default:
		return Undefined
	}
}

func lookupMap(m map[string]interface{}, path string) interface{} {
	if m == nil || path == "" {
		return Undefined
	}
	field, sub, _ := strings.Cut(path, ".")
	v, ok := m[field]
	if !ok {
		return Undefined
	}
	return lookup(v, sub)
}

// lookup descends into v. Plain maps are walked directly; anything else is
// queried through its JSON form.
func lookup(v interface{}, path string) interface{} {
	if path == "" {
		return v
	}
	if IsUndefined(v) || v == nil {
		return Undefined
	}
	if m, ok := v.(map[string]interface{}); ok {
		field, sub, _ := strings.Cut(path, ".")
		if next, ok := m[field]; ok {
			return lookup(next, sub)
		}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return Undefined
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return Undefined
	}
	return res.Value()
}

// Stringify renders a value the way templates do: strings verbatim,
// everything else as JSON.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case undefined:
		return "undefined"
	case nil:
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
