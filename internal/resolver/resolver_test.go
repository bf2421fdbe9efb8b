package resolver

import (
	"testing"
)

type testScope struct {
	input     interface{}
	variables map[string]interface{}
	nodes     map[string]interface{}
	geo       map[string]interface{}
	user      map[string]interface{}
}

func (s *testScope) InputValue() interface{} { return s.input }

func (s *testScope) Variable(name string) (interface{}, bool) {
	v, ok := s.variables[name]
	return v, ok
}

func (s *testScope) NodeResult(id string) (interface{}, bool) {
	v, ok := s.nodes[id]
	return v, ok
}

func (s *testScope) Geo() map[string]interface{}  { return s.geo }
func (s *testScope) User() map[string]interface{} { return s.user }

type agentReply struct {
	Response string `json:"response"`
	Tokens   int    `json:"tokens"`
}

func newScope() *testScope {
	return &testScope{
		input: map[string]interface{}{
			"score": 5.0,
			"items": []interface{}{
				map[string]interface{}{"name": "first"},
				map[string]interface{}{"name": "second"},
			},
		},
		variables: map[string]interface{}{
			"tone": "friendly",
			"opts": map[string]interface{}{"lang": "en"},
		},
		nodes: map[string]interface{}{
			"summarize": map[string]interface{}{"response": "short text"},
			"typed":     agentReply{Response: "typed reply", Tokens: 12},
		},
		geo:  map[string]interface{}{"country": "DE"},
		user: map[string]interface{}{"name": "Ada", "tier": "pro"},
	}
}

func TestResolve(t *testing.T) {
	scope := newScope()

	tests := []struct {
		path string
		want interface{}
	}{
		{"variables.tone", "friendly"},
		{"variables.opts.lang", "en"},
		{"geo.country", "DE"},
		{"user.tier", "pro"},
		{"input.score", 5.0},
		{"input.items.1.name", "second"},
		{"node.summarize.response", "short text"},
		{"node.typed.response", "typed reply"},
		{"node.typed.tokens", 12.0},
		{" user.name ", "Ada"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := Resolve(tt.path, scope)
			if got != tt.want {
				t.Errorf("Resolve(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}

	t.Run("whole input", func(t *testing.T) {
		got, ok := Resolve("input", scope).(map[string]interface{})
		if !ok || got["score"] != 5.0 {
			t.Errorf("expected input map, got %v", got)
		}
	})

	undefinedPaths := []string{
		"",
		"secrets.key",
		"variables.missing",
		"node.unknown",
		"node.summarize.missing",
		"geo.city",
		"user",
		"input.nothing.here",
	}
	for _, path := range undefinedPaths {
		t.Run("undefined "+path, func(t *testing.T) {
			if got := Resolve(path, scope); !IsUndefined(got) {
				t.Errorf("Resolve(%q) = %v, want Undefined", path, got)
			}
		})
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"string", "plain", "plain"},
		{"number", 3.5, "3.5"},
		{"bool", true, "true"},
		{"nil", nil, "null"},
		{"map", map[string]interface{}{"a": 1}, `{"a":1}`},
		{"undefined", Undefined, "undefined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Stringify(tt.in); got != tt.want {
				t.Errorf("Stringify(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
