package validator

import (
	"testing"
)

func TestValidator_ValidateAppJSON(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tests := []struct {
		name  string
		doc   string
		valid bool
	}{
		{
			name: "minimal app",
			doc: `{"name":"triage","flowDefinition":[
				{"id":"start","type":"start","outputs":["a"]},
				{"id":"a","type":"agent","inputs":["start"],"config":{"agentId":"x","prompt":"hi"}}
			]}`,
			valid: true,
		},
		{
			name:  "missing flow",
			doc:   `{"name":"triage"}`,
			valid: false,
		},
		{
			name:  "unknown node type",
			doc:   `{"name":"x","flowDefinition":[{"id":"s","type":"loop"}]}`,
			valid: false,
		},
		{
			name:  "bad operator",
			doc:   `{"name":"x","flowDefinition":[{"id":"s","type":"condition","conditions":[{"field":"input","operator":">="}]}]}`,
			valid: false,
		},
		{
			name:  "expression condition",
			doc:   `{"name":"x","flowDefinition":[{"id":"s","type":"condition","conditions":[{"expression":"input > 3","nextNode":"s"}]}]}`,
			valid: true,
		},
		{
			name:  "bad guardrail type",
			doc:   `{"name":"x","flowDefinition":[{"id":"s","type":"start"}],"guardrails":[{"type":"pii"}]}`,
			valid: false,
		},
		{
			name:  "bad timeout",
			doc:   `{"name":"x","flowDefinition":[{"id":"s","type":"start","timeout":"soon"}]}`,
			valid: false,
		},
		{
			name:  "invalid json",
			doc:   `{"name":`,
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.ValidateAppJSON([]byte(tt.doc))
			if res.Valid != tt.valid {
				t.Errorf("expected valid=%v, got %v (errors: %v)", tt.valid, res.Valid, res.Errors)
			}
			if !res.Valid && len(res.Errors) == 0 {
				t.Error("invalid result should carry errors")
			}
		})
	}
}

func TestValidator_ValidateAgentJSON(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if res := v.ValidateAgentJSON([]byte(`{"id":"echo","name":"Echo","version":"1.0.0","runtime":"http"}`)); !res.Valid {
		t.Errorf("expected valid agent, got %v", res.Errors)
	}
	if res := v.ValidateAgentJSON([]byte(`{"id":"Echo","name":"Echo","version":"1"}`)); res.Valid {
		t.Error("expected invalid agent")
	}
}

func TestCompileSchema(t *testing.T) {
	schema, err := CompileSchema("input.json", map[string]interface{}{
		"type":     "object",
		"required": []string{"text"},
		"properties": map[string]interface{}{
			"text": map[string]interface{}{"type": "string"},
		},
	})
	if err != nil {
		t.Fatalf("CompileSchema failed: %v", err)
	}

	if res := ValidateWith(schema, map[string]interface{}{"text": "hello"}); !res.Valid {
		t.Errorf("expected valid input, got %v", res.Errors)
	}
	if res := ValidateWith(schema, map[string]interface{}{"count": 1}); res.Valid {
		t.Error("expected missing field to fail")
	}
}
