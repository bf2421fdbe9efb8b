// Package validator checks app definitions: JSON schema validation of
// app and agent documents plus structural checks on flow graphs.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates app documents and agent registrations.
type Validator struct {
	appSchema   *jsonschema.Schema
	agentSchema *jsonschema.Schema
}

// ValidationError represents a single validation failure.
type ValidationError struct {
	NodeID  string `json:"nodeId,omitempty"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %q: %s", e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err returns a *FlowError listing every violation, or nil when valid.
func (r *ValidationResult) Err() error {
	if r == nil || r.Valid {
		return nil
	}
	return &FlowError{Errors: r.Errors}
}

func (r *ValidationResult) add(nodeID, path, format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{
		NodeID:  nodeID,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

// FlowError is returned when an app definition is rejected.
type FlowError struct {
	Errors []ValidationError
}

func (e *FlowError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return "invalid flow: " + strings.Join(msgs, "; ")
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("app.json", strings.NewReader(appSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add app schema: %w", err)
	}
	if err := compiler.AddResource("agent.json", strings.NewReader(agentSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add agent schema: %w", err)
	}

	appSchema, err := compiler.Compile("app.json")
	if err != nil {
		return nil, fmt.Errorf("compile app schema: %w", err)
	}
	agentSchema, err := compiler.Compile("agent.json")
	if err != nil {
		return nil, fmt.Errorf("compile agent schema: %w", err)
	}

	return &Validator{
		appSchema:   appSchema,
		agentSchema: agentSchema,
	}, nil
}

// ValidateApp validates a decoded app document against the app schema.
func (v *Validator) ValidateApp(doc interface{}) *ValidationResult {
	return validateSchema(v.appSchema, doc)
}

// ValidateAppJSON validates a JSON-encoded app document.
func (v *Validator) ValidateAppJSON(data []byte) *ValidationResult {
	doc, res := decode(data)
	if res != nil {
		return res
	}
	return v.ValidateApp(doc)
}

// ValidateAgentJSON validates a JSON-encoded agent registration.
func (v *Validator) ValidateAgentJSON(data []byte) *ValidationResult {
	doc, res := decode(data)
	if res != nil {
		return res
	}
	return validateSchema(v.agentSchema, doc)
}

// CompileSchema compiles a caller-provided JSON schema, for example one
// attached to an input_validation guardrail.
func CompileSchema(name string, schema interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile(name)
}

// ValidateWith runs a compiled schema against an arbitrary value. The value
// is round-tripped through JSON so typed Go values validate like documents.
func ValidateWith(schema *jsonschema.Schema, value interface{}) *ValidationResult {
	raw, err := json.Marshal(value)
	if err != nil {
		return &ValidationResult{Errors: []ValidationError{{Path: "$", Message: err.Error()}}}
	}
	doc, res := decode(raw)
	if res != nil {
		return res
	}
	return validateSchema(schema, doc)
}

func decode(data []byte) (interface{}, *ValidationResult) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return doc, nil
}

func validateSchema(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}
	return result
}

// extractErrors recursively flattens schema validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errs []ValidationError

	if verr.Message != "" && len(verr.Causes) == 0 {
		errs = append(errs, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}
	for _, cause := range verr.Causes {
		errs = append(errs, extractErrors(cause)...)
	}
	return errs
}
