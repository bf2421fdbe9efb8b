// Package guardrail enforces an app's pre-execution checks.
package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/resolver"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// Violation is returned when a guardrail rejects an execution.
type Violation struct {
	Type    types.GuardrailType `json:"type"`
	Message string              `json:"message"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("guardrail %s: %s", v.Type, v.Message)
}

// Request is the data guardrails inspect.
type Request struct {
	AppID       string
	Caller      string
	Guardrails  []types.Guardrail
	Input       interface{}
	GeoContext  map[string]interface{}
	UserProfile map[string]interface{}
}

// Enforcer applies guardrails. Rate limiter state and compiled schemas are
// shared across executions.
type Enforcer struct {
	limiters *limiterSet
	logger   *slog.Logger

	schemasMu sync.RWMutex
	schemas   map[string]*jsonschema.Schema
}

// NewEnforcer creates a guardrail enforcer.
func NewEnforcer(logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		limiters: newLimiterSet(),
		logger:   logger,
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Apply runs the enabled guardrails in declaration order and returns the
// first *Violation.
func (e *Enforcer) Apply(ctx context.Context, req *Request) error {
	for _, g := range req.Guardrails {
		if !g.Enabled {
			continue
		}
		var err error
		switch g.Type {
		case types.GuardrailInputValidation:
			err = e.checkInput(g, req)
		case types.GuardrailRateLimit:
			err = e.checkRate(g, req)
		case types.GuardrailContentSafety:
			err = checkContent(g, req)
		case types.GuardrailDataPrivacy:
			err = checkPrivacy(g, req)
		default:
			e.logger.Warn("ignoring unknown guardrail type", "app_id", req.AppID, "type", g.Type)
		}
		if err != nil {
			e.logger.Info("guardrail violation",
				"app_id", req.AppID,
				"type", g.Type,
				"error", err,
			)
			return err
		}
	}
	return nil
}

func violation(t types.GuardrailType, format string, args ...interface{}) *Violation {
	return &Violation{Type: t, Message: fmt.Sprintf(format, args...)}
}

func (e *Enforcer) checkInput(g types.Guardrail, req *Request) error {
	input := req.Input
	if cfgBool(g.Config, "required") && isEmpty(input) {
		return violation(g.Type, "input is required")
	}
	if maxLen := cfgInt(g.Config, "maxLength"); maxLen > 0 {
		if n := len([]rune(resolver.Stringify(input))); n > maxLen {
			return violation(g.Type, "input length %d exceeds maximum %d", n, maxLen)
		}
	}
	if fields := cfgStrings(g.Config, "requiredFields"); len(fields) > 0 {
		m, _ := input.(map[string]interface{})
		for _, f := range fields {
			if v, ok := m[f]; !ok || v == nil {
				return violation(g.Type, "missing required field %q", f)
			}
		}
	}
	if raw, ok := g.Config["schema"]; ok && raw != nil {
		schema, err := e.compiledSchema(raw)
		if err != nil {
			return violation(g.Type, "invalid input schema: %v", err)
		}
		if res := validator.ValidateWith(schema, input); !res.Valid {
			msgs := make([]string, len(res.Errors))
			for i, ve := range res.Errors {
				msgs[i] = ve.String()
			}
			return violation(g.Type, "input does not match schema: %s", strings.Join(msgs, "; "))
		}
	}
	return nil
}

func (e *Enforcer) compiledSchema(raw interface{}) (*jsonschema.Schema, error) {
	keyBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	key := string(keyBytes)

	e.schemasMu.RLock()
	schema, ok := e.schemas[key]
	e.schemasMu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err = validator.CompileSchema(fmt.Sprintf("guardrail-%d.json", len(key)), raw)
	if err != nil {
		return nil, err
	}
	e.schemasMu.Lock()
	e.schemas[key] = schema
	e.schemasMu.Unlock()
	return schema, nil
}

func (e *Enforcer) checkRate(g types.Guardrail, req *Request) error {
	rps := cfgFloat(g.Config, "requestsPerSecond", 1)
	burst := cfgInt(g.Config, "burst")
	if burst <= 0 {
		burst = 5
	}

	key := req.AppID
	if cfgString(g.Config, "key") == "caller" {
		caller := req.Caller
		if caller == "" {
			caller = "anonymous"
		}
		key = req.AppID + ":" + caller
	}
	if !e.limiters.allow(key, rps, burst) {
		return violation(g.Type, "rate limit exceeded for %s", key)
	}
	return nil
}

func checkContent(g types.Guardrail, req *Request) error {
	text := strings.ToLower(resolver.Stringify(req.Input))
	for _, term := range cfgStrings(g.Config, "blockedTerms") {
		if term == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(term)) {
			return violation(g.Type, "input contains blocked term %q", term)
		}
	}
	return nil
}

func checkPrivacy(g types.Guardrail, req *Request) error {
	country := strings.ToLower(cfgString(req.GeoContext, "country"))
	region := strings.ToLower(cfgString(req.GeoContext, "region"))

	if allowed := cfgStrings(g.Config, "allowedRegions"); len(allowed) > 0 {
		if !containsFold(allowed, country) && !containsFold(allowed, region) {
			return violation(g.Type, "region %q is not allowed", firstNonEmpty(region, country))
		}
	}
	if blocked := cfgStrings(g.Config, "blockedRegions"); len(blocked) > 0 {
		if containsFold(blocked, country) || containsFold(blocked, region) {
			return violation(g.Type, "region %q is blocked", firstNonEmpty(region, country))
		}
	}
	if cfgBool(g.Config, "requireConsent") && !cfgBool(req.UserProfile, "dataConsent") {
		return violation(g.Type, "user has not consented to data processing")
	}
	if residency := cfgString(g.Config, "residency"); residency != "" {
		if !strings.EqualFold(cfgString(req.UserProfile, "dataResidency"), residency) {
			return violation(g.Type, "data residency must be %q", residency)
		}
	}
	return nil
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]interface{}:
		return len(t) == 0
	case []interface{}:
		return len(t) == 0
	}
	return false
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
