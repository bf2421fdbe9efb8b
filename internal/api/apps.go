package api

import (
	"errors"
	"net/http"

	"dario.cat/mergo"
	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/appstore"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/guardrail"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// validateDefinition runs the document schema and the flow graph checks
// and reports every violation of both.
func (h *Handlers) validateDefinition(body []byte, nodes []types.FlowNode) *validator.ValidationResult {
	result := &validator.ValidationResult{Valid: true}
	if h.validator != nil && body != nil {
		if res := h.validator.ValidateAppJSON(body); !res.Valid {
			result.Valid = false
			result.Errors = append(result.Errors, res.Errors...)
		}
	}
	if len(nodes) > 0 {
		if res := validator.ValidateFlow(nodes); !res.Valid {
			result.Valid = false
			result.Errors = append(result.Errors, res.Errors...)
		}
	}
	return result
}

// CreateApp handles POST /api/v1/apps
func (h *Handlers) CreateApp(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	var req appstore.CreateAppRequest
	if err := decodeBytes(body, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if res := h.validateDefinition(body, req.FlowDefinition); !res.Valid {
		h.respondValidation(w, r, res.Errors)
		return
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, r, http.StatusUnprocessableEntity, err.Error(), nil)
		return
	}
	if req.CreatedBy == "" {
		if claims := auth.GetClaims(r.Context()); claims != nil {
			req.CreatedBy = claims.Subject
		}
	}

	app, err := h.apps.Create(r.Context(), &req)
	if err != nil {
		h.fail(w, r, "failed to create app", err)
		return
	}
	h.logger.Info("app created", "app_id", app.ID, "nodes", len(app.FlowDefinition))
	w.Header().Set("Location", "/api/v1/apps/"+app.ID)
	h.respondJSON(w, http.StatusCreated, app)
}

// ListApps handles GET /api/v1/apps
func (h *Handlers) ListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.apps.List(r.Context(), &appstore.ListOptions{
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
		CreatedBy: r.URL.Query().Get("createdBy"),
	})
	if err != nil {
		h.fail(w, r, "failed to list apps", err)
		return
	}
	if apps == nil {
		apps = []*types.AgentApp{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"apps":  apps,
		"count": len(apps),
	})
}

// GetApp handles GET /api/v1/apps/{id}
func (h *Handlers) GetApp(w http.ResponseWriter, r *http.Request) {
	app, err := h.apps.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, "failed to get app", err)
		return
	}
	h.respondJSON(w, http.StatusOK, app)
}

// UpdateApp handles PUT /api/v1/apps/{id}. A replaced flow is validated
// before it is stored.
func (h *Handlers) UpdateApp(w http.ResponseWriter, r *http.Request) {
	var req appstore.UpdateAppRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name != nil && *req.Name == "" {
		h.respondError(w, r, http.StatusUnprocessableEntity, "app name cannot be empty", nil)
		return
	}
	if req.FlowDefinition != nil {
		if len(req.FlowDefinition) == 0 {
			h.respondError(w, r, http.StatusUnprocessableEntity, "app flowDefinition cannot be empty", nil)
			return
		}
		if res := h.validateDefinition(nil, req.FlowDefinition); !res.Valid {
			h.respondValidation(w, r, res.Errors)
			return
		}
	}

	app, err := h.apps.Update(r.Context(), mux.Vars(r)["id"], &req)
	if err != nil {
		h.fail(w, r, "failed to update app", err)
		return
	}
	h.respondJSON(w, http.StatusOK, app)
}

// DeleteApp handles DELETE /api/v1/apps/{id}
func (h *Handlers) DeleteApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.apps.Delete(r.Context(), id); err != nil {
		h.fail(w, r, "failed to delete app", err)
		return
	}
	h.logger.Info("app deleted", "app_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// ValidateApp handles POST /api/v1/apps/validate. It always answers 200
// with the validation result.
func (h *Handlers) ValidateApp(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	var req appstore.CreateAppRequest
	if err := decodeBytes(body, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.validateDefinition(body, req.FlowDefinition))
}

// ExecuteRequest is the request body of an execution.
type ExecuteRequest struct {
	Input       interface{}            `json:"input"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
	GeoContext  map[string]interface{} `json:"geoContext,omitempty"`
	UserProfile map[string]interface{} `json:"userProfile,omitempty"`
	Caller      string                 `json:"caller,omitempty"`
}

// executionInput builds the execution context. An authenticated caller's
// claims take precedence over the profile in the body.
func executionInput(r *http.Request, req *ExecuteRequest) (types.ExecutionInput, error) {
	in := types.ExecutionInput{
		Variables:   req.Variables,
		GeoContext:  req.GeoContext,
		UserProfile: req.UserProfile,
		Caller:      req.Caller,
	}
	if claims := auth.GetClaims(r.Context()); claims != nil {
		if in.UserProfile == nil {
			in.UserProfile = map[string]interface{}{}
		}
		if err := mergo.Merge(&in.UserProfile, claims.Profile(), mergo.WithOverride); err != nil {
			return in, err
		}
		in.Caller = claims.Subject
	}
	if in.Caller == "" {
		in.Caller = clientIP(r)
	}
	return in, nil
}

// ExecuteApp handles POST /api/v1/apps/{id}/execute. The execution runs in
// the background; the response carries its initial record.
func (h *Handlers) ExecuteApp(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	in, err := executionInput(r, &req)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to build execution context", err)
		return
	}

	exec, err := h.scheduler.Execute(r.Context(), mux.Vars(r)["id"], req.Input, in)
	if err != nil {
		var violation *guardrail.Violation
		if errors.As(err, &violation) && exec != nil {
			writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeGuardrail, violation.Error(), map[string]interface{}{
				"type":      violation.Type,
				"execution": exec,
			})
			return
		}
		h.fail(w, r, "failed to execute app", err)
		return
	}

	w.Header().Set("Location", "/api/v1/executions/"+exec.ID)
	h.respondJSON(w, http.StatusAccepted, exec)
}

// ListAppExecutions handles GET /api/v1/apps/{id}/executions
func (h *Handlers) ListAppExecutions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID := mux.Vars(r)["id"]
	if _, err := h.apps.Get(ctx, appID); err != nil {
		h.fail(w, r, "failed to get app", err)
		return
	}

	execs, err := h.scheduler.ListExecutions(ctx, appID, queryInt(r, "limit", 50))
	if err != nil {
		h.fail(w, r, "failed to list executions", err)
		return
	}
	if execs == nil {
		execs = []*types.AgentAppExecution{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"executions": execs,
		"count":      len(execs),
	})
}
