package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/appstore"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/config"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/guardrail"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/validator"
)

const maxBodyBytes = 1 << 20

// Deps are the services the handlers call. Archive is optional.
type Deps struct {
	Apps      appstore.AppStore
	Runs      runstore.RunStore
	Agents    registry.AgentRegistry
	Scheduler *scheduler.Scheduler
	Validator *validator.Validator
	Archive   *dataflow.Service
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	apps      appstore.AppStore
	runs      runstore.RunStore
	agents    registry.AgentRegistry
	scheduler *scheduler.Scheduler
	validator *validator.Validator
	archive   *dataflow.Service
	limiter   *rateLimiter
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Load()
	}
	h := &Handlers{
		apps:      deps.Apps,
		runs:      deps.Runs,
		agents:    deps.Agents,
		scheduler: deps.Scheduler,
		validator: deps.Validator,
		archive:   deps.Archive,
		config:    cfg,
		logger:    logger,
	}
	if cfg.RateLimitRPS > 0 {
		h.limiter = newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	return h
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the run store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.runs.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"runstore":          info,
		"active_executions": h.scheduler.Active(),
	})
}

// --- Helper Methods ---

// decodeBody decodes a JSON request body. An empty body is allowed when
// optional is set.
func decodeBody(r *http.Request, dst interface{}, optional bool) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		if optional {
			return nil
		}
		return errors.New("request body is required")
	}
	return json.Unmarshal(data, dst)
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
	}
	return data, nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return def
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"cause": err.Error()}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err, "status", status, "request_id", GetRequestID(r.Context(), r))
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}

// fail maps a domain error onto its status and error body.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	var flowErr *validator.FlowError
	if errors.As(err, &flowErr) {
		h.respondValidation(w, r, flowErr.Errors)
		return
	}
	var violation *guardrail.Violation
	if errors.As(err, &violation) {
		writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeGuardrail, violation.Error(), map[string]interface{}{
			"type": violation.Type,
		})
		return
	}

	status := statusForError(err)
	if status != http.StatusInternalServerError {
		message = err.Error()
	}
	h.respondError(w, r, status, message, err)
}

func (h *Handlers) respondValidation(w http.ResponseWriter, r *http.Request, errs []validator.ValidationError) {
	writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeValidation, "app definition is invalid", map[string]interface{}{
		"errors": errs,
	})
}

func decodeBytes(data []byte, dst interface{}) error {
	if len(data) == 0 {
		return errors.New("request body is required")
	}
	return json.Unmarshal(data, dst)
}
