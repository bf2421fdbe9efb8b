package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/registry"
)

// ListAgents handles GET /api/v1/agents
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	opts := &registry.ListOptions{
		Runtime: registry.Runtime(r.URL.Query().Get("runtime")),
		Limit:   queryInt(r, "limit", 0),
		Offset:  queryInt(r, "offset", 0),
	}
	if caps := r.URL.Query().Get("capabilities"); caps != "" {
		opts.Capabilities = strings.Split(caps, ",")
	}

	agents, err := h.agents.List(r.Context(), opts)
	if err != nil {
		h.fail(w, r, "failed to list agents", err)
		return
	}
	if agents == nil {
		agents = []*registry.Agent{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	})
}

// CreateAgent handles POST /api/v1/agents
func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if h.validator != nil {
		if res := h.validator.ValidateAgentJSON(body); !res.Valid {
			h.respondValidation(w, r, res.Errors)
			return
		}
	}
	var req registry.CreateAgentRequest
	if err := decodeBytes(body, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, r, http.StatusUnprocessableEntity, err.Error(), nil)
		return
	}

	agent, err := h.agents.Create(r.Context(), &req)
	if err != nil {
		h.fail(w, r, "failed to register agent", err)
		return
	}
	h.logger.Info("agent registered", "agent_id", agent.ID, "runtime", agent.Runtime)
	h.respondJSON(w, http.StatusCreated, agent)
}

// GetAgent handles GET /api/v1/agents/{id}
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, "failed to get agent", err)
		return
	}
	h.respondJSON(w, http.StatusOK, agent)
}

// UpdateAgent handles PUT /api/v1/agents/{id}
func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req registry.UpdateAgentRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	agent, err := h.agents.Update(r.Context(), mux.Vars(r)["id"], &req)
	if err != nil {
		h.fail(w, r, "failed to update agent", err)
		return
	}
	h.respondJSON(w, http.StatusOK, agent)
}

// DeleteAgent handles DELETE /api/v1/agents/{id}
func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.agents.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, "failed to delete agent", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
