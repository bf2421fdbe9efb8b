package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// cancelWait bounds how long a cancel request waits for the final record.
const cancelWait = 5 * time.Second

// GetExecution handles GET /api/v1/executions/{id}
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.scheduler.GetExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, "failed to get execution", err)
		return
	}
	h.respondJSON(w, http.StatusOK, exec)
}

// CancelExecution handles POST /api/v1/executions/{id}/cancel. It answers
// with the final record, or 202 if the traversal is still unwinding.
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if err := h.scheduler.Cancel(ctx, id); err != nil {
		h.fail(w, r, "failed to cancel execution", err)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, cancelWait)
	defer cancel()
	status := http.StatusOK
	if err := h.scheduler.Wait(waitCtx, id); err != nil {
		status = http.StatusAccepted
	}

	exec, err := h.scheduler.GetExecution(ctx, id)
	if err != nil {
		h.fail(w, r, "failed to get execution", err)
		return
	}
	h.respondJSON(w, status, exec)
}

// ArchiveURL handles GET /api/v1/executions/{id}/archive
func (h *Handlers) ArchiveURL(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "execution archive is disabled", nil)
		return
	}
	ctx := r.Context()

	exec, err := h.scheduler.GetExecution(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, "failed to get execution", err)
		return
	}
	if !exec.Status.IsTerminal() {
		h.respondError(w, r, http.StatusConflict, "execution is still "+string(exec.Status), nil)
		return
	}

	expiry := h.config.ArchiveURLExpiry
	url, err := h.archive.DownloadURL(ctx, exec.AppID, exec.ID, expiry)
	if err != nil {
		h.fail(w, r, "failed to sign archive url", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"executionId": exec.ID,
		"url":         url,
		"expiresIn":   int64(expiry.Seconds()),
	})
}
