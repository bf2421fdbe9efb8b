package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

const sseHeartbeat = 15 * time.Second

// StreamEvents handles GET /api/v1/executions/{id}/events as Server-Sent
// Events. Clients resume with Last-Event-ID (or ?lastEventId=); the stream
// ends after the stream_end event.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	if _, err := h.runs.GetExecution(ctx, executionID); err != nil {
		h.fail(w, r, "failed to get execution", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	// Subscribe before replaying history so nothing falls in between.
	eventCh, cleanup, err := h.runs.Subscribe(ctx, executionID)
	if err != nil {
		h.fail(w, r, "failed to subscribe to events", err)
		return
	}
	defer cleanup()

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	h.writeComment(w, flusher, "connected")

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("lastEventId")
	}
	lastSeq := eventSeq(lastEventID)

	closed := func(reason string) {
		duration := time.Since(startTime)
		metrics.SSEConnectionDuration.Observe(duration.Seconds())
		h.logger.Debug("SSE connection closed",
			slog.String("execution_id", executionID),
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("reason", reason),
		)
	}

	history, err := h.runs.GetEventsSince(ctx, executionID, lastEventID)
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "execution_id", executionID)
	}
	for _, evt := range history {
		if !h.writeSSE(w, flusher, evt) {
			closed("write_error")
			return
		}
		lastSeq = eventSeq(evt.ID)
		if evt.Type == types.EventTypeStreamEnd {
			closed("stream_end")
			return
		}
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			closed("client_disconnect")
			return

		case evt, ok := <-eventCh:
			if !ok {
				closed("stream_closed")
				return
			}
			if eventSeq(evt.ID) <= lastSeq {
				continue
			}
			if !h.writeSSE(w, flusher, evt) {
				closed("write_error")
				return
			}
			lastSeq = eventSeq(evt.ID)
			if evt.Type == types.EventTypeStreamEnd {
				closed("stream_end")
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

func eventSeq(id string) int64 {
	seq, _ := strconv.ParseInt(id, 10, 64)
	return seq
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) bool {
	if evt == nil {
		return true
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Debug("failed to write SSE event", "error", err)
		return false
	}
	flusher.Flush()
	return true
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		return
	}
	flusher.Flush()
}
