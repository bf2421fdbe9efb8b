package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 512
)

// StreamEventsWS handles GET /api/v1/executions/{id}/ws. It carries the
// same events as StreamEvents, one JSON message per event, and closes
// normally after stream_end. ?lastEventId= resumes a stream.
func (h *Handlers) StreamEventsWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := mux.Vars(r)["id"]

	if _, err := h.runs.GetExecution(ctx, executionID); err != nil {
		h.fail(w, r, "failed to get execution", err)
		return
	}

	eventCh, cleanup, err := h.runs.Subscribe(ctx, executionID)
	if err != nil {
		h.fail(w, r, "failed to subscribe to events", err)
		return
	}
	defer cleanup()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", "error", err, "execution_id", executionID)
		return
	}
	defer conn.Close()

	metrics.WebSocketActiveConnections.Inc()
	defer metrics.WebSocketActiveConnections.Dec()

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Inbound messages are ignored; reading surfaces the peer closing.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastEventID := r.URL.Query().Get("lastEventId")
	lastSeq := eventSeq(lastEventID)

	history, err := h.runs.GetEventsSince(ctx, executionID, lastEventID)
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "execution_id", executionID)
	}
	for _, evt := range history {
		if !writeWS(conn, evt) {
			return
		}
		lastSeq = eventSeq(evt.ID)
		if evt.Type == types.EventTypeStreamEnd {
			closeWS(conn)
			return
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-peerGone:
			h.logger.Debug("websocket peer closed", slog.String("execution_id", executionID))
			return

		case evt, ok := <-eventCh:
			if !ok {
				closeWS(conn)
				return
			}
			if eventSeq(evt.ID) <= lastSeq {
				continue
			}
			if !writeWS(conn, evt) {
				return
			}
			lastSeq = eventSeq(evt.ID)
			if evt.Type == types.EventTypeStreamEnd {
				closeWS(conn)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// checkOrigin allows same-origin requests and the configured CORS origins.
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.CORSOrigins) == 0 {
		return true
	}
	for _, allowed := range h.config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
	return false
}

func writeWS(conn *websocket.Conn, evt *types.Event) bool {
	if evt == nil {
		return true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(evt) == nil
}

func closeWS(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
}
