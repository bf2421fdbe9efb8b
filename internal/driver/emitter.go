package driver

import (
	"context"
	"log/slog"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/flow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// RunStoreSink appends engine and driver events to a RunStore.
type RunStoreSink struct {
	store  runstore.RunStore
	logger *slog.Logger
}

// NewRunStoreSink creates a sink backed by store.
func NewRunStoreSink(store runstore.RunStore, logger *slog.Logger) *RunStoreSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunStoreSink{store: store, logger: logger}
}

// Emit appends ev. Events are written even after ctx is cancelled so the
// stream of a cancelled execution stays complete.
func (s *RunStoreSink) Emit(ctx context.Context, executionID string, ev *types.EventInput) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.AppendEvent(ctx, executionID, ev); err != nil {
		s.logger.Error("failed to append event",
			"execution_id", executionID,
			"event_type", ev.Type,
			"error", err,
		)
		return
	}
	metrics.EventsTotal.WithLabelValues(string(ev.Type)).Inc()
}

var _ flow.EventSink = (*RunStoreSink)(nil)

// emitLog sends a log event for the node in ctx's scope.
func emitLog(ctx context.Context, sink flow.EventSink, level types.LogLevel, msg string, fields map[string]string) {
	if sink == nil {
		return
	}
	executionID, nodeID := flow.NodeScope(ctx)
	if executionID == "" {
		return
	}
	sink.Emit(ctx, executionID, &types.EventInput{
		Type:   types.EventTypeLog,
		NodeID: nodeID,
		Data:   types.LogEvent{Level: level, Message: msg, Fields: fields},
	})
}
