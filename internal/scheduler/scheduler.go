// Package scheduler runs app executions in the background and records
// their lifecycle, statistics and archive copies.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/appstore"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/flow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/guardrail"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// Errors returned by the scheduler.
var (
	ErrShuttingDown = errors.New("scheduler is shutting down")
	ErrNotRunning   = errors.New("execution is not running")
)

var (
	errCancelled = errors.New("execution cancelled")
	errShutdown  = errors.New("execution cancelled: service shutting down")
)

// Config holds scheduler configuration.
type Config struct {
	// MaxConcurrentExecutions limits running traversals (0 = unlimited).
	// Executions over the limit stay running and wait for a slot.
	MaxConcurrentExecutions int

	// ExecutionTimeout bounds a whole traversal (0 = none)
	ExecutionTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentExecutions: 0,
		ExecutionTimeout:        0,
	}
}

// Deps are the collaborators a Scheduler needs. Archive and Events are
// optional; Events defaults to a sink writing to Runs.
type Deps struct {
	Apps       appstore.AppStore
	Runs       runstore.RunStore
	Engine     *flow.Engine
	Guardrails *guardrail.Enforcer
	Archive    *dataflow.Service
	Events     flow.EventSink
}

// task is one supervised execution.
type task struct {
	appID  string
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Scheduler starts executions and supervises them until they finish.
type Scheduler struct {
	apps    appstore.AppStore
	runs    runstore.RunStore
	engine  *flow.Engine
	guard   *guardrail.Enforcer
	archive *dataflow.Service
	events  flow.EventSink
	cfg     Config
	logger  *slog.Logger
	sem     chan struct{} // Concurrency limiter
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*task
	closed bool
	wg     sync.WaitGroup
}

// New creates a scheduler and points the engine's events at it.
func New(deps Deps, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Guardrails == nil {
		deps.Guardrails = guardrail.NewEnforcer(logger)
	}
	if deps.Events == nil {
		deps.Events = driver.NewRunStoreSink(deps.Runs, logger)
	}
	deps.Engine.SetEventSink(deps.Events)

	var sem chan struct{}
	if cfg.MaxConcurrentExecutions > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrentExecutions)
	}

	return &Scheduler{
		apps:    deps.Apps,
		runs:    deps.Runs,
		engine:  deps.Engine,
		guard:   deps.Guardrails,
		archive: deps.Archive,
		events:  deps.Events,
		cfg:     *cfg,
		logger:  logger,
		sem:     sem,
		now:     func() time.Time { return time.Now().UTC() },
		active:  make(map[string]*task),
	}
}

// Execute starts an execution of appID and returns it in running state.
// A guardrail violation returns the failed execution together with the
// *guardrail.Violation. Stored flows that no longer validate return a
// *validator.FlowError and no execution.
func (s *Scheduler) Execute(ctx context.Context, appID string, input interface{}, in types.ExecutionInput) (*types.AgentAppExecution, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	app, err := s.apps.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateFlow(app.FlowDefinition).Err(); err != nil {
		return nil, err
	}

	exec := &types.AgentAppExecution{
		ID:        uuid.NewString(),
		AppID:     app.ID,
		Status:    types.ExecutionPending,
		Input:     input,
		Context:   in,
		StartedAt: s.now(),
	}
	if err := s.runs.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	s.emitStatus(ctx, exec.ID, types.ExecutionPending, "")

	if err := s.guard.Apply(ctx, &guardrail.Request{
		AppID:       app.ID,
		Caller:      in.Caller,
		Guardrails:  app.Guardrails,
		Input:       input,
		GeoContext:  in.GeoContext,
		UserProfile: in.UserProfile,
	}); err != nil {
		return s.reject(ctx, exec, err), err
	}

	if err := s.runs.UpdateStatus(ctx, exec.ID, types.ExecutionRunning); err != nil {
		err = fmt.Errorf("start execution: %w", err)
		final := s.finish(ctx, exec, &types.ExecutionResult{
			Status:       types.ExecutionFailed,
			ErrorMessage: err.Error(),
			CompletedAt:  s.now(),
		}, false)
		return final, err
	}
	exec.Status = types.ExecutionRunning
	s.emitStatus(ctx, exec.ID, types.ExecutionRunning, "")

	// The traversal outlives the request that started it.
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	t := &task{appID: app.ID, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel(errShutdown)
		close(t.done)
		final := s.finish(ctx, exec, &types.ExecutionResult{
			Status:       types.ExecutionFailed,
			ErrorMessage: errShutdown.Error(),
			CompletedAt:  s.now(),
		}, false)
		return final, ErrShuttingDown
	}
	s.active[exec.ID] = t
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.ExecutionsActive.Inc()
	s.logger.Info("execution started",
		"execution_id", exec.ID,
		"app_id", app.ID,
		"nodes", len(app.FlowDefinition),
	)

	snapshot := *exec
	go s.run(runCtx, t, app, &snapshot)

	return exec, nil
}

// reject records a guardrail failure. The execution never ran, so app
// statistics are left alone.
func (s *Scheduler) reject(ctx context.Context, exec *types.AgentAppExecution, err error) *types.AgentAppExecution {
	var v *guardrail.Violation
	if errors.As(err, &v) {
		metrics.GuardrailViolations.WithLabelValues(string(v.Type)).Inc()
		s.events.Emit(ctx, exec.ID, &types.EventInput{
			Type: types.EventTypeGuardrailViolation,
			Data: v,
		})
	}
	return s.finish(ctx, exec, &types.ExecutionResult{
		Status:       types.ExecutionFailed,
		ErrorMessage: err.Error(),
		CompletedAt:  s.now(),
		DurationMs:   0,
	}, false)
}

// run is the supervised body of one execution.
func (s *Scheduler) run(ctx context.Context, t *task, app *types.AgentApp, exec *types.AgentAppExecution) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, exec.ID)
		s.mu.Unlock()
		t.cancel(nil)
		close(t.done)
		metrics.ExecutionsActive.Dec()
	}()

	ec := flow.NewExecutionContext(exec.ID, exec.Input, exec.Context)
	output, err := s.traverse(ctx, app.FlowDefinition, ec)

	completedAt := s.now()
	result := &types.ExecutionResult{
		Status:        types.ExecutionCompleted,
		Output:        output,
		ExecutionPath: ec.ExecutionPath(),
		NodeFailures:  ec.Failures(),
		CompletedAt:   completedAt,
		DurationMs:    completedAt.Sub(exec.StartedAt).Milliseconds(),
	}
	if err != nil {
		result.Status = types.ExecutionFailed
		result.Output = nil
		result.ErrorMessage = failureMessage(ctx, err)
	}

	s.finish(context.WithoutCancel(ctx), exec, result, true)
}

// traverse waits for a concurrency slot, applies the execution timeout and
// runs the flow. Panics escaping the engine become errors.
func (s *Scheduler) traverse(ctx context.Context, nodes []types.FlowNode, ec *flow.ExecutionContext) (out interface{}, err error) {
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("engine panic", "execution_id", ec.ExecutionID, "panic", r)
			out, err = nil, fmt.Errorf("engine fault: %v", r)
		}
	}()
	return s.engine.RunFlow(ctx, nodes, ec)
}

func failureMessage(ctx context.Context, err error) string {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "execution timed out"
	}
	return err.Error()
}

// finish writes the terminal record, then updates statistics, archives the
// record and closes the event stream.
func (s *Scheduler) finish(ctx context.Context, exec *types.AgentAppExecution, result *types.ExecutionResult, recordStats bool) *types.AgentAppExecution {
	final, err := s.runs.Complete(ctx, exec.ID, result)
	if err != nil {
		s.logger.Error("failed to complete execution",
			"execution_id", exec.ID,
			"app_id", exec.AppID,
			"error", err,
		)
		if final, err = s.runs.GetExecution(ctx, exec.ID); err != nil {
			return exec
		}
		return final
	}

	status := string(final.Status)
	metrics.ExecutionsTotal.WithLabelValues(status).Inc()
	metrics.ExecutionDuration.WithLabelValues(status).Observe(float64(result.DurationMs) / 1000)

	if recordStats {
		if _, err := s.apps.RecordExecution(ctx, exec.AppID, result.DurationMs); err != nil {
			s.logger.Warn("failed to record app statistics",
				"app_id", exec.AppID,
				"execution_id", exec.ID,
				"error", err,
			)
		}
	}

	s.emitStatus(ctx, exec.ID, final.Status, final.ErrorMessage)

	if s.archive != nil {
		if _, err := s.archive.ArchiveExecution(ctx, final); err != nil {
			s.logger.Warn("failed to archive execution", "execution_id", exec.ID, "error", err)
		}
	}

	s.events.Emit(ctx, exec.ID, &types.EventInput{Type: types.EventTypeStreamEnd})

	s.logger.Info("execution finished",
		"execution_id", exec.ID,
		"app_id", exec.AppID,
		"status", final.Status,
		"duration_ms", result.DurationMs,
		"node_failures", len(result.NodeFailures),
	)
	return final
}

func (s *Scheduler) emitStatus(ctx context.Context, executionID string, status types.ExecutionStatus, msg string) {
	s.events.Emit(ctx, executionID, &types.EventInput{
		Type: types.EventTypeExecutionStatus,
		Data: types.ExecutionStatusEvent{Status: status, Error: msg},
	})
}

// GetExecution returns the current record of an execution.
func (s *Scheduler) GetExecution(ctx context.Context, id string) (*types.AgentAppExecution, error) {
	return s.runs.GetExecution(ctx, id)
}

// ListExecutions returns an app's executions, newest first.
func (s *Scheduler) ListExecutions(ctx context.Context, appID string, limit int) ([]*types.AgentAppExecution, error) {
	return s.runs.ListExecutions(ctx, appID, limit)
}

// Cancel stops a running execution. It returns once cancellation is
// requested; use Wait to block until the record is final.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.active[id]
	s.mu.Unlock()

	if !ok {
		exec, err := s.runs.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		if exec.Status.IsTerminal() {
			return runstore.ErrTerminal
		}
		return ErrNotRunning
	}

	s.logger.Info("cancelling execution", "execution_id", id, "app_id", t.appID)
	t.cancel(errCancelled)
	return nil
}

// Wait blocks until the execution's supervised task has finished. It
// returns immediately for executions that are not running.
func (s *Scheduler) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of running executions.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown stops accepting executions, cancels the running ones and waits
// for them to record their final state.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, t := range s.active {
		t.cancel(errShutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
