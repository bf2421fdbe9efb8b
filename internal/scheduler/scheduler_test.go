package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/appstore"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/flow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/guardrail"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

type fakeAgent struct {
	fn func(ctx context.Context, agentID, prompt string) (*flow.AgentResponse, error)
}

func (f *fakeAgent) Invoke(ctx context.Context, agentID, prompt string) (*flow.AgentResponse, error) {
	if f.fn != nil {
		return f.fn(ctx, agentID, prompt)
	}
	return &flow.AgentResponse{Response: agentID + ": " + prompt}, nil
}

type fakeConnector struct{}

func (fakeConnector) Execute(ctx context.Context, connectorID, endpoint string, params map[string]interface{}) (*flow.ConnectorResult, error) {
	return &flow.ConnectorResult{Success: false, Error: "connector offline"}, nil
}

// stepClock returns the given instants in order, then keeps returning the
// last one.
type stepClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return t
}

type harness struct {
	sched   *Scheduler
	apps    *appstore.MemoryStore
	runs    *runstore.MemoryStore
	archive *dataflow.Service
}

func newHarness(t *testing.T, agent flow.AgentExecutor, cfg *Config) *harness {
	t.Helper()
	apps := appstore.NewMemoryStore()
	runs := runstore.NewMemoryStore(nil)
	archive := dataflow.NewWithBackend(dataflow.NewMemoryBackend(), nil)
	t.Cleanup(func() {
		apps.Close()
		runs.Close()
	})

	engine := flow.New(agent, fakeConnector{}, nil, &flow.Config{
		DefaultBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, nil)

	sched := New(Deps{
		Apps:    apps,
		Runs:    runs,
		Engine:  engine,
		Archive: archive,
	}, cfg, nil)
	return &harness{sched: sched, apps: apps, runs: runs, archive: archive}
}

func (h *harness) createApp(t *testing.T, id string, nodes []types.FlowNode, guardrails []types.Guardrail) {
	t.Helper()
	if _, err := h.apps.Create(context.Background(), &appstore.CreateAppRequest{
		ID:             id,
		Name:           id,
		FlowDefinition: nodes,
		Guardrails:     guardrails,
	}); err != nil {
		t.Fatalf("create app: %v", err)
	}
}

func (h *harness) run(t *testing.T, appID string, input interface{}) *types.AgentAppExecution {
	t.Helper()
	ctx := context.Background()
	exec, err := h.sched.Execute(ctx, appID, input, types.ExecutionInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.sched.Wait(waitCtx, exec.ID); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	final, err := h.sched.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	return final
}

func branchingFlow() []types.FlowNode {
	return []types.FlowNode{
		{ID: "start", Type: types.NodeTypeStart, Outputs: []string{"route"}},
		{ID: "route", Type: types.NodeTypeCondition, Inputs: []string{"start"}, Conditions: []types.Condition{
			{Field: "input.score", Operator: types.OpGreater, Value: 3.0, NextNode: "agentA"},
			{Field: "input.score", Operator: types.OpLess, Value: 4.0, NextNode: "agentB"},
		}},
		{ID: "agentA", Type: types.NodeTypeAgent, Inputs: []string{"route"}, Config: map[string]interface{}{
			"agentId": "high", "prompt": "great {{input.score}}",
		}},
		{ID: "agentB", Type: types.NodeTypeAgent, Inputs: []string{"route"}, Config: map[string]interface{}{
			"agentId": "low", "prompt": "try again",
		}},
	}
}

func statusEvents(t *testing.T, runs runstore.RunStore, id string) []string {
	t.Helper()
	events, err := runs.GetEventsSince(context.Background(), id, "")
	if err != nil {
		t.Fatalf("GetEventsSince failed: %v", err)
	}
	var out []string
	for _, ev := range events {
		switch ev.Type {
		case types.EventTypeExecutionStatus:
			s := string(ev.Data)
			for _, status := range []string{"pending", "running", "completed", "failed"} {
				if strings.Contains(s, `"status":"`+status+`"`) {
					out = append(out, status)
				}
			}
		case types.EventTypeStreamEnd:
			out = append(out, "end")
		}
	}
	return out
}

func TestScheduler_ExecuteLifecycle(t *testing.T) {
	h := newHarness(t, &fakeAgent{}, nil)
	h.createApp(t, "app-1", branchingFlow(), nil)

	exec, err := h.sched.Execute(context.Background(), "app-1", map[string]interface{}{"score": 5.0}, types.ExecutionInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if exec.Status != types.ExecutionRunning {
		t.Errorf("expected running acknowledgement, got %s", exec.Status)
	}
	if exec.CompletedAt != nil {
		t.Error("completedAt should not be set on acknowledgement")
	}

	if err := h.sched.Wait(context.Background(), exec.ID); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	final, _ := h.sched.GetExecution(context.Background(), exec.ID)

	if final.Status != types.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if final.CompletedAt == nil || final.Duration == nil {
		t.Error("expected completedAt and duration")
	}
	if got := strings.Join(final.ExecutionPath, ","); got != "start,route,agentA" {
		t.Errorf("unexpected path %s", got)
	}
	out, ok := final.Output.(map[string]interface{})
	if !ok || out["response"] != "high: great 5" {
		t.Errorf("unexpected output %#v", final.Output)
	}

	got := strings.Join(statusEvents(t, h.runs, exec.ID), ",")
	if got != "pending,running,completed,end" {
		t.Errorf("unexpected status sequence %s", got)
	}

	if _, err := h.archive.GetExecution(context.Background(), "app-1", exec.ID); err != nil {
		t.Errorf("expected archived execution: %v", err)
	}

	if h.sched.Active() != 0 {
		t.Errorf("expected no active executions, got %d", h.sched.Active())
	}
}

func TestScheduler_EndToEndBranchSelection(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{5, "start,route,agentA"},
		{2, "start,route,agentB"},
	}
	h := newHarness(t, &fakeAgent{}, nil)
	h.createApp(t, "branch", branchingFlow(), nil)

	for _, tt := range tests {
		final := h.run(t, "branch", map[string]interface{}{"score": tt.score})
		if got := strings.Join(final.ExecutionPath, ","); got != tt.want {
			t.Errorf("score %v: expected path %s, got %s", tt.score, tt.want, got)
		}
	}
}

func TestScheduler_Statistics(t *testing.T) {
	h := newHarness(t, &fakeAgent{}, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &stepClock{times: []time.Time{
		base, base.Add(100 * time.Millisecond),
		base.Add(time.Second), base.Add(time.Second + 300*time.Millisecond),
	}}
	h.sched.now = clock.now
	h.createApp(t, "stats", branchingFlow(), nil)

	first := h.run(t, "stats", map[string]interface{}{"score": 5.0})
	if *first.Duration != 100 {
		t.Fatalf("expected duration 100, got %d", *first.Duration)
	}
	app, _ := h.apps.Get(context.Background(), "stats")
	if app.ExecutionCount != 1 || app.AvgExecutionTime != 100 {
		t.Errorf("after first run: count=%d avg=%d", app.ExecutionCount, app.AvgExecutionTime)
	}

	h.run(t, "stats", map[string]interface{}{"score": 5.0})
	app, _ = h.apps.Get(context.Background(), "stats")
	if app.ExecutionCount != 2 || app.AvgExecutionTime != 200 {
		t.Errorf("after second run: count=%d avg=%d", app.ExecutionCount, app.AvgExecutionTime)
	}
}

func TestScheduler_NodeFailureStillCompletes(t *testing.T) {
	h := newHarness(t, &fakeAgent{}, nil)
	h.createApp(t, "fanout", []types.FlowNode{
		{ID: "start", Type: types.NodeTypeStart, Outputs: []string{"p"}},
		{ID: "p", Type: types.NodeTypeParallel, Inputs: []string{"start"}, Outputs: []string{"a", "c"}},
		{ID: "a", Type: types.NodeTypeAgent, Inputs: []string{"p"}, Config: map[string]interface{}{"agentId": "x", "prompt": "hi"}},
		{ID: "c", Type: types.NodeTypeConnector, Inputs: []string{"p"}, Config: map[string]interface{}{"connectorId": "crm"}},
	}, nil)

	final := h.run(t, "fanout", "input")
	if final.Status != types.ExecutionCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if len(final.NodeFailures) != 1 || final.NodeFailures[0].NodeID != "c" {
		t.Errorf("expected connector failure recorded, got %+v", final.NodeFailures)
	}
}

func TestScheduler_GuardrailViolation(t *testing.T) {
	h := newHarness(t, &fakeAgent{}, nil)
	h.createApp(t, "guarded", branchingFlow(), []types.Guardrail{{
		Type:    types.GuardrailContentSafety,
		Enabled: true,
		Config:  map[string]interface{}{"blockedTerms": []interface{}{"forbidden"}},
	}})

	exec, err := h.sched.Execute(context.Background(), "guarded", "something FORBIDDEN", types.ExecutionInput{})
	var v *guardrail.Violation
	if !errors.As(err, &v) {
		t.Fatalf("expected guardrail violation, got %v", err)
	}
	if v.Type != types.GuardrailContentSafety {
		t.Errorf("unexpected violation type %s", v.Type)
	}
	if exec == nil || exec.Status != types.ExecutionFailed {
		t.Fatalf("expected failed execution record, got %+v", exec)
	}
	if exec.Duration == nil || *exec.Duration != 0 || exec.CompletedAt == nil {
		t.Errorf("expected zero duration and completedAt, got %+v", exec)
	}
	if !strings.Contains(exec.ErrorMessage, "forbidden") {
		t.Errorf("expected message naming the term, got %q", exec.ErrorMessage)
	}

	app, _ := h.apps.Get(context.Background(), "guarded")
	if app.ExecutionCount != 0 {
		t.Errorf("guardrail rejection should not count as an execution, got %d", app.ExecutionCount)
	}
	if got := strings.Join(statusEvents(t, h.runs, exec.ID), ","); got != "pending,failed,end" {
		t.Errorf("unexpected status sequence %s", got)
	}
}

func TestScheduler_Cancel(t *testing.T) {
	started := make(chan struct{})
	agent := &fakeAgent{fn: func(ctx context.Context, agentID, prompt string) (*flow.AgentResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, agent, nil)
	h.createApp(t, "slow", branchingFlow(), nil)
	ctx := context.Background()

	exec, err := h.sched.Execute(ctx, "slow", map[string]interface{}{"score": 5.0}, types.ExecutionInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	<-started

	if err := h.sched.Cancel(ctx, exec.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.sched.Wait(waitCtx, exec.ID); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	final, _ := h.sched.GetExecution(ctx, exec.ID)
	if final.Status != types.ExecutionFailed || final.ErrorMessage != "execution cancelled" {
		t.Errorf("expected cancelled failure, got %s %q", final.Status, final.ErrorMessage)
	}

	if err := h.sched.Cancel(ctx, exec.ID); !errors.Is(err, runstore.ErrTerminal) {
		t.Errorf("expected ErrTerminal on second cancel, got %v", err)
	}
	if err := h.sched.Cancel(ctx, "missing"); !errors.Is(err, runstore.ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestScheduler_ExecutionTimeout(t *testing.T) {
	agent := &fakeAgent{fn: func(ctx context.Context, agentID, prompt string) (*flow.AgentResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, agent, &Config{ExecutionTimeout: 50 * time.Millisecond})
	h.createApp(t, "timeout", branchingFlow(), nil)

	final := h.run(t, "timeout", map[string]interface{}{"score": 5.0})
	if final.Status != types.ExecutionFailed || final.ErrorMessage != "execution timed out" {
		t.Errorf("expected timeout failure, got %s %q", final.Status, final.ErrorMessage)
	}
}

func TestScheduler_ExecuteErrors(t *testing.T) {
	h := newHarness(t, &fakeAgent{}, nil)
	ctx := context.Background()

	t.Run("unknown app", func(t *testing.T) {
		_, err := h.sched.Execute(ctx, "missing", nil, types.ExecutionInput{})
		if !errors.Is(err, appstore.ErrAppNotFound) {
			t.Errorf("expected ErrAppNotFound, got %v", err)
		}
	})

	t.Run("invalid stored flow", func(t *testing.T) {
		h.createApp(t, "broken", []types.FlowNode{
			{ID: "start", Type: types.NodeTypeStart, Outputs: []string{"nowhere"}},
		}, nil)
		_, err := h.sched.Execute(ctx, "broken", nil, types.ExecutionInput{})
		var fe *validator.FlowError
		if !errors.As(err, &fe) {
			t.Errorf("expected FlowError, got %v", err)
		}
	})
}

// stuckRunStore refuses every status update, leaving records pending.
type stuckRunStore struct {
	*runstore.MemoryStore
}

var errStoreUnavailable = errors.New("store unavailable")

func (stuckRunStore) UpdateStatus(ctx context.Context, id string, status types.ExecutionStatus) error {
	return errStoreUnavailable
}

func TestScheduler_StartFailureCompletesRecord(t *testing.T) {
	apps := appstore.NewMemoryStore()
	runs := runstore.NewMemoryStore(nil)
	t.Cleanup(func() {
		apps.Close()
		runs.Close()
	})
	engine := flow.New(&fakeAgent{}, fakeConnector{}, nil, nil, nil)
	sched := New(Deps{Apps: apps, Runs: stuckRunStore{runs}, Engine: engine}, nil, nil)

	ctx := context.Background()
	if _, err := apps.Create(ctx, &appstore.CreateAppRequest{
		ID:             "app",
		Name:           "app",
		FlowDefinition: branchingFlow(),
	}); err != nil {
		t.Fatalf("create app: %v", err)
	}

	exec, err := sched.Execute(ctx, "app", map[string]interface{}{"score": 5.0}, types.ExecutionInput{})
	if !errors.Is(err, errStoreUnavailable) {
		t.Fatalf("expected errStoreUnavailable, got %v", err)
	}
	if exec == nil {
		t.Fatal("expected the failed execution to be returned")
	}

	stored, err := runs.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if stored.Status != types.ExecutionFailed {
		t.Errorf("expected failed, got %s", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Error("expected completedAt to be set")
	}
	if !strings.Contains(stored.ErrorMessage, "start execution") {
		t.Errorf("unexpected error message %q", stored.ErrorMessage)
	}
}

func TestScheduler_Shutdown(t *testing.T) {
	started := make(chan struct{})
	agent := &fakeAgent{fn: func(ctx context.Context, agentID, prompt string) (*flow.AgentResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, agent, &Config{MaxConcurrentExecutions: 1})
	h.createApp(t, "app", branchingFlow(), nil)
	ctx := context.Background()

	exec, err := h.sched.Execute(ctx, "app", map[string]interface{}{"score": 5.0}, types.ExecutionInput{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	<-started

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.sched.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	final, _ := h.sched.GetExecution(ctx, exec.ID)
	if final.Status != types.ExecutionFailed {
		t.Errorf("expected failed after shutdown, got %s", final.Status)
	}
	if _, err := h.sched.Execute(ctx, "app", nil, types.ExecutionInput{}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}
