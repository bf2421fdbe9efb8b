package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

func newExecution(id, appID string, startedAt time.Time) *types.AgentAppExecution {
	return &types.AgentAppExecution{
		ID:        id,
		AppID:     appID,
		Status:    types.ExecutionPending,
		Input:     "hello",
		StartedAt: startedAt,
	}
}

func terminal(status types.ExecutionStatus) *types.ExecutionResult {
	return &types.ExecutionResult{
		Status:        status,
		Output:        "done",
		ExecutionPath: []string{"start", "agent"},
		CompletedAt:   time.Now().UTC(),
		DurationMs:    42,
	}
}

// runLifecycle exercises the status rules shared by all stores.
func runLifecycle(t *testing.T, store RunStore) {
	ctx := context.Background()
	if err := store.CreateExecution(ctx, newExecution("e1", "app", time.Now().UTC())); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	if err := store.CreateExecution(ctx, newExecution("e1", "app", time.Now().UTC())); !errors.Is(err, ErrExecutionExists) {
		t.Errorf("expected ErrExecutionExists, got %v", err)
	}

	if err := store.UpdateStatus(ctx, "e1", types.ExecutionRunning); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := store.UpdateStatus(ctx, "e1", types.ExecutionPending); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition moving backwards, got %v", err)
	}

	exec, err := store.Complete(ctx, "e1", terminal(types.ExecutionCompleted))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if exec.Status != types.ExecutionCompleted || exec.CompletedAt == nil || exec.Duration == nil || *exec.Duration != 42 {
		t.Errorf("unexpected completed execution: %+v", exec)
	}

	second := terminal(types.ExecutionFailed)
	second.ErrorMessage = "late"
	if _, err := store.Complete(ctx, "e1", second); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}
	if err := store.UpdateStatus(ctx, "e1", types.ExecutionRunning); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}

	got, err := store.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.Status != types.ExecutionCompleted || got.ErrorMessage != "" {
		t.Errorf("second completion changed the record: %+v", got)
	}
	if len(got.ExecutionPath) != 2 {
		t.Errorf("expected execution path to be stored, got %v", got.ExecutionPath)
	}

	if _, err := store.GetExecution(ctx, "missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
}

func runListing(t *testing.T, store RunStore) {
	ctx := context.Background()
	base := time.Now().UTC()
	store.CreateExecution(ctx, newExecution("old", "app", base))
	store.CreateExecution(ctx, newExecution("new", "app", base.Add(time.Second)))
	store.CreateExecution(ctx, newExecution("other", "other-app", base))

	list, err := store.ListExecutions(ctx, "app", 0)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(list))
	}
	if list[0].ID != "new" {
		t.Errorf("expected newest first, got %s", list[0].ID)
	}

	limited, _ := store.ListExecutions(ctx, "app", 1)
	if len(limited) != 1 {
		t.Errorf("expected 1 execution with limit, got %d", len(limited))
	}
}

func runEvents(t *testing.T, store RunStore) {
	ctx := context.Background()
	store.CreateExecution(ctx, newExecution("ev", "app", time.Now().UTC()))

	for _, typ := range []types.EventType{types.EventTypeNodeStarted, types.EventTypeNodeCompleted, types.EventTypeLog} {
		if _, err := store.AppendEvent(ctx, "ev", &types.EventInput{Type: typ, NodeID: "n1"}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	all, err := store.GetEventsSince(ctx, "ev", "")
	if err != nil {
		t.Fatalf("GetEventsSince failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].ID != "1" || all[0].ExecutionID != "ev" {
		t.Errorf("unexpected first event: %+v", all[0])
	}

	since, _ := store.GetEventsSince(ctx, "ev", "1")
	if len(since) != 2 || since[0].ID != "2" {
		t.Errorf("expected events after 1, got %+v", since)
	}

	store.AppendEvent(ctx, "ev", &types.EventInput{Type: types.EventTypeStreamEnd})
	ch, cleanup, err := store.Subscribe(ctx, "ev")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cleanup()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("subscription to an ended stream should be closed")
		}
	case <-time.After(time.Second):
		t.Error("subscription to an ended stream was not closed")
	}
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	runLifecycle(t, NewMemoryStore(nil))
}

func TestMemoryStore_List(t *testing.T) {
	runListing(t, NewMemoryStore(nil))
}

func TestMemoryStore_Events(t *testing.T) {
	runEvents(t, NewMemoryStore(nil))
}

func TestMemoryStore_Subscribe(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	store.CreateExecution(ctx, newExecution("sub", "app", time.Now().UTC()))

	ch, cleanup, err := store.Subscribe(ctx, "sub")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cleanup()

	store.AppendEvent(ctx, "sub", &types.EventInput{Type: types.EventTypeNodeStarted, NodeID: "a"})
	store.AppendEvent(ctx, "sub", &types.EventInput{Type: types.EventTypeStreamEnd})

	var got []types.EventType
	for ev := range ch {
		got = append(got, ev.Type)
	}
	if len(got) != 2 || got[1] != types.EventTypeStreamEnd {
		t.Errorf("expected node_started then stream_end, got %v", got)
	}

	if _, _, err := store.Subscribe(ctx, "missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestMemoryStore_EventRingBuffer(t *testing.T) {
	store := NewMemoryStore(&Config{EventMaxLen: 2})
	ctx := context.Background()
	store.CreateExecution(ctx, newExecution("ring", "app", time.Now().UTC()))

	for i := 0; i < 5; i++ {
		store.AppendEvent(ctx, "ring", &types.EventInput{Type: types.EventTypeLog})
	}
	events, _ := store.GetEventsSince(ctx, "ring", "")
	if len(events) != 2 {
		t.Fatalf("expected 2 retained events, got %d", len(events))
	}
	if events[0].ID != "4" || events[1].ID != "5" {
		t.Errorf("expected newest events 4 and 5, got %s and %s", events[0].ID, events[1].ID)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore(&Config{EventMaxLen: 10, TTL: time.Minute})
	ctx := context.Background()

	old := newExecution("old", "app", time.Now().Add(-time.Hour))
	store.CreateExecution(ctx, old)
	res := terminal(types.ExecutionCompleted)
	res.CompletedAt = time.Now().Add(-time.Hour)
	store.Complete(ctx, "old", res)

	store.CreateExecution(ctx, newExecution("fresh", "app", time.Now()))

	if _, err := store.GetExecution(ctx, "old"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("expected expired execution to be dropped, got %v", err)
	}
	if _, err := store.GetExecution(ctx, "fresh"); err != nil {
		t.Errorf("fresh execution missing: %v", err)
	}
}
