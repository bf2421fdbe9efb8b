package appstore

import (
	"context"
	"sync"
	"testing"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

func sampleFlow() []types.FlowNode {
	return []types.FlowNode{
		{ID: "start", Type: types.NodeTypeStart, Outputs: []string{"agent"}},
		{ID: "agent", Type: types.NodeTypeAgent, Inputs: []string{"start"}},
	}
}

func TestMemoryStore_Create(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	t.Run("creates new app", func(t *testing.T) {
		app, err := store.Create(ctx, &CreateAppRequest{Name: "Support", FlowDefinition: sampleFlow()})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if app.ID == "" {
			t.Error("expected ID to be generated")
		}
		if app.Version != "1.0.0" {
			t.Errorf("expected default version, got %q", app.Version)
		}
		if app.ExecutionCount != 0 || app.AvgExecutionTime != 0 {
			t.Error("statistics should start at zero")
		}
		if app.CreatedAt.IsZero() || app.UpdatedAt.IsZero() {
			t.Error("timestamps should be set")
		}
	})

	t.Run("returns error for duplicate ID", func(t *testing.T) {
		req := &CreateAppRequest{ID: "dup", Name: "Dup", FlowDefinition: sampleFlow()}
		if _, err := store.Create(ctx, req); err != nil {
			t.Fatalf("first create failed: %v", err)
		}
		if _, err := store.Create(ctx, req); err != ErrAppExists {
			t.Errorf("expected ErrAppExists, got %v", err)
		}
	})

	t.Run("validates required fields", func(t *testing.T) {
		tests := []struct {
			name string
			req  *CreateAppRequest
		}{
			{"missing name", &CreateAppRequest{FlowDefinition: sampleFlow()}},
			{"missing flow", &CreateAppRequest{Name: "x"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := store.Create(ctx, tt.req); err == nil {
					t.Error("expected validation error")
				}
			})
		}
	})
}

func TestMemoryStore_GetUpdateDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, &CreateAppRequest{ID: "a1", Name: "Original", FlowDefinition: sampleFlow()})

	t.Run("get returns a copy", func(t *testing.T) {
		app, err := store.Get(ctx, "a1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		app.FlowDefinition[0].ID = "mutated"

		again, _ := store.Get(ctx, "a1")
		if again.FlowDefinition[0].ID != "start" {
			t.Error("stored app was mutated through a returned copy")
		}
	})

	t.Run("update applies only set fields", func(t *testing.T) {
		name := "Renamed"
		app, err := store.Update(ctx, "a1", &UpdateAppRequest{Name: &name})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if app.Name != name {
			t.Errorf("expected name %q, got %q", name, app.Name)
		}
		if len(app.FlowDefinition) != 2 {
			t.Error("flow definition should be unchanged")
		}
	})

	t.Run("missing app", func(t *testing.T) {
		if _, err := store.Get(ctx, "nope"); err != ErrAppNotFound {
			t.Errorf("expected ErrAppNotFound, got %v", err)
		}
		if _, err := store.Update(ctx, "nope", &UpdateAppRequest{}); err != ErrAppNotFound {
			t.Errorf("expected ErrAppNotFound, got %v", err)
		}
		if err := store.Delete(ctx, "nope"); err != ErrAppNotFound {
			t.Errorf("expected ErrAppNotFound, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := store.Delete(ctx, "a1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := store.Get(ctx, "a1"); err != ErrAppNotFound {
			t.Error("app should be deleted")
		}
	})
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, req := range []CreateAppRequest{
		{ID: "a", Name: "A", FlowDefinition: sampleFlow(), CreatedBy: "user1"},
		{ID: "b", Name: "B", FlowDefinition: sampleFlow(), CreatedBy: "user2"},
		{ID: "c", Name: "C", FlowDefinition: sampleFlow(), CreatedBy: "user1"},
	} {
		r := req
		store.Create(ctx, &r)
	}

	tests := []struct {
		name string
		opts *ListOptions
		want int
	}{
		{"all", nil, 3},
		{"by creator", &ListOptions{CreatedBy: "user1"}, 2},
		{"limit", &ListOptions{Limit: 2}, 2},
		{"offset", &ListOptions{Offset: 1}, 2},
		{"offset past end", &ListOptions{Offset: 5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := store.List(ctx, tt.opts)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(list) != tt.want {
				t.Errorf("expected %d apps, got %d", tt.want, len(list))
			}
		})
	}
}

func TestMemoryStore_RecordExecution(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, &CreateAppRequest{ID: "stats", Name: "Stats", FlowDefinition: sampleFlow()})

	app, err := store.RecordExecution(ctx, "stats", 100)
	if err != nil {
		t.Fatalf("RecordExecution failed: %v", err)
	}
	if app.ExecutionCount != 1 || app.AvgExecutionTime != 100 {
		t.Errorf("after first: count=%d avg=%d, want 1/100", app.ExecutionCount, app.AvgExecutionTime)
	}

	app, _ = store.RecordExecution(ctx, "stats", 300)
	if app.ExecutionCount != 2 || app.AvgExecutionTime != 200 {
		t.Errorf("after second: count=%d avg=%d, want 2/200", app.ExecutionCount, app.AvgExecutionTime)
	}

	if _, err := store.RecordExecution(ctx, "missing", 10); err != ErrAppNotFound {
		t.Errorf("expected ErrAppNotFound, got %v", err)
	}
}

func TestMemoryStore_RecordExecutionConcurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, &CreateAppRequest{ID: "busy", Name: "Busy", FlowDefinition: sampleFlow()})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.RecordExecution(ctx, "busy", 100)
		}()
	}
	wg.Wait()

	app, _ := store.Get(ctx, "busy")
	if app.ExecutionCount != n {
		t.Errorf("expected count %d, got %d", n, app.ExecutionCount)
	}
	if app.AvgExecutionTime != 100 {
		t.Errorf("expected avg 100, got %d", app.AvgExecutionTime)
	}
}
