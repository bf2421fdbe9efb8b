package types

import (
	"strings"
	"testing"
	"time"
)

func TestNextAverage(t *testing.T) {
	tests := []struct {
		name                   string
		avg, count, durationMs int64
		want                   int64
	}{
		{"first execution", 0, 0, 120, 120},
		{"exact mean", 100, 1, 200, 150},
		{"rounds half up", 100, 1, 101, 101},
		{"rounds down", 10, 2, 11, 10},
		{"running mean", 150, 2, 300, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextAverage(tt.avg, tt.count, tt.durationMs); got != tt.want {
				t.Errorf("NextAverage(%d, %d, %d) = %d, want %d", tt.avg, tt.count, tt.durationMs, got, tt.want)
			}
		})
	}
}

func TestExecutionStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to ExecutionStatus
		want     bool
	}{
		{ExecutionPending, ExecutionRunning, true},
		{ExecutionPending, ExecutionFailed, true},
		{ExecutionRunning, ExecutionCompleted, true},
		{ExecutionRunning, ExecutionFailed, true},
		{ExecutionRunning, ExecutionPending, false},
		{ExecutionRunning, ExecutionRunning, false},
		{ExecutionCompleted, ExecutionFailed, false},
		{ExecutionFailed, ExecutionRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestFlowNode_TimeoutDuration(t *testing.T) {
	for timeout, want := range map[string]time.Duration{
		"":      0,
		"30s":   30 * time.Second,
		"bad":   0,
		"-5s":   0,
		"250ms": 250 * time.Millisecond,
	} {
		n := FlowNode{Timeout: timeout}
		if got := n.TimeoutDuration(); got != want {
			t.Errorf("TimeoutDuration(%q) = %v, want %v", timeout, got, want)
		}
	}
}

func TestEvent_ToSSE(t *testing.T) {
	evt := &Event{ID: "7", ExecutionID: "e1", Type: EventTypeStreamEnd}
	out := string(evt.ToSSE())
	if !strings.HasPrefix(out, "id: 7\nevent: stream_end\ndata: {") || !strings.HasSuffix(out, "\n\n") {
		t.Errorf("unexpected SSE frame %q", out)
	}
}

func TestParseNDJSON(t *testing.T) {
	in, err := ParseNDJSON([]byte(`{"message":"hello"}`))
	if err != nil {
		t.Fatalf("ParseNDJSON: %v", err)
	}
	if in.Type != EventTypeLog {
		t.Errorf("untyped line should be a log event, got %s", in.Type)
	}
	if _, err := ParseNDJSON([]byte("not json")); err == nil {
		t.Error("expected error for invalid line")
	}
}
