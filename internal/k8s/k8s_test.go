package k8s

import (
	"context"
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestJobBuilder_BuildJob(t *testing.T) {
	b := NewJobBuilder(nil)

	t.Run("requires image", func(t *testing.T) {
		if _, err := b.BuildJob(&AgentJobSpec{AgentID: "a"}); err == nil {
			t.Error("expected error for missing image")
		}
	})

	t.Run("passes prompt and identifiers as env", func(t *testing.T) {
		job, err := b.BuildJob(&AgentJobSpec{
			ExecutionID: "exec-1",
			NodeID:      "n1",
			AgentID:     "Summarizer_v2",
			Image:       "ghcr.io/acme/summarizer:1",
			Command:     []string{"python", "main.py"},
			Env:         map[string]string{"MODEL": "small"},
			Prompt:      "hello",
			Timeout:     30 * time.Second,
		})
		if err != nil {
			t.Fatalf("BuildJob failed: %v", err)
		}

		if !strings.HasPrefix(job.Name, "agent-summarizer-v2-") {
			t.Errorf("unexpected job name %q", job.Name)
		}
		if len(job.Name) > 63 {
			t.Errorf("job name too long: %d", len(job.Name))
		}

		c := job.Spec.Template.Spec.Containers[0]
		if c.Command[0] != "python" || len(c.Args) != 1 || c.Args[0] != "main.py" {
			t.Errorf("unexpected command %v args %v", c.Command, c.Args)
		}

		env := map[string]string{}
		for _, e := range c.Env {
			env[e.Name] = e.Value
		}
		want := map[string]string{
			"PROMPT":       "hello",
			"EXECUTION_ID": "exec-1",
			"NODE_ID":      "n1",
			"AGENT_ID":     "Summarizer_v2",
			"MODEL":        "small",
		}
		for k, v := range want {
			if env[k] != v {
				t.Errorf("env %s = %q, want %q", k, env[k], v)
			}
		}

		if *job.Spec.ActiveDeadlineSeconds != 30 {
			t.Errorf("expected deadline 30, got %d", *job.Spec.ActiveDeadlineSeconds)
		}
		if job.Spec.Template.Spec.RestartPolicy != corev1.RestartPolicyNever {
			t.Error("expected RestartPolicyNever")
		}
	})
}

func TestGetJobStatus(t *testing.T) {
	tests := []struct {
		name   string
		status batchv1.JobStatus
		want   JobPhase
	}{
		{"pending", batchv1.JobStatus{}, JobPending},
		{"running", batchv1.JobStatus{Active: 1}, JobRunning},
		{"succeeded", batchv1.JobStatus{Succeeded: 1}, JobSucceeded},
		{"failed", batchv1.JobStatus{Failed: 1}, JobFailed},
		{"failed condition", batchv1.JobStatus{
			Active: 1,
			Conditions: []batchv1.JobCondition{
				{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "DeadlineExceeded"},
			},
		}, JobFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetJobStatus(&batchv1.Job{Status: tt.status})
			if got.Phase != tt.want {
				t.Errorf("got %s, want %s", got.Phase, tt.want)
			}
		})
	}
}

func TestSanitizeK8sName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"agent-Echo", "agent-echo"},
		{"agent-my_agent.v1", "agent-my-agent-v1"},
		{"agent-@@@", "agent"},
	}
	for _, tt := range tests {
		if got := sanitizeK8sName(tt.in); got != tt.want {
			t.Errorf("sanitizeK8sName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func newTestJob(name string) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "test"},
	}
}

func TestClient_WaitForJobCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("already finished", func(t *testing.T) {
		job := newTestJob("done")
		job.Status.Succeeded = 1
		client := NewClientFromInterface(fake.NewSimpleClientset(job), "test")

		status, err := client.WaitForJobCompletion(ctx, "done")
		if err != nil {
			t.Fatalf("WaitForJobCompletion failed: %v", err)
		}
		if status.Phase != JobSucceeded {
			t.Errorf("expected succeeded, got %s", status.Phase)
		}
	})

	t.Run("observes status update", func(t *testing.T) {
		cs := fake.NewSimpleClientset(newTestJob("later"))
		client := NewClientFromInterface(cs, "test")

		go func() {
			time.Sleep(50 * time.Millisecond)
			job, err := cs.BatchV1().Jobs("test").Get(ctx, "later", metav1.GetOptions{})
			if err != nil {
				return
			}
			job.Status.Failed = 1
			cs.BatchV1().Jobs("test").UpdateStatus(ctx, job, metav1.UpdateOptions{})
		}()

		status, err := client.WaitForJobCompletion(ctx, "later")
		if err != nil {
			t.Fatalf("WaitForJobCompletion failed: %v", err)
		}
		if status.Phase != JobFailed {
			t.Errorf("expected failed, got %s", status.Phase)
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		client := NewClientFromInterface(fake.NewSimpleClientset(newTestJob("stuck")), "test")
		short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
		defer stop()

		if _, err := client.WaitForJobCompletion(short, "stuck"); err == nil {
			t.Error("expected context error")
		}
	})
}

func TestClient_GetJobLogs(t *testing.T) {
	ctx := context.Background()
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "job-a-xyz",
			Namespace: "test",
			Labels:    map[string]string{"job-name": "job-a"},
		},
	}
	client := NewClientFromInterface(fake.NewSimpleClientset(pod), "test")

	logs, err := client.GetJobLogs(ctx, "job-a")
	if err != nil {
		t.Fatalf("GetJobLogs failed: %v", err)
	}
	if logs != "fake logs" {
		t.Errorf("unexpected logs %q", logs)
	}

	if _, err := client.GetJobLogs(ctx, "missing"); err == nil {
		t.Error("expected error for job without pods")
	}
}

func TestNewestPod(t *testing.T) {
	now := time.Now()
	pod := func(name string, age time.Duration) corev1.Pod {
		return corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			CreationTimestamp: metav1.NewTime(now.Add(-age)),
		}}
	}
	tests := []struct {
		name string
		pods []corev1.Pod
		want string
	}{
		{"single", []corev1.Pod{pod("a", 0)}, "a"},
		{"newest last", []corev1.Pod{pod("old", time.Minute), pod("new", 0)}, "new"},
		{"newest first", []corev1.Pod{pod("new", 0), pod("old", time.Minute)}, "new"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := newestPod(tt.pods); got != tt.want {
				t.Errorf("newestPod() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	cs := fake.NewSimpleClientset()
	client := NewClientFromInterface(cs, "agents")

	job := newTestJob("run-1")
	job.Namespace = "elsewhere"
	created, err := client.CreateJob(ctx, job)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if created.Namespace != "agents" {
		t.Errorf("expected job pinned to agents, got %q", created.Namespace)
	}

	if err := client.DeleteJob(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if _, err := cs.BatchV1().Jobs("agents").Get(ctx, "run-1", metav1.GetOptions{}); err == nil {
		t.Error("expected job to be deleted")
	}
	if err := client.DeleteJob(ctx, "run-1"); err != nil {
		t.Errorf("deleting a missing job should succeed, got %v", err)
	}
}

func TestClient_HealthCheck(t *testing.T) {
	client := NewClientFromInterface(fake.NewSimpleClientset(), "")
	if client.Namespace() != "mentatlab" {
		t.Errorf("expected default namespace, got %q", client.Namespace())
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
