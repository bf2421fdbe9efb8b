package driver

import (
	"context"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/flow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/registry"
)

// completeJobs marks the first job it finds as finished and gives it a pod.
func completeJobs(ctx context.Context, t *testing.T, cs *fake.Clientset, failed bool) {
	t.Helper()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
		jobs, err := cs.BatchV1().Jobs("agents").List(ctx, metav1.ListOptions{})
		if err != nil || len(jobs.Items) == 0 {
			continue
		}
		job := jobs.Items[0]
		cs.CoreV1().Pods("agents").Create(ctx, &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      job.Name + "-pod",
				Namespace: "agents",
				Labels:    map[string]string{"job-name": job.Name},
			},
		}, metav1.CreateOptions{})
		if failed {
			job.Status.Failed = 1
		} else {
			job.Status.Succeeded = 1
		}
		cs.BatchV1().Jobs("agents").UpdateStatus(ctx, &job, metav1.UpdateOptions{})
		return
	}
}

func TestK8sAgent_Run(t *testing.T) {
	agent := &registry.Agent{ID: "summarizer", Runtime: registry.RuntimeK8s, Image: "ghcr.io/acme/summarizer:1"}

	t.Run("returns pod logs", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctx = flow.WithNodeScope(ctx, "exec-1", "n1")

		cs := fake.NewSimpleClientset()
		a := NewK8sAgent(k8s.NewClientFromInterface(cs, "agents"), nil, nil)
		go completeJobs(ctx, t, cs, false)

		resp, err := a.Run(ctx, agent, "summarize this")
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if resp.Response != "fake logs" {
			t.Errorf("unexpected response %q", resp.Response)
		}

		jobs, _ := cs.BatchV1().Jobs("agents").List(ctx, metav1.ListOptions{})
		if len(jobs.Items) != 1 {
			t.Fatalf("expected 1 job, got %d", len(jobs.Items))
		}
		var prompt string
		for _, e := range jobs.Items[0].Spec.Template.Spec.Containers[0].Env {
			if e.Name == "PROMPT" {
				prompt = e.Value
			}
		}
		if prompt != "summarize this" {
			t.Errorf("expected PROMPT env, got %q", prompt)
		}
	})

	t.Run("failed job", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		cs := fake.NewSimpleClientset()
		a := NewK8sAgent(k8s.NewClientFromInterface(cs, "agents"), nil, nil)
		go completeJobs(ctx, t, cs, true)

		_, err := a.Run(ctx, agent, "x")
		if err == nil || !strings.Contains(err.Error(), "failed") {
			t.Errorf("expected failure, got %v", err)
		}
	})

	t.Run("cancel deletes job", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		cs := fake.NewSimpleClientset()
		a := NewK8sAgent(k8s.NewClientFromInterface(cs, "agents"), nil, nil)

		if _, err := a.Run(ctx, agent, "x"); err == nil {
			t.Fatal("expected context error")
		}
		jobs, _ := cs.BatchV1().Jobs("agents").List(context.Background(), metav1.ListOptions{})
		if len(jobs.Items) != 0 {
			t.Errorf("expected job to be deleted, found %d", len(jobs.Items))
		}
	})

	t.Run("requires image", func(t *testing.T) {
		a := NewK8sAgent(k8s.NewClientFromInterface(fake.NewSimpleClientset(), "agents"), nil, nil)
		if _, err := a.Run(context.Background(), &registry.Agent{ID: "noimg"}, "x"); err == nil {
			t.Error("expected error")
		}
	})
}
