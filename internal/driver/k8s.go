package driver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/flow"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/registry"
)

// K8sAgent runs agents as Kubernetes Jobs. The prompt is passed in the
// PROMPT variable and the pod's logs are the response.
type K8sAgent struct {
	client     *k8s.Client
	jobBuilder *k8s.JobBuilder
	logger     *slog.Logger
}

// NewK8sAgent creates a Job runner on client. jobCfg may be nil.
func NewK8sAgent(client *k8s.Client, jobCfg *k8s.JobConfig, logger *slog.Logger) *K8sAgent {
	if jobCfg == nil {
		jobCfg = k8s.DefaultJobConfig()
	}
	jobCfg.Namespace = client.Namespace()
	if logger == nil {
		logger = slog.Default()
	}
	return &K8sAgent{
		client:     client,
		jobBuilder: k8s.NewJobBuilder(jobCfg),
		logger:     logger,
	}
}

// Run creates the Job and waits for it. The Job is deleted if ctx ends
// first.
func (a *K8sAgent) Run(ctx context.Context, agent *registry.Agent, prompt string) (*flow.AgentResponse, error) {
	executionID, nodeID := flow.NodeScope(ctx)

	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	job, err := a.jobBuilder.BuildJob(&k8s.AgentJobSpec{
		ExecutionID: executionID,
		NodeID:      nodeID,
		AgentID:     agent.ID,
		Image:       agent.Image,
		Command:     agent.Command,
		Env:         agent.Env,
		Prompt:      prompt,
		Timeout:     timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build job: %w", err)
	}

	start := time.Now()
	created, err := a.client.CreateJob(ctx, job)
	if err != nil {
		metrics.K8sJobsTotal.WithLabelValues("create_failed").Inc()
		return nil, fmt.Errorf("create job: %w", err)
	}
	jobName := created.Name
	metrics.K8sJobsTotal.WithLabelValues("created").Inc()
	a.logger.Info("created agent job",
		"job", jobName,
		"agent_id", agent.ID,
		"execution_id", executionID,
		"node_id", nodeID,
	)

	status, err := a.client.WaitForJobCompletion(ctx, jobName)
	if err != nil {
		if ctx.Err() != nil {
			a.deleteJob(ctx, jobName)
			a.observe("cancelled", start)
			return nil, ctx.Err()
		}
		a.observe("error", start)
		return nil, fmt.Errorf("wait for job %s: %w", jobName, err)
	}

	logs, logErr := a.client.GetJobLogs(ctx, jobName)
	if status.Phase == k8s.JobFailed {
		a.observe("failed", start)
		msg := status.Message
		if msg == "" {
			msg = lastLine(logs)
		}
		if msg == "" {
			return nil, fmt.Errorf("agent job %s failed", jobName)
		}
		return nil, fmt.Errorf("agent job %s failed: %s", jobName, msg)
	}
	if logErr != nil {
		a.observe("error", start)
		return nil, fmt.Errorf("read job %s logs: %w", jobName, logErr)
	}

	a.observe("succeeded", start)
	return &flow.AgentResponse{
		Response:  strings.TrimRight(logs, "\r\n"),
		Timestamp: time.Now().UTC(),
	}, nil
}

// HealthCheck verifies K8s connectivity.
func (a *K8sAgent) HealthCheck(ctx context.Context) error {
	return a.client.HealthCheck(ctx)
}

func (a *K8sAgent) deleteJob(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.client.DeleteJob(ctx, name); err != nil {
		a.logger.Warn("failed to delete agent job", "job", name, "error", err)
	}
}

func (a *K8sAgent) observe(status string, start time.Time) {
	metrics.K8sJobsTotal.WithLabelValues(status).Inc()
	metrics.K8sJobDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

var _ Runner = (*K8sAgent)(nil)
