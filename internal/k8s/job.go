package k8s

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// AgentContainerName is the container name used in agent pods.
const AgentContainerName = "agent"

// JobConfig holds configuration for Job creation.
type JobConfig struct {
	Namespace          string
	ServiceAccountName string
	ImagePullSecrets   []string

	// Default resource limits
	DefaultCPULimit    string
	DefaultMemoryLimit string
	DefaultCPURequest  string
	DefaultMemRequest  string

	ActiveDeadlineSeconds   *int64
	TTLSecondsAfterFinished *int32

	// BackoffLimit stays 0: the flow engine owns retries.
	BackoffLimit *int32
}

// DefaultJobConfig returns sensible defaults.
func DefaultJobConfig() *JobConfig {
	ttl := int32(3600)
	backoff := int32(0)
	deadline := int64(600)

	return &JobConfig{
		Namespace:               "mentatlab",
		ServiceAccountName:      "default",
		DefaultCPULimit:         "1",
		DefaultMemoryLimit:      "1Gi",
		DefaultCPURequest:       "100m",
		DefaultMemRequest:       "128Mi",
		ActiveDeadlineSeconds:   &deadline,
		TTLSecondsAfterFinished: &ttl,
		BackoffLimit:            &backoff,
	}
}

// AgentJobSpec describes one agent invocation.
type AgentJobSpec struct {
	ExecutionID string
	NodeID      string
	AgentID     string
	Image       string
	Command     []string
	Env         map[string]string

	// Prompt is passed to the container as the PROMPT variable.
	Prompt  string
	Timeout time.Duration
}

// JobBuilder creates Kubernetes Jobs for agent invocations.
type JobBuilder struct {
	config *JobConfig
}

// NewJobBuilder creates a new JobBuilder.
func NewJobBuilder(cfg *JobConfig) *JobBuilder {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &JobBuilder{config: cfg}
}

// BuildJob creates a Job running spec's image once.
func (b *JobBuilder) BuildJob(spec *AgentJobSpec) (*batchv1.Job, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("agent %s has no image specified", spec.AgentID)
	}

	labels := map[string]string{
		"app.kubernetes.io/name":       "appflow-agent",
		"app.kubernetes.io/component":  "agent",
		"app.kubernetes.io/managed-by": "appflow",
		"mentatlab.io/agent-id":        sanitizeK8sLabel(spec.AgentID),
	}
	if spec.ExecutionID != "" {
		labels["mentatlab.io/execution-id"] = sanitizeK8sLabel(spec.ExecutionID)
	}
	if spec.NodeID != "" {
		labels["mentatlab.io/node-id"] = sanitizeK8sLabel(spec.NodeID)
	}

	envVars := []corev1.EnvVar{
		{Name: "EXECUTION_ID", Value: spec.ExecutionID},
		{Name: "NODE_ID", Value: spec.NodeID},
		{Name: "AGENT_ID", Value: spec.AgentID},
		{Name: "PROMPT", Value: spec.Prompt},
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	var command, args []string
	if len(spec.Command) > 0 {
		command = []string{spec.Command[0]}
		args = spec.Command[1:]
	}

	container := corev1.Container{
		Name:    AgentContainerName,
		Image:   spec.Image,
		Command: command,
		Args:    args,
		Env:     envVars,
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPULimit),
				corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemoryLimit),
			},
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPURequest),
				corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemRequest),
			},
		},
		ImagePullPolicy: corev1.PullIfNotPresent,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: boolPtr(false),
			ReadOnlyRootFilesystem:   boolPtr(true),
			RunAsNonRoot:             boolPtr(true),
			RunAsUser:                int64Ptr(1000),
			Capabilities: &corev1.Capabilities{
				Drop: []corev1.Capability{"ALL"},
			},
		},
	}

	podSpec := corev1.PodSpec{
		Containers:         []corev1.Container{container},
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: b.config.ServiceAccountName,
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: boolPtr(true),
			RunAsUser:    int64Ptr(1000),
			FSGroup:      int64Ptr(1000),
		},
	}
	for _, secret := range b.config.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets,
			corev1.LocalObjectReference{Name: secret})
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      sanitizeK8sName("agent-"+spec.AgentID) + "-" + uuid.NewString()[:8],
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
			BackoffLimit:            b.config.BackoffLimit,
			ActiveDeadlineSeconds:   b.config.ActiveDeadlineSeconds,
			TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
		},
	}

	if spec.Timeout > 0 {
		deadline := int64(spec.Timeout.Seconds())
		if deadline < 1 {
			deadline = 1
		}
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job, nil
}

// JobPhase summarizes a Job's progress.
type JobPhase string

const (
	JobPending   JobPhase = "pending"
	JobRunning   JobPhase = "running"
	JobSucceeded JobPhase = "succeeded"
	JobFailed    JobPhase = "failed"
)

// Done reports whether the phase is final.
func (p JobPhase) Done() bool {
	return p == JobSucceeded || p == JobFailed
}

// JobStatus extracts status from a Job.
type JobStatus struct {
	Phase     JobPhase
	StartTime *metav1.Time
	EndTime   *metav1.Time
	Message   string
}

// GetJobStatus extracts status from a Job object.
func GetJobStatus(job *batchv1.Job) *JobStatus {
	status := &JobStatus{
		StartTime: job.Status.StartTime,
		EndTime:   job.Status.CompletionTime,
	}

	switch {
	case job.Status.Succeeded > 0:
		status.Phase = JobSucceeded
	case job.Status.Failed > 0:
		status.Phase = JobFailed
	case job.Status.Active > 0:
		status.Phase = JobRunning
	default:
		status.Phase = JobPending
	}

	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			status.Phase = JobSucceeded
		case batchv1.JobFailed:
			status.Phase = JobFailed
			status.Message = strings.TrimSpace(cond.Reason + " " + cond.Message)
		}
	}
	return status
}

func sanitizeK8sName(name string) string {
	// lowercase alphanumerics and '-'; leaves room for a 9 char suffix
	// under the 63 char limit.
	name = strings.ToLower(name)
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		} else if r == '_' || r == '.' {
			result.WriteRune('-')
		}
	}
	s := strings.Trim(result.String(), "-")
	if len(s) > 54 {
		s = strings.TrimRight(s[:54], "-")
	}
	return s
}

func sanitizeK8sLabel(value string) string {
	var result strings.Builder
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			result.WriteRune(r)
		}
	}
	s := result.String()
	if len(s) > 63 {
		s = s[:63]
	}
	return strings.Trim(s, "-_.")
}

func boolPtr(b bool) *bool {
	return &b
}

func int64Ptr(i int64) *int64 {
	return &i
}
