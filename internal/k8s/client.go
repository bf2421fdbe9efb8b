// Package k8s runs agents as Kubernetes Jobs.
package k8s

import (
	"context"
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	typedbatchv1 "k8s.io/client-go/kubernetes/typed/batch/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	defaultNamespace = "mentatlab"

	// ManagedBySelector matches every Job this service creates.
	ManagedBySelector = "app.kubernetes.io/managed-by=appflow"
)

// Client submits agent Jobs and reads their results in one namespace.
type Client struct {
	clientset kubernetes.Interface
	namespace string
}

// Config selects how the API server is reached.
type Config struct {
	InCluster bool

	// Kubeconfig overrides the standard loading rules ($KUBECONFIG, then
	// ~/.kube/config).
	Kubeconfig string

	// Namespace for agent Jobs. Empty falls back to the kubeconfig
	// context namespace.
	Namespace string
}

// NewClient builds a clientset from cluster or kubeconfig credentials.
func NewClient(cfg Config) (*Client, error) {
	restConfig, namespace, err := loadRESTConfig(cfg)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return NewClientFromInterface(clientset, namespace), nil
}

func loadRESTConfig(cfg Config) (*rest.Config, string, error) {
	if cfg.InCluster {
		restConfig, err := rest.InClusterConfig()
		if err != nil {
			return nil, "", fmt.Errorf("in-cluster config: %w", err)
		}
		return restConfig, cfg.Namespace, nil
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{})
	restConfig, err := loader.ClientConfig()
	if err != nil {
		return nil, "", fmt.Errorf("kubeconfig: %w", err)
	}
	namespace := cfg.Namespace
	if namespace == "" {
		if ns, _, err := loader.Namespace(); err == nil {
			namespace = ns
		}
	}
	return restConfig, namespace, nil
}

// NewClientFromInterface wraps an existing clientset, for example a fake
// one in tests.
func NewClientFromInterface(clientset kubernetes.Interface, namespace string) *Client {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Client{
		clientset: clientset,
		namespace: namespace,
	}
}

// Namespace returns the namespace agent Jobs run in.
func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) jobs() typedbatchv1.JobInterface {
	return c.clientset.BatchV1().Jobs(c.namespace)
}

// CreateJob submits an agent Job. The Job is pinned to the client namespace.
func (c *Client) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	job.Namespace = c.namespace
	return c.jobs().Create(ctx, job, metav1.CreateOptions{})
}

// DeleteJob removes a Job and its pods. A Job that is already gone is not
// an error.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	err := c.jobs().Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// GetJobLogs returns the agent container output of the Job's most recent
// pod. Retried Jobs leave older pods behind.
func (c *Client) GetJobLogs(ctx context.Context, jobName string) (string, error) {
	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("job-name=%s", jobName),
	})
	if err != nil {
		return "", fmt.Errorf("list pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("no pods found for job %s", jobName)
	}
	pod := newestPod(pods.Items)

	raw, err := c.clientset.CoreV1().Pods(c.namespace).GetLogs(pod, &corev1.PodLogOptions{
		Container: AgentContainerName,
	}).DoRaw(ctx)
	if err != nil {
		return "", fmt.Errorf("pod %s logs: %w", pod, err)
	}
	return string(raw), nil
}

func newestPod(pods []corev1.Pod) string {
	newest := pods[0]
	for _, p := range pods[1:] {
		if newest.CreationTimestamp.Before(&p.CreationTimestamp) {
			newest = p
		}
	}
	return newest.Name
}

// HealthCheck verifies the API server is reachable and agent Jobs can be
// listed in the namespace.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.clientset.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("server version: %w", err)
	}
	if _, err := c.jobs().List(ctx, metav1.ListOptions{LabelSelector: ManagedBySelector, Limit: 1}); err != nil {
		return fmt.Errorf("list jobs in %s: %w", c.namespace, err)
	}
	return nil
}
