package k8s

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// WaitForJobCompletion blocks until the Job succeeds or fails, or ctx ends.
// The watch is opened before the first Get so a transition between the two
// is not missed.
func (c *Client) WaitForJobCompletion(ctx context.Context, jobName string) (*JobStatus, error) {
	for {
		w, err := c.jobs().Watch(ctx, metav1.ListOptions{
			FieldSelector: fmt.Sprintf("metadata.name=%s", jobName),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("watch job failed, retrying", "job", jobName, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		status, err := c.waitOnWatch(ctx, w, jobName)
		w.Stop()
		if err != nil || status != nil {
			return status, err
		}
		// Watch channel closed by the server; reopen.
	}
}

func (c *Client) waitOnWatch(ctx context.Context, w watch.Interface, jobName string) (*JobStatus, error) {
	job, err := c.jobs().Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if status := GetJobStatus(job); status.Phase.Done() {
		return status, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-w.ResultChan():
			if !ok {
				return nil, nil
			}
			if event.Type == watch.Deleted {
				return nil, fmt.Errorf("job %s was deleted", jobName)
			}
			job, ok := event.Object.(*batchv1.Job)
			if !ok || job.Name != jobName {
				continue
			}
			if status := GetJobStatus(job); status.Phase.Done() {
				return status, nil
			}
		}
	}
}
