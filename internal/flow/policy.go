package flow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

// retryPolicy resolves the effective policy for a node.
func (e *Engine) retryPolicy(node *types.FlowNode) (maxRetries int, base, ceiling time.Duration) {
	maxRetries = e.cfg.DefaultMaxRetries
	base = e.cfg.DefaultBackoff
	ceiling = e.cfg.MaxBackoff
	if node.Retry != nil {
		maxRetries = node.Retry.MaxRetries
		if node.Retry.BackoffMs > 0 {
			base = time.Duration(node.Retry.BackoffMs) * time.Millisecond
		}
		if node.Retry.MaxBackoffMs > 0 {
			ceiling = time.Duration(node.Retry.MaxBackoffMs) * time.Millisecond
		}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return maxRetries, base, ceiling
}

// backoffDelay is base * 2^attempt, capped at ceiling.
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(ceiling) {
		return ceiling
	}
	return time.Duration(delay)
}

// runWithPolicy executes an I/O node, bounding each attempt by the node
// timeout and retrying failures with exponential backoff.
func (e *Engine) runWithPolicy(ctx context.Context, t *traversal, node *types.FlowNode) NodeResult {
	timeout := node.TimeoutDuration()
	if timeout == 0 {
		timeout = e.cfg.DefaultNodeTimeout
	}
	maxRetries, base, ceiling := e.retryPolicy(node)

	var res NodeResult
	for attempt := 0; ; attempt++ {
		res = e.attemptWithTimeout(ctx, t, node, timeout)
		res.Attempts = attempt + 1
		if res.Success || attempt >= maxRetries || ctx.Err() != nil {
			return res
		}

		delay := backoffDelay(base, ceiling, attempt)
		metrics.NodeRetries.WithLabelValues(string(node.Type)).Inc()
		e.logger.Info("retrying node",
			"execution_id", t.ec.ExecutionID,
			"node_id", node.ID,
			"attempt", attempt+1,
			"delay", delay,
			"error", res.Error,
		)
		e.emit(ctx, t.ec.ExecutionID, &types.EventInput{
			Type:   types.EventTypeNodeRetry,
			NodeID: node.ID,
			Data: types.NodeEvent{
				NodeType: node.Type,
				Attempt:  attempt + 1,
				Error:    res.Error,
			},
		})
		sleepWithContext(ctx, delay)
	}
}

// attemptWithTimeout runs one attempt on the calling goroutine under a
// deadline. Executors must honour ctx; the attempt never outlives the node.
func (e *Engine) attemptWithTimeout(ctx context.Context, t *traversal, node *types.FlowNode, timeout time.Duration) NodeResult {
	if timeout <= 0 {
		return e.attempt(ctx, t, node)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := e.attempt(attemptCtx, t, node)
	if !res.Success && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res = NodeResult{
			Success: false,
			Error:   fmt.Sprintf("node %q timed out after %s", node.ID, timeout),
		}
	}
	return res
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
