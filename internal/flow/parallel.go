package flow

import (
	"context"
	"sync"

	"github.com/flexinfer/mentatlab/services/appflow-go/pkg/types"
)

type branchResult struct {
	value interface{}
	err   error
	ec    *ExecutionContext
}

// executeParallel runs one sub-traversal per output on a snapshot of the
// context and waits for all of them. The result array follows declaration
// order. The node has no successors of its own.
func (e *Engine) executeParallel(ctx context.Context, t *traversal, node *types.FlowNode) (interface{}, []string, error) {
	results := make([]branchResult, len(node.Outputs))

	var wg sync.WaitGroup
	for i, id := range node.Outputs {
		snap := t.ec.snapshot()
		results[i].ec = snap
		wg.Add(1)
		go func(i int, id string, snap *ExecutionContext) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i].value = types.NodeFailure{NodeID: id, Error: "branch panicked"}
					e.logger.Error("parallel branch panic", "node_id", node.ID, "branch", id, "panic", r)
				}
			}()
			results[i].value, results[i].err = e.traverse(ctx, t.index, id, snap)
		}(i, id, snap)
	}
	wg.Wait()

	out := make([]interface{}, len(results))
	for i, r := range results {
		if r.err != nil {
			return nil, nil, r.err
		}
		out[i] = r.value
	}
	for _, r := range results {
		t.ec.absorb(r.ec)
	}
	return out, nil, nil
}
