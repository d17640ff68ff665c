package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skein-dev/skein/internal/compiler"
	"github.com/skein-dev/skein/internal/expressions"
	"github.com/skein-dev/skein/pkg/schema"
)

// scatterBranch is one unit of fan-out: an item branch stamped from the
// template, or one fixed branch body.
type scatterBranch struct {
	label string
	body  []schema.WorkflowStep
	scope *expressions.ScopeBuilder
}

type branchResult struct {
	data      map[string]any
	err       error
	cancelled bool
	finished  bool
}

// executeScatter fans branches out over a bounded sub-pool and gathers the
// results. Branch order is preserved in every ordered gather strategy no
// matter which branch finishes first.
func (e *Engine) executeScatter(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder) (*schema.StepOutput, error) {
	cfg := node.Step.Scatter
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "scatter_gather step has no config").WithStep(node.QualifiedID)
	}

	branches, err := e.scatterBranches(cfg, node, sb)
	if err != nil {
		return nil, err
	}
	if len(branches) == 0 {
		return e.normalizer.Normalize(map[string]any{"results": []any{}, "count": 0}, node.Step.Outputs)
	}

	cancel := func() {}
	if cfg.Timeout != "" {
		if d, derr := time.ParseDuration(cfg.Timeout); derr == nil && d > 0 {
			ctx, cancel = context.WithTimeout(ctx, d)
		}
	}
	defer cancel()

	e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventScatterStarted,
		map[string]any{"branches": len(branches)})

	results := e.runBranches(ctx, r, node, cfg, branches)

	// A suspension inside any branch parks the whole execution.
	for i := range results {
		if sig, ok := asSuspend(results[i].err); ok {
			return nil, sig
		}
	}

	out, err := e.gather(cfg, node, results)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventScatterGathered,
		map[string]any{"strategy": gatherStrategy(cfg)})
	return out, nil
}

// scatterBranches expands the config into concrete branches: one per item
// for the template form, one per body for the fixed-branches form.
func (e *Engine) scatterBranches(cfg *schema.ScatterConfig, node *compiler.StepNode, sb *expressions.ScopeBuilder) ([]scatterBranch, error) {
	if cfg.Items != "" {
		value, ok := expressions.ResolveValue(cfg.Items, sb.Build())
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
				"scatter items %q did not resolve", cfg.Items).WithStep(node.QualifiedID)
		}
		items, err := asItems(value)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"scatter items %q: %s", cfg.Items, err.Error()).WithStep(node.QualifiedID)
		}
		itemVar := cfg.ItemVar
		if itemVar == "" {
			itemVar = "item"
		}
		branches := make([]scatterBranch, len(items))
		for i, item := range items {
			branches[i] = scatterBranch{
				label: "template",
				body:  cfg.Template,
				scope: sb.ForBranch().WithLoopFrame(itemVar, item, i),
			}
		}
		return branches, nil
	}

	branches := make([]scatterBranch, len(cfg.Branches))
	for i, body := range cfg.Branches {
		branches[i] = scatterBranch{
			label: "branch:" + strconv.Itoa(i),
			body:  body,
			scope: sb.ForBranch(),
		}
	}
	return branches, nil
}

// runBranches executes all branches through a bounded pool, honoring
// wait_for and fail_fast by cancelling stragglers once the outcome is
// decided.
func (e *Engine) runBranches(ctx context.Context, r *run, node *compiler.StepNode, cfg *schema.ScatterConfig, branches []scatterBranch) []branchResult {
	n := len(branches)
	needed := waitThreshold(cfg.WaitFor, n)
	if gatherStrategy(cfg) == schema.GatherFirstSuccess && needed > 1 {
		needed = 1 // first_success short-circuits regardless of wait_for
	}

	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 || maxConc > n {
		maxConc = n
	}
	if maxConc > r.limits.MaxConcurrency {
		maxConc = r.limits.MaxConcurrency
	}

	branchCtx, cancelBranches := context.WithCancel(ctx)
	defer cancelBranches()

	pool := NewWorkerPool(maxConc)
	defer pool.Shutdown()

	results := make([]branchResult, n)
	var succeeded atomic.Int64
	var waitMet atomic.Bool
	var wg sync.WaitGroup

	for i := range branches {
		br := branches[i]
		idx := i
		wg.Add(1)
		submitErr := pool.Submit(ctx, func(context.Context) error {
			defer wg.Done()
			last, err := e.runBody(branchCtx, r, node, br.label, br.body, br.scope)
			switch {
			case err != nil:
				results[idx].err = err
				results[idx].cancelled = branchCtx.Err() != nil && errors.Is(err, context.Canceled)
				if cfg.FailFast && !results[idx].cancelled {
					cancelBranches()
				}
			default:
				results[idx].finished = true
				if last != nil {
					results[idx].data = last.Data
				}
				if succeeded.Add(1) >= int64(needed) && needed < n {
					waitMet.Store(true)
					cancelBranches()
				}
			}
			return nil
		})
		if submitErr != nil {
			results[idx].err = submitErr
			wg.Done()
		}
	}
	wg.Wait()

	if waitMet.Load() {
		e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventWaitSatisfied,
			map[string]any{"needed": needed, "finished": succeeded.Load()})
		// Branches cut off by a satisfied wait are not failures.
		for i := range results {
			if results[i].cancelled {
				results[i].err = nil
			}
		}
	}
	return results
}

func waitThreshold(wf *schema.WaitFor, n int) int {
	if wf == nil {
		return n
	}
	switch wf.Mode {
	case schema.WaitAny:
		return 1
	case schema.WaitNOfM:
		if wf.Count > 0 && wf.Count < n {
			return wf.Count
		}
		return n
	default:
		return n
	}
}

func gatherStrategy(cfg *schema.ScatterConfig) string {
	if cfg.Gather == "" {
		return schema.GatherCollect
	}
	return cfg.Gather
}

// gather folds branch results per strategy. Order-preserving strategies walk
// results in branch order.
func (e *Engine) gather(cfg *schema.ScatterConfig, node *compiler.StepNode, results []branchResult) (*schema.StepOutput, error) {
	strategy := gatherStrategy(cfg)

	switch strategy {
	case schema.GatherFirstSuccess:
		for i := range results {
			if results[i].finished {
				return e.normalizer.Normalize(branchValue(results[i].data), node.Step.Outputs)
			}
		}
		return nil, e.branchesFailed(node, results)

	case schema.GatherAllSuccess:
		values := make([]any, 0, len(results))
		errs := make([]any, 0)
		for i := range results {
			if results[i].finished {
				values = append(values, branchValue(results[i].data))
			} else if results[i].err != nil {
				errs = append(errs, results[i].err.Error())
			}
		}
		return e.normalizer.Normalize(map[string]any{
			"results":   values,
			"errors":    errs,
			"succeeded": len(values),
			"failed":    len(errs),
		}, node.Step.Outputs)
	}

	// collect, concat, and merge fail on the first branch error unless the
	// scatter step absorbs it via continue_on_error upstream.
	if err := e.firstBranchError(node, results); err != nil {
		return nil, err
	}

	switch strategy {
	case schema.GatherMerge:
		merged := make(map[string]any)
		for i := range results {
			for k, v := range results[i].data {
				merged[k] = v
			}
		}
		return e.normalizer.Normalize(merged, node.Step.Outputs)

	case schema.GatherConcat:
		var flat []any
		for i := range results {
			if !results[i].finished {
				continue
			}
			switch v := branchValue(results[i].data).(type) {
			case []any:
				flat = append(flat, v...)
			default:
				flat = append(flat, v)
			}
		}
		return e.normalizer.Normalize(map[string]any{"results": flat, "count": len(flat)}, node.Step.Outputs)

	default: // collect
		values := make([]any, 0, len(results))
		for i := range results {
			if !results[i].finished {
				continue
			}
			values = append(values, branchValue(results[i].data))
		}
		return e.normalizer.Normalize(map[string]any{"results": values, "count": len(values)}, node.Step.Outputs)
	}
}

func (e *Engine) firstBranchError(node *compiler.StepNode, results []branchResult) error {
	// Under fail_fast the stragglers carry cancellation errors; report the
	// branch that actually failed, not one that was cut short by it.
	pick := -1
	for i := range results {
		if results[i].err == nil {
			continue
		}
		if pick == -1 {
			pick = i
		}
		if !results[i].cancelled {
			pick = i
			break
		}
	}
	if pick == -1 {
		return nil
	}
	if serr, ok := results[pick].err.(*schema.Error); ok {
		return serr
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "scatter branch %d failed: %s", pick, results[pick].err.Error()).
		WithStep(node.QualifiedID).WithCause(results[pick].err)
}

func (e *Engine) branchesFailed(node *compiler.StepNode, results []branchResult) error {
	details := make([]any, 0, len(results))
	for i := range results {
		if results[i].err != nil {
			details = append(details, results[i].err.Error())
		}
	}
	return schema.NewError(schema.ErrCodeExecution, "no scatter branch succeeded").
		WithStep(node.QualifiedID).
		WithDetails(map[string]any{"errors": details})
}

// branchValue unwraps a single-key branch output to its value, the shape
// item branches naturally produce after normalization.
func branchValue(data map[string]any) any {
	if len(data) == 1 {
		for _, v := range data {
			return v
		}
	}
	if data == nil {
		return nil
	}
	return data
}
