package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/skein-dev/skein/internal/compiler"
	"github.com/skein-dev/skein/internal/expressions"
	"github.com/skein-dev/skein/internal/logging"
	"github.com/skein-dev/skein/internal/state"
	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/pkg/schema"
)

// errSkipAfterTimeout marks a timed-out step whose on_timeout policy is skip.
var errSkipAfterTimeout = errors.New("step timed out, skipping per policy")

// runStep executes one step end to end: guard, lifecycle transitions, the
// retry loop, and result persistence. Writes the output into sb on success.
// Returns nil for skipped steps and for failures absorbed by
// continue_on_error; a suspendSignal when the step parks the execution.
func (e *Engine) runStep(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder) error {
	step := node.Step
	ctx = logging.WithStepID(ctx, node.QualifiedID)
	logger := logging.LogWith(ctx, e.logger)

	if err := r.countStep(); err != nil {
		return err
	}

	proceed, err := e.evaluateGuard(ctx, step, sb.Build())
	if err != nil {
		return e.settleFailure(ctx, r, node, 0, err)
	}
	if !proceed {
		logger.Debug("step skipped by guard")
		return e.markSkipped(ctx, r, node, nil)
	}

	if err := e.stepFSM.Transition(ctx, r.exec.ID, node.QualifiedID, schema.StepStatusPending, schema.StepStatusScheduled); err != nil {
		return err
	}
	if err := e.stepFSM.Transition(ctx, r.exec.ID, node.QualifiedID, schema.StepStatusScheduled, schema.StepStatusRunning); err != nil {
		return err
	}
	started := time.Now().UTC()
	e.persistRecord(ctx, r, &store.StepRecord{
		ExecutionID: r.exec.ID,
		StepID:      node.QualifiedID,
		Status:      schema.StepStatusRunning,
		StartedAt:   &started,
	})
	e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventStepStarted, nil)

	out, attempts, err := e.attemptStep(ctx, r, node, sb)
	switch {
	case err == nil:
		return e.settleSuccess(ctx, r, node, sb, out, attempts, started)
	case errors.Is(err, errSkipAfterTimeout):
		logger.Warn("step timed out, skipped per on_timeout policy", slog.Int("attempts", attempts+1))
		return e.markSkipped(ctx, r, node, schema.NewErrorf(schema.ErrCodeTimeout,
			"step %s timed out after %s", node.QualifiedID, step.Timeout).WithStep(node.QualifiedID))
	default:
		if sig, ok := asSuspend(err); ok {
			return e.settleWaiting(ctx, r, node, sig)
		}
		if schema.HasCode(err, schema.ErrCodeDataUnavailable) {
			return e.settleDataUnavailable(ctx, r, node, sb, attempts, started, err)
		}
		return e.settleFailure(ctx, r, node, attempts, err)
	}
}

// settleDataUnavailable applies the step's on_data_unavailable policy when a
// reference did not resolve. fail records the failure; continue_empty
// completes the step with nil values for every declared output; suspend
// parks the execution so the missing data can arrive before a resume retries
// the step.
func (e *Engine) settleDataUnavailable(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder, attempts int, started time.Time, cause error) error {
	policy := node.Step.OnDataUnavailable
	if policy == "" {
		policy = e.config.OnDataUnavailable
	}
	switch policy {
	case schema.DataUnavailableContinueEmpty:
		logging.LogWith(ctx, e.logger).Warn("data unavailable, continuing with empty output",
			slog.String("error", cause.Error()))
		out, err := e.normalizer.Normalize(map[string]any{}, node.Step.Outputs)
		if err != nil {
			return e.settleFailure(ctx, r, node, attempts, err)
		}
		return e.settleSuccess(ctx, r, node, sb, out, attempts, started)
	case schema.DataUnavailableSuspend:
		return e.settleWaiting(ctx, r, node, &suspendSignal{
			stepID: node.QualifiedID,
			reason: state.ReasonSuspend,
		})
	default:
		return e.settleFailure(ctx, r, node, attempts, cause)
	}
}

// evaluateGuard applies execute_if and when. Both must pass; a step with
// neither always runs.
func (e *Engine) evaluateGuard(ctx context.Context, step *schema.WorkflowStep, scope *expressions.Scope) (bool, error) {
	if step.ExecuteIf != nil {
		ok, err := e.conditions.Evaluate(step.ExecuteIf, scope)
		if err != nil || !ok {
			return false, err
		}
	}
	if step.When != "" {
		ok, err := e.conditions.EvaluateWhen(ctx, step.When, scope)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// attemptStep runs the kind dispatch inside the retry loop. Suspensions and
// non-retryable errors short-circuit; retryable failures back off with
// jitter until the budget runs out.
func (e *Engine) attemptStep(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder) (*schema.StepOutput, int, error) {
	step := node.Step
	budget := retryBudget(step.Retry)
	timedOutOnce := false

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := e.stepFSM.Transition(ctx, r.exec.ID, node.QualifiedID, schema.StepStatusRunning, schema.StepStatusRetrying); err != nil {
				return nil, attempt, err
			}
			e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventStepRetrying, map[string]any{"attempt": attempt})
			delay := ComputeBackoff(step.Retry, attempt, e.config.Recovery)
			if err := WaitForBackoff(ctx, delay); err != nil {
				return nil, attempt, err
			}
			if err := e.stepFSM.Transition(ctx, r.exec.ID, node.QualifiedID, schema.StepStatusRetrying, schema.StepStatusRunning); err != nil {
				return nil, attempt, err
			}
		}

		out, err := e.invokeOnce(ctx, r, node, sb)
		if err == nil {
			return out, attempt, nil
		}
		if sig, ok := asSuspend(err); ok {
			return nil, attempt, sig
		}
		if schema.HasCode(err, schema.ErrCodeDataUnavailable) {
			// Retrying cannot help: a step's inputs are fixed once its
			// dependencies settle. The on_data_unavailable policy decides.
			return nil, attempt, err
		}

		if isTimeoutError(err) && ctx.Err() == nil {
			e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventStepTimedOut, nil)
			switch step.OnTimeout {
			case OnTimeoutSkip:
				return nil, attempt, errSkipAfterTimeout
			case OnTimeoutRetryOnce:
				if !timedOutOnce {
					timedOutOnce = true
					lastErr = err
					continue // one immediate extra attempt, no backoff
				}
				return nil, attempt, err
			default: // fail
				return nil, attempt, err
			}
		}

		if !IsRetryableError(err) {
			return nil, attempt, err
		}
		lastErr = err
		if attempt >= budget {
			break
		}
	}

	return nil, budget, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"step %s failed after %d attempts: %s", node.QualifiedID, budget+1, lastErr.Error()).
		WithStep(node.QualifiedID).WithCause(lastErr)
}

// invokeOnce applies the per-step timeout and dispatches on kind.
func (e *Engine) invokeOnce(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder) (*schema.StepOutput, error) {
	step := node.Step
	cancel := func() {}
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil && d > 0 {
			ctx, cancel = context.WithTimeout(ctx, d)
		}
	}
	defer cancel()

	switch step.EffectiveKind() {
	case schema.StepKindAction:
		return e.executeAction(ctx, r, node, sb)
	case schema.StepKindTransform:
		return e.executeTransform(ctx, node, sb)
	case schema.StepKindConditional:
		return e.executeConditional(ctx, r, node, sb)
	case schema.StepKindSwitch:
		return e.executeSwitch(ctx, r, node, sb)
	case schema.StepKindLoop:
		return e.executeLoop(ctx, r, node, sb)
	case schema.StepKindScatterGather:
		return e.executeScatter(ctx, r, node, sb)
	case schema.StepKindSubWorkflow:
		return e.executeSubWorkflow(ctx, r, node, sb)
	case schema.StepKindDelay:
		return e.executeDelay(ctx, r, node, sb)
	case schema.StepKindHumanApproval:
		return e.executeApproval(ctx, r, node, sb)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step kind %q", step.Kind).
			WithStep(node.QualifiedID)
	}
}

// executeAction resolves params, consults the circuit breaker, invokes the
// provider, and normalizes the raw result against the declared outputs.
func (e *Engine) executeAction(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder) (*schema.StepOutput, error) {
	cfg := node.Step.Action
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "action step has no action config").WithStep(node.QualifiedID)
	}
	key := cfg.Provider + "." + cfg.Action

	if err := e.breakers.Allow(key); err != nil {
		return nil, err
	}

	params := map[string]any{}
	if len(cfg.Params) > 0 {
		resolved, err := expressions.ResolveParams(cfg.Params, sb.Build())
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
				"resolve params for %s: %s", node.QualifiedID, err.Error()).
				WithStep(node.QualifiedID).WithCause(err)
		}
		if err := json.Unmarshal(resolved, &params); err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "decode resolved params").
				WithStep(node.QualifiedID).WithCause(err)
		}
	}

	raw, err := e.providers.Invoke(ctx, cfg.Provider, cfg.Action, params)
	if err != nil {
		if newState := e.breakers.RecordFailure(key); newState == BreakerOpen {
			e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventCircuitBreakerOpen, map[string]any{"dependency": key})
		}
		return nil, err
	}
	e.breakers.RecordSuccess(key)

	return e.normalizer.Normalize(raw, node.Step.Outputs)
}

// --- settlement ---

func (e *Engine) settleSuccess(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder, out *schema.StepOutput, attempts int, started time.Time) error {
	if err := e.stepFSM.Transition(ctx, r.exec.ID, node.QualifiedID, schema.StepStatusRunning, schema.StepStatusCompleted); err != nil {
		return err
	}
	if out == nil {
		out = &schema.StepOutput{Data: map[string]any{}}
	}
	if err := sb.AddStepOutput(node.Step.ID, out); err != nil {
		return schema.NewError(schema.ErrCodeExecution, "record step output").
			WithStep(node.QualifiedID).WithCause(err)
	}

	completed := time.Now().UTC()
	payload, _ := json.Marshal(out)
	e.persistRecord(ctx, r, &store.StepRecord{
		ExecutionID: r.exec.ID,
		StepID:      node.QualifiedID,
		Status:      schema.StepStatusCompleted,
		Output:      payload,
		Attempts:    attempts + 1,
		StartedAt:   &started,
		CompletedAt: &completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
	})
	e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventStepCompleted, out.Data)
	return nil
}

// settleFailure records a terminal step failure. continue_on_error converts
// it into skipped-with-error and lets the execution proceed.
func (e *Engine) settleFailure(ctx context.Context, r *run, node *compiler.StepNode, attempts int, cause error) error {
	serr, ok := cause.(*schema.Error)
	if !ok {
		serr = schema.NewError(schema.ErrCodeExecution, cause.Error()).WithCause(cause)
	}
	if serr.StepID == "" {
		serr.StepID = node.QualifiedID
	}

	if node.Step.ContinueOnError {
		logging.LogWith(ctx, e.logger).Warn("step failed, continuing per continue_on_error",
			slog.String("error", serr.Error()))
		return e.markSkipped(ctx, r, node, serr)
	}

	// Guard failures arrive before the step ever transitioned to running.
	if status, ok := r.statusOf(node.QualifiedID); ok && status == schema.StepStatusRunning {
		if err := e.stepFSM.Transition(ctx, r.exec.ID, node.QualifiedID, schema.StepStatusRunning, schema.StepStatusFailed); err != nil {
			return err
		}
	}
	raw, _ := json.Marshal(serr)
	now := time.Now().UTC()
	e.persistRecord(ctx, r, &store.StepRecord{
		ExecutionID: r.exec.ID,
		StepID:      node.QualifiedID,
		Status:      schema.StepStatusFailed,
		Error:       raw,
		Attempts:    attempts + 1,
		CompletedAt: &now,
	})
	e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventStepFailed, serr)
	return serr
}

// markSkipped records a skipped step. A non-nil cause marks
// skipped-with-error; skipped steps never contribute outputs, so later
// references to them stay Unresolved.
func (e *Engine) markSkipped(ctx context.Context, r *run, node *compiler.StepNode, cause *schema.Error) error {
	from := schema.StepStatusPending
	if status, ok := r.statusOf(node.QualifiedID); ok {
		from = status
	}
	if from != schema.StepStatusSkipped {
		if err := e.stepFSM.Transition(ctx, r.exec.ID, node.QualifiedID, from, schema.StepStatusSkipped); err != nil {
			return err
		}
	}

	rec := &store.StepRecord{
		ExecutionID: r.exec.ID,
		StepID:      node.QualifiedID,
		Status:      schema.StepStatusSkipped,
	}
	if cause != nil {
		rec.Error, _ = json.Marshal(cause)
	}
	e.persistRecord(ctx, r, rec)
	e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventStepSkipped, cause)
	return nil
}

// settleWaiting parks the step and re-raises the suspension for the level
// walk to checkpoint on.
func (e *Engine) settleWaiting(ctx context.Context, r *run, node *compiler.StepNode, sig *suspendSignal) error {
	if err := e.stepFSM.Transition(ctx, r.exec.ID, node.QualifiedID, schema.StepStatusRunning, schema.StepStatusWaiting); err != nil {
		return err
	}
	e.persistRecord(ctx, r, &store.StepRecord{
		ExecutionID: r.exec.ID,
		StepID:      node.QualifiedID,
		Status:      schema.StepStatusWaiting,
	})
	return sig
}

// persistRecord writes the step record to the store and the run's local
// view. Store failures are logged, not fatal: the record table is a
// materialized view rebuilt from events on replay.
func (e *Engine) persistRecord(ctx context.Context, r *run, rec *store.StepRecord) {
	r.record(rec)
	if err := e.store.UpsertStepRecord(ctx, rec); err != nil {
		logging.LogWith(ctx, e.logger).Warn("persist step record",
			slog.String("step_id", rec.StepID), slog.String("error", err.Error()))
	}
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return schema.HasCode(err, schema.ErrCodeTimeout)
}
