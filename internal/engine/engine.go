// Package engine executes compiled workflow plans. It walks the dependency
// levels produced by the compiler, dispatching each level's steps to a
// bounded worker pool, and persists progress through the state manager so
// that a suspended or crashed execution can resume without re-running
// completed steps.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/compiler"
	"github.com/skein-dev/skein/internal/conditions"
	"github.com/skein-dev/skein/internal/expressions"
	"github.com/skein-dev/skein/internal/logging"
	"github.com/skein-dev/skein/internal/normalize"
	"github.com/skein-dev/skein/internal/providers"
	"github.com/skein-dev/skein/internal/state"
	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/internal/telemetry"
	"github.com/skein-dev/skein/pkg/schema"
)

const (
	defaultPoolSize       = 8
	defaultInlineDelayMax = 30 * time.Second
	defaultMaxDepth       = 5
)

// Config tunes engine behavior. Zero values fall back to defaults.
type Config struct {
	// PoolSize is the per-execution concurrency when the definition does not
	// set limits.max_concurrency.
	PoolSize int
	// InlineDelayMax is the longest delay a delay step waits out in-process.
	// Longer delays checkpoint and suspend the execution.
	InlineDelayMax time.Duration
	// Recovery holds retry, backoff, and circuit breaker thresholds.
	Recovery RecoveryConfig
	// Env is exposed to {{env.NAME}} references.
	Env map[string]string
	// Secrets resolves {{secrets.KEY}} references. Resolved values stay
	// in-memory and are never written to checkpoints or step outputs.
	Secrets expressions.SecretResolver
	// OnDataUnavailable is the default policy for steps whose references do
	// not resolve: fail | continue_empty | suspend. Steps override it with
	// on_data_unavailable. Empty means fail.
	OnDataUnavailable string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:       defaultPoolSize,
		InlineDelayMax: defaultInlineDelayMax,
		Recovery:       DefaultRecoveryConfig(),
	}
}

// Dependencies are the collaborators an Engine needs. Store, Providers,
// Normalizer, Conditions, and State are required; the rest degrade
// gracefully when nil.
type Dependencies struct {
	Store      store.Store
	Providers  *providers.Registry
	Normalizer *normalize.Normalizer
	Conditions *conditions.Evaluator
	Expr       *expressions.ExprEngine
	JQ         *expressions.GoJQEngine
	Reasoner   *providers.StructuredReasoner
	State      *state.Manager
	Hub        telemetry.Hub
	Compiler   *compiler.Compiler // required for sub_workflow steps
	Logger     *slog.Logger
}

// Engine executes compiled plans. Safe for concurrent use; each execution
// gets its own worker pool and scope.
type Engine struct {
	store      store.Store
	providers  *providers.Registry
	normalizer *normalize.Normalizer
	conditions *conditions.Evaluator
	expr       *expressions.ExprEngine
	jq         *expressions.GoJQEngine
	reasoner   *providers.StructuredReasoner
	state      *state.Manager
	hub        telemetry.Hub
	compiler   *compiler.Compiler
	logger     *slog.Logger

	execFSM  *ExecutionFSM
	stepFSM  *StepFSM
	breakers *BreakerRegistry
	config   Config
}

// New creates an Engine from its dependencies.
func New(deps Dependencies, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if deps.Providers == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a provider registry")
	}
	if deps.Normalizer == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a normalizer")
	}
	if deps.Conditions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a condition evaluator")
	}
	if deps.State == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a state manager")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.InlineDelayMax <= 0 {
		cfg.InlineDelayMax = defaultInlineDelayMax
	}
	if cfg.Recovery.DefaultBackoff <= 0 {
		cfg.Recovery = DefaultRecoveryConfig()
	}
	return &Engine{
		store:      deps.Store,
		providers:  deps.Providers,
		normalizer: deps.Normalizer,
		conditions: deps.Conditions,
		expr:       deps.Expr,
		jq:         deps.JQ,
		reasoner:   deps.Reasoner,
		state:      deps.State,
		hub:        deps.Hub,
		compiler:   deps.Compiler,
		logger:     deps.Logger,
		execFSM:    NewExecutionFSM(deps.Store),
		stepFSM:    NewStepFSM(deps.Store),
		breakers:   NewBreakerRegistry(cfg.Recovery.Breaker),
		config:     cfg,
	}, nil
}

// Waiting describes why a paused execution is waiting and when (or on what)
// it can resume.
type Waiting struct {
	StepID     string     `json:"step_id"`
	Reason     string     `json:"reason"` // delay | approval | pause | suspend
	ResumeAt   *time.Time `json:"resume_at,omitempty"`
	ApprovalID string     `json:"approval_id,omitempty"`
}

// Result is the outcome of an Execute or Resume call. Status failed carries
// Error; status paused carries Waiting.
type Result struct {
	ExecutionID string
	Status      schema.ExecutionStatus
	Output      map[string]any
	Error       *schema.Error
	Steps       map[string]*schema.StepOutput
	Waiting     *Waiting
}

// ExecuteOptions carries optional identifiers for an execution.
type ExecuteOptions struct {
	Workflow   string // template name, "" for ad hoc runs
	Version    string
	ParentID   string // set for sub-workflow runs
	ScheduleID string
	depth      int
}

// Execute runs a compiled plan to completion, failure, or suspension. The
// plan must come from a Compile call in the same process; Execute never
// re-validates it.
func (e *Engine) Execute(ctx context.Context, plan *compiler.Plan, input map[string]any, opts ExecuteOptions) (*Result, error) {
	exec := &store.Execution{
		ID:         uuid.NewString(),
		Workflow:   opts.Workflow,
		Version:    opts.Version,
		Definition: plan.Definition,
		Status:     schema.ExecutionStatusPending,
		Input:      input,
		ParentID:   opts.ParentID,
		ScheduleID: opts.ScheduleID,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}

	r := e.newRun(exec, plan, opts.depth)
	r.scope = expressions.NewScopeBuilder(input, e.config.Env).WithSecretResolver(e.config.Secrets)
	return e.drive(ctx, r, schema.ExecutionStatusPending)
}

// Resume continues a paused execution from its latest checkpoint. Completed
// steps are never re-executed; their outputs are rebuilt from step records.
func (e *Engine) Resume(ctx context.Context, executionID string) (*Result, error) {
	snap, err := e.state.Resume(ctx, executionID)
	if err != nil {
		return nil, err
	}

	result := e.compilePlan(snap.Execution.Definition)
	if err := result.ToError(); err != nil {
		// A stored definition that no longer compiles means the registry or
		// provider set changed underneath it.
		return nil, schema.NewErrorf(schema.ErrCodeCompilation,
			"stored definition for %s no longer compiles", executionID).WithCause(err)
	}

	r := e.newRun(snap.Execution, result.Plan, 0)
	r.scope = expressions.NewScopeBuilder(snap.Execution.Input, e.config.Env).WithSecretResolver(e.config.Secrets)
	r.resumeMeta = snap.Meta
	for id, rec := range snap.Records {
		r.records[id] = rec
	}
	for id, out := range snap.Outputs {
		if err := r.scope.AddStepOutput(id, out); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "rebuild scope from records").WithCause(err)
		}
	}
	return e.drive(ctx, r, schema.ExecutionStatusRunning)
}

// Cancel stops a pending, running, or paused execution and skips every
// non-terminal step.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already %s", executionID, exec.Status)
	}

	records, err := e.store.ListStepRecords(ctx, executionID)
	if err != nil {
		return err
	}
	stepStates := make(map[string]schema.StepStatus, len(records))
	for _, rec := range records {
		stepStates[rec.StepID] = rec.Status
	}
	if err := CancelExecution(ctx, e.execFSM, e.stepFSM, executionID, exec.Status, stepStates); err != nil {
		return err
	}

	status := schema.ExecutionStatusCancelled
	now := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &status,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	e.publish(ctx, executionID, "", schema.EventExecutionCancelled, nil)
	return nil
}

// compilePlan recompiles a stored definition for resume and sub-workflows.
func (e *Engine) compilePlan(def *schema.WorkflowDefinition) *compiler.CompilationResult {
	if e.compiler == nil {
		return &compiler.CompilationResult{
			Errors: []schema.ValidationIssue{{
				Code:    schema.ErrCodeCompilation,
				Message: "engine has no compiler configured",
			}},
		}
	}
	return e.compiler.Compile(def)
}

// --- run: per-execution state ---

type run struct {
	engine *Engine
	exec   *store.Execution
	plan   *compiler.Plan

	scope *expressions.ScopeBuilder

	mu      sync.Mutex
	records map[string]*store.StepRecord // keyed by qualified step ID

	stepsRun   atomic.Int64
	limits     schema.Limits
	depth      int
	resumeMeta store.CheckpointMeta
}

func (e *Engine) newRun(exec *store.Execution, plan *compiler.Plan, depth int) *run {
	limits := plan.Limits
	if limits.MaxConcurrency <= 0 {
		limits.MaxConcurrency = e.config.PoolSize
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = defaultMaxDepth
	}
	return &run{
		engine:  e,
		exec:    exec,
		plan:    plan,
		records: make(map[string]*store.StepRecord),
		limits:  limits,
		depth:   depth,
	}
}

// countStep enforces limits.max_steps across top-level steps, nested body
// steps, loop iterations, and scatter branches.
func (r *run) countStep() error {
	n := r.stepsRun.Add(1)
	if r.limits.MaxSteps > 0 && n > int64(r.limits.MaxSteps) {
		return schema.NewErrorf(schema.ErrCodeLimitExceeded,
			"execution exceeded max_steps limit of %d", r.limits.MaxSteps)
	}
	return nil
}

func (r *run) record(rec *store.StepRecord) {
	r.mu.Lock()
	r.records[rec.StepID] = rec
	r.mu.Unlock()
}

func (r *run) statusOf(stepID string) (schema.StepStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[stepID]
	if !ok {
		return "", false
	}
	return rec.Status, true
}

func (r *run) stepDone(stepID string) bool {
	status, ok := r.statusOf(stepID)
	return ok && status.Terminal()
}

func (r *run) completedSteps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, rec := range r.records {
		if rec.Status == schema.StepStatusCompleted || rec.Status == schema.StepStatusSkipped {
			out = append(out, id)
		}
	}
	return out
}

// wasWaitingOn reports whether the previous suspension happened on this step,
// meaning its wait already elapsed or resolved before resume.
func (r *run) wasWaitingOn(stepID string) bool {
	return r.resumeMeta.WaitingStep == stepID
}

// --- suspension signal ---

// suspendSignal aborts the level walk so the execution can checkpoint and
// park. It travels as an error through the step call stack.
type suspendSignal struct {
	stepID     string
	reason     string // state.ReasonDelay or state.ReasonApproval
	resumeAt   *time.Time
	approvalID string
}

func (s *suspendSignal) Error() string {
	return fmt.Sprintf("execution suspended on step %s (%s)", s.stepID, s.reason)
}

// haltSignal aborts the level walk after a voluntary pause or cancel flipped
// the stored status while steps were in flight. The status was already
// written by whoever requested the halt; the walk just stops scheduling.
type haltSignal struct {
	status schema.ExecutionStatus
}

func (h *haltSignal) Error() string {
	return "execution " + string(h.status)
}

func asSuspend(err error) (*suspendSignal, bool) {
	for err != nil {
		if s, ok := err.(*suspendSignal); ok {
			return s, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// --- level walk ---

// drive transitions the execution to running, walks the plan, and settles
// the terminal (or paused) state.
func (e *Engine) drive(ctx context.Context, r *run, from schema.ExecutionStatus) (*Result, error) {
	ctx = logging.WithIDs(ctx, r.exec.Workflow, r.exec.ID, "")
	logger := logging.LogWith(ctx, e.logger)

	if from == schema.ExecutionStatusPending {
		if err := e.execFSM.Transition(ctx, r.exec.ID, from, schema.ExecutionStatusRunning); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		running := schema.ExecutionStatusRunning
		if err := e.store.UpdateExecution(ctx, r.exec.ID, store.ExecutionUpdate{
			Status:    &running,
			StartedAt: &now,
		}); err != nil {
			return nil, err
		}
		e.publish(ctx, r.exec.ID, "", schema.EventExecutionStarted, nil)
	}

	// Workflow-level timeout wraps the whole walk.
	cancel := func() {}
	if r.plan.Definition.Timeout != "" {
		if d, err := time.ParseDuration(r.plan.Definition.Timeout); err == nil && d > 0 {
			ctx, cancel = context.WithTimeout(ctx, d)
		}
	}
	defer cancel()

	logger.Info("execution started",
		slog.Int("levels", len(r.plan.Levels)),
		slog.Int("steps", len(r.plan.Definition.Steps)))

	err := e.walkLevels(ctx, r)
	if err == nil {
		return e.finishCompleted(ctx, r)
	}
	if sig, ok := asSuspend(err); ok {
		return e.finishSuspended(ctx, r, sig)
	}
	if halt, ok := err.(*haltSignal); ok {
		return e.finishHalted(ctx, r, halt.status)
	}
	if ctx.Err() == context.DeadlineExceeded {
		err = schema.NewErrorf(schema.ErrCodeTimeout,
			"execution exceeded workflow timeout %s", r.plan.Definition.Timeout).WithCause(err)
	}
	return e.finishFailed(ctx, r, err)
}

// walkLevels runs each dependency level's steps concurrently through a
// bounded pool, checkpointing after every level.
func (e *Engine) walkLevels(ctx context.Context, r *run) error {
	pool := NewWorkerPool(r.limits.MaxConcurrency)
	defer pool.Shutdown()

	for _, level := range r.plan.Levels {
		var pending []string
		for _, id := range level {
			if r.stepDone(id) {
				continue // resume: never re-execute completed steps
			}
			pending = append(pending, id)
		}
		if len(pending) == 0 {
			continue
		}

		// A voluntary pause or cancel takes effect here, at the step
		// boundary: re-read the stored status before dispatching the level.
		stored, err := e.store.GetExecution(ctx, r.exec.ID)
		if err != nil {
			return err
		}
		switch stored.Status {
		case schema.ExecutionStatusPaused, schema.ExecutionStatusCancelled:
			return &haltSignal{status: stored.Status}
		}

		stepErrs := make(chan error, len(pending))
		var wg sync.WaitGroup
		for _, id := range pending {
			node, ok := r.plan.Node(id)
			if !ok {
				return schema.NewErrorf(schema.ErrCodeExecution, "plan has no node for step %q", id)
			}
			wg.Add(1)
			submitErr := pool.Submit(ctx, func(ctx context.Context) error {
				defer wg.Done()
				if err := e.runStep(ctx, r, node, r.scope); err != nil {
					stepErrs <- err
				}
				return nil
			})
			if submitErr != nil {
				wg.Done()
				return submitErr
			}
		}
		wg.Wait()
		close(stepErrs)

		// A suspension outranks nothing and yields to real failures: if any
		// sibling failed, the execution fails; otherwise a suspension parks it.
		var suspend *suspendSignal
		for stepErr := range stepErrs {
			if sig, ok := asSuspend(stepErr); ok {
				if suspend == nil {
					suspend = sig
				}
				continue
			}
			return stepErr
		}
		if suspend != nil {
			return suspend
		}

		if _, err := e.state.Checkpoint(ctx, r.exec.ID, state.ReasonLevelComplete, store.CheckpointMeta{
			CompletedSteps: r.completedSteps(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// finishCompleted gathers leaf outputs and settles the execution.
func (e *Engine) finishCompleted(ctx context.Context, r *run) (*Result, error) {
	output := r.leafOutputs()
	raw, err := json.Marshal(output)
	if err != nil {
		raw = nil
	}

	now := time.Now().UTC()
	completed := schema.ExecutionStatusCompleted
	running := schema.ExecutionStatusRunning
	if err := e.store.UpdateExecution(ctx, r.exec.ID, store.ExecutionUpdate{
		Status:      &completed,
		Output:      raw,
		CompletedAt: &now,
		FromStatus:  &running,
	}); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			// A pause or cancel landed between the last boundary and here;
			// the stored status wins.
			return e.adoptStoredStatus(ctx, r)
		}
		return nil, err
	}
	if err := e.execFSM.Transition(ctx, r.exec.ID, schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted); err != nil {
		return nil, err
	}
	e.publish(ctx, r.exec.ID, "", schema.EventExecutionCompleted, output)
	e.state.Forget(r.exec.ID)

	logging.LogWith(logging.WithIDs(ctx, r.exec.Workflow, r.exec.ID, ""), e.logger).
		Info("execution completed", slog.Int64("steps_run", r.stepsRun.Load()))

	return &Result{
		ExecutionID: r.exec.ID,
		Status:      schema.ExecutionStatusCompleted,
		Output:      output,
		Steps:       r.stepOutputs(),
	}, nil
}

func (e *Engine) finishFailed(ctx context.Context, r *run, cause error) (*Result, error) {
	serr, ok := cause.(*schema.Error)
	if !ok {
		serr = schema.NewError(schema.ErrCodeExecution, cause.Error()).WithCause(cause)
	}
	raw, _ := json.Marshal(serr)

	now := time.Now().UTC()
	failed := schema.ExecutionStatusFailed
	running := schema.ExecutionStatusRunning
	if err := e.store.UpdateExecution(ctx, r.exec.ID, store.ExecutionUpdate{
		Status:      &failed,
		Error:       raw,
		CompletedAt: &now,
		FromStatus:  &running,
	}); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			// A pause or cancel beat the failure to the status column; the
			// stored status wins.
			return e.adoptStoredStatus(ctx, r)
		}
		return nil, err
	}
	if err := e.execFSM.Transition(ctx, r.exec.ID, schema.ExecutionStatusRunning, schema.ExecutionStatusFailed); err != nil {
		e.logger.Warn("failed-state transition rejected", slog.String("execution_id", r.exec.ID), slog.String("error", err.Error()))
	}
	e.publish(ctx, r.exec.ID, serr.StepID, schema.EventExecutionFailed, serr)
	e.state.Forget(r.exec.ID)

	return &Result{
		ExecutionID: r.exec.ID,
		Status:      schema.ExecutionStatusFailed,
		Error:       serr,
		Steps:       r.stepOutputs(),
	}, nil
}

func (e *Engine) finishSuspended(ctx context.Context, r *run, sig *suspendSignal) (*Result, error) {
	meta := store.CheckpointMeta{
		CompletedSteps: r.completedSteps(),
		WaitingStep:    sig.stepID,
		ResumeAt:       sig.resumeAt,
	}
	if err := e.state.Suspend(ctx, r.exec.ID, sig.reason, meta); err != nil {
		return nil, err
	}
	return &Result{
		ExecutionID: r.exec.ID,
		Status:      schema.ExecutionStatusPaused,
		Steps:       r.stepOutputs(),
		Waiting: &Waiting{
			StepID:     sig.stepID,
			Reason:     sig.reason,
			ResumeAt:   sig.resumeAt,
			ApprovalID: sig.approvalID,
		},
	}, nil
}

// finishHalted settles the walk after a voluntary pause or cancel. The
// stored status was written by whoever requested the halt; a paused
// execution gets a fresh checkpoint covering the steps that completed since
// the request, so resume restores all of them.
func (e *Engine) finishHalted(ctx context.Context, r *run, status schema.ExecutionStatus) (*Result, error) {
	if status == schema.ExecutionStatusPaused {
		if _, err := e.state.Checkpoint(ctx, r.exec.ID, state.ReasonPause, store.CheckpointMeta{
			CompletedSteps: r.completedSteps(),
		}); err != nil {
			return nil, err
		}
		return &Result{
			ExecutionID: r.exec.ID,
			Status:      schema.ExecutionStatusPaused,
			Steps:       r.stepOutputs(),
			Waiting:     &Waiting{Reason: "pause"},
		}, nil
	}
	e.state.Forget(r.exec.ID)
	return &Result{
		ExecutionID: r.exec.ID,
		Status:      status,
		Steps:       r.stepOutputs(),
	}, nil
}

// adoptStoredStatus builds the result from the stored row after a pause or
// cancel won the status race against a finish.
func (e *Engine) adoptStoredStatus(ctx context.Context, r *run) (*Result, error) {
	exec, err := e.store.GetExecution(ctx, r.exec.ID)
	if err != nil {
		return nil, err
	}
	return e.finishHalted(ctx, r, exec.Status)
}

// leafOutputs builds the execution output: the Data of every completed
// top-level step no other step depends on.
func (r *run) leafOutputs() map[string]any {
	depended := make(map[string]bool)
	for _, step := range r.plan.Definition.Steps {
		for _, dep := range step.DependsOn {
			depended[dep] = true
		}
	}

	scope := r.scope.Build()
	output := make(map[string]any)
	for _, step := range r.plan.Definition.Steps {
		if depended[step.ID] {
			continue
		}
		if data, ok := scope.Steps[step.ID]; ok {
			output[step.ID] = data
		}
	}
	return output
}

func (r *run) stepOutputs() map[string]*schema.StepOutput {
	scope := r.scope.Build()
	out := make(map[string]*schema.StepOutput, len(scope.Steps))
	for id, data := range scope.Steps {
		out[id] = &schema.StepOutput{Data: data}
	}
	return out
}

// publish sends a telemetry event; hub failures are logged, never fatal.
func (e *Engine) publish(ctx context.Context, executionID, stepID, eventType string, payload any) {
	if e.hub == nil {
		return
	}
	err := e.hub.Publish(ctx, telemetry.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     payload,
	})
	if err != nil {
		e.logger.Warn("publish telemetry event",
			slog.String("type", eventType), slog.String("error", err.Error()))
	}
}
