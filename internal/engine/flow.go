package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/compiler"
	"github.com/skein-dev/skein/internal/expressions"
	"github.com/skein-dev/skein/internal/state"
	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/pkg/schema"
)

// runBody executes a nested body sequentially against the given scope
// builder. Returns the output of the last step that actually produced one,
// nil when every body step was skipped.
func (e *Engine) runBody(ctx context.Context, r *run, parent *compiler.StepNode, label string, body []schema.WorkflowStep, sb *expressions.ScopeBuilder) (*schema.StepOutput, error) {
	var last *schema.StepOutput
	for i := range body {
		child := &body[i]
		node := r.bodyNode(parent, label, child)
		if err := e.runStep(ctx, r, node, sb); err != nil {
			return nil, err
		}
		if data, ok := sb.Build().Steps[child.ID]; ok {
			last = &schema.StepOutput{Data: data}
		}
	}
	return last, nil
}

// bodyNode resolves the plan node for a body child, synthesizing one when the
// plan predates the lookup (defensive for plans built by older compilers).
func (r *run) bodyNode(parent *compiler.StepNode, label string, child *schema.WorkflowStep) *compiler.StepNode {
	qid := parent.QualifiedID + "." + label + "." + child.ID
	if node, ok := r.plan.Steps[qid]; ok {
		return node
	}
	return &compiler.StepNode{
		QualifiedID: qid,
		Step:        child,
		Parent:      parent.QualifiedID,
		Branch:      label,
		Depth:       parent.Depth + 1,
	}
}

// --- conditional ---

// executeConditional evaluates the condition tree and runs the selected
// branch. The step's output records which branch ran and the last output the
// branch produced.
func (e *Engine) executeConditional(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder) (*schema.StepOutput, error) {
	cfg := node.Step.Conditional
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "conditional step has no config").WithStep(node.QualifiedID)
	}

	verdict, err := e.conditions.Evaluate(cfg.If, sb.Build())
	if err != nil {
		return nil, err
	}
	e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventConditionEvaluated, map[string]any{"result": verdict})

	label, body := "then", cfg.Then
	if !verdict {
		label, body = "else", cfg.Else
	}
	e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventBranchSelected, map[string]any{"branch": label})

	branch := sb.ForBranch()
	last, err := e.runBody(ctx, r, node, label, body, branch)
	if err != nil {
		return nil, err
	}
	sb.MergeBranch(branch)

	data := map[string]any{"branch": label}
	if last != nil {
		data["lastBranchOutput"] = last.Data
	}
	// Constructed directly: lastBranchOutput is implicit and never part of
	// the declared output contract.
	return &schema.StepOutput{Data: data}, nil
}

// --- switch ---

func (e *Engine) executeSwitch(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder) (*schema.StepOutput, error) {
	cfg := node.Step.Switch
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "switch step has no config").WithStep(node.QualifiedID)
	}

	scope := sb.Build()
	res, err := e.conditions.EvaluateSwitch(ctx, cfg, scope)
	if err != nil {
		return nil, err
	}

	var label string
	var body []schema.WorkflowStep
	switch {
	case res.IsDefault:
		// The default arm also reports Matched, so test it first: its body
		// lives in cfg.Default, not under a "default" case key.
		label, body = "default", cfg.Default
	case res.Matched:
		label, body = "case:"+res.Case, cfg.Cases[res.Case]
	default:
		// No case matched and no default: mark every branch's steps skipped
		// so the record trail shows they were considered.
		for name, caseBody := range cfg.Cases {
			for i := range caseBody {
				child := r.bodyNode(node, "case:"+name, &caseBody[i])
				if err := e.markSkipped(ctx, r, child, nil); err != nil {
					return nil, err
				}
			}
		}
		return &schema.StepOutput{Data: map[string]any{"branch": nil, "selector": res.Selector}}, nil
	}
	e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventBranchSelected,
		map[string]any{"branch": label, "selector": res.Selector})

	branch := sb.ForBranch()
	last, err := e.runBody(ctx, r, node, label, body, branch)
	if err != nil {
		return nil, err
	}
	sb.MergeBranch(branch)

	data := map[string]any{"branch": label, "selector": res.Selector}
	if last != nil {
		data["lastBranchOutput"] = last.Data
	}
	return &schema.StepOutput{Data: data}, nil
}

// --- loop ---

// executeLoop iterates the body over a collection, sequentially, each
// iteration in a fresh branch scope with its own loop frame. Iteration
// results aggregate in order.
func (e *Engine) executeLoop(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder) (*schema.StepOutput, error) {
	cfg := node.Step.Loop
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "loop step has no config").WithStep(node.QualifiedID)
	}

	value, ok := expressions.ResolveValue(cfg.Over, sb.Build())
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
			"loop collection %q did not resolve", cfg.Over).WithStep(node.QualifiedID)
	}
	items, err := asItems(value)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"loop collection %q: %s", cfg.Over, err.Error()).WithStep(node.QualifiedID)
	}

	itemVar := cfg.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}

	results := make([]any, 0, len(items))
	for i, item := range items {
		if cfg.MaxIterations > 0 && i >= cfg.MaxIterations {
			break
		}
		e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventLoopIterStarted, map[string]any{"index": i})

		iter := sb.ForBranch().WithLoopFrame(itemVar, item, i)
		last, err := e.runBody(ctx, r, node, "body", cfg.Body, iter)
		if err != nil {
			return nil, err
		}
		if last != nil {
			results = append(results, last.Data)
		} else {
			results = append(results, nil)
		}
		e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventLoopIterCompleted, map[string]any{"index": i})
	}
	e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventLoopCompleted, map[string]any{"iterations": len(results)})

	return e.normalizer.Normalize(map[string]any{
		"results": results,
		"count":   len(results),
	}, node.Step.Outputs)
}

// --- sub_workflow ---

// executeSubWorkflow runs a stored template as a child execution. A child
// that suspends parks the parent too; resuming the parent resumes the child.
func (e *Engine) executeSubWorkflow(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder) (*schema.StepOutput, error) {
	cfg := node.Step.SubWorkflow
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "sub_workflow step has no config").WithStep(node.QualifiedID)
	}
	if r.depth+1 > r.limits.MaxDepth {
		return nil, schema.NewErrorf(schema.ErrCodeLimitExceeded,
			"sub-workflow nesting exceeds max_depth %d", r.limits.MaxDepth).WithStep(node.QualifiedID)
	}
	if e.compiler == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "engine has no compiler, cannot run sub-workflows").WithStep(node.QualifiedID)
	}

	name, version := splitWorkflowRef(cfg.Workflow)

	var res *Result
	var err error
	if child := e.findChild(ctx, r, name); child != nil && r.wasWaitingOn(node.QualifiedID) {
		res, err = e.resumeChild(ctx, child)
	} else {
		res, err = e.startChild(ctx, r, node, sb, name, version)
	}
	if err != nil {
		return e.childFailure(node, cfg, err)
	}

	switch res.Status {
	case schema.ExecutionStatusCompleted:
		// fall through to output mapping
	case schema.ExecutionStatusPaused:
		sig := &suspendSignal{stepID: node.QualifiedID, reason: state.ReasonSuspend}
		if res.Waiting != nil {
			sig.resumeAt = res.Waiting.ResumeAt
			sig.approvalID = res.Waiting.ApprovalID
		}
		return nil, sig
	default:
		cause := error(res.Error)
		if res.Error == nil {
			cause = schema.NewErrorf(schema.ErrCodeExecution, "sub-workflow %s ended %s", cfg.Workflow, res.Status)
		}
		return e.childFailure(node, cfg, cause)
	}

	output := map[string]any(res.Output)
	if len(cfg.OutputMap) > 0 {
		mapped := make(map[string]any, len(cfg.OutputMap))
		for key, path := range cfg.OutputMap {
			mapped[key] = fieldOf(any(res.Output), path)
		}
		output = mapped
	}
	return e.normalizer.Normalize(output, node.Step.Outputs)
}

func (e *Engine) startChild(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder, name, version string) (*Result, error) {
	cfg := node.Step.SubWorkflow
	tpl, err := e.store.GetTemplate(ctx, name, version)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "sub-workflow template %q", cfg.Workflow).
			WithStep(node.QualifiedID).WithCause(err)
	}

	result := e.compilePlan(tpl.Definition)
	if cerr := result.ToError(); cerr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCompilation,
			"sub-workflow %q does not compile", cfg.Workflow).WithStep(node.QualifiedID).WithCause(cerr)
	}

	scope := sb.Build()
	input := make(map[string]any, len(cfg.InputMap))
	for key, ref := range cfg.InputMap {
		if v, ok := expressions.ResolveValue(ref, scope); ok {
			input[key] = v
		}
	}

	cancel := func() {}
	if cfg.Timeout != "" {
		if d, derr := time.ParseDuration(cfg.Timeout); derr == nil && d > 0 {
			ctx, cancel = context.WithTimeout(ctx, d)
		}
	}
	defer cancel()

	return e.Execute(ctx, result.Plan, input, ExecuteOptions{
		Workflow: name,
		Version:  tpl.Version,
		ParentID: r.exec.ID,
		depth:    r.depth + 1,
	})
}

func (e *Engine) resumeChild(ctx context.Context, child *store.Execution) (*Result, error) {
	if child.Status == schema.ExecutionStatusCompleted {
		// Someone resumed the child out of band; use its stored output.
		var output map[string]any
		if len(child.Output) > 0 {
			_ = json.Unmarshal(child.Output, &output)
		}
		return &Result{ExecutionID: child.ID, Status: child.Status, Output: output}, nil
	}
	return e.Resume(ctx, child.ID)
}

// findChild locates the most recent child execution of the given template.
func (e *Engine) findChild(ctx context.Context, r *run, workflow string) *store.Execution {
	children, err := e.store.ListExecutions(ctx, store.ExecutionFilter{ParentID: r.exec.ID, Workflow: workflow})
	if err != nil || len(children) == 0 {
		return nil
	}
	latest := children[0]
	for _, c := range children[1:] {
		if c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return latest
}

// childFailure applies the isolate policy: the parent records the failure as
// this step's output instead of failing with the child.
func (e *Engine) childFailure(node *compiler.StepNode, cfg *schema.SubWorkflowConfig, cause error) (*schema.StepOutput, error) {
	if !cfg.Isolate {
		if serr, ok := cause.(*schema.Error); ok {
			return nil, serr
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"sub-workflow %s failed: %s", cfg.Workflow, cause.Error()).
			WithStep(node.QualifiedID).WithCause(cause)
	}
	return &schema.StepOutput{Data: map[string]any{
		"status": string(schema.ExecutionStatusFailed),
		"error":  cause.Error(),
	}}, nil
}

func splitWorkflowRef(ref string) (name, version string) {
	if at := strings.LastIndex(ref, "@"); at > 0 {
		return ref[:at], ref[at+1:]
	}
	return ref, ""
}

// --- delay ---

// executeDelay waits in-process for short delays and suspends the execution
// for long ones. The state manager refuses to resume before the recorded
// resume-at time, so a resumed run completes the step immediately.
func (e *Engine) executeDelay(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder) (*schema.StepOutput, error) {
	cfg := node.Step.Delay
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "delay step has no config").WithStep(node.QualifiedID)
	}
	if r.wasWaitingOn(node.QualifiedID) {
		return &schema.StepOutput{Data: map[string]any{"waited": true}}, nil
	}

	until, err := e.delayDeadline(cfg, sb.Build())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "delay step: %s", err.Error()).
			WithStep(node.QualifiedID).WithCause(err)
	}

	remaining := time.Until(until)
	if remaining <= 0 {
		return &schema.StepOutput{Data: map[string]any{"waited": false}}, nil
	}
	if remaining <= e.config.InlineDelayMax {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(remaining):
			return &schema.StepOutput{Data: map[string]any{"waited": true}}, nil
		}
	}
	return nil, &suspendSignal{stepID: node.QualifiedID, reason: state.ReasonDelay, resumeAt: &until}
}

func (e *Engine) delayDeadline(cfg *schema.DelayConfig, scope *expressions.Scope) (time.Time, error) {
	if cfg.Duration != "" {
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().UTC().Add(d), nil
	}
	resolved, err := expressions.ResolveString(cfg.Until, scope)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, resolved)
}

// --- human_approval ---

// executeApproval creates an approval request and suspends, or settles a
// previously created request from its stored decision.
func (e *Engine) executeApproval(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder) (*schema.StepOutput, error) {
	cfg := node.Step.Approval
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "human_approval step has no config").WithStep(node.QualifiedID)
	}

	existing, err := e.findApproval(ctx, r.exec.ID, node.QualifiedID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, e.requestApproval(ctx, r, node, sb)
	}

	switch existing.Status {
	case store.ApprovalApproved:
		return approvalOutput(existing, true), nil
	case store.ApprovalRejected:
		return nil, schema.NewErrorf(schema.ErrCodeApprovalRejected,
			"approval %s rejected by %s", existing.ID, existing.DecidedBy).WithStep(node.QualifiedID)
	case store.ApprovalExpired:
		return e.settleExpiredApproval(node, cfg, existing)
	default: // still pending
		if existing.ExpiresAt != nil && time.Now().After(*existing.ExpiresAt) {
			if err := e.store.ResolveApproval(ctx, existing.ID, store.ApprovalExpired, "", nil); err != nil {
				return nil, err
			}
			existing.Status = store.ApprovalExpired
			return e.settleExpiredApproval(node, cfg, existing)
		}
		return nil, &suspendSignal{
			stepID:     node.QualifiedID,
			reason:     state.ReasonApproval,
			approvalID: existing.ID,
		}
	}
}

func (e *Engine) requestApproval(ctx context.Context, r *run, node *compiler.StepNode, sb *expressions.ScopeBuilder) error {
	cfg := node.Step.Approval
	prompt, err := expressions.ResolveString(cfg.Prompt, sb.Build())
	if err != nil {
		return schema.NewError(schema.ErrCodeDataUnavailable, "resolve approval prompt").
			WithStep(node.QualifiedID).WithCause(err)
	}

	ap := &store.Approval{
		ID:          uuid.NewString(),
		ExecutionID: r.exec.ID,
		StepID:      node.QualifiedID,
		Prompt:      prompt,
		Approvers:   cfg.Approvers,
		Status:      store.ApprovalPending,
	}
	if len(cfg.Context) > 0 {
		ap.Context, _ = json.Marshal(cfg.Context)
	}
	if cfg.Timeout != "" {
		if d, derr := time.ParseDuration(cfg.Timeout); derr == nil && d > 0 {
			expires := time.Now().UTC().Add(d)
			ap.ExpiresAt = &expires
		}
	}
	if err := e.store.CreateApproval(ctx, ap); err != nil {
		return schema.NewError(schema.ErrCodeStore, "create approval").WithStep(node.QualifiedID).WithCause(err)
	}
	e.publish(ctx, r.exec.ID, node.QualifiedID, schema.EventApprovalRequested,
		map[string]any{"approval_id": ap.ID, "prompt": prompt, "approvers": cfg.Approvers})

	return &suspendSignal{stepID: node.QualifiedID, reason: state.ReasonApproval, approvalID: ap.ID}
}

func (e *Engine) settleExpiredApproval(node *compiler.StepNode, cfg *schema.ApprovalConfig, ap *store.Approval) (*schema.StepOutput, error) {
	switch cfg.OnTimeout {
	case "approve":
		return approvalOutput(ap, true), nil
	case "reject":
		return nil, schema.NewErrorf(schema.ErrCodeApprovalRejected,
			"approval %s expired, rejected per on_timeout policy", ap.ID).WithStep(node.QualifiedID)
	default: // fail
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"approval %s expired without a decision", ap.ID).WithStep(node.QualifiedID)
	}
}

func (e *Engine) findApproval(ctx context.Context, executionID, stepID string) (*store.Approval, error) {
	approvals, err := e.store.ListApprovals(ctx, store.ApprovalFilter{ExecutionID: executionID})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list approvals").WithCause(err)
	}
	for _, ap := range approvals {
		if ap.StepID == stepID {
			return ap, nil
		}
	}
	return nil, nil
}

func approvalOutput(ap *store.Approval, approved bool) *schema.StepOutput {
	data := map[string]any{
		"approved": approved,
		"approver": ap.DecidedBy,
	}
	if len(ap.Decision) > 0 {
		var decision schema.ApprovalDecision
		if err := json.Unmarshal(ap.Decision, &decision); err == nil {
			data["reason"] = decision.Reason
			if decision.Payload != nil {
				data["payload"] = decision.Payload
			}
		}
	}
	return &schema.StepOutput{Data: data}
}
