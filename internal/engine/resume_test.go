package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/state"
	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/pkg/schema"
)

func delayDef(duration string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "delayed",
		Steps: []schema.WorkflowStep{
			{ID: "ping", Action: &schema.ActionConfig{Provider: "svc", Action: "ping"}, Outputs: stringOutputs("value")},
			{ID: "wait", Kind: schema.StepKindDelay, DependsOn: []string{"ping"},
				Delay: &schema.DelayConfig{Duration: duration}},
			{ID: "pong", DependsOn: []string{"wait"},
				Action:  &schema.ActionConfig{Provider: "svc", Action: "pong"},
				Outputs: stringOutputs("value")},
		},
	}
}

func pingPongProvider() *fakeProvider {
	return newFakeProvider("svc").
		on("ping", func(map[string]any) (any, error) {
			return map[string]any{"value": "ping"}, nil
		}).
		on("pong", func(map[string]any) (any, error) {
			return map[string]any{"value": "pong"}, nil
		})
}

func TestDelay_ShortDelayWaitsInline(t *testing.T) {
	h := newHarness(t, Config{InlineDelayMax: time.Second}, pingPongProvider())
	plan := h.compile(t, delayDef("5ms"))

	res, err := h.engine.Execute(context.Background(), plan, nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	pong := res.Output["pong"].(map[string]any)
	assert.Equal(t, "pong", pong["value"])
}

func TestDelay_LongDelaySuspendsAndResumes(t *testing.T) {
	svc := pingPongProvider()
	h := newHarness(t, Config{InlineDelayMax: time.Millisecond}, svc)
	plan := h.compile(t, delayDef("50ms"))

	res, err := h.engine.Execute(context.Background(), plan, nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusPaused, res.Status)
	require.NotNil(t, res.Waiting)
	assert.Equal(t, "wait", res.Waiting.StepID)
	assert.Equal(t, state.ReasonDelay, res.Waiting.Reason)
	require.NotNil(t, res.Waiting.ResumeAt)
	assert.Equal(t, 1, svc.callCount("ping"))
	assert.Equal(t, 0, svc.callCount("pong"), "downstream steps stay pending while parked")

	stored, err := h.store.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPaused, stored.Status)

	time.Sleep(60 * time.Millisecond)

	resumed, err := h.engine.Resume(context.Background(), res.ExecutionID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, resumed.Status)
	pong := resumed.Output["pong"].(map[string]any)
	assert.Equal(t, "pong", pong["value"])
	assert.Equal(t, 1, svc.callCount("ping"), "completed steps never re-execute on resume")
	assert.Equal(t, 1, svc.callCount("pong"))
}

func TestPause_VoluntaryMidRunThenResumeCompletes(t *testing.T) {
	var h *harness
	svc := newFakeProvider("svc").
		on("first", func(map[string]any) (any, error) {
			id, err := h.onlyRunningExecution()
			if err != nil {
				return nil, err
			}
			if err := h.state.Pause(context.Background(), id, store.CheckpointMeta{}); err != nil {
				return nil, err
			}
			return map[string]any{"value": "ping"}, nil
		}).
		on("second", func(params map[string]any) (any, error) {
			prev, _ := params["prev"].(string)
			return map[string]any{"value": prev + "+pong"}, nil
		})
	h = newHarness(t, Config{}, svc)

	plan := h.compile(t, &schema.WorkflowDefinition{
		Name: "pausable",
		Steps: []schema.WorkflowStep{
			{ID: "first", Action: &schema.ActionConfig{Provider: "svc", Action: "first"}, Outputs: stringOutputs("value")},
			{ID: "second", DependsOn: []string{"first"},
				Action: &schema.ActionConfig{
					Provider: "svc",
					Action:   "second",
					Params:   json.RawMessage(`{"prev": "{{first.value}}"}`),
				},
				Outputs: stringOutputs("value")},
		},
	})

	ctx := context.Background()
	res, err := h.engine.Execute(ctx, plan, nil, ExecuteOptions{})
	require.NoError(t, err)

	require.Equal(t, schema.ExecutionStatusPaused, res.Status)
	require.NotNil(t, res.Waiting)
	assert.Equal(t, "pause", res.Waiting.Reason)
	assert.Equal(t, 0, svc.callCount("second"), "level after the pause never dispatched")

	resumed, err := h.engine.Resume(ctx, res.ExecutionID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, resumed.Status)
	assert.Equal(t, 1, svc.callCount("first"), "completed step not re-executed")
	assert.Equal(t, 1, svc.callCount("second"))
	second := resumed.Output["second"].(map[string]any)
	assert.Equal(t, "ping+pong", second["value"], "resumed step sees the pre-pause output")
}

func TestResume_RequiresPausedExecution(t *testing.T) {
	h := newHarness(t, Config{}, pingPongProvider())
	plan := h.compile(t, delayDef("1ms"))

	res, err := h.engine.Execute(context.Background(), plan, nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, res.Status)

	_, err = h.engine.Resume(context.Background(), res.ExecutionID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func approvalDef(onTimeout, timeout string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "gated",
		Steps: []schema.WorkflowStep{
			{ID: "prepare", Action: &schema.ActionConfig{Provider: "svc", Action: "ping"}, Outputs: stringOutputs("value")},
			{ID: "gate", Kind: schema.StepKindHumanApproval, DependsOn: []string{"prepare"},
				Approval: &schema.ApprovalConfig{
					Prompt:    "ship {{prepare.value}}?",
					Approvers: []string{"alice"},
					Timeout:   timeout,
					OnTimeout: onTimeout,
				}},
			{ID: "ship", DependsOn: []string{"gate"},
				Action:  &schema.ActionConfig{Provider: "svc", Action: "pong"},
				Outputs: stringOutputs("value")},
		},
	}
}

func TestApproval_SuspendsThenApprovedResumeCompletes(t *testing.T) {
	svc := pingPongProvider()
	h := newHarness(t, Config{}, svc)
	plan := h.compile(t, approvalDef("", ""))

	ctx := context.Background()
	res, err := h.engine.Execute(ctx, plan, nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusPaused, res.Status)
	require.NotNil(t, res.Waiting)
	assert.Equal(t, state.ReasonApproval, res.Waiting.Reason)
	require.NotEmpty(t, res.Waiting.ApprovalID)

	ap, err := h.store.GetApproval(ctx, res.Waiting.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalPending, ap.Status)
	assert.Equal(t, "ship ping?", ap.Prompt, "prompt references resolve against prior outputs")

	decision, err := json.Marshal(schema.ApprovalDecision{
		RequestID: ap.ID, Approved: true, Approver: "alice", Reason: "lgtm",
	})
	require.NoError(t, err)
	require.NoError(t, h.store.ResolveApproval(ctx, ap.ID, store.ApprovalApproved, "alice", decision))

	resumed, err := h.engine.Resume(ctx, res.ExecutionID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, resumed.Status)
	gate := resumed.Steps["gate"]
	require.NotNil(t, gate)
	assert.Equal(t, true, gate.Data["approved"])
	assert.Equal(t, "alice", gate.Data["approver"])
	assert.Equal(t, "lgtm", gate.Data["reason"])
	assert.Equal(t, 1, svc.callCount("pong"))
}

func TestApproval_RejectionFailsExecution(t *testing.T) {
	svc := pingPongProvider()
	h := newHarness(t, Config{}, svc)
	plan := h.compile(t, approvalDef("", ""))

	ctx := context.Background()
	res, err := h.engine.Execute(ctx, plan, nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusPaused, res.Status)

	require.NoError(t, h.store.ResolveApproval(ctx, res.Waiting.ApprovalID, store.ApprovalRejected, "alice", nil))

	resumed, err := h.engine.Resume(ctx, res.ExecutionID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusFailed, resumed.Status)
	require.NotNil(t, resumed.Error)
	assert.Equal(t, schema.ErrCodeApprovalRejected, resumed.Error.Code)
	assert.Equal(t, 0, svc.callCount("pong"), "rejection blocks downstream steps")
}

func TestApproval_ExpiredWithApprovePolicyProceeds(t *testing.T) {
	svc := pingPongProvider()
	h := newHarness(t, Config{}, svc)
	plan := h.compile(t, approvalDef("approve", "10ms"))

	ctx := context.Background()
	res, err := h.engine.Execute(ctx, plan, nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusPaused, res.Status)

	time.Sleep(20 * time.Millisecond)

	resumed, err := h.engine.Resume(ctx, res.ExecutionID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, resumed.Status)
	gate := resumed.Steps["gate"]
	require.NotNil(t, gate)
	assert.Equal(t, true, gate.Data["approved"])

	ap, err := h.store.GetApproval(ctx, res.Waiting.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalExpired, ap.Status)
}

func TestSubWorkflow_RunsChildAndMapsOutput(t *testing.T) {
	svc := newFakeProvider("svc").
		on("greet", func(params map[string]any) (any, error) {
			return map[string]any{"greeting": "hello " + params["who"].(string)}, nil
		})

	h := newHarness(t, Config{}, svc)
	ctx := context.Background()

	require.NoError(t, h.store.StoreTemplate(ctx, &store.Template{
		Name:    "greeter",
		Version: "v1",
		Definition: &schema.WorkflowDefinition{
			Name: "greeter",
			Steps: []schema.WorkflowStep{
				{ID: "say", Action: &schema.ActionConfig{
					Provider: "svc", Action: "greet",
					Params: json.RawMessage(`{"who": "{{input.who}}"}`),
				}, Outputs: stringOutputs("greeting")},
			},
		},
	}))

	plan := h.compile(t, &schema.WorkflowDefinition{
		Name: "parent",
		Steps: []schema.WorkflowStep{
			{ID: "child", Kind: schema.StepKindSubWorkflow,
				SubWorkflow: &schema.SubWorkflowConfig{
					Workflow: "greeter@v1",
					InputMap: map[string]string{"who": "{{input.name}}"},
				}},
		},
	})

	res, err := h.engine.Execute(ctx, plan, map[string]any{"name": "ada"}, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	child := res.Output["child"].(map[string]any)
	say := child["say"].(map[string]any)
	assert.Equal(t, "hello ada", say["greeting"])

	// The child ran as its own execution linked to the parent.
	children, err := h.store.ListExecutions(ctx, store.ExecutionFilter{ParentID: res.ExecutionID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, schema.ExecutionStatusCompleted, children[0].Status)
}

func TestSubWorkflow_IsolateContainsChildFailure(t *testing.T) {
	svc := newFakeProvider("svc").
		on("boom", func(map[string]any) (any, error) {
			return nil, schema.NewError(schema.ErrCodeNonRetryable, "child blew up")
		}).
		on("pong", func(map[string]any) (any, error) {
			return map[string]any{"value": "pong"}, nil
		})

	h := newHarness(t, Config{}, svc)
	ctx := context.Background()

	require.NoError(t, h.store.StoreTemplate(ctx, &store.Template{
		Name: "fragile", Version: "v1",
		Definition: &schema.WorkflowDefinition{
			Name: "fragile",
			Steps: []schema.WorkflowStep{
				{ID: "detonate", Action: &schema.ActionConfig{Provider: "svc", Action: "boom"}},
			},
		},
	}))

	plan := h.compile(t, &schema.WorkflowDefinition{
		Name: "parent",
		Steps: []schema.WorkflowStep{
			{ID: "child", Kind: schema.StepKindSubWorkflow,
				SubWorkflow: &schema.SubWorkflowConfig{Workflow: "fragile@v1", Isolate: true}},
			{ID: "after", DependsOn: []string{"child"},
				Action:  &schema.ActionConfig{Provider: "svc", Action: "pong"},
				Outputs: stringOutputs("value")},
		},
	})

	res, err := h.engine.Execute(ctx, plan, nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	child := res.Steps["child"]
	require.NotNil(t, child)
	assert.Equal(t, "failed", child.Data["status"])
	assert.Equal(t, 1, svc.callCount("pong"), "isolated failure does not block downstream steps")
}

func TestSubWorkflow_DepthLimitStopsRecursion(t *testing.T) {
	h := newHarness(t, Config{}, pingPongProvider())
	ctx := context.Background()

	recursive := func() *schema.WorkflowDefinition {
		return &schema.WorkflowDefinition{
			Name:   "ouroboros",
			Limits: &schema.Limits{MaxDepth: 2},
			Steps: []schema.WorkflowStep{
				{ID: "again", Kind: schema.StepKindSubWorkflow,
					SubWorkflow: &schema.SubWorkflowConfig{Workflow: "ouroboros@v1"}},
			},
		}
	}
	require.NoError(t, h.store.StoreTemplate(ctx, &store.Template{
		Name: "ouroboros", Version: "v1", Definition: recursive(),
	}))

	plan := h.compile(t, recursive())
	res, err := h.engine.Execute(ctx, plan, nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.True(t, schema.HasCode(res.Error, schema.ErrCodeLimitExceeded))
}
