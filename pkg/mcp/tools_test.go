package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/scheduler"
	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/pkg/schema"
)

// --- Fake service ---

type fakeService struct {
	runResult  *scheduler.RunResult
	runErr     error
	defVersion string
	defErr     error
	statusInfo *scheduler.ExecutionInfo
	statusErr  error
	pauseErr   error
	cancelErr  error
	template   *store.Template
	tplErr     error

	compiledDef  *schema.WorkflowDefinition
	ranTemplate  string
	ranVersion   string
	ranInput     map[string]any
	definedName  string
	definedDef   *schema.WorkflowDefinition
	resumedID    string
	pausedID     string
	cancelledID  string
	cancelReason string
	resolvedID   string
	decision     schema.ApprovalDecision
}

func (f *fakeService) CompileAndRun(_ context.Context, def *schema.WorkflowDefinition, input map[string]any) (*scheduler.RunResult, error) {
	f.compiledDef = def
	f.ranInput = input
	return f.runResult, f.runErr
}

func (f *fakeService) RunTemplate(_ context.Context, name, version string, input map[string]any, _ string) (*scheduler.RunResult, error) {
	f.ranTemplate = name
	f.ranVersion = version
	f.ranInput = input
	return f.runResult, f.runErr
}

func (f *fakeService) DefineTemplate(_ context.Context, name string, def *schema.WorkflowDefinition) (string, error) {
	f.definedName = name
	f.definedDef = def
	return f.defVersion, f.defErr
}

func (f *fakeService) Resume(_ context.Context, executionID string) (*scheduler.RunResult, error) {
	f.resumedID = executionID
	return f.runResult, f.runErr
}

func (f *fakeService) Pause(_ context.Context, executionID string) error {
	f.pausedID = executionID
	return f.pauseErr
}

func (f *fakeService) Cancel(_ context.Context, executionID, reason string) error {
	f.cancelledID = executionID
	f.cancelReason = reason
	return f.cancelErr
}

func (f *fakeService) Status(_ context.Context, _ string) (*scheduler.ExecutionInfo, error) {
	return f.statusInfo, f.statusErr
}

func (f *fakeService) ResolveApproval(_ context.Context, approvalID string, decision schema.ApprovalDecision) (*scheduler.RunResult, error) {
	f.resolvedID = approvalID
	f.decision = decision
	return f.runResult, f.runErr
}

func (f *fakeService) Template(_ context.Context, name, version string) (*store.Template, error) {
	f.ranTemplate = name
	f.ranVersion = version
	return f.template, f.tplErr
}

// --- Mock store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	executions []*store.Execution
	events     []*store.Event
	templates  []*store.Template
	schedules  []*store.Schedule
	approvals  []*store.Approval
	records    []*store.StepRecord

	createdSchedules []*store.Schedule
	updatedSchedules map[string]store.ScheduleUpdate
	deletedSchedules []string
}

func newMockStore() *mockStore {
	return &mockStore{updatedSchedules: make(map[string]store.ScheduleUpdate)}
}

func (m *mockStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	result := make([]*store.Execution, 0)
	for _, ex := range m.executions {
		if filter.Status != nil && ex.Status != *filter.Status {
			continue
		}
		if filter.Workflow != "" && ex.Workflow != filter.Workflow {
			continue
		}
		if filter.ScheduleID != "" && ex.ScheduleID != filter.ScheduleID {
			continue
		}
		result = append(result, ex)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	for _, ex := range m.executions {
		if ex.ID == id {
			return ex, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
}

func (m *mockStore) ListStepRecords(_ context.Context, executionID string) ([]*store.StepRecord, error) {
	result := make([]*store.StepRecord, 0)
	for _, rec := range m.records {
		if rec.ExecutionID == executionID {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (m *mockStore) GetEvents(_ context.Context, executionID string, since int64) ([]*store.Event, error) {
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if e.ExecutionID == executionID && e.Sequence > since {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *mockStore) GetEventsByType(_ context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error) {
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if eventType != "" && e.Type != eventType {
			continue
		}
		if filter.ExecutionID != "" && e.ExecutionID != filter.ExecutionID {
			continue
		}
		result = append(result, e)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) ListTemplates(_ context.Context, filter store.TemplateFilter) ([]*store.Template, error) {
	result := make([]*store.Template, 0)
	for _, tpl := range m.templates {
		if filter.Name != "" && tpl.Name != filter.Name {
			continue
		}
		result = append(result, tpl)
	}
	return result, nil
}

func (m *mockStore) ListSchedules(_ context.Context, enabledOnly bool) ([]*store.Schedule, error) {
	result := make([]*store.Schedule, 0)
	for _, sched := range m.schedules {
		if enabledOnly && !sched.Enabled {
			continue
		}
		result = append(result, sched)
	}
	return result, nil
}

func (m *mockStore) ListApprovals(_ context.Context, filter store.ApprovalFilter) ([]*store.Approval, error) {
	result := make([]*store.Approval, 0)
	for _, ap := range m.approvals {
		if filter.Status != "" && ap.Status != filter.Status {
			continue
		}
		if filter.ExecutionID != "" && ap.ExecutionID != filter.ExecutionID {
			continue
		}
		result = append(result, ap)
	}
	return result, nil
}

func (m *mockStore) CreateSchedule(_ context.Context, sched *store.Schedule) error {
	m.createdSchedules = append(m.createdSchedules, sched)
	m.schedules = append(m.schedules, sched)
	return nil
}

func (m *mockStore) UpdateSchedule(_ context.Context, id string, update store.ScheduleUpdate) error {
	m.updatedSchedules[id] = update
	return nil
}

func (m *mockStore) DeleteSchedule(_ context.Context, id string) error {
	m.deletedSchedules = append(m.deletedSchedules, id)
	return nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func completedResult(id string) *scheduler.RunResult {
	return &scheduler.RunResult{
		ExecutionID: id,
		Status:      schema.ExecutionStatusCompleted,
		Output:      map[string]any{"greet": map[string]any{"msg": "hi"}},
	}
}

// --- Run ---

func TestRunTool_Template(t *testing.T) {
	svc := &fakeService{runResult: completedResult("ex-1")}
	s := NewSkeinServer(ServerDeps{Service: svc})

	req := buildRequest("skein.run", map[string]any{
		"template_name": "deploy",
		"version":       "v2",
		"input":         map[string]any{"env": "prod"},
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "deploy", svc.ranTemplate)
	assert.Equal(t, "v2", svc.ranVersion)
	assert.Equal(t, "prod", svc.ranInput["env"])

	var res scheduler.RunResult
	unmarshalResult(t, result, &res)
	assert.Equal(t, "ex-1", res.ExecutionID)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
}

func TestRunTool_InlineDefinition(t *testing.T) {
	svc := &fakeService{runResult: completedResult("ex-2")}
	s := NewSkeinServer(ServerDeps{Service: svc})

	req := buildRequest("skein.run", map[string]any{
		"definition": map[string]any{
			"name": "adhoc",
			"steps": []any{
				map[string]any{"id": "s1", "action": map[string]any{"provider": "echo", "action": "say"}},
			},
		},
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.NotNil(t, svc.compiledDef)
	assert.Equal(t, "adhoc", svc.compiledDef.Name)
	assert.Len(t, svc.compiledDef.Steps, 1)
}

func TestRunTool_RequiresExactlyOneSource(t *testing.T) {
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}})

	result, err := s.handleRun(context.Background(), buildRequest("skein.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRun(context.Background(), buildRequest("skein.run", map[string]any{
		"template_name": "deploy",
		"definition":    map[string]any{"name": "adhoc"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunTool_ServiceErrorIsToolError(t *testing.T) {
	svc := &fakeService{runErr: schema.NewError(schema.ErrCodeNotFound, "template deploy not found")}
	s := NewSkeinServer(ServerDeps{Service: svc})

	result, err := s.handleRun(context.Background(), buildRequest("skein.run", map[string]any{
		"template_name": "deploy",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Define ---

func TestDefineTool(t *testing.T) {
	svc := &fakeService{defVersion: "v3"}
	s := NewSkeinServer(ServerDeps{Service: svc})

	req := buildRequest("skein.define", map[string]any{
		"name": "deploy",
		"definition": map[string]any{
			"name": "deploy",
			"steps": []any{
				map[string]any{"id": "s1", "action": map[string]any{"provider": "http", "action": "request"}},
			},
		},
	})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "deploy", svc.definedName)
	require.NotNil(t, svc.definedDef)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "deploy", out["name"])
	assert.Equal(t, "v3", out["version"])
}

func TestDefineTool_MissingArguments(t *testing.T) {
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}})

	result, err := s.handleDefine(context.Background(), buildRequest("skein.define", map[string]any{
		"definition": map[string]any{"name": "x"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDefine(context.Background(), buildRequest("skein.define", map[string]any{
		"name": "deploy",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Status / Resume / Pause / Cancel ---

func TestStatusTool(t *testing.T) {
	svc := &fakeService{statusInfo: &scheduler.ExecutionInfo{
		Execution: &store.Execution{ID: "ex-9", Status: schema.ExecutionStatusRunning},
		Steps:     []*store.StepRecord{{ExecutionID: "ex-9", StepID: "s1", Status: schema.StepStatusRunning}},
	}}
	s := NewSkeinServer(ServerDeps{Service: svc})

	result, err := s.handleStatus(context.Background(), buildRequest("skein.status", map[string]any{
		"execution_id": "ex-9",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var info scheduler.ExecutionInfo
	unmarshalResult(t, result, &info)
	assert.Equal(t, "ex-9", info.Execution.ID)
	assert.Len(t, info.Steps, 1)
}

func TestStatusTool_RequiresExecutionID(t *testing.T) {
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}})

	result, err := s.handleStatus(context.Background(), buildRequest("skein.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestResumeTool(t *testing.T) {
	svc := &fakeService{runResult: completedResult("ex-5")}
	s := NewSkeinServer(ServerDeps{Service: svc})

	result, err := s.handleResume(context.Background(), buildRequest("skein.resume", map[string]any{
		"execution_id": "ex-5",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "ex-5", svc.resumedID)
}

func TestPauseTool(t *testing.T) {
	svc := &fakeService{}
	s := NewSkeinServer(ServerDeps{Service: svc})

	result, err := s.handlePause(context.Background(), buildRequest("skein.pause", map[string]any{
		"execution_id": "ex-6",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "ex-6", svc.pausedID)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, string(schema.ExecutionStatusPaused), out["status"])
}

func TestCancelTool_ForwardsReason(t *testing.T) {
	svc := &fakeService{}
	s := NewSkeinServer(ServerDeps{Service: svc})

	result, err := s.handleCancel(context.Background(), buildRequest("skein.cancel", map[string]any{
		"execution_id": "ex-7",
		"reason":       "superseded by a newer run",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "ex-7", svc.cancelledID)
	assert.Equal(t, "superseded by a newer run", svc.cancelReason)
}

// --- Approve ---

func TestApproveTool(t *testing.T) {
	svc := &fakeService{runResult: completedResult("ex-8")}
	s := NewSkeinServer(ServerDeps{Service: svc})

	result, err := s.handleApprove(context.Background(), buildRequest("skein.approve", map[string]any{
		"approval_id": "ap-1",
		"approved":    true,
		"approver":    "alice",
		"reason":      "lgtm",
		"payload":     map[string]any{"ticket": "OPS-42"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "ap-1", svc.resolvedID)
	assert.True(t, svc.decision.Approved)
	assert.Equal(t, "alice", svc.decision.Approver)
	assert.Equal(t, "lgtm", svc.decision.Reason)
	assert.Equal(t, "OPS-42", svc.decision.Payload["ticket"])
}

func TestApproveTool_RequiresDecision(t *testing.T) {
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}})

	result, err := s.handleApprove(context.Background(), buildRequest("skein.approve", map[string]any{
		"approval_id": "ap-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Schedule ---

func TestScheduleTool_Create(t *testing.T) {
	ms := newMockStore()
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: ms})

	result, err := s.handleSchedule(context.Background(), buildRequest("skein.schedule", map[string]any{
		"action":        "create",
		"template_name": "nightly-report",
		"cron":          "0 3 * * *",
		"input":         map[string]any{"scope": "all"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, ms.createdSchedules, 1)
	sched := ms.createdSchedules[0]
	assert.Equal(t, "nightly-report", sched.Workflow)
	assert.Equal(t, "0 3 * * *", sched.Cron)
	assert.True(t, sched.Enabled)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(time.Now().UTC()))
	assert.JSONEq(t, `{"scope":"all"}`, string(sched.Input))
}

func TestScheduleTool_CreateRejectsBadCron(t *testing.T) {
	ms := newMockStore()
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: ms})

	result, err := s.handleSchedule(context.Background(), buildRequest("skein.schedule", map[string]any{
		"action":        "create",
		"template_name": "nightly-report",
		"cron":          "whenever",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ms.createdSchedules)
}

func TestScheduleTool_EnableDisableDelete(t *testing.T) {
	ms := newMockStore()
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: ms})

	result, err := s.handleSchedule(context.Background(), buildRequest("skein.schedule", map[string]any{
		"action": "disable", "schedule_id": "sc-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Contains(t, ms.updatedSchedules, "sc-1")
	require.NotNil(t, ms.updatedSchedules["sc-1"].Enabled)
	assert.False(t, *ms.updatedSchedules["sc-1"].Enabled)

	result, err = s.handleSchedule(context.Background(), buildRequest("skein.schedule", map[string]any{
		"action": "enable", "schedule_id": "sc-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.True(t, *ms.updatedSchedules["sc-1"].Enabled)

	result, err = s.handleSchedule(context.Background(), buildRequest("skein.schedule", map[string]any{
		"action": "delete", "schedule_id": "sc-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"sc-1"}, ms.deletedSchedules)
}

func TestScheduleTool_UnknownAction(t *testing.T) {
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: newMockStore()})

	result, err := s.handleSchedule(context.Background(), buildRequest("skein.schedule", map[string]any{
		"action": "pause",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Query ---

func TestQueryExecutions_FiltersByStatus(t *testing.T) {
	ms := newMockStore()
	ms.executions = []*store.Execution{
		{ID: "ex-1", Workflow: "deploy", Status: schema.ExecutionStatusCompleted},
		{ID: "ex-2", Workflow: "deploy", Status: schema.ExecutionStatusFailed},
	}
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("skein.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"status": "failed"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Executions []*store.Execution `json:"executions"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Executions, 1)
	assert.Equal(t, "ex-2", out.Executions[0].ID)
}

func TestQueryEvents_ByExecution(t *testing.T) {
	ms := newMockStore()
	ms.events = []*store.Event{
		{ExecutionID: "ex-1", Type: "step_completed", Sequence: 1},
		{ExecutionID: "ex-1", Type: "execution_completed", Sequence: 2},
		{ExecutionID: "ex-2", Type: "step_failed", Sequence: 1},
	}
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("skein.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": "ex-1"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Events, 2)
}

func TestQueryEvents_ByType(t *testing.T) {
	ms := newMockStore()
	ms.events = []*store.Event{
		{ExecutionID: "ex-1", Type: "step_failed", Sequence: 1},
		{ExecutionID: "ex-2", Type: "step_failed", Sequence: 1},
		{ExecutionID: "ex-2", Type: "step_completed", Sequence: 2},
	}
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("skein.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"event_type": "step_failed"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Events, 2)
}

func TestQueryEvents_RequiresKey(t *testing.T) {
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: newMockStore()})

	result, err := s.handleQuery(context.Background(), buildRequest("skein.query", map[string]any{
		"resource": "events",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQuerySchedules_EnabledOnly(t *testing.T) {
	ms := newMockStore()
	ms.schedules = []*store.Schedule{
		{ID: "sc-1", Enabled: true},
		{ID: "sc-2", Enabled: false},
	}
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("skein.query", map[string]any{
		"resource": "schedules",
		"filter":   map[string]any{"enabled_only": true},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Schedules []*store.Schedule `json:"schedules"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Schedules, 1)
	assert.Equal(t, "sc-1", out.Schedules[0].ID)
}

func TestQueryApprovals_PendingForApprover(t *testing.T) {
	ms := newMockStore()
	ms.approvals = []*store.Approval{
		{ID: "ap-1", ExecutionID: "ex-1", Status: store.ApprovalPending},
		{ID: "ap-2", ExecutionID: "ex-2", Status: store.ApprovalApproved},
	}
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("skein.query", map[string]any{
		"resource": "approvals",
		"filter":   map[string]any{"status": "pending"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Approvals []*store.Approval `json:"approvals"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Approvals, 1)
	assert.Equal(t, "ap-1", out.Approvals[0].ID)
}

func TestQueryUnknownResource(t *testing.T) {
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: newMockStore()})

	result, err := s.handleQuery(context.Background(), buildRequest("skein.query", map[string]any{
		"resource": "invalid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Diagram ---

func diagramDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "greeter",
		Steps: []schema.WorkflowStep{
			{ID: "fetch", Action: &schema.ActionConfig{Provider: "http", Action: "get"}},
			{ID: "store", DependsOn: []string{"fetch"},
				Action: &schema.ActionConfig{Provider: "fs", Action: "write"}},
		},
	}
}

func TestDiagramTool_FromExecution(t *testing.T) {
	ms := newMockStore()
	ms.executions = []*store.Execution{{ID: "ex-1", Definition: diagramDef()}}
	ms.records = []*store.StepRecord{
		{ExecutionID: "ex-1", StepID: "fetch", Status: schema.StepStatusCompleted},
	}
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: ms})

	result, err := s.handleDiagram(context.Background(), buildRequest("skein.diagram", map[string]any{
		"execution_id": "ex-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "%% greeter")
	assert.Contains(t, text, "class fetch completed")
}

func TestDiagramTool_FromTemplate(t *testing.T) {
	svc := &fakeService{template: &store.Template{Name: "greeter", Version: "v1", Definition: diagramDef()}}
	s := NewSkeinServer(ServerDeps{Service: svc, Store: newMockStore()})

	result, err := s.handleDiagram(context.Background(), buildRequest("skein.diagram", map[string]any{
		"template_name": "greeter",
		"format":        "ascii",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "greeter", svc.ranTemplate)
	text := extractText(t, result)
	assert.Contains(t, text, "=== greeter ===")
	assert.Contains(t, text, "fetch (http.get)")
}

func TestDiagramTool_InlineDefinition(t *testing.T) {
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: newMockStore()})

	result, err := s.handleDiagram(context.Background(), buildRequest("skein.diagram", map[string]any{
		"definition": map[string]any{
			"name":  "inline",
			"steps": []any{map[string]any{"id": "only"}},
		},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "only")
}

func TestDiagramTool_RequiresTarget(t *testing.T) {
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: newMockStore()})

	result, err := s.handleDiagram(context.Background(), buildRequest("skein.diagram", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiagramTool_UnknownExecution(t *testing.T) {
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: newMockStore()})

	result, err := s.handleDiagram(context.Background(), buildRequest("skein.diagram", map[string]any{
		"execution_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiagramTool_UnknownFormat(t *testing.T) {
	s := NewSkeinServer(ServerDeps{Service: &fakeService{}, Store: newMockStore()})

	result, err := s.handleDiagram(context.Background(), buildRequest("skein.diagram", map[string]any{
		"definition": map[string]any{"steps": []any{map[string]any{"id": "x"}}},
		"format":     "svg",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
