package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := NewLibSQLStore("file:" + t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "triage",
		Steps: []schema.WorkflowStep{
			{ID: "fetch", Action: &schema.ActionConfig{Provider: "github", Action: "list_issues"}},
		},
	}
}

func TestExecution_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ex := &Execution{
		ID:         "ex-1",
		Workflow:   "triage",
		Version:    "1",
		Definition: testDefinition(),
		Status:     schema.ExecutionStatusPending,
		Input:      map[string]any{"repo": "skein-dev/skein"},
	}
	require.NoError(t, s.CreateExecution(ctx, ex))

	got, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, "triage", got.Workflow)
	assert.Equal(t, schema.ExecutionStatusPending, got.Status)
	assert.Equal(t, "skein-dev/skein", got.Input["repo"])
	require.NotNil(t, got.Definition)
	assert.Equal(t, "fetch", got.Definition.Steps[0].ID)
}

func TestExecution_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetExecution(context.Background(), "ghost")
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestExecution_Update(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, &Execution{
		ID: "ex-1", Definition: testDefinition(), Status: schema.ExecutionStatusPending,
	}))

	running := schema.ExecutionStatusRunning
	now := time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, "ex-1", ExecutionUpdate{
		Status:    &running,
		StartedAt: &now,
	}))

	got, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	err = s.UpdateExecution(ctx, "ghost", ExecutionUpdate{Status: &running})
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestExecution_UpdateFromStatusGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, &Execution{
		ID: "ex-1", Definition: testDefinition(), Status: schema.ExecutionStatusRunning,
	}))

	// Guard matches: the update applies.
	running := schema.ExecutionStatusRunning
	paused := schema.ExecutionStatusPaused
	require.NoError(t, s.UpdateExecution(ctx, "ex-1", ExecutionUpdate{
		Status:     &paused,
		FromStatus: &running,
	}))

	got, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPaused, got.Status)

	// Guard stale: a finish racing the pause must not clobber it.
	completed := schema.ExecutionStatusCompleted
	err = s.UpdateExecution(ctx, "ex-1", ExecutionUpdate{
		Status:     &completed,
		FromStatus: &running,
	})
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeConflict, serr.Code)

	got, err = s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPaused, got.Status, "losing writer left the row untouched")
}

func TestExecution_ListByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id     string
		status schema.ExecutionStatus
	}{
		{"ex-1", schema.ExecutionStatusRunning},
		{"ex-2", schema.ExecutionStatusPaused},
		{"ex-3", schema.ExecutionStatusRunning},
	} {
		require.NoError(t, s.CreateExecution(ctx, &Execution{
			ID: tc.id, Definition: testDefinition(), Status: tc.status,
		}))
	}

	running := schema.ExecutionStatusRunning
	got, err := s.ListExecutions(ctx, ExecutionFilter{Status: &running})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStepRecord_UpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &StepRecord{
		ExecutionID: "ex-1",
		StepID:      "fetch",
		Status:      schema.StepStatusRunning,
		Attempts:    1,
	}
	require.NoError(t, s.UpsertStepRecord(ctx, rec))

	rec.Status = schema.StepStatusCompleted
	rec.Output = json.RawMessage(`{"data":{"count":2}}`)
	require.NoError(t, s.UpsertStepRecord(ctx, rec))

	got, err := s.GetStepRecord(ctx, "ex-1", "fetch")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, got.Status)
	assert.JSONEq(t, `{"data":{"count":2}}`, string(got.Output))

	list, err := s.ListStepRecords(ctx, "ex-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCheckpoint_SequenceAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta1, _ := json.Marshal(CheckpointMeta{CompletedSteps: []string{"fetch"}})
	meta2, _ := json.Marshal(CheckpointMeta{CompletedSteps: []string{"fetch", "filter"}})

	cp1 := &Checkpoint{ID: "cp-1", ExecutionID: "ex-1", Reason: "level_complete", Meta: meta1}
	cp2 := &Checkpoint{ID: "cp-2", ExecutionID: "ex-1", Reason: "level_complete", Meta: meta2}
	require.NoError(t, s.SaveCheckpoint(ctx, cp1))
	require.NoError(t, s.SaveCheckpoint(ctx, cp2))
	assert.Equal(t, int64(1), cp1.Sequence)
	assert.Equal(t, int64(2), cp2.Sequence)

	latest, err := s.LatestCheckpoint(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, "cp-2", latest.ID)

	var meta CheckpointMeta
	require.NoError(t, json.Unmarshal(latest.Meta, &meta))
	assert.Equal(t, []string{"fetch", "filter"}, meta.CompletedSteps)
}

func TestCheckpoint_Prune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
			ID: "cp-" + string(rune('a'+i)), ExecutionID: "ex-1", Reason: "level_complete",
			Meta: json.RawMessage(`{}`),
		}))
	}

	removed, err := s.PruneCheckpoints(ctx, "ex-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	remaining, err := s.ListCheckpoints(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, int64(4), remaining[0].Sequence)
	assert.Equal(t, int64(5), remaining[1].Sequence)
}

func TestApproval_ResolveOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ap := &Approval{
		ID:          "ap-1",
		ExecutionID: "ex-1",
		StepID:      "gate",
		Prompt:      "deploy to production?",
		Approvers:   []string{"alice", "bob"},
	}
	require.NoError(t, s.CreateApproval(ctx, ap))

	got, err := s.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, got.Status)
	assert.Equal(t, []string{"alice", "bob"}, got.Approvers)

	decision, _ := json.Marshal(schema.ApprovalDecision{RequestID: "ap-1", Approved: true, Approver: "alice"})
	require.NoError(t, s.ResolveApproval(ctx, "ap-1", ApprovalApproved, "alice", decision))

	got, err = s.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, got.Status)
	assert.Equal(t, "alice", got.DecidedBy)
	require.NotNil(t, got.ResolvedAt)

	// A second resolution finds no pending row.
	err = s.ResolveApproval(ctx, "ap-1", ApprovalRejected, "bob", nil)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestApproval_ListPendingByApprover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateApproval(ctx, &Approval{
		ID: "ap-1", ExecutionID: "ex-1", StepID: "gate", Prompt: "p", Approvers: []string{"alice"},
	}))
	require.NoError(t, s.CreateApproval(ctx, &Approval{
		ID: "ap-2", ExecutionID: "ex-2", StepID: "gate", Prompt: "p", Approvers: []string{"bob"},
	}))

	got, err := s.ListApprovals(ctx, ApprovalFilter{Status: ApprovalPending, Approver: "alice"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ap-1", got[0].ID)
}

func TestTemplate_Versioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreTemplate(ctx, &Template{Name: "triage", Version: "1", Definition: testDefinition()}))
	require.NoError(t, s.StoreTemplate(ctx, &Template{Name: "triage", Version: "2", Definition: testDefinition()}))

	got, err := s.GetTemplate(ctx, "triage", "2")
	require.NoError(t, err)
	assert.Equal(t, "2", got.Version)

	list, err := s.ListTemplates(ctx, TemplateFilter{Name: "triage"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = s.GetTemplate(ctx, "triage", "9")
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestSchedule_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sched := &Schedule{
		ID:       "sch-1",
		Workflow: "triage",
		Cron:     "0 * * * *",
		Input:    json.RawMessage(`{"repo":"skein-dev/skein"}`),
		Enabled:  true,
	}
	require.NoError(t, s.CreateSchedule(ctx, sched))

	got, err := s.GetSchedule(ctx, "sch-1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "0 * * * *", got.Cron)

	disabled := false
	now := time.Now().UTC()
	require.NoError(t, s.UpdateSchedule(ctx, "sch-1", ScheduleUpdate{Enabled: &disabled, LastRunAt: &now}))

	enabledOnly, err := s.ListSchedules(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, enabledOnly)

	all, err := s.ListSchedules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteSchedule(ctx, "sch-1"))
	err = s.DeleteSchedule(ctx, "sch-1")
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestSecrets_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "api_key", []byte{0x01, 0x02, 0x03}))

	got, err := s.GetSecret(ctx, "api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)

	// Upsert replaces the value.
	require.NoError(t, s.StoreSecret(ctx, "api_key", []byte{0xFF}))
	got, err = s.GetSecret(ctx, "api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF}, got)

	require.NoError(t, s.StoreSecret(ctx, "other", []byte{0x00}))
	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api_key", "other"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "api_key"))
	_, err = s.GetSecret(ctx, "api_key")
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestSecrets_DeleteMissing(t *testing.T) {
	s := newTestStore(t)

	err := s.DeleteSecret(context.Background(), "ghost")
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestEvents_SequencePerExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, e := range []*Event{
		{ExecutionID: "ex-1", Type: schema.EventExecutionStarted},
		{ExecutionID: "ex-1", StepID: "fetch", Type: schema.EventStepStarted},
		{ExecutionID: "ex-2", Type: schema.EventExecutionStarted},
		{ExecutionID: "ex-1", StepID: "fetch", Type: schema.EventStepCompleted},
	} {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	events, err := s.GetEvents(ctx, "ex-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	// since filters strictly greater.
	tail, err := s.GetEvents(ctx, "ex-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventStepCompleted, tail[0].Type)
}

func TestEvents_ByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, e := range []*Event{
		{ExecutionID: "ex-1", Type: schema.EventExecutionStarted},
		{ExecutionID: "ex-1", StepID: "fetch", Type: schema.EventStepStarted},
		{ExecutionID: "ex-2", Type: schema.EventExecutionStarted},
	} {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	started, err := s.GetEventsByType(ctx, schema.EventExecutionStarted, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, started, 2)

	scoped, err := s.GetEventsByType(ctx, schema.EventExecutionStarted, EventFilter{ExecutionID: "ex-2"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "ex-2", scoped[0].ExecutionID)

	// Empty type matches everything.
	all, err := s.GetEventsByType(ctx, "", EventFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestReplayStepRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"data":{"count":2}}`)
	for _, e := range []*Event{
		{ExecutionID: "ex-1", Type: schema.EventExecutionStarted},
		{ExecutionID: "ex-1", StepID: "fetch", Type: schema.EventStepStarted},
		{ExecutionID: "ex-1", StepID: "fetch", Type: schema.EventStepCompleted, Payload: payload},
		{ExecutionID: "ex-1", StepID: "filter", Type: schema.EventStepStarted},
		{ExecutionID: "ex-1", StepID: "filter", Type: schema.EventStepFailed, Payload: json.RawMessage(`{"code":"EXECUTION_ERROR"}`)},
	} {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	records, err := ReplayStepRecords(ctx, s, "ex-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, schema.StepStatusCompleted, records["fetch"].Status)
	assert.JSONEq(t, string(payload), string(records["fetch"].Output))
	assert.Equal(t, schema.StepStatusFailed, records["filter"].Status)
}
