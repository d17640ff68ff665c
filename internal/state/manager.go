// Package state persists and restores execution progress. Checkpoints carry
// step metadata only; step payloads live in step records and are re-read on
// restore, so a checkpoint stays small no matter how large the outputs are.
package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/internal/telemetry"
	"github.com/skein-dev/skein/pkg/schema"
)

// Checkpoint reasons.
const (
	ReasonLevelComplete = "level_complete"
	ReasonSuspend       = "suspend"
	ReasonPause         = "pause"
	ReasonDelay         = "delay"
	ReasonApproval      = "approval"
)

// Snapshot is the restored view of a suspended or in-flight execution:
// everything the engine needs to pick up where it left off.
type Snapshot struct {
	Execution *store.Execution
	Meta      store.CheckpointMeta
	Records   map[string]*store.StepRecord // keyed by qualified step ID
	Outputs   map[string]*schema.StepOutput
}

// Completed reports whether the given step finished before the checkpoint.
func (s *Snapshot) Completed(stepID string) bool {
	for _, id := range s.Meta.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// Manager coordinates checkpoint writes and restores against the store.
// Writes are serialized per execution so concurrent branch completions
// cannot interleave checkpoint sequences.
type Manager struct {
	store  store.Store
	hub    telemetry.Hub
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a state manager. The hub may be nil.
func NewManager(st store.Store, hub telemetry.Hub, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  st,
		hub:    hub,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(executionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[executionID] = l
	}
	return l
}

// Checkpoint persists execution progress metadata. The sequence number is
// assigned by the store; the returned checkpoint carries it.
func (m *Manager) Checkpoint(ctx context.Context, executionID, reason string, meta store.CheckpointMeta) (*store.Checkpoint, error) {
	l := m.lockFor(executionID)
	l.Lock()
	defer l.Unlock()

	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "marshal checkpoint meta: %v", err).WithCause(err)
	}

	cp := &store.Checkpoint{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Reason:      reason,
		Meta:        raw,
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, err
	}

	m.publish(ctx, telemetry.Event{
		ExecutionID: executionID,
		Type:        schema.EventCheckpointSaved,
		Payload:     map[string]any{"sequence": cp.Sequence, "reason": reason},
	})
	m.logger.DebugContext(ctx, "checkpoint saved",
		"execution_id", executionID, "sequence", cp.Sequence, "reason", reason)
	return cp, nil
}

// Restore rebuilds an execution snapshot from the latest checkpoint and the
// step records it points at. Steps listed as completed must have a completed
// record; a missing or non-terminal record means the store and checkpoint
// disagree and the snapshot cannot be trusted.
func (m *Manager) Restore(ctx context.Context, executionID string) (*Snapshot, error) {
	ex, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Execution: ex,
		Records:   make(map[string]*store.StepRecord),
		Outputs:   make(map[string]*schema.StepOutput),
	}

	cp, err := m.store.LatestCheckpoint(ctx, executionID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			// Never checkpointed: a fresh snapshot with no progress.
			return snap, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(cp.Meta, &snap.Meta); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"checkpoint %s for execution %s has unreadable metadata: %v", cp.ID, executionID, err).WithCause(err)
	}

	records, err := m.store.ListStepRecords(ctx, executionID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		snap.Records[rec.StepID] = rec
	}

	for _, stepID := range snap.Meta.CompletedSteps {
		rec, ok := snap.Records[stepID]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"checkpoint lists step %q as completed but no step record exists", stepID)
		}
		if rec.Status != schema.StepStatusCompleted && rec.Status != schema.StepStatusSkipped {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"checkpoint lists step %q as completed but its record is %q", stepID, rec.Status)
		}
		if len(rec.Output) == 0 {
			continue
		}
		var out schema.StepOutput
		if err := json.Unmarshal(rec.Output, &out); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"step record %q has unreadable output: %v", stepID, err).WithCause(err)
		}
		snap.Outputs[stepID] = &out
	}
	return snap, nil
}

// Pause checkpoints and transitions a running execution to paused. Callers
// that do not track progress themselves may leave meta.CompletedSteps empty;
// the snapshot is then taken from the step records, so a later Restore still
// rebuilds every finished step's output.
func (m *Manager) Pause(ctx context.Context, executionID string, meta store.CheckpointMeta) error {
	ex, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if ex.Status != schema.ExecutionStatusRunning && ex.Status != schema.ExecutionStatusPending {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s; only pending or running executions can be paused", executionID, ex.Status)
	}

	if len(meta.CompletedSteps) == 0 {
		completed, err := m.completedFromRecords(ctx, executionID)
		if err != nil {
			return err
		}
		meta.CompletedSteps = completed
	}

	if _, err := m.Checkpoint(ctx, executionID, ReasonPause, meta); err != nil {
		return err
	}

	paused := schema.ExecutionStatusPaused
	if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Status: &paused}); err != nil {
		return err
	}
	m.appendEvent(ctx, executionID, "", schema.EventExecutionPaused, nil)
	m.publish(ctx, telemetry.Event{ExecutionID: executionID, Type: schema.EventExecutionPaused})
	return nil
}

// completedFromRecords derives the completed-step set from the step records.
func (m *Manager) completedFromRecords(ctx context.Context, executionID string) ([]string, error) {
	records, err := m.store.ListStepRecords(ctx, executionID)
	if err != nil {
		return nil, err
	}
	var completed []string
	for _, rec := range records {
		if rec.Status == schema.StepStatusCompleted || rec.Status == schema.StepStatusSkipped {
			completed = append(completed, rec.StepID)
		}
	}
	return completed, nil
}

// Suspend checkpoints a waiting execution (delay, approval) and marks it
// paused with the step it is waiting on.
func (m *Manager) Suspend(ctx context.Context, executionID, reason string, meta store.CheckpointMeta) error {
	if _, err := m.Checkpoint(ctx, executionID, reason, meta); err != nil {
		return err
	}
	paused := schema.ExecutionStatusPaused
	if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Status: &paused}); err != nil {
		return err
	}
	payload, _ := json.Marshal(meta)
	m.appendEvent(ctx, executionID, meta.WaitingStep, schema.EventStepWaiting, payload)
	m.publish(ctx, telemetry.Event{
		ExecutionID: executionID,
		StepID:      meta.WaitingStep,
		Type:        schema.EventStepWaiting,
		Payload:     meta,
	})
	return nil
}

// Resume transitions a paused execution back to running and returns the
// restored snapshot. Completed steps in the snapshot are never re-executed
// by the engine; their outputs come from the step records.
func (m *Manager) Resume(ctx context.Context, executionID string) (*Snapshot, error) {
	ex, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ex.Status != schema.ExecutionStatusPaused {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s; only paused executions can be resumed", executionID, ex.Status)
	}

	snap, err := m.Restore(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if at := snap.Meta.ResumeAt; at != nil && time.Now().Before(*at) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is delayed until %s", executionID, at.Format(time.RFC3339))
	}

	running := schema.ExecutionStatusRunning
	if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Status: &running}); err != nil {
		return nil, err
	}
	snap.Execution.Status = running

	m.appendEvent(ctx, executionID, "", schema.EventExecutionResumed, nil)
	m.publish(ctx, telemetry.Event{ExecutionID: executionID, Type: schema.EventExecutionResumed})
	return snap, nil
}

// Prune removes old checkpoints for a terminal execution, keeping the most
// recent `keep`. Non-terminal executions are left alone: their checkpoints
// are still live resume points.
func (m *Manager) Prune(ctx context.Context, executionID string, keep int) (int, error) {
	ex, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return 0, err
	}
	if !ex.Status.Terminal() {
		return 0, nil
	}
	return m.store.PruneCheckpoints(ctx, executionID, keep)
}

// Forget drops the per-execution lock once an execution is terminal.
func (m *Manager) Forget(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, executionID)
}

func (m *Manager) publish(ctx context.Context, event telemetry.Event) {
	if m.hub == nil {
		return
	}
	if err := m.hub.Publish(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "telemetry publish failed", "error", err)
	}
}

func (m *Manager) appendEvent(ctx context.Context, executionID, stepID, eventType string, payload json.RawMessage) {
	err := m.store.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     payload,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "event append failed",
			"execution_id", executionID, "event", eventType, "error", err)
	}
}
