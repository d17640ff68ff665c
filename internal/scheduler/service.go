// Package scheduler is the top-level service surface: it gates every run
// behind a fresh compile, delegates execution to the engine, and runs
// persisted cron schedules against stored templates.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/skein-dev/skein/internal/compiler"
	"github.com/skein-dev/skein/internal/engine"
	"github.com/skein-dev/skein/internal/state"
	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/pkg/schema"
)

// RunResult is the outcome of a workflow run started through the service.
type RunResult struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Output      map[string]any         `json:"output,omitempty"`
	Error       *schema.Error          `json:"error,omitempty"`
	Waiting     *engine.Waiting        `json:"waiting,omitempty"`
}

// ExecutionInfo is a point-in-time view of an execution and its steps.
type ExecutionInfo struct {
	Execution *store.Execution    `json:"execution"`
	Steps     []*store.StepRecord `json:"steps"`
}

// Service wires the compiler, engine, and store behind one API. Every graph
// it executes was compiled in the same call; plans are never accepted from
// callers.
type Service struct {
	compiler *compiler.Compiler
	engine   *engine.Engine
	store    store.Store
	state    *state.Manager
	logger   *slog.Logger
}

// NewService creates the service. All dependencies are required except the
// logger.
func NewService(c *compiler.Compiler, e *engine.Engine, s store.Store, st *state.Manager, logger *slog.Logger) (*Service, error) {
	if c == nil || e == nil || s == nil || st == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "service requires a compiler, engine, store, and state manager")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{compiler: c, engine: e, store: s, state: st, logger: logger}, nil
}

// CompileAndRun validates and compiles the definition, then executes it.
// Compilation failures return before any execution state is created.
func (s *Service) CompileAndRun(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (*RunResult, error) {
	result := s.compiler.Compile(def)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	res, err := s.engine.Execute(ctx, result.Plan, input, engine.ExecuteOptions{Workflow: def.Name})
	if err != nil {
		return nil, err
	}
	return fromEngineResult(res), nil
}

// RunTemplate loads a stored template by name and optional version, compiles
// it, and executes it. scheduleID links the execution to the schedule that
// triggered it; pass "" for manual runs.
func (s *Service) RunTemplate(ctx context.Context, name, version string, input map[string]any, scheduleID string) (*RunResult, error) {
	tpl, err := s.resolveTemplate(ctx, name, version)
	if err != nil {
		return nil, err
	}
	result := s.compiler.Compile(tpl.Definition)
	if err := result.ToError(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCompilation,
			"template %s@%s no longer compiles", tpl.Name, tpl.Version).WithCause(err)
	}
	res, err := s.engine.Execute(ctx, result.Plan, input, engine.ExecuteOptions{
		Workflow:   tpl.Name,
		Version:    tpl.Version,
		ScheduleID: scheduleID,
	})
	if err != nil {
		return nil, err
	}
	return fromEngineResult(res), nil
}

// DefineTemplate compiles the definition and stores it under the next free
// version for the name (v1, v2, ...). Definitions that fail compilation are
// never persisted. Returns the assigned version.
func (s *Service) DefineTemplate(ctx context.Context, name string, def *schema.WorkflowDefinition) (string, error) {
	result := s.compiler.Compile(def)
	if err := result.ToError(); err != nil {
		return "", err
	}
	existing, err := s.store.ListTemplates(ctx, store.TemplateFilter{Name: name})
	if err != nil {
		return "", err
	}
	version := nextVersion(existing)
	if err := s.store.StoreTemplate(ctx, &store.Template{Name: name, Version: version, Definition: def}); err != nil {
		return "", err
	}
	s.logger.Info("template stored", slog.String("name", name), slog.String("version", version))
	return version, nil
}

// Template fetches a stored template, taking the highest version when
// version is empty.
func (s *Service) Template(ctx context.Context, name, version string) (*store.Template, error) {
	return s.resolveTemplate(ctx, name, version)
}

// resolveTemplate fetches a template, taking the highest stored version when
// the caller leaves version empty.
func (s *Service) resolveTemplate(ctx context.Context, name, version string) (*store.Template, error) {
	if version != "" {
		return s.store.GetTemplate(ctx, name, version)
	}
	list, err := s.store.ListTemplates(ctx, store.TemplateFilter{Name: name})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %s not found", name)
	}
	latest := list[0]
	for _, tpl := range list[1:] {
		if versionNum(tpl.Version) > versionNum(latest.Version) {
			latest = tpl
		}
	}
	return latest, nil
}

// nextVersion picks v<n+1> where n is the highest existing numeric version.
func nextVersion(existing []*store.Template) string {
	max := 0
	for _, tpl := range existing {
		if n := versionNum(tpl.Version); n > max {
			max = n
		}
	}
	return fmt.Sprintf("v%d", max+1)
}

// versionNum parses the numeric part of a "v<n>" version, 0 when it does not
// fit that shape.
func versionNum(v string) int {
	if len(v) < 2 || v[0] != 'v' {
		return 0
	}
	n, err := strconv.Atoi(v[1:])
	if err != nil {
		return 0
	}
	return n
}

// Resume continues a paused execution.
func (s *Service) Resume(ctx context.Context, executionID string) (*RunResult, error) {
	res, err := s.engine.Resume(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return fromEngineResult(res), nil
}

// Pause checkpoints a running execution and parks it. In-flight steps finish;
// nothing new is dispatched once the stored status flips.
func (s *Service) Pause(ctx context.Context, executionID string) error {
	return s.state.Pause(ctx, executionID, store.CheckpointMeta{})
}

// Cancel stops an execution. The reason is recorded in the log, not the
// execution row.
func (s *Service) Cancel(ctx context.Context, executionID, reason string) error {
	if reason != "" {
		s.logger.Info("cancelling execution",
			slog.String("execution_id", executionID), slog.String("reason", reason))
	}
	return s.engine.Cancel(ctx, executionID)
}

// Status returns the execution row and its step records.
func (s *Service) Status(ctx context.Context, executionID string) (*ExecutionInfo, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListStepRecords(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionInfo{Execution: exec, Steps: steps}, nil
}

// ResolveApproval records a human decision and resumes the execution waiting
// on it.
func (s *Service) ResolveApproval(ctx context.Context, approvalID string, decision schema.ApprovalDecision) (*RunResult, error) {
	ap, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	status := store.ApprovalRejected
	if decision.Approved {
		status = store.ApprovalApproved
	}
	raw, err := json.Marshal(decision)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "approval decision is not serializable").WithCause(err)
	}
	if err := s.store.ResolveApproval(ctx, approvalID, status, decision.Approver, raw); err != nil {
		return nil, err
	}
	return s.Resume(ctx, ap.ExecutionID)
}

func fromEngineResult(res *engine.Result) *RunResult {
	return &RunResult{
		ExecutionID: res.ExecutionID,
		Status:      res.Status,
		Output:      res.Output,
		Error:       res.Error,
		Waiting:     res.Waiting,
	}
}
