// Package panel exposes a JSON management API over the store and the
// scheduler service: execution listings, lifecycle controls, template and
// schedule management, approvals, and SSE event streaming for live views.
package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/skein-dev/skein/internal/scheduler"
	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/internal/telemetry"
	"github.com/skein-dev/skein/pkg/schema"
)

// WorkflowService is the slice of the scheduler service the panel drives.
// Satisfied by *scheduler.Service.
type WorkflowService interface {
	CompileAndRun(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (*scheduler.RunResult, error)
	RunTemplate(ctx context.Context, name, version string, input map[string]any, scheduleID string) (*scheduler.RunResult, error)
	DefineTemplate(ctx context.Context, name string, def *schema.WorkflowDefinition) (string, error)
	Resume(ctx context.Context, executionID string) (*scheduler.RunResult, error)
	Pause(ctx context.Context, executionID string) error
	Cancel(ctx context.Context, executionID, reason string) error
	Status(ctx context.Context, executionID string) (*scheduler.ExecutionInfo, error)
	ResolveApproval(ctx context.Context, approvalID string, decision schema.ApprovalDecision) (*scheduler.RunResult, error)
}

// Deps holds the dependencies for the panel server.
type Deps struct {
	Store   store.Store
	Service WorkflowService
	Hub     telemetry.Hub // optional, disables SSE when nil
	Logger  *slog.Logger
}

// Server serves the management API.
type Server struct {
	deps Deps
}

// NewServer creates a panel server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/overview", s.handleOverview)

	// Executions.
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("GET /api/executions/{id}/diagram", s.handleExecutionDiagram)
	mux.HandleFunc("POST /api/executions", s.handleRunDefinition)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("POST /api/executions/{id}/pause", s.handlePauseExecution)
	mux.HandleFunc("POST /api/executions/{id}/resume", s.handleResumeExecution)
	mux.HandleFunc("POST /api/executions/{id}/rerun", s.handleRerunExecution)

	// Templates.
	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("POST /api/templates", s.handleCreateTemplate)
	mux.HandleFunc("POST /api/templates/{name}/run", s.handleRunTemplate)

	// Approvals.
	mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/approvals/{id}/resolve", s.handleResolveApproval)

	// Schedules.
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
