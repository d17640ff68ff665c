package panel

import (
	"net/http"
	"time"

	"github.com/skein-dev/skein/internal/diagram"
	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/pkg/schema"
)

// overview is the dashboard summary payload.
type overview struct {
	Running          int              `json:"running"`
	Paused           int              `json:"paused"`
	Failed           int              `json:"failed"`
	CompletedToday   int              `json:"completed_today"`
	PendingApprovals []*store.Approval `json:"pending_approvals"`
	RecentEvents     []*store.Event    `json:"recent_events"`
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	countByStatus := func(status schema.ExecutionStatus, since *time.Time) int {
		execs, err := s.deps.Store.ListExecutions(ctx, store.ExecutionFilter{
			Status: &status,
			Since:  since,
			Limit:  1000,
		})
		if err != nil {
			s.deps.Logger.Error("list executions failed", "status", status, "error", err)
			return 0
		}
		return len(execs)
	}

	todayStart := time.Now().UTC().Truncate(24 * time.Hour)

	approvals, err := s.deps.Store.ListApprovals(ctx, store.ApprovalFilter{
		Status: store.ApprovalPending,
		Limit:  10,
	})
	if err != nil {
		s.deps.Logger.Error("list approvals failed", "error", err)
	}

	recent, err := s.deps.Store.GetEventsByType(ctx, "", store.EventFilter{Limit: 20})
	if err != nil {
		s.deps.Logger.Error("list events failed", "error", err)
	}

	writeJSON(w, http.StatusOK, overview{
		Running:          countByStatus(schema.ExecutionStatusRunning, nil),
		Paused:           countByStatus(schema.ExecutionStatusPaused, nil),
		Failed:           countByStatus(schema.ExecutionStatusFailed, nil),
		CompletedToday:   countByStatus(schema.ExecutionStatusCompleted, &todayStart),
		PendingApprovals: approvals,
		RecentEvents:     recent,
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := store.ExecutionFilter{
		Workflow: r.URL.Query().Get("workflow"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := schema.ExecutionStatus(status)
		filter.Status = &st
	}

	execs, err := s.deps.Store.ListExecutions(ctx, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list executions: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Service.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.GetEvents(r.Context(), r.PathValue("id"), int64(queryInt(r, "since", 0)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleExecutionDiagram renders the execution graph with live status
// overlays, as Mermaid (default) or ASCII.
func (s *Server) handleExecutionDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	exec, err := s.deps.Store.GetExecution(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	records, err := s.deps.Store.ListStepRecords(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list step records: "+err.Error())
		return
	}

	model := diagram.Build(exec.Definition, records)
	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderASCII(model)))
	case "png":
		png, err := diagram.RenderPNG(ctx, model)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "render png: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	default:
		writeError(w, http.StatusBadRequest, "unknown format "+format)
	}
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.deps.Store.ListTemplates(r.Context(), store.TemplateFilter{
		Name:  r.URL.Query().Get("name"),
		Limit: queryInt(r, "limit", 100),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list templates: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	filter := store.ApprovalFilter{
		ExecutionID: r.URL.Query().Get("execution_id"),
		Status:      r.URL.Query().Get("status"),
		Limit:       queryInt(r, "limit", 50),
	}
	if filter.Status == "" && filter.ExecutionID == "" {
		filter.Status = store.ApprovalPending
	}

	approvals, err := s.deps.Store.ListApprovals(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list approvals: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Store.ListSchedules(r.Context(), queryBool(r, "enabled_only"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list schedules: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}
