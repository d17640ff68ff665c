package panel

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/scheduler"
	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/pkg/schema"
)

// handleRunDefinition compiles and runs an inline workflow definition.
func (s *Server) handleRunDefinition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Definition *schema.WorkflowDefinition `json:"definition"`
		Input      map[string]any             `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Definition == nil {
		writeError(w, http.StatusBadRequest, "definition is required")
		return
	}

	result, err := s.deps.Service.CompileAndRun(r.Context(), body.Definition, body.Input)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional for cancel.
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "cancelled via panel"
	}

	if err := s.deps.Service.Cancel(r.Context(), id, body.Reason); err != nil {
		writeError(w, http.StatusConflict, "cancel execution: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": "cancelled"})
}

func (s *Server) handlePauseExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Service.Pause(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, "pause execution: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": "paused"})
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Service.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusConflict, "resume execution: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRerunExecution starts a fresh execution from the stored definition
// and input of a previous one.
func (s *Server) handleRerunExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	original, err := s.deps.Store.GetExecution(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}

	var result *scheduler.RunResult
	if original.Workflow != "" {
		result, err = s.deps.Service.RunTemplate(ctx, original.Workflow, original.Version, original.Input, "")
	} else {
		result, err = s.deps.Service.CompileAndRun(ctx, original.Definition, original.Input)
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "rerun: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleCreateTemplate stores a new template version, auto-versioned v1, v2...
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string                     `json:"name"`
		Definition *schema.WorkflowDefinition `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Name == "" || body.Definition == nil {
		writeError(w, http.StatusBadRequest, "name and definition are required")
		return
	}

	version, err := s.deps.Service.DefineTemplate(r.Context(), body.Name, body.Definition)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "define template: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": body.Name, "version": version})
}

func (s *Server) handleRunTemplate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var body struct {
		Version string         `json:"version"`
		Input   map[string]any `json:"input"`
	}
	// Body is optional; empty version resolves to the latest.
	_ = json.NewDecoder(r.Body).Decode(&body)

	result, err := s.deps.Service.RunTemplate(r.Context(), name, body.Version, body.Input, "")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "run template: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleResolveApproval records a decision and resumes the waiting execution.
func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Approved bool           `json:"approved"`
		Approver string         `json:"approver"`
		Reason   string         `json:"reason"`
		Payload  map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	decision := schema.ApprovalDecision{
		RequestID: id,
		Approved:  body.Approved,
		Approver:  body.Approver,
		Reason:    body.Reason,
		Payload:   body.Payload,
	}
	if decision.Approver == "" {
		decision.Approver = "panel"
	}

	result, err := s.deps.Service.ResolveApproval(r.Context(), id, decision)
	if err != nil {
		writeError(w, http.StatusConflict, "resolve approval: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Workflow string          `json:"workflow"`
		Version  string          `json:"version"`
		Cron     string          `json:"cron"`
		Input    json.RawMessage `json:"input"`
		Enabled  *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Workflow == "" || body.Cron == "" {
		writeError(w, http.StatusBadRequest, "workflow and cron are required")
		return
	}

	now := time.Now().UTC()
	next, err := scheduler.NextRun(body.Cron, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	sched := &store.Schedule{
		ID:        uuid.New().String(),
		Workflow:  body.Workflow,
		Version:   body.Version,
		Cron:      body.Cron,
		Input:     body.Input,
		Enabled:   enabled,
		NextRunAt: &next,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Store.CreateSchedule(r.Context(), sched); err != nil {
		writeError(w, http.StatusInternalServerError, "create schedule: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Cron    *string         `json:"cron"`
		Input   json.RawMessage `json:"input"`
		Enabled *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	update := store.ScheduleUpdate{
		Cron:    body.Cron,
		Input:   body.Input,
		Enabled: body.Enabled,
	}
	if body.Cron != nil {
		next, err := scheduler.NextRun(*body.Cron, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
			return
		}
		update.NextRunAt = &next
	}

	if err := s.deps.Store.UpdateSchedule(r.Context(), id, update); err != nil {
		writeError(w, http.StatusNotFound, "update schedule: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteSchedule(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "delete schedule: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}
