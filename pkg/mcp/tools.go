package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/skein-dev/skein/internal/diagram"
	"github.com/skein-dev/skein/internal/scheduler"
	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/pkg/schema"
)

// handleRun executes a stored template or an inline definition.
func (s *SkeinServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateName := req.GetString("template_name", "")
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if templateName == "" && defRaw == nil {
		return mcp.NewToolResultError("one of template_name or definition is required"), nil
	}
	if templateName != "" && defRaw != nil {
		return mcp.NewToolResultError("template_name and definition are mutually exclusive"), nil
	}

	input := mcp.ParseStringMap(req, "input", nil)

	var (
		res    *scheduler.RunResult
		runErr error
	)
	if templateName != "" {
		version := req.GetString("version", "")
		res, runErr = s.service.RunTemplate(ctx, templateName, version, input, "")
	} else {
		def, defErr := decodeDefinition(defRaw)
		if defErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", defErr)), nil
		}
		res, runErr = s.service.CompileAndRun(ctx, def, input)
	}
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}

	s.captureSession(ctx, res.ExecutionID)
	return marshalResult(res)
}

// handleDefine compiles and stores a template under the next free version.
func (s *SkeinServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	def, defErr := decodeDefinition(defRaw)
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", defErr)), nil
	}

	version, storeErr := s.service.DefineTemplate(ctx, name, def)
	if storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store template: %v", storeErr)), nil
	}
	return marshalResult(map[string]any{
		"name":    name,
		"version": version,
	})
}

// handleStatus returns the execution row and its step records.
func (s *SkeinServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	info, statusErr := s.service.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(info)
}

// handleResume continues a paused execution.
func (s *SkeinServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	s.captureSession(ctx, executionID)
	res, resumeErr := s.service.Resume(ctx, executionID)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(res)
}

// handlePause checkpoints a running execution and parks it.
func (s *SkeinServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if pauseErr := s.service.Pause(ctx, executionID); pauseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pause failed: %v", pauseErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"status":       schema.ExecutionStatusPaused,
	})
}

// handleCancel stops an execution.
func (s *SkeinServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if cancelErr := s.service.Cancel(ctx, executionID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"status":       schema.ExecutionStatusCancelled,
	})
}

// handleApprove resolves a pending approval gate and resumes the execution.
func (s *SkeinServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}

	decision := schema.ApprovalDecision{
		RequestID: approvalID,
		Approved:  approved,
		Approver:  req.GetString("approver", ""),
		Reason:    req.GetString("reason", ""),
		Payload:   mcp.ParseStringMap(req, "payload", nil),
	}

	res, resolveErr := s.service.ResolveApproval(ctx, approvalID, decision)
	if resolveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approval failed: %v", resolveErr)), nil
	}
	s.captureSession(ctx, res.ExecutionID)
	return marshalResult(res)
}

// handleSchedule creates, toggles, or deletes cron schedules.
func (s *SkeinServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		return s.createSchedule(ctx, req)
	case "enable", "disable":
		scheduleID, idErr := req.RequireString("schedule_id")
		if idErr != nil {
			return mcp.NewToolResultError("schedule_id is required"), nil
		}
		enabled := action == "enable"
		if updErr := s.store.UpdateSchedule(ctx, scheduleID, store.ScheduleUpdate{Enabled: &enabled}); updErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule update failed: %v", updErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "schedule_id": scheduleID, "enabled": enabled})
	case "delete":
		scheduleID, idErr := req.RequireString("schedule_id")
		if idErr != nil {
			return mcp.NewToolResultError("schedule_id is required"), nil
		}
		if delErr := s.store.DeleteSchedule(ctx, scheduleID); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule delete failed: %v", delErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "schedule_id": scheduleID})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

func (s *SkeinServer) createSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateName, err := req.RequireString("template_name")
	if err != nil {
		return mcp.NewToolResultError("template_name is required for create"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required for create"), nil
	}
	next, cronErr := scheduler.NextRun(cronExpr, time.Now().UTC())
	if cronErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", cronErr)), nil
	}

	sched := &store.Schedule{
		ID:        uuid.NewString(),
		Workflow:  templateName,
		Version:   req.GetString("version", ""),
		Cron:      cronExpr,
		Enabled:   true,
		NextRunAt: &next,
	}
	if input := mcp.ParseStringMap(req, "input", nil); input != nil {
		raw, marshalErr := json.Marshal(input)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", marshalErr)), nil
		}
		sched.Input = raw
	}

	if createErr := s.store.CreateSchedule(ctx, sched); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("schedule create failed: %v", createErr)), nil
	}
	return marshalResult(map[string]any{
		"schedule_id": sched.ID,
		"next_run_at": next,
	})
}

// handleQuery lists executions, events, templates, schedules, or approvals.
func (s *SkeinServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "templates":
		return s.queryTemplates(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	case "approvals":
		return s.queryApprovals(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *SkeinServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Workflow:   extractString(filter, "workflow"),
		ParentID:   extractString(filter, "parent_id"),
		ScheduleID: extractString(filter, "schedule_id"),
		Limit:      extractInt(filter, "limit", 50),
	}
	if raw := extractString(filter, "status"); raw != "" {
		status := schema.ExecutionStatus(raw)
		ef.Status = &status
	}
	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *SkeinServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID := extractString(filter, "execution_id")
	eventType := extractString(filter, "event_type")

	if eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, store.EventFilter{
			ExecutionID: executionID,
			StepID:      extractString(filter, "step_id"),
			Limit:       extractInt(filter, "limit", 100),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if executionID == "" {
		return mcp.NewToolResultError("event query requires either 'execution_id' or 'event_type' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, executionID, int64(extractInt(filter, "since", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *SkeinServer) queryTemplates(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	templates, err := s.store.ListTemplates(ctx, store.TemplateFilter{
		Name:  extractString(filter, "name"),
		Limit: extractInt(filter, "limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"templates": templates})
}

func (s *SkeinServer) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	schedules, err := s.store.ListSchedules(ctx, extractBool(filter, "enabled_only", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

func (s *SkeinServer) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	approvals, err := s.store.ListApprovals(ctx, store.ApprovalFilter{
		ExecutionID: extractString(filter, "execution_id"),
		Status:      extractString(filter, "status"),
		Approver:    extractString(filter, "approver"),
		Limit:       extractInt(filter, "limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"approvals": approvals})
}

// handleDiagram renders a workflow definition as mermaid, ascii, or png.
// Executions get their step records overlaid as node status.
func (s *SkeinServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, records, resErr := s.resolveDiagramTarget(ctx, req)
	if resErr != nil {
		return mcp.NewToolResultError(resErr.Error()), nil
	}

	model := diagram.Build(def, records)
	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "png":
		png, err := diagram.RenderPNG(ctx, model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("png render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage("workflow diagram", base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format: %s", format)), nil
	}
}

// resolveDiagramTarget picks the definition (and step records, for
// executions) named by the request.
func (s *SkeinServer) resolveDiagramTarget(ctx context.Context, req mcp.CallToolRequest) (*schema.WorkflowDefinition, []*store.StepRecord, error) {
	executionID := req.GetString("execution_id", "")
	templateName := req.GetString("template_name", "")
	defRaw := mcp.ParseStringMap(req, "definition", nil)

	switch {
	case executionID != "":
		exec, err := s.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, nil, fmt.Errorf("execution lookup failed: %w", err)
		}
		records, err := s.store.ListStepRecords(ctx, executionID)
		if err != nil {
			return nil, nil, fmt.Errorf("step record lookup failed: %w", err)
		}
		return exec.Definition, records, nil
	case templateName != "":
		tpl, err := s.service.Template(ctx, templateName, req.GetString("version", ""))
		if err != nil {
			return nil, nil, fmt.Errorf("template lookup failed: %w", err)
		}
		return tpl.Definition, nil, nil
	case defRaw != nil:
		def, err := decodeDefinition(defRaw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid definition: %w", err)
		}
		return def, nil, nil
	default:
		return nil, nil, fmt.Errorf("one of execution_id, template_name, or definition is required")
	}
}

// --- Helpers ---

// decodeDefinition converts a raw argument map into a WorkflowDefinition via
// a JSON round trip.
func decodeDefinition(raw map[string]any) (*schema.WorkflowDefinition, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// captureSession maps the execution ID to the caller's MCP session so
// lifecycle notifications can reach the client that started the run.
func (s *SkeinServer) captureSession(ctx context.Context, executionID string) {
	if executionID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// extractString reads a string from a filter map, "" when absent.
func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	if v, ok := filter[key].(string); ok {
		return v
	}
	return ""
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// extractBool safely extracts a boolean from a filter map.
func extractBool(filter map[string]any, key string, defaultVal bool) bool {
	if filter == nil {
		return defaultVal
	}
	switch val := filter[key].(type) {
	case bool:
		return val
	case string:
		return val == "true"
	}
	return defaultVal
}
