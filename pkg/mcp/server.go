// Package mcp exposes the workflow service over the Model Context Protocol.
// Every tool delegates to the scheduler service; nothing here touches the
// engine directly.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/skein-dev/skein/internal/scheduler"
	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/internal/telemetry"
	"github.com/skein-dev/skein/pkg/schema"
)

// WorkflowService is the slice of the scheduler service the tools call.
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
	Template(ctx context.Context, name, version string) (*store.Template, error)
}

// ServerDeps holds the dependencies for creating a SkeinServer.
type ServerDeps struct {
	Service WorkflowService
	Store   store.Store
	Hub     telemetry.Hub // optional, enables push notifications
	Logger  *slog.Logger
}

// SkeinServer wraps an MCP server with workflow tool handlers.
type SkeinServer struct {
	service   WorkflowService
	store     store.Store
	hub       telemetry.Hub
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewSkeinServer creates the server with all tools registered.
func NewSkeinServer(deps ServerDeps) *SkeinServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &SkeinServer{
		service:  deps.Service,
		store:    deps.Store,
		hub:      deps.Hub,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"skein",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Skein is a workflow execution engine. Use skein.run to execute a stored template or an inline definition, skein.define to register templates, skein.status to check progress, skein.resume/skein.pause/skein.cancel to steer executions, skein.approve to resolve human approval gates, skein.schedule to manage cron schedules, skein.query to list executions/events/templates/schedules/approvals, and skein.diagram to render a workflow as Mermaid, ASCII, or PNG."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. When a hub was provided, a notifier pushes execution
// lifecycle events to the session that started each execution.
func (s *SkeinServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewNotifier(s.mcpServer, s.hub, s.sessions, s.logger)
		stop, err := notifier.Start(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *SkeinServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *SkeinServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("skein.run",
		mcp.WithDescription("Execute a workflow. Provide either template_name for a stored template or definition for an inline workflow document. The definition is compiled before anything runs; compilation failures are returned without creating an execution"),
		mcp.WithString("template_name", mcp.Description("Stored template name")),
		mcp.WithString("version", mcp.Description("Template version (default: latest)")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition object (alternative to template_name)")),
		mcp.WithObject("input", mcp.Description("Workflow input values")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("skein.define",
		mcp.WithDescription("Register a reusable workflow template. The definition is compiled first; versions auto-increment (v1, v2, ...)"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Template name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("skein.status",
		mcp.WithDescription("Get an execution's current status and per-step records"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("skein.resume",
		mcp.WithDescription("Resume a paused execution from its latest checkpoint"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the paused execution")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("skein.pause",
		mcp.WithDescription("Checkpoint a running execution and park it. In-flight steps finish; nothing new starts"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the running execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("skein.cancel",
		mcp.WithDescription("Cancel an execution. Terminal executions cannot be cancelled"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("reason", mcp.Description("Why the execution is being cancelled")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("skein.approve",
		mcp.WithDescription("Resolve a pending human approval gate and resume the waiting execution"),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("ID of the pending approval request")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true to approve, false to reject")),
		mcp.WithString("approver", mcp.Description("Who decided")),
		mcp.WithString("reason", mcp.Description("Decision rationale")),
		mcp.WithObject("payload", mcp.Description("Extra data exposed as the gate step's output")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("skein.schedule",
		mcp.WithDescription("Manage cron schedules that run stored templates"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "enable", "disable", "delete"),
			mcp.Description("What to do"),
		),
		mcp.WithString("schedule_id", mcp.Description("Target schedule (required for enable/disable/delete)")),
		mcp.WithString("template_name", mcp.Description("Template to run (required for create)")),
		mcp.WithString("version", mcp.Description("Template version (default: latest)")),
		mcp.WithString("cron", mcp.Description("Standard 5-field cron expression (required for create)")),
		mcp.WithObject("input", mcp.Description("Input passed to every scheduled run")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("skein.query",
		mcp.WithDescription("List executions, events, templates, schedules, or approvals"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "events", "templates", "schedules", "approvals"),
			mcp.Description("Resource type to list"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, workflow, parent_id, schedule_id, execution_id, step_id, event_type, name, approver, enabled_only, limit)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("skein.diagram",
		mcp.WithDescription("Render a workflow as a diagram. Provide execution_id for a live run (step statuses are overlaid), template_name for a stored template, or definition for an inline document"),
		mcp.WithString("execution_id", mcp.Description("Execution to render with runtime status")),
		mcp.WithString("template_name", mcp.Description("Stored template name (alternative to execution_id)")),
		mcp.WithString("version", mcp.Description("Template version (default: latest)")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition (alternative to execution_id/template_name)")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii", "png"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}
