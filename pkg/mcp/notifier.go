package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/skein-dev/skein/internal/telemetry"
	"github.com/skein-dev/skein/pkg/schema"
)

// notifyEvents are the lifecycle transitions worth pushing to clients.
// Per-step chatter stays in the audit log.
var notifyEvents = []string{
	schema.EventExecutionCompleted,
	schema.EventExecutionFailed,
	schema.EventExecutionCancelled,
	schema.EventExecutionPaused,
	schema.EventApprovalRequested,
}

// Notifier pushes execution lifecycle events to the MCP session that
// started each execution. Best-effort: disconnected clients lose events.
type Notifier struct {
	mcpServer *server.MCPServer
	hub       telemetry.Hub
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewNotifier creates a notifier fed by the telemetry hub.
func NewNotifier(mcpServer *server.MCPServer, hub telemetry.Hub, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{mcpServer: mcpServer, hub: hub, sessions: sessions, logger: logger}
}

// Start subscribes to the hub and forwards events until ctx is cancelled.
// The returned stop function unsubscribes.
func (n *Notifier) Start(ctx context.Context) (func(), error) {
	events, unsubscribe, err := n.hub.Subscribe(ctx, telemetry.Filter{Types: notifyEvents})
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				n.deliver(ev)
			}
		}
	}()
	return unsubscribe, nil
}

// deliver sends one event to the session tied to its execution.
func (n *Notifier) deliver(ev telemetry.Event) {
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return
	}
	payload := map[string]any{
		"execution_id": ev.ExecutionID,
		"type":         ev.Type,
	}
	if ev.StepID != "" {
		payload["step_id"] = ev.StepID
	}
	if ev.Payload != nil {
		payload["payload"] = ev.Payload
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Warn("notification delivery failed",
			slog.String("execution_id", ev.ExecutionID), slog.String("error", err.Error()))
	}
}
