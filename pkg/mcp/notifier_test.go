package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/telemetry"
	"github.com/skein-dev/skein/pkg/schema"
)

func newTestNotifier(sessions *SessionRegistry) (*Notifier, *telemetry.MemoryHub) {
	hub := telemetry.NewMemoryHub()
	srv := server.NewMCPServer("skein-test", "0.0.1")
	return NewNotifier(srv, hub, sessions, nil), hub
}

func TestNotifier_IgnoresUnknownExecutions(t *testing.T) {
	n, _ := newTestNotifier(NewSessionRegistry())

	// No session is registered for this execution; deliver is a no-op.
	n.deliver(telemetry.Event{ExecutionID: "ex-unknown", Type: schema.EventExecutionCompleted})
}

func TestNotifier_DropsExpiredSessions(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Register("ex-1", "sess-gone")
	n, _ := newTestNotifier(sessions)

	// The server has never seen sess-gone, so the send fails with
	// ErrSessionNotFound and the stale mapping is dropped.
	n.deliver(telemetry.Event{ExecutionID: "ex-1", Type: schema.EventExecutionCompleted})

	_, ok := sessions.SessionFor("ex-1")
	assert.False(t, ok)
}

func TestNotifier_StartForwardsLifecycleEvents(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Register("ex-1", "sess-gone")
	n, hub := newTestNotifier(sessions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop, err := n.Start(ctx)
	require.NoError(t, err)
	defer stop()

	// Per-step events are filtered out by the subscription.
	require.NoError(t, hub.Publish(ctx, telemetry.Event{
		ExecutionID: "ex-1", StepID: "s1", Type: schema.EventStepCompleted,
	}))
	// The lifecycle event reaches deliver, which prunes the stale session.
	require.NoError(t, hub.Publish(ctx, telemetry.Event{
		ExecutionID: "ex-1", Type: schema.EventExecutionFailed,
	}))

	require.Eventually(t, func() bool {
		_, ok := sessions.SessionFor("ex-1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
