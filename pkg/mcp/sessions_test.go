package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("ex-1", "sess-a")
	r.Register("ex-2", "sess-a")
	r.Register("ex-3", "sess-b")

	sid, ok := r.SessionFor("ex-1")
	assert.True(t, ok)
	assert.Equal(t, "sess-a", sid)

	_, ok = r.SessionFor("ex-unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_ReplacesMapping(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("ex-1", "sess-a")
	r.Register("ex-1", "sess-b")

	sid, ok := r.SessionFor("ex-1")
	assert.True(t, ok)
	assert.Equal(t, "sess-b", sid)
}

func TestSessionRegistry_RemoveDropsAllSessionMappings(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("ex-1", "sess-a")
	r.Register("ex-2", "sess-a")
	r.Register("ex-3", "sess-b")

	r.Remove("sess-a")

	_, ok := r.SessionFor("ex-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("ex-2")
	assert.False(t, ok)
	sid, ok := r.SessionFor("ex-3")
	assert.True(t, ok)
	assert.Equal(t, "sess-b", sid)
}

func TestSessionRegistry_ForgetDropsOneExecution(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("ex-1", "sess-a")
	r.Register("ex-2", "sess-a")

	r.Forget("ex-1")

	_, ok := r.SessionFor("ex-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("ex-2")
	assert.True(t, ok)
}
