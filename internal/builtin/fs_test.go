package builtin

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/isolation"
	"github.com/skein-dev/skein/pkg/schema"
)

func newFSProvider(t *testing.T) (*FSProvider, string) {
	t.Helper()
	dir := t.TempDir()
	p := NewFSProvider(FSConfig{Limits: isolation.Limits{WritablePaths: []string{dir}}})
	return p, dir
}

func invokeFS(t *testing.T, p *FSProvider, action string, params map[string]any) (map[string]any, error) {
	t.Helper()
	out, err := p.Invoke(context.Background(), action, params)
	if err != nil {
		return nil, err
	}
	result, ok := out.(map[string]any)
	require.True(t, ok, "fs provider must return a map")
	return result, nil
}

func TestFS_WriteReadRoundtrip(t *testing.T) {
	p, dir := newFSProvider(t)
	path := filepath.Join(dir, "note.txt")

	written, err := invokeFS(t, p, "write", map[string]any{"path": path, "content": "hello"})
	require.NoError(t, err)
	assert.Equal(t, 5, written["size"])

	read, err := invokeFS(t, p, "read", map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "hello", read["content"])
	assert.Equal(t, "text", read["encoding"])
}

func TestFS_ReadBinaryAutoBase64(t *testing.T) {
	p, dir := newFSProvider(t)
	path := filepath.Join(dir, "blob.bin")
	raw := []byte{0x00, 0x01, 0xff, 0x00}
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	read, err := invokeFS(t, p, "read", map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "base64", read["encoding"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(raw), read["content"])
}

func TestFS_ReadInvalidEncoding(t *testing.T) {
	p, dir := newFSProvider(t)
	_, err := invokeFS(t, p, "read", map[string]any{
		"path":     filepath.Join(dir, "x"),
		"encoding": "hex",
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestFS_WriteCreateDirs(t *testing.T) {
	p, dir := newFSProvider(t)
	path := filepath.Join(dir, "a", "b", "deep.txt")

	_, err := invokeFS(t, p, "write", map[string]any{"path": path, "content": "x"})
	require.Error(t, err, "missing parent directories must fail without create_dirs")

	_, err = invokeFS(t, p, "write", map[string]any{
		"path": path, "content": "x", "create_dirs": true,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestFS_AppendGrowsFile(t *testing.T) {
	p, dir := newFSProvider(t)
	path := filepath.Join(dir, "log.txt")

	first, err := invokeFS(t, p, "append", map[string]any{"path": path, "content": "one\n"})
	require.NoError(t, err)
	second, err := invokeFS(t, p, "append", map[string]any{"path": path, "content": "two\n"})
	require.NoError(t, err)

	assert.Equal(t, int64(4), first["size"])
	assert.Equal(t, int64(8), second["size"])
}

func TestFS_DeleteRecursive(t *testing.T) {
	p, dir := newFSProvider(t)
	sub := filepath.Join(dir, "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(sub, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "nested", "f.txt"), []byte("x"), 0o644))

	_, err := invokeFS(t, p, "delete", map[string]any{"path": sub})
	require.Error(t, err, "non-empty directory requires recursive")

	result, err := invokeFS(t, p, "delete", map[string]any{"path": sub, "recursive": true})
	require.NoError(t, err)
	assert.Equal(t, true, result["deleted"])
	assert.NoDirExists(t, sub)
}

func TestFS_ListWithPattern(t *testing.T) {
	p, dir := newFSProvider(t)
	for _, name := range []string{"a.json", "b.json", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}

	result, err := invokeFS(t, p, "list", map[string]any{"path": dir, "pattern": "*.json"})
	require.NoError(t, err)

	entries := result["entries"].([]map[string]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.json", entries[0]["name"])
	assert.Equal(t, "b.json", entries[1]["name"])
}

func TestFS_ListRecursive(t *testing.T) {
	p, dir := newFSProvider(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "deep.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "top.txt"), []byte("y"), 0o644))

	result, err := invokeFS(t, p, "list", map[string]any{"path": dir, "recursive": true})
	require.NoError(t, err)

	entries := result["entries"].([]map[string]any)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e["name"].(string))
	}
	assert.Contains(t, names, "deep.txt")
	assert.Contains(t, names, "top.txt")
	assert.Contains(t, names, "sub")
}

func TestFS_ListEmptyDirectory(t *testing.T) {
	p, dir := newFSProvider(t)
	result, err := invokeFS(t, p, "list", map[string]any{"path": dir})
	require.NoError(t, err)
	assert.Empty(t, result["entries"])
	assert.NotNil(t, result["entries"])
}

func TestFS_Stat(t *testing.T) {
	p, dir := newFSProvider(t)
	path := filepath.Join(dir, "meta.txt")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o600))

	result, err := invokeFS(t, p, "stat", map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, int64(5), result["size"])
	assert.Equal(t, false, result["is_dir"])
	assert.Equal(t, "0600", result["permissions"])
	assert.NotEmpty(t, result["modified_at"])
}

func TestFS_PathPolicyEnforced(t *testing.T) {
	p, _ := newFSProvider(t)
	outside := filepath.Join(t.TempDir(), "escape.txt")

	_, err := invokeFS(t, p, "write", map[string]any{"path": outside, "content": "x"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePathDenied))

	_, err = invokeFS(t, p, "read", map[string]any{"path": "/etc/passwd"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePathDenied))
}

func TestFS_MissingParams(t *testing.T) {
	p, dir := newFSProvider(t)

	_, err := invokeFS(t, p, "read", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = invokeFS(t, p, "write", map[string]any{"path": filepath.Join(dir, "f")})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestFS_UnknownAction(t *testing.T) {
	p, _ := newFSProvider(t)
	_, err := invokeFS(t, p, "chmod", map[string]any{"path": "/tmp/x"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCapabilityMismatch))
}

func TestFS_Manifest(t *testing.T) {
	m := NewFSProvider(FSConfig{}).Manifest()
	assert.Equal(t, "fs", m.Provider)
	assert.Len(t, m.Actions, 6)
	assert.True(t, m.Actions["read"].Idempotent)
	assert.False(t, m.Actions["append"].Idempotent)
}
