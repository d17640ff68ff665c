package isolation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/pkg/schema"
)

func TestCheckPath_UnrestrictedByDefault(t *testing.T) {
	var limits Limits
	assert.NoError(t, limits.CheckPath("/etc/passwd", PathRead))
	assert.NoError(t, limits.CheckPath("/tmp/out.txt", PathWrite))
}

func TestCheckPath_DenyListWins(t *testing.T) {
	dir := t.TempDir()
	limits := Limits{
		WritablePaths: []string{dir},
		DeniedPaths:   []string{filepath.Join(dir, "locked")},
	}

	assert.NoError(t, limits.CheckPath(filepath.Join(dir, "ok.txt"), PathWrite))

	err := limits.CheckPath(filepath.Join(dir, "locked", "secret.txt"), PathWrite)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePathDenied))
}

func TestCheckPath_WriteRequiresWritablePath(t *testing.T) {
	readable := t.TempDir()
	writable := t.TempDir()
	limits := Limits{
		ReadablePaths: []string{readable},
		WritablePaths: []string{writable},
	}

	assert.NoError(t, limits.CheckPath(filepath.Join(writable, "a.txt"), PathWrite))

	err := limits.CheckPath(filepath.Join(readable, "a.txt"), PathWrite)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePathDenied))
}

func TestCheckPath_WritablePathGrantsRead(t *testing.T) {
	writable := t.TempDir()
	limits := Limits{WritablePaths: []string{writable}}

	assert.NoError(t, limits.CheckPath(filepath.Join(writable, "a.txt"), PathRead))

	err := limits.CheckPath("/etc/passwd", PathRead)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePathDenied))
}

func TestCheckPath_NoPrefixFalsePositive(t *testing.T) {
	dir := t.TempDir()
	sibling := dir + "evil"
	require.NoError(t, os.MkdirAll(sibling, 0o755))
	t.Cleanup(func() { os.RemoveAll(sibling) })

	limits := Limits{WritablePaths: []string{dir}}
	err := limits.CheckPath(filepath.Join(sibling, "x.txt"), PathWrite)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePathDenied))
}

func TestCheckPath_TraversalEscapeDenied(t *testing.T) {
	dir := t.TempDir()
	limits := Limits{WritablePaths: []string{dir}}

	err := limits.CheckPath(filepath.Join(dir, "..", "escape.txt"), PathWrite)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePathDenied))
}

func TestCheckPath_SymlinkedParentResolved(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(allowed, "link")
	require.NoError(t, os.Symlink(outside, link))

	limits := Limits{WritablePaths: []string{allowed}}

	// The target does not exist yet; the symlinked parent must still be
	// resolved so the write lands outside the allowed tree and is denied.
	err := limits.CheckPath(filepath.Join(link, "new.txt"), PathWrite)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePathDenied))
}

func TestCheckPath_NullByteRejected(t *testing.T) {
	var limits Limits
	err := limits.CheckPath("/tmp/a\x00b", PathRead)
	require.Error(t, err)

	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodePathDenied, serr.Code)
	assert.False(t, serr.Retryable())
}

func TestCheckPath_InvalidDenyRuleFailsClosed(t *testing.T) {
	limits := Limits{
		WritablePaths: []string{t.TempDir()},
		DeniedPaths:   []string{"bad\x00rule"},
	}
	err := limits.CheckPath(filepath.Join(limits.WritablePaths[0], "a.txt"), PathWrite)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePathDenied))
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/a/b/c", "/a/b"))
	assert.True(t, within("/a/b", "/a/b"))
	assert.False(t, within("/a/bc", "/a/b"))
	assert.False(t, within("/a", "/a/b"))
}
