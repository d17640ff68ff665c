package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/pkg/schema"

	"github.com/skein-dev/skein/internal/registry"
)

// fakeProvider is a scripted ActionProvider for tests.
type fakeProvider struct {
	name     string
	manifest Manifest
	invoke   func(ctx context.Context, action string, params map[string]any) (any, error)
	calls    int
}

func (f *fakeProvider) Name() string       { return f.name }
func (f *fakeProvider) Manifest() Manifest { return f.manifest }

func (f *fakeProvider) Invoke(ctx context.Context, action string, params map[string]any) (any, error) {
	f.calls++
	if f.invoke != nil {
		return f.invoke(ctx, action, params)
	}
	return map[string]any{"ok": true}, nil
}

func newGithubProvider() *fakeProvider {
	return &fakeProvider{
		name: "github",
		manifest: Manifest{
			Provider: "github",
			Actions: map[string]ActionSpec{
				"list_issues": {
					Idempotent: true,
					OutputSchema: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"items": map[string]any{"type": "array"},
							"count": map[string]any{"type": "number"},
						},
						"additionalProperties": false,
					},
				},
				"add_label": {},
			},
		},
	}
}

func TestRegistry_RegisterAndInvoke(t *testing.T) {
	r := NewRegistry(nil)
	p := newGithubProvider()
	require.NoError(t, r.Register(p))

	out, err := r.Invoke(context.Background(), "github", "list_issues", map[string]any{"repo": "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
	assert.Equal(t, 1, p.calls)
}

func TestRegistry_DuplicateProvider(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(newGithubProvider()))

	err := r.Register(newGithubProvider())
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeConflict, serr.Code)
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Invoke(context.Background(), "ghost", "x", nil)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeProviderUnavailable, serr.Code)
}

func TestRegistry_UndeclaredActionIsCapabilityMismatch(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(newGithubProvider()))

	_, err := r.Invoke(context.Background(), "github", "delete_repo", nil)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeCapabilityMismatch, serr.Code)
}

func TestRegistry_Has(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(newGithubProvider()))

	assert.True(t, r.Has("github", "list_issues"))
	assert.False(t, r.Has("github", "delete_repo"))
	assert.False(t, r.Has("ghost", "list_issues"))
}

func TestRegistry_Idempotent(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(newGithubProvider()))

	assert.True(t, r.Idempotent("github", "list_issues"))
	assert.False(t, r.Idempotent("github", "add_label"))
}

func TestRegistry_PublishesOutputSchemas(t *testing.T) {
	schemas := registry.New()
	r := NewRegistry(schemas)
	require.NoError(t, r.Register(newGithubProvider()))

	entry, err := schemas.Resolve("actions/github.list_issues@v1")
	require.NoError(t, err)
	assert.True(t, registry.FieldPathExists(entry.Doc, "items"))
	assert.False(t, registry.FieldPathExists(entry.Doc, "bogus"))
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&fakeProvider{name: "slack", manifest: Manifest{Provider: "slack"}}))
	require.NoError(t, r.Register(newGithubProvider()))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "github", list[0].Provider)
	assert.Equal(t, "slack", list[1].Provider)
}
