package diagram

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/pkg/schema"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func TestRenderPNG(t *testing.T) {
	if testing.Short() {
		t.Skip("graphviz render is slow under the wasm runtime")
	}

	png, err := RenderPNG(context.Background(), Build(testDef(), nil))
	require.NoError(t, err)
	require.Greater(t, len(png), len(pngMagic))
	assert.Equal(t, pngMagic, png[:len(pngMagic)])
}

func TestRenderPNG_WithOverlay(t *testing.T) {
	if testing.Short() {
		t.Skip("graphviz render is slow under the wasm runtime")
	}

	records := []*store.StepRecord{
		{StepID: "fetch", Status: schema.StepStatusCompleted},
		{StepID: "route", Status: schema.StepStatusFailed, Error: json.RawMessage(`{}`)},
	}
	png, err := RenderPNG(context.Background(), Build(testDef(), records))
	require.NoError(t, err)
	assert.Equal(t, pngMagic, png[:len(pngMagic)])
}
