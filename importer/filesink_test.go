package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_CopiesArtifact(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "req-1_model.glb")
	require.NoError(t, os.WriteFile(src, glbPayload, 0644))

	sink := NewFileSink(t.TempDir())
	handle, err := sink.Place(context.Background(), src, "glb")
	require.NoError(t, err)

	assert.NotEqual(t, src, handle)
	data, err := os.ReadFile(handle)
	require.NoError(t, err)
	assert.Equal(t, glbPayload, data)
}

func TestFileSink_SameDirIsNoop(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "model.glb")
	require.NoError(t, os.WriteFile(src, glbPayload, 0644))

	sink := NewFileSink(dir)
	handle, err := sink.Place(context.Background(), src, "glb")
	require.NoError(t, err)
	assert.Equal(t, src, handle)
}

func TestFileSink_MissingSource(t *testing.T) {
	sink := NewFileSink(t.TempDir())
	_, err := sink.Place(context.Background(), filepath.Join(t.TempDir(), "missing.glb"), "glb")
	require.Error(t, err)
}
