package patch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchCopiesPatchFileToOutput(t *testing.T) {
	dir := t.TempDir()
	patchPath := filepath.Join(dir, "patch.bin")
	require.NoError(t, os.WriteFile(patchPath, []byte("new-artifact-bytes"), 0o644))
	outputPath := filepath.Join(dir, "output.bin")

	p := New()
	result, err := p.Patch(context.Background(), filepath.Join(dir, "previous.bin"), patchPath, outputPath)

	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, outputPath, result.OutputPath)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "new-artifact-bytes", string(data))
}

func TestPatchFailsWhenPatchFileMissing(t *testing.T) {
	dir := t.TempDir()
	p := New()

	result, err := p.Patch(context.Background(), "", filepath.Join(dir, "missing.bin"), filepath.Join(dir, "out.bin"))

	assert.Error(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, errOpenPatch, result.ErrorCode)
}

func TestPatchFailsWhenOutputDirMissing(t *testing.T) {
	dir := t.TempDir()
	patchPath := filepath.Join(dir, "patch.bin")
	require.NoError(t, os.WriteFile(patchPath, []byte("x"), 0o644))

	p := New()
	result, err := p.Patch(context.Background(), "", patchPath, filepath.Join(dir, "no-such-dir", "out.bin"))

	assert.Error(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, errWriteOutput, result.ErrorCode)
}
