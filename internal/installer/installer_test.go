package installer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluebandedbee/updateclient/internal/collaborators"
	"github.com/bluebandedbee/updateclient/internal/component"
)

func TestInstallWithNoParamsIsNoOp(t *testing.T) {
	in := New()
	result, err := in.Install(context.Background(), t.TempDir(), "", nil, func(int) {})

	require.NoError(t, err)
	assert.Equal(t, component.ErrorCategoryNone, result.Category)
}

func TestInstallWithEmptyRunIsNoOp(t *testing.T) {
	in := New()
	result, err := in.Install(context.Background(), t.TempDir(), "", &collaborators.InstallParams{}, func(int) {})

	require.NoError(t, err)
	assert.Equal(t, component.ErrorCategoryNone, result.Category)
}

func TestInstallRunsScriptAndReportsProgress(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("reference installer invokes a shell script")
	}

	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "install.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	var progress []int
	in := New()
	result, err := in.Install(context.Background(), dir, "", &collaborators.InstallParams{Run: "install.sh"}, func(p int) {
		progress = append(progress, p)
	})

	require.NoError(t, err)
	assert.Equal(t, component.ErrorCategoryNone, result.Category)
	assert.Equal(t, []int{-1, 100}, progress)
}

func TestInstallReportsInstallerErrorOnFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("reference installer invokes a shell script")
	}

	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "install.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	in := New()
	result, err := in.Install(context.Background(), dir, "", &collaborators.InstallParams{Run: "install.sh"}, func(int) {})

	assert.Error(t, err)
	assert.Equal(t, component.ErrorCategoryInstaller, result.Category)
	assert.Equal(t, component.InstallerGenericError, result.Code)
}
