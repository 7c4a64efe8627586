// Package installer implements the reference collaborators.Installer: it
// runs the manifest's install command (params.Run, under unpackedPath) as a
// subprocess, reporting indeterminate progress since a plain exec.Command
// has no built-in progress channel. §6.3 treats the installer as an
// injectable collaborator outside the core engine's scope, and the pack
// carries no process-supervision library beyond the standard library for
// this — stdlib-only apart from zerolog for logging, see DESIGN.md.
package installer

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/bluebandedbee/updateclient/internal/collaborators"
	"github.com/bluebandedbee/updateclient/internal/component"
)

// Installer is the reference collaborators.Installer.
type Installer struct{}

// New creates an Installer.
func New() *Installer { return &Installer{} }

// Install implements collaborators.Installer. pkHash is accepted for
// interface conformance; the signature was already verified at unpack time.
func (in *Installer) Install(ctx context.Context, unpackedPath string, pkHash string, params *collaborators.InstallParams, onProgress collaborators.InstallProgressFunc) (collaborators.InstallResult, error) {
	_ = pkHash

	if params == nil || params.Run == "" {
		// Nothing to execute; unpacking alone constitutes the install.
		return collaborators.InstallResult{Category: component.ErrorCategoryNone}, nil
	}

	onProgress(-1)

	runPath := params.Run
	if !filepath.IsAbs(runPath) {
		runPath = filepath.Join(unpackedPath, runPath)
	}

	var args []string
	if params.Arguments != "" {
		args = strings.Fields(params.Arguments)
	}

	cmd := exec.CommandContext(ctx, runPath, args...)
	cmd.Dir = unpackedPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Warn().Err(err).Str("run", runPath).Str("output", string(output)).Msg("installer subprocess failed")
		return collaborators.InstallResult{
			Category: component.ErrorCategoryInstaller,
			Code:     component.InstallerGenericError,
		}, fmt.Errorf("run installer: %w", err)
	}

	onProgress(100)
	return collaborators.InstallResult{Category: component.ErrorCategoryNone}, nil
}
