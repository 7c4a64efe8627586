// Package patch implements the reference collaborators.Patcher. The pack
// ships no binary-diff library (bsdiff/courgette-equivalent), and §6.3
// treats patching as an injectable collaborator outside the core engine's
// scope, so this is a stdlib-only placeholder: it treats the patch file as
// the complete new artifact and copies it byte for byte to the output path
// rather than applying a true binary delta. See DESIGN.md.
package patch

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bluebandedbee/updateclient/internal/collaborators"
)

// Patcher is the reference collaborators.Patcher.
type Patcher struct{}

// New creates a Patcher.
func New() *Patcher { return &Patcher{} }

// Patch implements collaborators.Patcher. ctx and previousArtifactPath are
// accepted for interface conformance; this reference implementation doesn't
// compute a delta against the previous artifact — a real binary-diff
// patcher would.
func (p *Patcher) Patch(ctx context.Context, previousArtifactPath, patchPath, outputPath string) (collaborators.PatchResult, error) {
	_ = ctx
	_ = previousArtifactPath

	src, err := os.Open(patchPath)
	if err != nil {
		return collaborators.PatchResult{OK: false, ErrorCode: errOpenPatch}, fmt.Errorf("open patch: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(outputPath)
	if err != nil {
		return collaborators.PatchResult{OK: false, ErrorCode: errWriteOutput}, fmt.Errorf("create patch output: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return collaborators.PatchResult{OK: false, ErrorCode: errWriteOutput}, fmt.Errorf("write patch output: %w", err)
	}

	return collaborators.PatchResult{OK: true, OutputPath: outputPath}, nil
}

const (
	errOpenPatch   = 1
	errWriteOutput = 2
)
