// Package unpack implements the reference collaborators.Unpacker: archives
// are zip files carrying a top-level "PUBKEY_SHA256" entry whose content is
// the hex-encoded SHA-256 of the signer's public key. Unpack verifies that
// entry against the component's expected PublicKeyHash before extracting
// anything else. No archive-signing or CRX-format library appears anywhere
// in the example pack (§6.3 treats this as an injectable collaborator, out
// of the core engine's scope), so this is deliberately a stdlib-only
// reference implementation apart from google/uuid for work-directory names —
// see DESIGN.md.
package unpack

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bluebandedbee/updateclient/internal/collaborators"
)

const pubkeyEntryName = "PUBKEY_SHA256"

// Unpacker is the reference collaborators.Unpacker.
type Unpacker struct {
	workDir string
}

// New creates an Unpacker that extracts into fresh subdirectories of
// workDir.
func New(workDir string) *Unpacker {
	return &Unpacker{workDir: workDir}
}

// Unpack implements collaborators.Unpacker. formatRequirement is accepted
// for interface conformance but not enforced: the reference archive format
// has no notion of a CRX format version.
func (u *Unpacker) Unpack(ctx context.Context, archivePath string, pkHash string, formatRequirement int) (collaborators.UnpackResult, error) {
	_ = ctx
	_ = formatRequirement
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return collaborators.UnpackResult{OK: false, ErrorCode: errBadArchive}, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	if pkHash != "" {
		if err := verifyPublicKeyHash(r, pkHash); err != nil {
			return collaborators.UnpackResult{OK: false, ErrorCode: errSignatureMismatch}, err
		}
	}

	if err := os.MkdirAll(u.workDir, 0o755); err != nil {
		return collaborators.UnpackResult{OK: false, ErrorCode: errBadArchive}, fmt.Errorf("prepare work dir: %w", err)
	}
	destDir := filepath.Join(u.workDir, uuid.New().String())
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return collaborators.UnpackResult{OK: false, ErrorCode: errBadArchive}, fmt.Errorf("create dest dir: %w", err)
	}

	for _, f := range r.File {
		if f.Name == pubkeyEntryName {
			continue
		}
		if err := extractEntry(f, destDir); err != nil {
			os.RemoveAll(destDir)
			return collaborators.UnpackResult{OK: false, ErrorCode: errExtractFailed}, err
		}
	}

	return collaborators.UnpackResult{OK: true, UnpackedPath: destDir}, nil
}

func verifyPublicKeyHash(r *zip.ReadCloser, expected string) error {
	for _, f := range r.File {
		if f.Name != pubkeyEntryName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", pubkeyEntryName, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("read %s: %w", pubkeyEntryName, err)
		}
		if !strings.EqualFold(strings.TrimSpace(string(data)), expected) {
			return fmt.Errorf("public key hash mismatch")
		}
		return nil
	}
	return fmt.Errorf("archive missing %s entry", pubkeyEntryName)
}

func extractEntry(f *zip.File, destDir string) error {
	targetPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(targetPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("illegal archive entry path: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(targetPath, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return fmt.Errorf("create %s: %w", targetPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("write %s: %w", targetPath, err)
	}
	return nil
}

const (
	errBadArchive        = 1
	errSignatureMismatch = 2
	errExtractFailed     = 3
)
