// Package collaborators defines the external interfaces the update engine
// consumes (§6 of the specification). The engine never implements these
// itself — it only calls them and reacts to their callbacks. Concrete
// reference implementations live in internal/transport, internal/unpack,
// internal/patch, internal/installer and internal/persist.
package collaborators

import (
	"context"

	"github.com/bluebandedbee/updateclient/internal/component"
)

// Package describes one downloadable artifact as returned by the update
// check (§6.1).
type Package struct {
	Name           string
	HashSHA256     string
	Size           int64 // declared full-package size, for the disk-space gate (§4.3)
	NameDiff       string // optional
	HashDiffSHA256 string // optional
	SizeDiff       int64  // declared diff-package size; 0 if NameDiff is empty
	Fingerprint    string
}

// Manifest is the per-component manifest section of an update-check result.
type Manifest struct {
	Version   string
	Run       string
	Arguments string
	Packages  []Package
}

// Result is one component's entry in an UpdateChecker response.
type Result struct {
	ExtensionID      string
	Status           string // "ok" | "noupdate" | "error-*" | ...
	CrxURLs          []string
	CrxDiffURLs      []string
	Manifest         Manifest
	ActionRun        string
	CustomAttributes map[string]string
}

// Results is the ordered set of per-component results from one check call.
type Results struct {
	List []Result
}

// CheckError is a coarse classification of UpdateChecker failure.
type CheckError int

const (
	CheckErrorNone CheckError = iota
	CheckErrorParse
	CheckErrorNoResponse
)

// UpdateChecker is the injected wire-protocol collaborator (§6.1). extraAttrs
// carries caller-supplied, protocol-opaque key/value pairs (brand/ap/lang
// etc.) to be folded into the outgoing request.
type UpdateChecker interface {
	Check(ctx context.Context, ids []string, components map[string]*component.CrxComponent, extraAttrs map[string]string) (results *Results, errCat CheckError, errCode int, retryAfterSec int, err error)
}

// DownloadResult is the terminal outcome of one CrxDownloader attempt (§6.2).
// A successful download has Error == 0 and a non-empty ResponsePath.
type DownloadResult struct {
	Error        int
	ExtraCode1   int
	ResponsePath string
}

// DownloadMetrics carries per-attempt downloader telemetry; the engine copies
// a failed attempt's metrics into that attempt's non-terminal download event
// (§6.2, SPEC_FULL §D.2).
type DownloadMetrics struct {
	URL            string
	DownloaderTag  string
	Error          int
	ExtraCode1     int
	DownloadedBytes int64
	TotalBytes     int64
	DownloadTimeMS int64
}

// DownloadProgressFunc is invoked on the engine runner as bytes arrive.
// Either value may be -1 when unknown.
type DownloadProgressFunc func(downloadedBytes, totalBytes int64)

// DownloadCompleteFunc is invoked exactly once when a download attempt ends.
type DownloadCompleteFunc func(isHandled bool, result DownloadResult, metrics DownloadMetrics)

// CancelFunc stops an in-flight download as soon as practical.
type CancelFunc func()

// CrxDownloader is the injected byte-range downloader (§6.2). The core only
// consumes its callbacks; it never blocks on I/O directly.
type CrxDownloader interface {
	StartDownload(ctx context.Context, url string, onProgress DownloadProgressFunc, onComplete DownloadCompleteFunc) CancelFunc
}

// UnpackResult is returned by Unpacker.Unpack.
type UnpackResult struct {
	OK           bool
	ErrorCode    int
	UnpackedPath string
}

// Unpacker verifies an archive against the component's public-key hash and
// format requirement, then extracts it (§6.3).
type Unpacker interface {
	Unpack(ctx context.Context, archivePath string, pkHash string, formatRequirement int) (UnpackResult, error)
}

// PatchResult is returned by Patcher.Patch.
type PatchResult struct {
	OK           bool
	ErrorCode    int
	OutputPath   string
}

// Patcher applies a binary diff against a cached previous artifact (§6.3).
type Patcher interface {
	Patch(ctx context.Context, previousArtifactPath, patchPath, outputPath string) (PatchResult, error)
}

// InstallParams is the optional run/arguments pair from the manifest.
type InstallParams struct {
	Run       string
	Arguments string
}

// InstallProgressFunc reports an integer percentage, or -1 for indeterminate.
type InstallProgressFunc func(percent int)

// InstallResult is returned on installer completion.
type InstallResult struct {
	Category component.ErrorCategory
	Code     int
}

// Installer installs an unpacked component directory (§6.3).
type Installer interface {
	Install(ctx context.Context, unpackedPath string, pkHash string, params *InstallParams, onProgress InstallProgressFunc) (InstallResult, error)
}

// ActionHandler runs a post-install action named by the manifest's
// action_run (§4.3). Its outcome never changes the component's terminal
// state; it only contributes an event.
type ActionHandler interface {
	Handle(ctx context.Context, actionPath string, sessionID string) (ok bool, errorCode int, err error)
}

// PersistedData is the injected preferences store (§6.4). Keys are written
// atomically at successful installer completion and never at any other
// point.
type PersistedData interface {
	GetVersionAndFingerprint(ctx context.Context, id string) (version, fingerprint string, ok bool, err error)
	SetVersionAndFingerprint(ctx context.Context, id, version, fingerprint string) error
}

// PingManager persists/flushes one batch's accumulated events (§4.2 phase 4).
// The ping manager owns its own serialization: the engine may call it again
// for the next batch while the previous batch's flush is still in flight.
type PingManager interface {
	SendPing(ctx context.Context, sessionID string, events map[string][]component.Event) error
}

// AvailableSpaceFunc probes free space at a cache directory (§3.4).
type AvailableSpaceFunc func(path string) (int64, error)
