package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bluebandedbee/updateclient/internal/collaborators"
	"github.com/bluebandedbee/updateclient/internal/component"
	"github.com/bluebandedbee/updateclient/internal/observability"
	"github.com/bluebandedbee/updateclient/internal/updatecontext"
)

// diskGate reports whether uctx has enough free space at its cache path for
// a download of declaredSize bytes (§4.3: "Before issuing any download...").
// A nil AvailableSpace collaborator means the gate is not enforced.
func (e *Engine) diskGate(uctx *updatecontext.UpdateContext, declaredSize int64) bool {
	probe := uctx.Collab().AvailableSpace
	if probe == nil || declaredSize <= 0 {
		return true
	}
	free, err := probe(uctx.Collab().CrxCachePath)
	if err != nil {
		log.Warn().Err(err).Msg("available space probe failed, proceeding without the disk gate")
		return true
	}
	return free >= declaredSize
}

// attemptDiff runs the DOWNLOADING_DIFF / UPDATING_DIFF pair (§4.3). It
// returns the patched artifact path on success. On a diff download or patch
// failure it remembers the failure for the eventual terminal event's
// differrorcat/differrorcode (a patch failure also records a non-terminal
// download event) and returns false so the caller falls back to a full
// download. When the disk gate rejects the diff it records the terminal
// UPDATE_ERROR itself and returns false; the caller then stops.
func (e *Engine) attemptDiff(ctx context.Context, uctx *updatecontext.UpdateContext, comp *component.Component, plan component.Plan, basePath string, emit EmitFunc) (string, bool) {
	if !e.diskGate(uctx, plan.PkgSizeDiff) {
		observability.RecordDiskGateRejection(ctx, comp.ID())
		e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryDownload, component.DownloadDiskFull, 0, emit)
		return "", false
	}

	e.run(ctx, func() {
		emit(comp.Transition(component.StateDownloadingDiff, component.ErrorCategoryNone, 0, 0))
	})

	diffPath, ok := e.downloadOne(ctx, uctx, comp, plan.CrxDiffURLs, plan.PkgHashDiffSHA256, true, emit)
	if !ok {
		comp.RecordDiffFailure(component.ErrorCategoryDownload, lastDownloadErrorCode(comp))
		return "", false
	}

	e.run(ctx, func() {
		emit(comp.Transition(component.StateUpdatingDiff, component.ErrorCategoryNone, 0, 0))
	})

	patcher := uctx.Collab().Patcher
	if patcher == nil {
		comp.RecordDiffFailure(component.ErrorCategoryUnpack, component.InstallerGenericError)
		return "", false
	}

	result, err := patcher.Patch(ctx, basePath, diffPath, diffPath+".patched")
	if err != nil || !result.OK {
		code := result.ErrorCode
		if err != nil {
			code = component.InstallerGenericError
		}
		comp.RecordDiffFailure(component.ErrorCategoryUnpack, code)
		comp.RecordEvent(component.Event{
			EventType:     component.EventTypeDownload,
			ErrorCat:      component.ErrorCategoryUnpack,
			ErrorCode:     code,
			DiffErrorCat:  component.ErrorCategoryUnpack,
			DiffErrorCode: code,
		})
		return "", false
	}

	return result.OutputPath, true
}

// attemptFull runs the DOWNLOADING state over the full-package URL list
// (§4.3). On total exhaustion it records the terminal UPDATE_ERROR itself and
// returns ok=false.
func (e *Engine) attemptFull(ctx context.Context, uctx *updatecontext.UpdateContext, comp *component.Component, plan component.Plan, emit EmitFunc) (string, bool) {
	if !e.diskGate(uctx, plan.PkgSize) {
		observability.RecordDiskGateRejection(ctx, comp.ID())
		e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryDownload, component.DownloadDiskFull, 0, emit)
		return "", false
	}

	e.run(ctx, func() {
		emit(comp.Transition(component.StateDownloading, component.ErrorCategoryNone, 0, 0))
	})

	path, ok := e.downloadOne(ctx, uctx, comp, plan.CrxURLs, plan.PkgHashSHA256, false, emit)
	if !ok {
		e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryDownload, lastDownloadErrorCode(comp), 0, emit)
		return "", false
	}
	return path, true
}

// lastDownloadErrorCode surfaces the most recent download-event error code
// recorded for comp, used to populate the terminal event after the URL list
// is exhausted. Falls back to InstallerGenericError when no download event
// was recorded.
func lastDownloadErrorCode(comp *component.Component) int {
	events := comp.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType == component.EventTypeDownload {
			return events[i].ErrorCode
		}
	}
	return component.InstallerGenericError
}

// downloadOne walks urls in order, trying each with the injected downloader
// until one succeeds and hashes correctly, or the list is exhausted. Every
// failed attempt (download error or hash mismatch) is recorded as a
// non-terminal event (§3.5, §4.3).
func (e *Engine) downloadOne(ctx context.Context, uctx *updatecontext.UpdateContext, comp *component.Component, urls []string, expectedHash string, diff bool, emit EmitFunc) (string, bool) {
	downloader := uctx.Collab().Downloader
	if downloader == nil || len(urls) == 0 {
		return "", false
	}

	for _, url := range urls {
		if uctx.Cancelled() {
			return "", false
		}

		type outcome struct {
			result  collaborators.DownloadResult
			metrics collaborators.DownloadMetrics
		}
		done := make(chan outcome, 1)

		onProgress := func(downloaded, total int64) {
			e.run(ctx, func() {
				emit(comp.UpdateDownloadProgress(downloaded, total))
			})
		}
		onComplete := func(_ bool, result collaborators.DownloadResult, metrics collaborators.DownloadMetrics) {
			done <- outcome{result: result, metrics: metrics}
		}

		cancel := downloader.StartDownload(ctx, url, onProgress, onComplete)

		var got outcome
		select {
		case got = <-done:
		case <-ctx.Done():
			if cancel != nil {
				cancel()
			}
			return "", false
		}

		ok := got.result.Error == 0 && got.result.ResponsePath != ""
		observability.RecordDownload(ctx, got.metrics.DownloadedBytes, time.Duration(got.metrics.DownloadTimeMS)*time.Millisecond, diff, ok)

		if ok {
			if expectedHash == "" || verifyHash(got.result.ResponsePath, expectedHash) {
				return got.result.ResponsePath, true
			}
			comp.RecordEvent(component.Event{
				EventType:       component.EventTypeDownload,
				ErrorCat:        component.ErrorCategoryDownload,
				ErrorCode:       hashMismatchErrorCode,
				DownloadURL:     url,
				DownloaderTag:   got.metrics.DownloaderTag,
				DownloadedBytes: got.metrics.DownloadedBytes,
				TotalBytes:      got.metrics.TotalBytes,
				DownloadTimeMS:  got.metrics.DownloadTimeMS,
			})
			continue
		}

		comp.RecordEvent(component.Event{
			EventType:       component.EventTypeDownload,
			ErrorCat:        component.ErrorCategoryDownload,
			ErrorCode:       got.result.Error,
			ExtraCode1:      got.result.ExtraCode1,
			DownloadURL:     url,
			DownloaderTag:   got.metrics.DownloaderTag,
			DownloadedBytes: got.metrics.DownloadedBytes,
			TotalBytes:      got.metrics.TotalBytes,
			DownloadTimeMS:  got.metrics.DownloadTimeMS,
		})
	}

	return "", false
}

// hashMismatchErrorCode is an implementation-defined Download-category code
// for "downloaded artifact does not match the manifest's declared hash";
// the specification leaves the exact value open (Open Question).
const hashMismatchErrorCode = 100

func verifyHash(path, expectedHexSHA256 string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	got := hex.EncodeToString(h.Sum(nil))
	return strings.EqualFold(got, expectedHexSHA256)
}
