package engine

import (
	"context"

	"github.com/getsentry/sentry-go"

	"github.com/bluebandedbee/updateclient/internal/component"
	"github.com/bluebandedbee/updateclient/internal/updatecontext"
)

// phaseExecute is §4.2 phase 3: every CAN_UPDATE component runs its download
// /verify/unpack/install pipeline to a terminal state before the next
// component starts — serial within the batch (§4.2, §5). Components
// already terminal (UP_TO_DATE, or failed in phase 1/2) are left untouched.
func (e *Engine) phaseExecute(ctx context.Context, uctx *updatecontext.UpdateContext, checkOnly bool, emit EmitFunc) {
	span := sentry.StartSpan(ctx, "engine.execute")
	defer span.Finish()

	for _, comp := range uctx.Components() {
		if comp.State() != component.StateCanUpdate {
			continue
		}
		if checkOnly {
			// check_for_update: CAN_UPDATE is terminal, no download (§4.1, S9).
			continue
		}
		e.runComponent(ctx, uctx, comp, emit)
	}
}

// runComponent drives one component from CAN_UPDATE to a terminal state
// (§4.3). It never returns an error: every failure mode ends in a terminal
// UPDATE_ERROR transition, recorded via e.terminal.
func (e *Engine) runComponent(ctx context.Context, uctx *updatecontext.UpdateContext, comp *component.Component, emit EmitFunc) {
	if uctx.Cancelled() {
		e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryService, component.ServiceCancelled, 0, emit)
		return
	}

	plan := comp.GetPlan()

	if cachePath, ok := comp.CacheHit(); ok {
		e.installArtifact(ctx, uctx, comp, plan, cachePath, emit)
		return
	}

	if cacheGet := uctx.Collab().CacheGet; plan.HasDiffCandidate() && cacheGet != nil {
		if basePath, ok := cacheGet(comp.ID(), comp.InstalledFingerprint()); ok {
			if artifactPath, ok := e.attemptDiff(ctx, uctx, comp, plan, basePath, emit); ok {
				e.installArtifact(ctx, uctx, comp, plan, artifactPath, emit)
				return
			}
			if uctx.Cancelled() {
				e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryService, component.ServiceCancelled, 0, emit)
				return
			}
			if comp.State().Terminal() {
				return // attemptDiff's disk gate already recorded the terminal error.
			}
			// Diff failed; fall through to full download with no additional
			// state between the failure and the full-download attempt (§4.3).
		}
	}

	artifactPath, ok := e.attemptFull(ctx, uctx, comp, plan, emit)
	if !ok {
		return // attemptFull already recorded the terminal error.
	}
	e.installArtifact(ctx, uctx, comp, plan, artifactPath, emit)
}
