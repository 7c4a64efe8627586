package engine

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/bluebandedbee/updateclient/internal/collaborators"
	"github.com/bluebandedbee/updateclient/internal/component"
	"github.com/bluebandedbee/updateclient/internal/updatecontext"
)

// installArtifact runs UPDATING over artifactPath: unpack, install, persist,
// and any post-install action (§4.3). It always ends comp in a terminal
// state and is the single exit point of the per-component pipeline once a
// candidate artifact exists.
func (e *Engine) installArtifact(ctx context.Context, uctx *updatecontext.UpdateContext, comp *component.Component, plan component.Plan, artifactPath string, emit EmitFunc) {
	cc := comp.CrxComponent()

	// Retain the artifact now, before the installer runs, so a later
	// installer failure still leaves a reusable cached artifact keyed by
	// (id, package.fingerprint) (§4.3, "Cached-artifact reuse on installer
	// failure").
	if put := uctx.Collab().CachePut; put != nil && plan.PkgFingerprint != "" {
		if err := put(comp.ID(), plan.PkgFingerprint, artifactPath); err != nil {
			log.Warn().Err(err).Str("id", comp.ID()).Msg("failed to cache downloaded artifact")
		}
	}

	e.run(ctx, func() {
		emit(comp.Transition(component.StateUpdating, component.ErrorCategoryNone, 0, 0))
	})

	unpacker := uctx.Collab().Unpacker
	if unpacker == nil {
		e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryUnpack, component.InstallerGenericError, 0, emit)
		return
	}

	var pkHash string
	var formatReq int
	if cc != nil {
		pkHash = cc.PublicKeyHash
		formatReq = cc.CrxFormatRequirement
	}

	unpacked, err := unpacker.Unpack(ctx, artifactPath, pkHash, formatReq)
	if err != nil || !unpacked.OK {
		code := unpacked.ErrorCode
		if err != nil {
			code = component.InstallerGenericError
		}
		e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryUnpack, code, 0, emit)
		return
	}
	defer os.RemoveAll(unpacked.UnpackedPath)

	installer := uctx.Collab().Installer
	if installer == nil {
		e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryInstaller, component.InstallerGenericError, 0, emit)
		return
	}

	onProgress := func(percent int) {
		e.run(ctx, func() {
			emit(comp.UpdateInstallProgress(percent))
			emit(comp.Transition(component.StateUpdating, component.ErrorCategoryNone, 0, 0))
		})
	}

	params := &collaborators.InstallParams{Run: plan.InstallRun, Arguments: plan.InstallArguments}
	result, err := installer.Install(ctx, unpacked.UnpackedPath, pkHash, params, onProgress)
	if err != nil || result.Category != component.ErrorCategoryNone {
		cat, code := result.Category, result.Code
		if err != nil {
			cat, code = component.ErrorCategoryInstaller, component.InstallerGenericError
		}
		e.terminal(ctx, uctx, comp, component.StateUpdateError, cat, code, 0, emit)
		return
	}

	if persisted := uctx.Collab().Persisted; persisted != nil {
		if err := persisted.SetVersionAndFingerprint(ctx, comp.ID(), plan.ManifestVersion, plan.PkgFingerprint); err != nil {
			log.Error().Err(err).Str("id", comp.ID()).Msg("failed to persist installed version/fingerprint")
		}
	}

	if plan.ActionRun != "" {
		e.runAction(ctx, uctx, comp, plan)
	}

	e.terminal(ctx, uctx, comp, component.StateUpdated, component.ErrorCategoryNone, 0, 0, emit)
}

// runAction invokes the manifest's action_run collaborator and records its
// outcome as a non-terminal event. It never changes the component's terminal
// state (§4.3).
func (e *Engine) runAction(ctx context.Context, uctx *updatecontext.UpdateContext, comp *component.Component, plan component.Plan) {
	handler := uctx.Collab().ActionHandler
	if handler == nil {
		return
	}
	ok, code, err := handler.Handle(ctx, plan.ActionRun, uctx.SessionID)
	result := 0
	if ok {
		result = 1
	}
	if err != nil {
		log.Warn().Err(err).Str("id", comp.ID()).Msg("post-install action failed")
	}
	comp.RecordEvent(component.Event{
		EventType:   component.EventTypeAction,
		EventResult: result,
		ErrorCode:   code,
	})
}
