// Package engine implements UpdateEngine: the four-phase execution of one
// batch (§4.2) — resolve, update check, per-component execution, ping flush —
// on top of the serialized internal/taskrunner goroutine.
package engine

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/bluebandedbee/updateclient/internal/collaborators"
	"github.com/bluebandedbee/updateclient/internal/component"
	"github.com/bluebandedbee/updateclient/internal/observability"
	"github.com/bluebandedbee/updateclient/internal/taskrunner"
	"github.com/bluebandedbee/updateclient/internal/updatecontext"
)

// DataCallback resolves each requested id to an optional CrxComponent, in
// the same order as ids (§4.1). A nil entry means "data not available".
type DataCallback func(ctx context.Context, ids []string) ([]*component.CrxComponent, error)

// EmitFunc is called with a fresh snapshot on every observable state change.
type EmitFunc func(item *component.CrxUpdateItem)

// Outcome is the batch-level result handed back to UpdateClient.
type Outcome struct {
	Completion    component.CompletionCode
	RetryAfterSec int
	Err           error
}

// Engine drives one batch's phases on a shared Runner.
type Engine struct {
	runner *taskrunner.Runner
}

// New creates an Engine bound to runner. Runner ownership (and therefore the
// "one batch at a time" guarantee of §5) belongs to the caller.
func New(runner *taskrunner.Runner) *Engine {
	return &Engine{runner: runner}
}

// RunBatch executes the four phases of §4.2 for uctx and returns once the
// batch has reached completion (every component terminal, pings flushed).
// checkOnly implements check_for_update's "CAN_UPDATE is terminal, no
// download" variant (§4.1, S9).
func (e *Engine) RunBatch(ctx context.Context, uctx *updatecontext.UpdateContext, dataCB DataCallback, checkOnly bool, emit EmitFunc) Outcome {
	span := sentry.StartSpan(ctx, "engine.run_batch")
	span.SetTag("session_id", uctx.SessionID)
	defer span.Finish()

	ctx, otelSpan := observability.StartBatchSpan(ctx, uctx.SessionID, len(uctx.IDs))
	defer otelSpan.End()

	start := time.Now()
	finish := func(out Outcome) Outcome {
		observability.RecordBatch(ctx, time.Since(start), len(uctx.IDs), out.Completion.String())
		return out
	}

	if out, done := e.phaseResolve(ctx, uctx, dataCB, emit); done {
		e.phasePingFlush(ctx, uctx)
		return finish(out)
	}

	remaining := e.componentsAwaitingCheck(uctx)
	retryAfterSec := 0
	if len(remaining) > 0 {
		out, done := e.phaseCheck(ctx, uctx, remaining, emit)
		if done {
			e.phasePingFlush(ctx, uctx)
			return finish(out)
		}
		retryAfterSec = out.RetryAfterSec
	}

	e.phaseExecute(ctx, uctx, checkOnly, emit)
	e.phasePingFlush(ctx, uctx)

	return finish(Outcome{Completion: component.CompletionNone, RetryAfterSec: retryAfterSec})
}

func (e *Engine) componentsAwaitingCheck(uctx *updatecontext.UpdateContext) []string {
	var ids []string
	for _, comp := range uctx.Components() {
		if comp.State() == component.StateNew {
			ids = append(ids, comp.ID())
		}
	}
	return ids
}

// phaseResolve is §4.2 phase 1.
func (e *Engine) phaseResolve(ctx context.Context, uctx *updatecontext.UpdateContext, dataCB DataCallback, emit EmitFunc) (Outcome, bool) {
	span := sentry.StartSpan(ctx, "engine.resolve")
	defer span.Finish()

	resolved, err := dataCB(ctx, uctx.IDs)
	if err != nil {
		log.Error().Err(err).Str("session_id", uctx.SessionID).Msg("data callback failed")
		return Outcome{Completion: component.CompletionBadCrxDataCallback, Err: err}, true
	}
	if len(resolved) != len(uctx.IDs) {
		log.Error().
			Str("session_id", uctx.SessionID).
			Int("ids", len(uctx.IDs)).
			Int("resolved", len(resolved)).
			Msg("data callback returned mismatched length")
		return Outcome{Completion: component.CompletionBadCrxDataCallback}, true
	}

	for i, id := range uctx.IDs {
		cc := resolved[i]
		installedVersion, installedFP := "", ""
		if persisted := uctx.Collab().Persisted; persisted != nil {
			if v, f, ok, perr := persisted.GetVersionAndFingerprint(ctx, id); perr == nil && ok {
				installedVersion, installedFP = v, f
			}
		}

		comp := component.New(id, cc, installedVersion, installedFP)
		uctx.PutComponent(id, comp)

		if cc == nil {
			e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryService, component.ServiceCRXNotFound, 0, emit)
			continue
		}
	}

	return Outcome{}, false
}

// phaseCheck is §4.2 phase 2.
func (e *Engine) phaseCheck(ctx context.Context, uctx *updatecontext.UpdateContext, ids []string, emit EmitFunc) (Outcome, bool) {
	span := sentry.StartSpan(ctx, "engine.check")
	defer span.Finish()

	byID := make(map[string]*component.CrxComponent, len(ids))
	for _, id := range ids {
		comp := uctx.Component(id)
		e.run(ctx, func() {
			emit(comp.Transition(component.StateChecking, component.ErrorCategoryNone, 0, 0))
		})
		byID[id] = comp.CrxComponent()
	}

	checker := uctx.Collab().Checker
	if checker == nil {
		for _, id := range ids {
			comp := uctx.Component(id)
			e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryUpdateCheck, 0, 0, emit)
		}
		return Outcome{Completion: component.CompletionUpdateCheckError}, true
	}

	results, _, errCode, retryAfterSec, err := checker.Check(ctx, ids, byID, uctx.Meta.Merge())
	if err != nil || results == nil {
		log.Warn().Err(err).Str("session_id", uctx.SessionID).Msg("update check failed")
		for _, id := range ids {
			comp := uctx.Component(id)
			if comp.State() == component.StateChecking {
				e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryUpdateCheck, errCode, 0, emit)
			}
		}
		return Outcome{Completion: component.CompletionUpdateCheckError, RetryAfterSec: retryAfterSec}, true
	}

	byResult := make(map[string]collaborators.Result, len(results.List))
	for _, r := range results.List {
		byResult[r.ExtensionID] = r
	}

	for _, id := range ids {
		comp := uctx.Component(id)
		res, found := byResult[id]
		if !found {
			e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryService, component.ServiceUpdateResponseNotFound, 0, emit)
			continue
		}

		switch res.Status {
		case "ok":
			if cc := comp.CrxComponent(); cc != nil && !cc.UpdatesEnabled {
				// Server said "ok" but this component has updates disabled
				// locally; the check still went out, the update does not
				// get applied (§3.1, §4.1, S7).
				e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryService, component.ServiceUpdateDisabled, 0, emit)
				continue
			}

			plan := component.Plan{
				CrxURLs:          res.CrxURLs,
				CrxDiffURLs:      res.CrxDiffURLs,
				ManifestVersion:  res.Manifest.Version,
				InstallRun:       res.Manifest.Run,
				InstallArguments: res.Manifest.Arguments,
				ActionRun:        res.ActionRun,
			}
			if len(res.Manifest.Packages) > 0 {
				pkg := res.Manifest.Packages[0]
				plan.PkgName = pkg.Name
				plan.PkgHashSHA256 = pkg.HashSHA256
				plan.PkgSize = pkg.Size
				plan.PkgNameDiff = pkg.NameDiff
				plan.PkgHashDiffSHA256 = pkg.HashDiffSHA256
				plan.PkgSizeDiff = pkg.SizeDiff
				plan.PkgFingerprint = pkg.Fingerprint
			}
			e.run(ctx, func() {
				comp.SetPlan(plan)
				emit(comp.Transition(component.StateCanUpdate, component.ErrorCategoryNone, 0, 0))
			})

			if cacheGet := uctx.Collab().CacheGet; cacheGet != nil {
				cachePath, ok := cacheGet(id, plan.PkgFingerprint)
				observability.RecordCacheLookup(ctx, ok)
				if ok {
					comp.SetCacheHit(cachePath)
				}
			}

		case "noupdate":
			e.run(ctx, func() {
				comp.SetCustomUpdatecheckData(res.CustomAttributes)
				emit(comp.Transition(component.StateUpToDate, component.ErrorCategoryNone, 0, 0))
			})

		case "error-unknownApplication":
			e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryService, component.ServiceUnknownApplication, 0, emit)
		case "restricted":
			e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryService, component.ServiceRestrictedApplication, 0, emit)
		case "error-invalidAppId":
			e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryService, component.ServiceInvalidAppID, 0, emit)
		default:
			e.terminal(ctx, uctx, comp, component.StateUpdateError, component.ErrorCategoryService, component.ServiceUpdateResponseNotFound, 0, emit)
		}
	}

	return Outcome{RetryAfterSec: retryAfterSec}, false
}

// run submits fn to the runner, swallowing a cancelled-context error since
// the caller batch context outlives individual submits in all normal paths.
func (e *Engine) run(ctx context.Context, fn func()) {
	if err := e.runner.Submit(ctx, fn); err != nil {
		log.Debug().Err(err).Msg("engine task submit did not complete")
	}
}

// terminal transitions comp to a terminal state and records the
// once-per-component terminal event, except for UP_TO_DATE which (per S1) is
// "no terminal event needed when nothing changed".
func (e *Engine) terminal(ctx context.Context, uctx *updatecontext.UpdateContext, comp *component.Component, state component.State, cat component.ErrorCategory, code, extra int, emit EmitFunc) {
	e.run(ctx, func() {
		item := comp.Transition(state, cat, code, extra)
		emit(item)
		observability.RecordComponentOutcome(ctx, state.String(), cat.String())

		if state == component.StateUpToDate {
			return
		}

		diffCat, diffCode := comp.DiffFailure()
		eventResult := 0
		if state == component.StateUpdated {
			eventResult = 1
		}
		comp.RecordEvent(component.Event{
			EventType:       component.EventTypeUpdate,
			EventResult:     eventResult,
			ErrorCat:        cat,
			ErrorCode:       code,
			ExtraCode1:      extra,
			PreviousVersion: comp.InstalledVersion(),
			NextVersion:     comp.NextVersion(),
			DiffErrorCat:    diffCat,
			DiffErrorCode:   diffCode,
		})
	})
}

