package engine

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/bluebandedbee/updateclient/internal/component"
	"github.com/bluebandedbee/updateclient/internal/observability"
	"github.com/bluebandedbee/updateclient/internal/updatecontext"
)

// phasePingFlush is §4.2 phase 4: every component's accumulated events are
// handed to the PingManager in one call, keyed by id, after every component
// has reached a terminal state. A flush failure is logged and reported to
// Sentry but never changes any component's already-terminal state.
func (e *Engine) phasePingFlush(ctx context.Context, uctx *updatecontext.UpdateContext) {
	span := sentry.StartSpan(ctx, "engine.ping_flush")
	defer span.Finish()

	pinger := uctx.Collab().Pinger
	if pinger == nil {
		return
	}

	events := make(map[string][]component.Event)
	for _, comp := range uctx.Components() {
		if evs := comp.Events(); len(evs) > 0 {
			events[comp.ID()] = evs
		}
	}
	if len(events) == 0 {
		return
	}

	start := time.Now()
	err := pinger.SendPing(ctx, uctx.SessionID, events)
	observability.RecordPingFlush(ctx, time.Since(start), err == nil)
	if err != nil {
		log.Error().Err(err).Str("session_id", uctx.SessionID).Msg("ping flush failed")
		sentry.CaptureException(err)
	}
}
