// Package updateclient implements UpdateClient, the caller-facing facade
// over UpdateEngine (§4.1): update/install/check_for_update/send_ping/stop/
// add_observer/remove_observer/is_updating, throttling, and the "one batch
// at a time" serialization invariant (§5). Grounded on the teacher's
// internal/jobs.Manager as the equivalent "one façade in front of a
// worker pool" shape, and on internal/jobs/worker.go's
// jobInfoCache+singleflight.Group for collapsing duplicate concurrent
// requests.
package updateclient

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/bluebandedbee/updateclient/internal/component"
	"github.com/bluebandedbee/updateclient/internal/engine"
	"github.com/bluebandedbee/updateclient/internal/taskrunner"
	"github.com/bluebandedbee/updateclient/internal/updatecontext"
)

// stopTimeout bounds how long Stop waits for in-flight runner tasks.
const stopTimeout = 30 * time.Second

// Observer receives a snapshot on every observable state change across
// every batch this client runs (§3.2).
type Observer interface {
	OnUpdateItem(item *component.CrxUpdateItem)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(item *component.CrxUpdateItem)

func (f ObserverFunc) OnUpdateItem(item *component.CrxUpdateItem) { f(item) }

// Result is returned from Update/CheckForUpdate once the batch completes.
type Result struct {
	Completion    component.CompletionCode
	RetryAfterSec int
	Items         map[string]*component.CrxUpdateItem
}

// UpdateClient is the single entry point callers use to drive update
// batches. One UpdateClient owns exactly one Runner/Engine pair; batches run
// on their callers' goroutines one at a time under batchMu, and their state
// changes are applied on the runner's single goroutine (§5).
type UpdateClient struct {
	runner *engineRunner
	collab updatecontext.Collaborators
	dataCB engine.DataCallback

	throttle Throttle

	mu         sync.Mutex
	observers  []Observer
	updating   map[string]struct{}
	activeCtxs map[string]*updatecontext.UpdateContext

	batchMu sync.Mutex // serializes RunBatch calls end-to-end (§5)

	sf singleflight.Group

	stopped atomic.Bool
}

type engineRunner struct {
	runner *taskrunner.Runner
	engine *engine.Engine
}

// New creates an UpdateClient. dataCB resolves requested ids to
// CrxComponents (§4.1 phase 1); collab bundles every injected collaborator.
func New(collab updatecontext.Collaborators, dataCB engine.DataCallback) *UpdateClient {
	runner := taskrunner.New(0)
	return &UpdateClient{
		runner:     &engineRunner{runner: runner, engine: engine.New(runner)},
		collab:     collab,
		dataCB:     dataCB,
		updating:   make(map[string]struct{}),
		activeCtxs: make(map[string]*updatecontext.UpdateContext),
	}
}

// AddObserver registers o to receive every future CrxUpdateItem snapshot.
func (c *UpdateClient) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// RemoveObserver unregisters o. Function observers (ObserverFunc) are matched
// by their code pointer, so closures made from the same function literal are
// not told apart.
func (c *UpdateClient) RemoveObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o == nil {
		return
	}
	target := reflect.ValueOf(o)
	for i, obs := range c.observers {
		v := reflect.ValueOf(obs)
		if v.Type() != target.Type() {
			continue
		}
		same := v.Type().Comparable() && obs == o
		if v.Kind() == reflect.Func {
			same = v.Pointer() == target.Pointer()
		}
		if same {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

func (c *UpdateClient) emit(item *component.CrxUpdateItem) {
	c.mu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		o.OnUpdateItem(item)
	}
}

// IsUpdating reports whether id is part of a currently in-flight batch.
func (c *UpdateClient) IsUpdating(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.updating[id]
	return ok
}

// Update runs the full check->download->install pipeline for ids (§4.1).
func (c *UpdateClient) Update(ctx context.Context, ids []string, meta updatecontext.RequestMetadata) (Result, error) {
	return c.run(ctx, ids, meta, false, c.dataCB)
}

// CheckForUpdate runs only phases 1-2; CAN_UPDATE is terminal, no download
// is attempted (§4.1, S9).
func (c *UpdateClient) CheckForUpdate(ctx context.Context, ids []string, meta updatecontext.RequestMetadata) (Result, error) {
	return c.run(ctx, ids, meta, true, c.dataCB)
}

// Install runs the full pipeline for a single, on-demand, foreground install
// (§4.1): one id, is_foreground=true, no check_for_update mode. If id is
// already part of an in-flight batch, it returns UPDATE_IN_PROGRESS instead
// of starting a second one. stateCB, if non-nil, observes only this call's
// events in addition to the client's regular observers.
func (c *UpdateClient) Install(ctx context.Context, id string, dataCB engine.DataCallback, stateCB Observer) (Result, error) {
	if id == "" {
		return Result{Completion: component.CompletionInvalidArgument}, fmt.Errorf("no id supplied")
	}
	if c.IsUpdating(id) {
		return Result{Completion: component.CompletionUpdateInProgress}, nil
	}

	if stateCB != nil {
		c.AddObserver(stateCB)
		defer c.RemoveObserver(stateCB)
	}

	resolve := dataCB
	if resolve == nil {
		resolve = c.dataCB
	}
	foregroundCB := func(ctx context.Context, ids []string) ([]*component.CrxComponent, error) {
		ccs, err := resolve(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, cc := range ccs {
			if cc != nil {
				cc.IsForeground = true
			}
		}
		return ccs, nil
	}

	return c.run(ctx, []string{id}, updatecontext.RequestMetadata{}, false, foregroundCB)
}

func (c *UpdateClient) run(ctx context.Context, ids []string, meta updatecontext.RequestMetadata, checkOnly bool, dataCB engine.DataCallback) (Result, error) {
	if len(ids) == 0 {
		return Result{Completion: component.CompletionInvalidArgument}, fmt.Errorf("no ids supplied")
	}

	if c.throttle.Active() {
		return Result{Completion: component.CompletionRetryLater, RetryAfterSec: c.throttle.RemainingSeconds()}, nil
	}

	c.markUpdating(ids)
	defer c.unmarkUpdating(ids)

	// Concurrent calls for the exact same id set share one in-flight batch
	// instead of each running the pipeline independently (singleflight.Group,
	// same library the teacher uses for jobInfoCache in internal/jobs/worker.go).
	key := singleflightKey(ids, checkOnly)
	out, err, _ := c.sf.Do(key, func() (any, error) {
		return c.runBatchSerialized(ctx, ids, meta, checkOnly, dataCB)
	})
	if err != nil {
		res, _ := out.(Result)
		return res, err
	}
	return out.(Result), nil
}

func (c *UpdateClient) runBatchSerialized(ctx context.Context, ids []string, meta updatecontext.RequestMetadata, checkOnly bool, dataCB engine.DataCallback) (Result, error) {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()

	if c.stopped.Load() {
		// Stop() was called while this batch was queued behind batchMu; it
		// never gets to run (S10).
		return Result{Completion: component.CompletionUpdateCanceled}, nil
	}

	uctx := updatecontext.New(ids, meta, c.collab)
	c.mu.Lock()
	c.activeCtxs[uctx.SessionID] = uctx
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.activeCtxs, uctx.SessionID)
		c.mu.Unlock()
	}()

	outcome := c.runner.engine.RunBatch(ctx, uctx, dataCB, checkOnly, c.emit)
	c.throttle.SetRetryAfter(outcome.RetryAfterSec)

	items := make(map[string]*component.CrxUpdateItem, len(ids))
	for _, comp := range uctx.Components() {
		items[comp.ID()] = comp.Item()
	}

	return Result{Completion: outcome.Completion, RetryAfterSec: outcome.RetryAfterSec, Items: items}, outcome.Err
}

// Cancel cancels the in-flight batch identified by sessionID, if any (§5).
func (c *UpdateClient) Cancel(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	uctx, ok := c.activeCtxs[sessionID]
	if !ok {
		return false
	}
	uctx.Cancel()
	return true
}

// Stop drains the engine's task runner, waiting for any in-flight work.
// Any batch still queued behind batchMu when Stop is called never runs; it
// completes UPDATE_CANCELED with no events (S10).
func (c *UpdateClient) Stop() {
	log.Info().Msg("stopping update client")
	c.stopped.Store(true)
	c.runner.runner.Stop(stopTimeout)
}

// SendPing fires a single install/uninstall telemetry event for id and
// returns immediately; the send happens on its own goroutine and never
// blocks the caller (§4.1). This is distinct from the batch-level ping
// flush in internal/engine/ping_flush.go, which reports events accumulated
// over an Update/Install call.
func (c *UpdateClient) SendPing(id string, event component.Event) {
	events := map[string][]component.Event{id: {event}}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if c.collab.Pinger == nil {
			return
		}
		if err := c.collab.Pinger.SendPing(ctx, "", events); err != nil {
			log.Warn().Err(err).Str("id", id).Msg("send_ping failed")
		}
	}()
}

func (c *UpdateClient) markUpdating(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.updating[id] = struct{}{}
	}
}

func (c *UpdateClient) unmarkUpdating(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.updating, id)
	}
}

func singleflightKey(ids []string, checkOnly bool) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	prefix := "update:"
	if checkOnly {
		prefix = "check:"
	}
	return prefix + strings.Join(sorted, ",")
}
