// Package updatecontext implements UpdateContext, the per-batch owner of
// shared collaborators, session id, id ordering and the component map
// (§3.4). A batch's UpdateContext is created once by UpdateClient, shared by
// reference for the batch's lifetime, and released once the completion
// callback has run and the ping flush has completed.
package updatecontext

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/bluebandedbee/updateclient/internal/collaborators"
	"github.com/bluebandedbee/updateclient/internal/component"
)

// Collaborators bundles every injected dependency a batch needs. Any field
// may be nil in tests that don't exercise that path.
type Collaborators struct {
	Checker        collaborators.UpdateChecker
	Downloader     collaborators.CrxDownloader
	Unpacker       collaborators.Unpacker
	Patcher        collaborators.Patcher
	Installer      collaborators.Installer
	ActionHandler  collaborators.ActionHandler
	Persisted      collaborators.PersistedData
	Pinger         collaborators.PingManager
	AvailableSpace collaborators.AvailableSpaceFunc

	CrxCachePath string
	CacheGet     func(id, fingerprint string) (path string, ok bool)
	CachePut     func(id, fingerprint, path string) error
}

// RequestMetadata is the caller-supplied, protocol-opaque attributes folded
// into the outgoing check request (SPEC_FULL §D.1): brand/ap/lang plus
// whatever free-form extra_attrs the caller wants forwarded.
type RequestMetadata struct {
	Brand      string
	AP         string
	Lang       string
	ExtraAttrs map[string]string
}

// Merge flattens brand/ap/lang and ExtraAttrs into the single map
// UpdateChecker.Check expects as extraAttrs.
func (m RequestMetadata) Merge() map[string]string {
	out := make(map[string]string, len(m.ExtraAttrs)+3)
	if m.Brand != "" {
		out["brand"] = m.Brand
	}
	if m.AP != "" {
		out["ap"] = m.AP
	}
	if m.Lang != "" {
		out["lang"] = m.Lang
	}
	for k, v := range m.ExtraAttrs {
		out[k] = v
	}
	return out
}

// UpdateContext owns one batch's session id, ordered id list, component map
// and collaborator bundle (§3.4).
type UpdateContext struct {
	SessionID string
	IDs       []string
	Meta      RequestMetadata

	collab Collaborators

	components map[string]*component.Component

	cancelled atomic.Bool
}

// New creates an UpdateContext for ids, in caller-supplied order (§3.4,
// invariant: every id has exactly one entry, in caller order).
func New(ids []string, meta RequestMetadata, collab Collaborators) *UpdateContext {
	ctx := &UpdateContext{
		SessionID:  uuid.New().String(),
		IDs:        append([]string(nil), ids...),
		Meta:       meta,
		collab:     collab,
		components: make(map[string]*component.Component, len(ids)),
	}
	return ctx
}

// Collab returns the batch's injected collaborators.
func (c *UpdateContext) Collab() Collaborators { return c.collab }

// PutComponent registers a Component for id. Called once per id during
// engine phase 1 (resolve).
func (c *UpdateContext) PutComponent(id string, comp *component.Component) {
	c.components[id] = comp
}

// Component returns the Component for id, or nil if not yet registered.
func (c *UpdateContext) Component(id string) *component.Component {
	return c.components[id]
}

// Components returns every registered component, in the batch's id order.
func (c *UpdateContext) Components() []*component.Component {
	out := make([]*component.Component, 0, len(c.IDs))
	for _, id := range c.IDs {
		if comp, ok := c.components[id]; ok {
			out = append(out, comp)
		}
	}
	return out
}

// Cancel latches the batch's cancellation flag. Idempotent (§5).
func (c *UpdateContext) Cancel() {
	c.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called for this batch.
func (c *UpdateContext) Cancelled() bool {
	return c.cancelled.Load()
}
