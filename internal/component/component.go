package component

import "sync"

// Component owns one id's progress, error state, and event history for the
// lifetime of a single batch (§3.3, §3.6). It is created at batch
// construction, mutated only by the engine's single task runner, and
// destroyed with the UpdateContext.
type Component struct {
	mu sync.Mutex

	id   string
	item *CrxUpdateItem

	// InstalledVersion/InstalledFingerprint are the values the id had when
	// the batch started, used to fill the terminal event's
	// previousversion/nextversion fields (§3.5).
	installedVersion     string
	installedFingerprint string
	nextVersion           string

	events []Event

	diffErrorCat  ErrorCategory
	diffErrorCode int

	terminalEventSent bool

	plan Plan

	// cacheHitPath holds the path of the artifact a prior batch left for the
	// current (id, fingerprint) pair, letting the pipeline skip straight to
	// UPDATING (§4.3, "Cached-artifact reuse on installer failure").
	cacheHitPath string
}

// New creates a Component for id, seeded with the installed version and
// fingerprint at batch start.
func New(id string, c *CrxComponent, installedVersion, installedFingerprint string) *Component {
	return &Component{
		id:                   id,
		item:                 NewItem(id, c),
		installedVersion:     installedVersion,
		installedFingerprint: installedFingerprint,
	}
}

func (c *Component) ID() string { return c.id }

// Item returns a snapshot safe to hand to an observer.
func (c *Component) Item() *CrxUpdateItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.item.Clone()
}

// State returns the current state without cloning the whole item.
func (c *Component) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.item.State
}

// CrxComponent returns the resolved CrxComponent, if any.
func (c *Component) CrxComponent() *CrxComponent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.item.Component
}

// SetCrxComponent attaches the resolved CrxComponent (phase 1 resolution).
func (c *Component) SetCrxComponent(cc *CrxComponent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.item.Component = cc
}

// NextVersion returns the manifest version attempted this batch (set even on
// failure, per the terminal event contract in §4.3).
func (c *Component) NextVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextVersion
}

// SetNextVersion records the manifest version this batch is attempting.
func (c *Component) SetNextVersion(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextVersion = v
}

// InstalledVersion/InstalledFingerprint are the pre-batch values.
func (c *Component) InstalledVersion() string     { return c.installedVersion }
func (c *Component) InstalledFingerprint() string { return c.installedFingerprint }

// Transition moves the component to a new state and returns the snapshot to
// emit to observers. Every transition overwrites the error fields with the
// given values. Download counters are reset outside DOWNLOADING and
// DOWNLOADING_DIFF, and install progress outside UPDATING and UPDATING_DIFF.
func (c *Component) Transition(s State, errCat ErrorCategory, errCode, extraCode int) *CrxUpdateItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.item.State = s
	c.item.ErrorCategory = errCat
	c.item.ErrorCode = errCode
	c.item.ExtraCode1 = extraCode

	switch s {
	case StateDownloadingDiff, StateDownloading:
		if c.item.DownloadedBytes == 0 && c.item.TotalBytes == 0 {
			c.item.DownloadedBytes, c.item.TotalBytes = -1, -1
		}
	default:
		c.item.DownloadedBytes, c.item.TotalBytes = -1, -1
	}
	if s != StateUpdating && s != StateUpdatingDiff {
		c.item.InstallProgress = -1
	}

	return c.item.Clone()
}

// UpdateDownloadProgress records a downloader progress callback and returns
// the refreshed snapshot (§4.3, "Progress accounting").
func (c *Component) UpdateDownloadProgress(downloaded, total int64) *CrxUpdateItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.item.DownloadedBytes = downloaded
	c.item.TotalBytes = total
	return c.item.Clone()
}

// UpdateInstallProgress records an installer progress callback. Values are
// clamped to be non-decreasing within a single UPDATING run; -1 always
// passes through as "indeterminate".
func (c *Component) UpdateInstallProgress(percent int) *CrxUpdateItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	if percent != -1 && c.item.InstallProgress != -1 && percent < c.item.InstallProgress {
		percent = c.item.InstallProgress
	}
	c.item.InstallProgress = percent
	return c.item.Clone()
}

// SetCustomUpdatecheckData exposes server custom_attributes whose keys start
// with "_" (§3.2).
func (c *Component) SetCustomUpdatecheckData(attrs map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(attrs) == 0 {
		return
	}
	filtered := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if len(k) > 0 && k[0] == '_' {
			filtered[k] = v
		}
	}
	c.item.CustomUpdatecheckData = filtered
}

// RecordEvent appends a non-terminal or terminal event in order (§3.5).
func (c *Component) RecordEvent(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.IsTerminal() {
		if c.terminalEventSent {
			return
		}
		c.terminalEventSent = true
	}
	c.events = append(c.events, e)
}

// RecordDiffFailure remembers the diff error category/code so the terminal
// event can carry differrorcat/differrorcode (§4.3).
func (c *Component) RecordDiffFailure(cat ErrorCategory, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diffErrorCat = cat
	c.diffErrorCode = code
}

// DiffFailure returns the recorded diff error, if any.
func (c *Component) DiffFailure() (ErrorCategory, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diffErrorCat, c.diffErrorCode
}

// HasTerminalEvent reports whether the one-per-component terminal ping has
// already been recorded.
func (c *Component) HasTerminalEvent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalEventSent
}

// SetCacheHit records a pre-existing cached artifact path for this id's
// target fingerprint, allowing the pipeline to skip DOWNLOADING entirely.
func (c *Component) SetCacheHit(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheHitPath = path
}

// CacheHit returns the cached artifact path, if any.
func (c *Component) CacheHit() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheHitPath, c.cacheHitPath != ""
}

// Events returns a copy of the accumulated event sequence, in order.
func (c *Component) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}
