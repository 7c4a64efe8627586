package component

// Plan captures everything the update check resolved for a CAN_UPDATE
// component: the candidate URLs, the expected package hashes, and the
// install-time parameters (§4.2 phase 2, §4.3). It deliberately mirrors only
// the scalar/slice data the pipeline needs, not the full wire Result type,
// so this package stays free of a dependency on internal/collaborators.
type Plan struct {
	CrxURLs     []string
	CrxDiffURLs []string

	PkgName           string
	PkgHashSHA256     string
	PkgSize           int64
	PkgNameDiff       string
	PkgHashDiffSHA256 string
	PkgSizeDiff       int64
	PkgFingerprint    string

	ManifestVersion string
	InstallRun       string
	InstallArguments string

	ActionRun string
}

// SetPlan stores the resolved plan and the manifest version as NextVersion.
func (c *Component) SetPlan(p Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plan = p
	c.nextVersion = p.ManifestVersion
}

// GetPlan returns the resolved plan.
func (c *Component) GetPlan() Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plan
}

// HasDiffCandidate reports whether both diff fields and at least one diff URL
// are present — a necessary (not sufficient; the cache must also hit)
// condition for attempting DOWNLOADING_DIFF (§4.3).
func (p Plan) HasDiffCandidate() bool {
	return p.PkgNameDiff != "" && p.PkgHashDiffSHA256 != "" && len(p.CrxDiffURLs) > 0
}
