package component

// CrxComponent is the opaque, caller-supplied identity and configuration for
// one updatable unit (§3.1). A nil *CrxComponent is a legal value returned
// from the data callback: it means "data not available for this id".
type CrxComponent struct {
	AppID             string
	Name              string
	PublicKeyHash     string // fingerprint of the expected signer
	Version           string
	Fingerprint       string // opaque id of the installed artifact, for diffing
	InstallerHandle   any
	ActionHandler     any
	CrxFormatRequirement int
	UpdatesEnabled    bool
	IsForeground      bool

	// Caller-supplied attrs forwarded into the check request (§6.1).
	Brand string
	AP    string
	Lang  string
}

// CrxUpdateItem is the observable snapshot for one id, emitted to observers
// on every state transition (§3.2).
type CrxUpdateItem struct {
	State         State
	ID            string
	Component     *CrxComponent
	ErrorCategory ErrorCategory
	ErrorCode     int
	ExtraCode1    int

	// DownloadedBytes/TotalBytes are (-1,-1) whenever State is not a
	// downloading state (§3.2, invariant 4).
	DownloadedBytes int64
	TotalBytes      int64

	// InstallProgress is -1 (indeterminate) or 0..100, non-decreasing within
	// one UPDATING run (§3.3).
	InstallProgress int

	// CustomUpdatecheckData carries server custom_attributes whose keys
	// start with "_" (§3.2, open question 1).
	CustomUpdatecheckData map[string]string
}

// NewItem builds the initial NEW snapshot for an id.
func NewItem(id string, c *CrxComponent) *CrxUpdateItem {
	return &CrxUpdateItem{
		State:           StateNew,
		ID:              id,
		Component:       c,
		DownloadedBytes: -1,
		TotalBytes:      -1,
		InstallProgress: -1,
	}
}

// Clone returns a deep-enough copy safe to hand to observers without risking
// a data race against the component's own mutation.
func (i *CrxUpdateItem) Clone() *CrxUpdateItem {
	cp := *i
	if i.CustomUpdatecheckData != nil {
		cp.CustomUpdatecheckData = make(map[string]string, len(i.CustomUpdatecheckData))
		for k, v := range i.CustomUpdatecheckData {
			cp.CustomUpdatecheckData[k] = v
		}
	}
	return &cp
}
