// Package transport implements the reference wire-protocol collaborators:
// an HTTP UpdateChecker and an HTTP CrxDownloader (§6.1, §6.2). Requests are
// signed with a service JWT the same way the teacher verifies inbound
// Supabase JWTs in internal/auth/middleware.go — golang-jwt/jwt/v5 for the
// token itself, here used to sign rather than to verify against a JWKS.
// Outbound request volume is capped with golang.org/x/time/rate, the same
// dependency the pack already carries for that concern.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/bluebandedbee/updateclient/internal/collaborators"
	"github.com/bluebandedbee/updateclient/internal/component"
)

// wireRequest is the outgoing update-check payload.
type wireRequest struct {
	IDs        []string           `json:"ids"`
	Components []wireComponent    `json:"components"`
	ExtraAttrs map[string]string  `json:"extra_attrs,omitempty"`
}

type wireComponent struct {
	ID             string `json:"id"`
	Version        string `json:"version"`
	Fingerprint    string `json:"fingerprint"`
	Brand          string `json:"brand,omitempty"`
	AP             string `json:"ap,omitempty"`
	Lang           string `json:"lang,omitempty"`
	UpdateDisabled bool   `json:"updatedisabled,omitempty"`
	InstallSource  string `json:"installsource,omitempty"`
}

// wireResponse is the incoming update-check payload.
type wireResponse struct {
	Results []wireResult `json:"results"`
}

type wireResult struct {
	ID               string              `json:"id"`
	Status           string              `json:"status"`
	CrxURLs          []string            `json:"crx_urls"`
	CrxDiffURLs      []string            `json:"crx_diff_urls"`
	Manifest         wireManifest        `json:"manifest"`
	ActionRun        string              `json:"action_run"`
	CustomAttributes map[string]string   `json:"custom_attributes"`
}

type wireManifest struct {
	Version   string       `json:"version"`
	Run       string       `json:"run"`
	Arguments string       `json:"arguments"`
	Packages  []wirePackage `json:"packages"`
}

type wirePackage struct {
	Name           string `json:"name"`
	HashSHA256     string `json:"hash_sha256"`
	Size           int64  `json:"size"`
	NameDiff       string `json:"namediff,omitempty"`
	HashDiffSHA256 string `json:"hashdiff_sha256,omitempty"`
	SizeDiff       int64  `json:"sizediff,omitempty"`
	Fingerprint    string `json:"fp"`
}

// Checker is the reference collaborators.UpdateChecker.
type Checker struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	signingKey []byte
	issuer     string
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithHTTPClient overrides the default http.Client (10s timeout).
func WithHTTPClient(c *http.Client) CheckerOption {
	return func(ch *Checker) { ch.httpClient = c }
}

// WithRateLimit overrides the default 10 req/s, burst-5 limiter.
func WithRateLimit(rps float64, burst int) CheckerOption {
	return func(ch *Checker) { ch.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewChecker creates a Checker against endpoint, signing outbound requests
// with signingKey as issuer (typically this service's own identity).
func NewChecker(endpoint, issuer string, signingKey []byte, opts ...CheckerOption) *Checker {
	c := &Checker{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 5),
		signingKey: signingKey,
		issuer:     issuer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Checker) signedToken() (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    c.issuer,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.signingKey)
}

// Check implements collaborators.UpdateChecker.
func (c *Checker) Check(ctx context.Context, ids []string, components map[string]*component.CrxComponent, extraAttrs map[string]string) (*collaborators.Results, collaborators.CheckError, int, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, collaborators.CheckErrorNoResponse, 0, 0, fmt.Errorf("rate limiter: %w", err)
	}

	req := wireRequest{IDs: ids, ExtraAttrs: extraAttrs}
	for _, id := range ids {
		wc := wireComponent{ID: id}
		if cc := components[id]; cc != nil {
			wc.Version = cc.Version
			wc.Fingerprint = cc.Fingerprint
			wc.Brand, wc.AP, wc.Lang = cc.Brand, cc.AP, cc.Lang
			wc.UpdateDisabled = !cc.UpdatesEnabled
			if cc.IsForeground {
				wc.InstallSource = "ondemand"
			}
		}
		req.Components = append(req.Components, wc)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, collaborators.CheckErrorParse, 0, 0, fmt.Errorf("marshal check request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, collaborators.CheckErrorNoResponse, 0, 0, fmt.Errorf("build check request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if len(c.signingKey) > 0 {
		token, err := c.signedToken()
		if err != nil {
			return nil, collaborators.CheckErrorNoResponse, 0, 0, fmt.Errorf("sign check request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, collaborators.CheckErrorNoResponse, 0, 0, fmt.Errorf("send check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, collaborators.CheckErrorNoResponse, 0, retryAfter, fmt.Errorf("update check throttled")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, collaborators.CheckErrorNoResponse, resp.StatusCode, 0, fmt.Errorf("update check returned status %d", resp.StatusCode)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, collaborators.CheckErrorParse, 0, 0, fmt.Errorf("decode check response: %w", err)
	}

	results := &collaborators.Results{List: make([]collaborators.Result, 0, len(wire.Results))}
	for _, r := range wire.Results {
		packages := make([]collaborators.Package, 0, len(r.Manifest.Packages))
		for _, p := range r.Manifest.Packages {
			packages = append(packages, collaborators.Package{
				Name:           p.Name,
				HashSHA256:     p.HashSHA256,
				Size:           p.Size,
				NameDiff:       p.NameDiff,
				HashDiffSHA256: p.HashDiffSHA256,
				SizeDiff:       p.SizeDiff,
				Fingerprint:    p.Fingerprint,
			})
		}
		results.List = append(results.List, collaborators.Result{
			ExtensionID: r.ID,
			Status:      r.Status,
			CrxURLs:     r.CrxURLs,
			CrxDiffURLs: r.CrxDiffURLs,
			Manifest: collaborators.Manifest{
				Version:   r.Manifest.Version,
				Run:       r.Manifest.Run,
				Arguments: r.Manifest.Arguments,
				Packages:  packages,
			},
			ActionRun:        r.ActionRun,
			CustomAttributes: r.CustomAttributes,
		})
	}

	return results, collaborators.CheckErrorNone, 0, 0, nil
}

func parseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(header, "%d", &seconds); err != nil {
		return 0
	}
	return seconds
}
