// Package domain contains the wire models shared by the ChainGate validation
// backend and the license agent. These types are the single source of truth
// for every JSON payload that crosses a process boundary.
package domain

import (
	"sort"
	"strings"
	"time"
)

// CheckStatus is the outcome of one upstream check for one product
type CheckStatus string

const (
	CheckStatusActive   CheckStatus = "active"
	CheckStatusInactive CheckStatus = "inactive"
	CheckStatusError    CheckStatus = "error"
)

// Result sources reported in ResolvedAccess.Source
const (
	SourceCache       = "cache"
	SourceUpstream    = "upstream"
	SourceBackend     = "backend"
	SourceStats       = "store_stats"
	SourceRows        = "store_rows"
	SourceRowsByUser  = "store_rows_by_user"
	SourceSynthesized = "synthesized"
	SourceValidation  = "input_validation"
)

// UpstreamCheckResult is the result of checking one product identifier
// against the licensing authority.
type UpstreamCheckResult struct {
	Identifier  string      `json:"identifier"`
	Status      CheckStatus `json:"status"`
	RawResponse string      `json:"rawResponse,omitempty"`
	ErrorDetail string      `json:"errorDetail,omitempty"`
	Attempts    int         `json:"attempts,omitempty"`
	ObservedAt  time.Time   `json:"observedAt"`
}

// ActiveEntitlement identifies the entitlement that decided the access set
type ActiveEntitlement struct {
	Identifier string      `json:"identifier"`
	Status     CheckStatus `json:"status"`
}

// ResolvedAccess is the canonical answer for an identity.
// UnlockedCapabilities is empty iff HasActiveLicense is false.
type ResolvedAccess struct {
	Success                bool                  `json:"success"`
	HasActiveLicense       bool                  `json:"hasActiveLicense"`
	UnlockedCapabilities   []string              `json:"unlockedCapabilities"`
	ActiveEntitlement      *ActiveEntitlement    `json:"activeEntitlement,omitempty"`
	PerformanceFlagEnabled bool                  `json:"performanceFlagEnabled"`
	PerProductResults      []UpstreamCheckResult `json:"perProductResults"`
	Message                string                `json:"message"`
	Source                 string                `json:"source,omitempty"`
	CheckedAt              time.Time             `json:"checkedAt"`
}

// Clone returns a deep copy so cached values are never shared with callers
func (r *ResolvedAccess) Clone() *ResolvedAccess {
	if r == nil {
		return nil
	}
	out := *r
	out.UnlockedCapabilities = append([]string(nil), r.UnlockedCapabilities...)
	out.PerProductResults = append([]UpstreamCheckResult(nil), r.PerProductResults...)
	if r.ActiveEntitlement != nil {
		ae := *r.ActiveEntitlement
		out.ActiveEntitlement = &ae
	}
	return &out
}

// DeniedAccess builds a fail-closed answer with the given message
func DeniedAccess(success bool, source, message string, checkedAt time.Time) *ResolvedAccess {
	return &ResolvedAccess{
		Success:              success,
		HasActiveLicense:     false,
		UnlockedCapabilities: []string{},
		PerProductResults:    []UpstreamCheckResult{},
		Message:              message,
		Source:               source,
		CheckedAt:            checkedAt,
	}
}

// LicenseCheckRequest is the body of POST /license-check
type LicenseCheckRequest struct {
	Email        string `json:"email"`
	ForceRefresh bool   `json:"forceRefresh,omitempty"`
}

// ClearCacheRequest is the body of POST /license-clear-cache
type ClearCacheRequest struct {
	Email string `json:"email,omitempty"`
}

// ClearCacheResponse reports how many entries were removed
type ClearCacheResponse struct {
	Cleared int    `json:"cleared"`
	Email   string `json:"email,omitempty"`
}

// CacheStatsResponse is the body of GET /license-stats
type CacheStatsResponse struct {
	TotalEntries int `json:"totalEntries"`
	ValidEntries int `json:"validEntries"`
}

// MirrorRecord is the locally persisted copy of the last successful verification
type MirrorRecord struct {
	HasLicense           bool      `json:"hasLicense"`
	UnlockedCapabilities []string  `json:"unlockedCapabilities"`
	CheckedAt            time.Time `json:"checkedAt"`
}

// NormalizeIdentity trims and lower-cases an email used as a key
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// SortedCapabilities returns a sorted, de-duplicated copy of caps
func SortedCapabilities(caps []string) []string {
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// SameCapabilities compares two capability lists as sets
func SameCapabilities(a, b []string) bool {
	left := SortedCapabilities(a)
	right := SortedCapabilities(b)
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}
