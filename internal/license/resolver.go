package license

import (
	"fmt"
	"time"

	"chaingate/pkg/contracts/domain"
)

// Resolution is the access set derived from a batch of check results
type Resolution struct {
	HasActiveLicense       bool
	UnlockedCapabilities   []string
	ActiveEntitlement      *domain.ActiveEntitlement
	PerformanceFlagEnabled bool
	FailedChecks           int
	Message                string
}

// Resolve applies tier precedence to results. The first active tier in rank
// order wins outright; active performance products are unioned on top.
// Unknown identifiers grant nothing.
func Resolve(catalog *Catalog, results []domain.UpstreamCheckResult) Resolution {
	active := make(map[string]bool, len(results))
	var res Resolution

	for _, r := range results {
		switch r.Status {
		case domain.CheckStatusActive:
			active[normalizeIdentifier(r.Identifier)] = true
		case domain.CheckStatusError:
			res.FailedChecks++
		}
	}

	var caps []string
	var tier *ProductEntitlement
	for _, t := range catalog.Tiers() {
		if active[t.Identifier] {
			t := t
			tier = &t
			caps = append(caps, t.Capabilities...)
			res.ActiveEntitlement = &domain.ActiveEntitlement{
				Identifier: t.Identifier,
				Status:     domain.CheckStatusActive,
			}
			break
		}
	}

	for _, p := range catalog.PerformanceProducts() {
		if !active[p.Identifier] {
			continue
		}
		res.PerformanceFlagEnabled = true
		caps = append(caps, p.Capabilities...)
		if res.ActiveEntitlement == nil {
			res.ActiveEntitlement = &domain.ActiveEntitlement{
				Identifier: p.Identifier,
				Status:     domain.CheckStatusActive,
			}
		}
	}

	res.UnlockedCapabilities = domain.SortedCapabilities(caps)
	res.HasActiveLicense = len(res.UnlockedCapabilities) > 0

	switch {
	case tier != nil && res.PerformanceFlagEnabled:
		res.Message = fmt.Sprintf("active license: %s with performance boost", tier.Identifier)
	case tier != nil:
		res.Message = fmt.Sprintf("active license: %s", tier.Identifier)
	case res.PerformanceFlagEnabled:
		res.Message = "performance boost active without a chain tier"
	case res.FailedChecks > 0:
		res.Message = fmt.Sprintf("no active license (%d checks failed)", res.FailedChecks)
	default:
		res.Message = "no active license"
	}

	return res
}

// Access assembles the canonical answer from a resolution
func (r Resolution) Access(success bool, results []domain.UpstreamCheckResult, source string, checkedAt time.Time) *domain.ResolvedAccess {
	access := &domain.ResolvedAccess{
		Success:                success,
		HasActiveLicense:       r.HasActiveLicense,
		UnlockedCapabilities:   append([]string{}, r.UnlockedCapabilities...),
		PerformanceFlagEnabled: r.PerformanceFlagEnabled,
		PerProductResults:      append([]domain.UpstreamCheckResult{}, results...),
		Message:                r.Message,
		Source:                 source,
		CheckedAt:              checkedAt,
	}
	if r.ActiveEntitlement != nil {
		ae := *r.ActiveEntitlement
		access.ActiveEntitlement = &ae
	}
	return access
}
