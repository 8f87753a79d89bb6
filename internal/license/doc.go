// Package license implements the access decision core of ChainGate: which
// chain tiers an identity may use, derived from per-product checks against
// the external licensing authority.
//
// # Components
//
//	- Catalog: immutable table of product identifiers, their capabilities
//	  and their precedence rank
//	- Checker: one bounded, retried upstream call per product
//	- Resolve: precedence walk that turns check results into an access set
//	- ValidationCache: TTL memoization keyed by normalized identity
//	- LicenseMetrics: OpenTelemetry instruments shared by the layers above
//
// # Fail-closed
//
// Only an explicit active marker from the upstream grants anything. Unknown
// identifiers, malformed bodies, timeouts and exhausted retries all resolve
// toward denial:
//
//	results := []domain.UpstreamCheckResult{
//	    checker.Check(ctx, "a@x.com", "DUOCHAIN"),
//	    checker.Check(ctx, "a@x.com", "ALLCHAIN"),
//	}
//	res := license.Resolve(catalog, results)
//	// res.UnlockedCapabilities holds the ALLCHAIN set if it is active,
//	// never the union of both tiers.
//
// # Precedence
//
// Tiers are ordered by an explicit Rank (lower is broader). The first active
// tier wins outright. Performance products sit outside the rank chain and
// are unioned independently.
package license
