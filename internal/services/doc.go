// Package services implements the business logic layer of the ChainGate
// license server. It sits between the HTTP handlers and the license core,
// keeping orchestration rules in one testable place.
//
// # Services
//
//	- LicenseService: validates an identity by fanning out one upstream check
//	  per catalog product, resolving the winning tier and memoizing the result
//	- HealthService: liveness and dependency status for /healthz
//
// # Failure semantics
//
// LicenseService.Validate never returns an error. Every failure, including a
// recovered panic, is reported as a ResolvedAccess with Success=false and no
// unlocked capabilities, so a caller can never mistake a failure for a
// reason to skip the access check.
package services
