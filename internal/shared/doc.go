// Package shared provides common utilities and test helpers used across the
// ChainGate codebase.
//
// # Structure
//
//   - testutil: log capture handlers and an in-process fake of the upstream
//     licensing authority shared by the license, services and transport tests.
//
// This package must not contain domain logic; anything that decides access
// belongs in internal/license or internal/services.
package shared
