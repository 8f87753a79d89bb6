// Package app wires the ChainGate binaries together and owns their lifecycle.
//
// # License server
//
// NewApplication builds the server side: the upstream checker with its
// caching dialer, the validation cache, the license service, the optional
// remote store and the chi router. The initialization sequence is:
//
//	1. Validate the server configuration
//	2. Initialize OpenTelemetry (tracing and Prometheus metrics)
//	3. Open the configured store and run migrations when it is PostgreSQL
//	4. Build the license service and health checks
//	5. Mount the middleware chain and the handlers
//
// # License agent
//
// NewAgent builds the client side: the backend client, the verification
// façade with its store fallbacks and local mirror, the sync loop and the
// loopback UI server with its WebSocket hub. Agent.Verify answers once;
// Agent.Start keeps the license state synchronized until Agent.Stop.
//
// # Graceful Shutdown
//
// Run handles SIGINT and SIGTERM. Stop drains active requests, then closes
// the store, the dialer and the telemetry providers.
//
// # Error Handling
//
// Initialization errors are returned to the caller. IsConfigError separates
// bad configuration from runtime failures so main can pick the exit code.
package app
