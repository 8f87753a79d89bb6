// Package http implements the HTTP handlers of both ChainGate binaries. The
// handlers stay thin: they decode the request, call a service and render
// the answer.
//
// # License server
//
//	POST /license-check        validate an identity; always 200 with a ResolvedAccess
//	POST /license-clear-cache  drop one cached identity or all of them
//	GET  /license-stats        cache population
//	GET  /healthz              liveness and dependency status
//	GET  /metrics              Prometheus exposition
//
// # License agent
//
//	GET  /status  current SyncState
//	POST /sync    manual sync
//
// # Error Handling
//
// Malformed requests and internal failures are RFC 7807 problem details:
//
//	{
//	    "type": "/errors/validation",
//	    "title": "Invalid Request",
//	    "status": 400,
//	    "detail": "request body must be a JSON object with an email field",
//	    "instance": "/license-check"
//	}
//
// A license that could not be verified is not an HTTP error. It is a 200
// whose body has success=false and no unlocked capabilities.
package http
