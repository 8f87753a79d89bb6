package config

import "time"

// Application constants for the ChainGate license subsystem
const (
	// Application Info
	AppName   = "ChainGate"
	AppVendor = "ChainGate Labs"

	// EnvPrefix namespaces every environment variable (CHAINGATE_*)
	EnvPrefix = "CHAINGATE"

	// Local mirror key holding the last successful verification
	MirrorKey = "license-status"

	// Upstream protocol
	DefaultActiveMarker   = "active"
	DefaultAttemptTimeout = 15 * time.Second
	DefaultMaxRetries     = 2
	DefaultRetryDelay     = 2 * time.Second
	DefaultDNSRefresh     = 5 * time.Minute

	// Cache Settings
	LicenseCacheDuration = 5 * time.Minute

	// Sync loop
	DefaultSyncInterval     = 45 * time.Second
	DefaultSuspendThreshold = 3

	// HTTP Endpoints
	LicenseCheckEndpoint      = "/license-check"
	LicenseClearCacheEndpoint = "/license-clear-cache"
	LicenseStatsEndpoint      = "/license-stats"
	HealthEndpoint            = "/healthz"
	MetricsEndpoint           = "/metrics"

	// Agent UI endpoints
	AgentStatusEndpoint    = "/status"
	AgentSyncEndpoint      = "/sync"
	AgentWebSocketEndpoint = "/ws"

	// Store drivers
	StoreDriverNone     = "none"
	StoreDriverPostgres = "postgres"
	StoreDriverSheets   = "sheets"
)
