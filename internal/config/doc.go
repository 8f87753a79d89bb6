// Package config provides centralized configuration management for ChainGate.
// It loads configuration from several sources, validates it, and exposes a
// typed Config shared by the license server and the license agent.
//
// # Configuration Sources
//
// Configuration is layered in the following order, later layers winning:
//
//	1. Built-in defaults (Default)
//	2. A YAML file (config.yaml, configs/config.yaml, or an explicit path)
//	3. A .env file in the working directory, if present
//	4. Environment variables
//
// # Environment Variables
//
// All environment variables follow the pattern CHAINGATE_<SECTION>_<FIELD>:
//
//	CHAINGATE_SERVER_PORT=8090
//	CHAINGATE_UPSTREAM_URL=https://licensing.example.com/check
//	CHAINGATE_UPSTREAM_MAX_RETRIES=2
//	CHAINGATE_CACHE_TTL=5m
//	CHAINGATE_AGENT_BACKEND_URL=http://localhost:8090
//
// # Validation
//
// Load validates the shared sections. ValidateServer and ValidateAgent add
// the checks that only one binary needs, such as a configured upstream URL.
package config
