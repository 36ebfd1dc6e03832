// Package config provides 12-factor configuration for the discovery daemon.
//
// Configuration is loaded from environment variables with sensible defaults.
// Access rules that do not fit an environment variable live in an optional
// HCL policy file (GATE_POLICY_FILE).
//
// Configuration Sections:
//   - Server: RPC and HTTP listen addresses
//   - Storage: data directory and transaction batching
//   - Identity: seed of the RPC key pair
//   - Health: probe frequency and timeout
//   - Gate: RPC allow-set and throttle limits
//   - RateLimit: per-IP limits of the query API
//   - Logging: log level and output format
//   - Metrics: prometheus exposition
//
// Example policy file:
//
//	allow = ["<hex key>"]
//
//	method "put-service" {
//	  rate  = 5
//	  burst = 10
//	}
//
//	peer "<hex key>" {
//	  address = env.PEER_A
//	}
//
// Environment Variables:
//   - RPC_ADDR, HTTP_ADDR, HTTP_MAX_CONNS
//   - STORAGE_PATH, STORAGE_MAX_PARALLEL, IDENTITY_SEED
//   - HEALTH_ENABLED, HEALTH_FREQUENCY, HEALTH_MAX_TIME
//   - RPC_ALLOWED_KEYS, GATE_MAX_CONNS, GATE_RPS, GATE_BURST, GATE_MAX_CONCURRENT, GATE_POLICY_FILE
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_MAX_CLIENTS, RATE_LIMIT_ENABLED
//   - LOG_LEVEL, LOG_DEV, LOG_OUTPUT, METRICS_ENABLED
package config
