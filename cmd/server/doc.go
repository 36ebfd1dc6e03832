// Package main is the entry point of the rpc-discovery registry daemon.
//
// The daemon keeps a replicated registry of RPC servers: which public key
// serves which service. Allowed identities change it over gRPC; anyone reads
// it over HTTP.
//
// The server provides:
//   - gRPC put-service and delete-service, gated by an allow-set of keys
//   - REST API for lookups and health
//   - WebSocket stream of health transitions
//   - Prometheus metrics
//
// Configuration:
//   - Environment variables (12-factor), see internal/infrastructure/config
//   - CLI flags (override env vars)
//   - HCL access policy file (allowed keys, method limits, peer addresses)
//
// Usage:
//
//	RPC_ALLOWED_KEYS=<hex key> ./server -storage ./rpc-discovery
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
