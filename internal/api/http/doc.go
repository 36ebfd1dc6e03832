/*
Package http serves the read-only query API of the registry.

Routes:

	GET /                      registry keys and counters
	GET /health                daemon status, HTTP and RPC stats
	GET /services?limit=       every entry, in key order
	GET /services/:name?limit= entries of one service, in registration order
	GET /entries/:key          one entry by public key
	GET /health/targets        monitored targets
	GET /health/targets/:key   one target; ?probe=true checks it now

Every entry carries its current health.
*/
package http
