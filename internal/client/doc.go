// Package client talks to a running registry.
//
// Register mutates it over RPC with an identity derived from an access seed.
// Lookup reads it over the HTTP query API, retrying transient failures.
package client
