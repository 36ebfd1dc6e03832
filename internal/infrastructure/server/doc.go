// Package server wires the registry daemon: identity, access policy,
// throttle, registry service, the gRPC mutation surface and the HTTP query
// surface.
package server
