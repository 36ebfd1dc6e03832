// Package ws streams health transitions to WebSocket clients.
//
// A client connecting to /health/stream first receives a snapshot of every
// monitored target, then one frame per transition.
//
// Message Types (Client → Server):
//   - ping: Keep-alive ping
//
// Message Types (Server → Client):
//   - snapshot: every target with its current health
//   - transition: one target changed health
//   - pong: reply to ping
//   - error: the client fell behind and is being dropped
//
// Example Usage:
//
//	handler := ws.NewHandler(registry, metrics, logger)
//	router.GET("/health/stream", handler.HandleConnection)
package ws
