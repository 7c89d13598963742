// Package server exposes the HTTP surface: SSE and WebSocket event streams,
// the publish API, diagnostics reads, and health/metrics endpoints.
//
// The transport layer owns the underlying streams. It registers a sink with
// the hub when a client opens a stream, unregisters on disconnect, and
// consults the abuse guard before admitting a new stream for a tab.
package server
