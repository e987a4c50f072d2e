// Package server implements the HTTP and WebSocket side of GoChat Live.
//
// The Hub owns all shared chat state and applies events one at a time; each
// Client pumps frames between its connection and the hub. Configuration,
// origin checks, routing and the HTTP server live in their own files.
package server
