// Package server implements the chat server: a hub goroutine that multiplexes
// every WebSocket connection, authenticates accounts with a nonce challenge
// and routes requests between sessions.
//
// The implementation is organized into specialized files for configuration,
// the hub loop, per-connection pumps, the handshake, request routing and the
// HTTP surface.
package server
