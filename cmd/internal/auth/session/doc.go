// Package session implements relay's session subsystem: refresh-token backed
// sessions with rotation and reuse detection, and PASETO v4.public access
// tokens consumed by the HTTP and WebSocket layers.
package session
