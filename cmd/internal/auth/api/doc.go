// Package authapi exposes the HTTP account surface: register, login,
// refresh, logout and /me. It composes the identity store and the session
// service; it owns request parsing, throttling and status mapping, nothing
// else.
package authapi
