// Package chatapi exposes the authenticated HTTP chat surface. All routes
// require a bearer access token; the realtime side effects (presence,
// fan-out) happen inside the chat service's notifier, not here.
package chatapi
