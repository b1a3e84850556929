// Package chat implements the durable chat domain: chats, membership
// relations, invites, kicks and messages.
//
// The package is the system of record. Realtime delivery is layered on top:
// every mutating operation persists first and notifies the realtime
// coordinator only after the write committed, so a crash between the two
// loses at most a notification, never data.
package chat
