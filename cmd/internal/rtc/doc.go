// Package rtc implements relay's real-time coordinator: an in-memory,
// eventually-synchronized mirror of which users are connected, which chats
// they belong to, who is typing and who is watching whom, plus the fan-out
// primitives that deliver events to currently-connected members.
//
// The coordinator never owns durable state. The relational store (package
// chat) stays the source of truth; the mirror is populated lazily at connect
// time and torn down at disconnect. A mirrored-but-offline member is the
// common case for every broadcast, never an error.
package rtc
