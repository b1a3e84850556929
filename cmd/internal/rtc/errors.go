package rtc

import "errors"

// Sentinel errors (stable for errors.Is across the coordinator surface).
var (
	// ErrChatNotMirrored is returned by presence queries for a chat that no
	// connected user has ever mirrored this process lifetime. It is distinct
	// from "chat mirrored but currently empty".
	ErrChatNotMirrored = errors.New("chat not mirrored")

	// ErrUserNotFound is wrapped by MembershipSource implementations when the
	// user record vanished between authentication and materialization.
	ErrUserNotFound = errors.New("user not found")

	// ErrConnectSuperseded is returned by Connect when a disconnect or a newer
	// connect for the same user won the race during membership materialization.
	ErrConnectSuperseded = errors.New("connect superseded")
)
