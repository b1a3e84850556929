package rtc

import (
	"context"

	v1 "relay/contracts/rtc/v1"
)

// Conn is the coordinator's non-owning handle to one live transport channel.
//
// The transport layer (gateway Client) owns the connection lifecycle; the
// coordinator only keys a reference by UserID and emits typed events into it.
type Conn interface {
	// Emit enqueues an envelope for delivery to the remote peer.
	// It must never block: implementations drop under backpressure or when
	// the connection is shutting down, and report the drop via the return.
	Emit(env v1.Envelope) bool

	// Done returns a channel that is closed once the connection is closed.
	Done() <-chan struct{}
}

// MembershipSource is the identity & membership collaborator consulted at
// connect time. It is the coordinator's only suspension point.
type MembershipSource interface {
	// MembershipsByUser returns the chats the user actively participates in.
	// It returns an error wrapping ErrUserNotFound when the user record
	// vanished between authentication and this call.
	MembershipsByUser(ctx context.Context, user UserID) ([]ChatID, error)
}
