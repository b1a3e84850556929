package rtc

// FanoutOutcome distinguishes the three terminal states of a chat-scoped
// broadcast. Callers and tests need to tell "nobody has ever mirrored this
// chat" apart from "chat mirrored but currently has zero members": both
// deliver nothing, for different reasons.
type FanoutOutcome int

const (
	// FanoutDelivered means the target set was resolved and delivery was
	// attempted; Delivered carries the number of connections reached.
	FanoutDelivered FanoutOutcome = iota
	// FanoutChatUnmirrored means the chat bucket does not exist in the mirror.
	FanoutChatUnmirrored
	// FanoutChatEmpty means the bucket exists but holds no mirrored members.
	FanoutChatEmpty
)

// String returns a stable label for logs and test failure messages.
func (o FanoutOutcome) String() string {
	switch o {
	case FanoutDelivered:
		return "delivered"
	case FanoutChatUnmirrored:
		return "chat_unmirrored"
	case FanoutChatEmpty:
		return "chat_empty"
	default:
		return "unknown"
	}
}

// FanoutResult reports how a broadcast primitive resolved.
//
// Fan-out is at-most-once and best-effort: mirrored-but-offline members are
// skipped silently and enqueue drops are counted as not delivered. A partial
// delivery is still FanoutDelivered; per-recipient failures never propagate.
type FanoutResult struct {
	Outcome   FanoutOutcome
	Delivered int
}
