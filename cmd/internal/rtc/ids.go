package rtc

// UserID, ChatID and MessageID are opaque string-backed identifiers.
// They are distinct types on purpose: a chat id must never flow into a
// user-keyed map even though both are strings underneath.
type (
	// UserID identifies a user.
	UserID string
	// ChatID identifies a chat.
	ChatID string
	// MessageID identifies a persisted message.
	MessageID string
)

// Status is a user's presence status.
type Status string

// Presence statuses. Absence of a presence entry means StatusOffline.
const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
	StatusDND     Status = "DND"
)

// Valid reports whether s is one of the known presence statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusDND:
		return true
	default:
		return false
	}
}
