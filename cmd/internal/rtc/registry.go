package rtc

// connRegistry maps a logical user identity to at most one live connection.
//
// Invariant: one live Conn per UserID. Registering over an existing entry
// replaces it silently (last writer wins, no dual-session support).
// The registry only mutates the map; it never emits events itself.
// Locking is the coordinator's job.
type connRegistry struct {
	conns map[UserID]Conn
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[UserID]Conn)}
}

// register stores conn for user, replacing any prior registration.
func (r *connRegistry) register(user UserID, conn Conn) {
	r.conns[user] = conn
}

// unregister removes the entry for user. Idempotent.
func (r *connRegistry) unregister(user UserID) {
	delete(r.conns, user)
}

// get returns the live connection for user, or nil when absent.
func (r *connRegistry) get(user UserID) Conn {
	return r.conns[user]
}

func (r *connRegistry) size() int {
	return len(r.conns)
}
