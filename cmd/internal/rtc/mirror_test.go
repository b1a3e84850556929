package rtc

import "testing"

func TestMirrorMergeNeverShrinks(t *testing.T) {
	t.Parallel()

	m := newMirror()
	m.merge("u", []ChatID{"a", "b"})
	m.merge("u", []ChatID{"b"})

	if len(m.chats("u")) != 2 {
		t.Fatalf("chats = %v, want union {a,b}", m.chats("u"))
	}
	if !m.isMember("u", "a") || !m.isMember("u", "b") {
		t.Fatal("merge dropped a previously mirrored chat")
	}
}

func TestMirrorLeaveKeepsEmptyBucket(t *testing.T) {
	t.Parallel()

	m := newMirror()
	m.join("u", "a")
	m.leave("u", "a")

	if !m.hasChat("a") {
		t.Fatal("last leave dropped the chat bucket; only dropChat may do that")
	}
	if len(m.members("a")) != 0 {
		t.Fatalf("members = %v, want empty", m.members("a"))
	}
	if m.chats("u") != nil {
		t.Fatal("user entry not pruned after leaving the last chat")
	}

	// Unknown pairs are tolerated.
	m.leave("ghost", "a")
	m.leave("u", "nowhere")
}

func TestMirrorDropChat(t *testing.T) {
	t.Parallel()

	m := newMirror()
	m.join("u1", "a")
	m.join("u1", "b")
	m.join("u2", "a")
	m.dropChat("a")

	if m.hasChat("a") {
		t.Fatal("bucket survived dropChat")
	}
	if m.isMember("u1", "a") || m.isMember("u2", "a") {
		t.Fatal("reverse entries survived dropChat")
	}
	if _, ok := m.chats("u2")["a"]; ok {
		t.Fatal("u2 forward entry survived")
	}
	if !m.isMember("u1", "b") {
		t.Fatal("dropChat leaked into an unrelated chat")
	}
}

func TestPresenceAbsenceIsOffline(t *testing.T) {
	t.Parallel()

	p := newPresenceTable()
	if p.get("u") != StatusOffline {
		t.Fatal("unknown user not OFFLINE")
	}

	p.set("u", StatusDND)
	if p.get("u") != StatusDND {
		t.Fatal("set DND not visible")
	}

	// Setting OFFLINE erases the entry rather than storing it.
	p.set("u", StatusOffline)
	if len(p.status) != 0 {
		t.Fatalf("OFFLINE stored as an entry: %v", p.status)
	}
	if p.get("u") != StatusOffline {
		t.Fatal("erased user not OFFLINE")
	}
}

func TestTypingIndexRemoveUserPrunesBothRoles(t *testing.T) {
	t.Parallel()

	x := newTypingIndex()
	x.subscribe("w", "a")
	x.subscribe("a", "w")

	if !x.isWatching("w", "a") || !x.isWatching("a", "w") {
		t.Fatal("subscriptions not recorded")
	}

	x.removeUser("w")
	if x.isWatching("w", "a") {
		t.Fatal("w still watching after removal")
	}
	if x.isWatching("a", "w") {
		t.Fatal("w still watchable after removal")
	}
}
