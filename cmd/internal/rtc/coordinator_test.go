package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	v1 "relay/contracts/rtc/v1"
)

// ---- fakes ----

type fakeConn struct {
	mu   sync.Mutex
	got  []v1.Envelope
	full bool // simulates a saturated send queue
	done chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (f *fakeConn) Emit(env v1.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.got = append(f.got, env)
	return true
}

func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) ofType(typ string) []v1.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []v1.Envelope
	for _, e := range f.got {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type stubSource struct {
	mu    sync.Mutex
	chats map[UserID][]ChatID
	err   error
}

func (s *stubSource) MembershipsByUser(_ context.Context, user UserID) ([]ChatID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.chats[user], nil
}

// gatedSource blocks the membership lookup until released, to exercise the
// window between connection registration and mirror materialization.
type gatedSource struct {
	entered chan struct{}
	release chan struct{}
	chats   []ChatID
}

func (s *gatedSource) MembershipsByUser(context.Context, UserID) ([]ChatID, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.chats, nil
}

// ---- helpers ----

func testCoordinator(t *testing.T, src MembershipSource) *Coordinator {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(log, src, nil)
}

func mustConnect(t *testing.T, c *Coordinator, user UserID, conn Conn) {
	t.Helper()
	if err := c.Connect(context.Background(), user, conn); err != nil {
		t.Fatalf("Connect(%s): %v", user, err)
	}
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal %s payload: %v", env.Type, err)
	}
	return p
}

// ---- lifecycle ----

func TestConnectAnnouncesOnlineAndDeliversSnapshot(t *testing.T) {
	t.Parallel()

	src := &stubSource{chats: map[UserID][]ChatID{
		"alice": {"c1"},
		"bob":   {"c1"},
	}}
	c := testCoordinator(t, src)

	bob := newFakeConn()
	mustConnect(t, c, "bob", bob)

	alice := newFakeConn()
	mustConnect(t, c, "alice", alice)

	ups := bob.ofType(v1.TypeUserStatusUpdate)
	if len(ups) != 1 {
		t.Fatalf("bob status updates = %d, want 1", len(ups))
	}
	p := decodePayload[v1.UserStatusUpdatePayload](t, ups[0])
	if p.UserID != "alice" || p.Status != v1.StatusOnline {
		t.Fatalf("bob saw %s=%s, want alice=ONLINE", p.UserID, p.Status)
	}

	inits := alice.ofType(v1.TypeInitUsersStatus)
	if len(inits) != 1 {
		t.Fatalf("alice init snapshots = %d, want 1", len(inits))
	}
	init := decodePayload[v1.InitUsersStatusPayload](t, inits[0])
	if init.Users["bob"] != v1.StatusOnline {
		t.Fatalf("snapshot bob status = %q, want ONLINE", init.Users["bob"])
	}
	if len(init.Chats) != 1 || init.Chats[0].ChatID != "c1" {
		t.Fatalf("snapshot chats = %+v, want single c1", init.Chats)
	}
	if len(init.Chats[0].UserIDs) != 2 {
		t.Fatalf("c1 participants = %v, want alice and bob", init.Chats[0].UserIDs)
	}

	// The connecting user gets the snapshot only, no echo of its own status.
	if got := alice.ofType(v1.TypeUserStatusUpdate); len(got) != 0 {
		t.Fatalf("alice received %d status updates about herself, want 0", len(got))
	}
}

func TestMirrorStaysSymmetric(t *testing.T) {
	t.Parallel()

	src := &stubSource{chats: map[UserID][]ChatID{"alice": {"c1", "c2"}}}
	c := testCoordinator(t, src)
	mustConnect(t, c, "alice", newFakeConn())

	c.mu.Lock()
	for chat := range c.mirror.userToChats["alice"] {
		if _, ok := c.mirror.chatToUsers[chat]["alice"]; !ok {
			c.mu.Unlock()
			t.Fatalf("chat %s missing reverse entry for alice", chat)
		}
	}
	for chat, users := range c.mirror.chatToUsers {
		for u := range users {
			if _, ok := c.mirror.userToChats[u][chat]; !ok {
				c.mu.Unlock()
				t.Fatalf("user %s missing forward entry for chat %s", u, chat)
			}
		}
	}
	c.mu.Unlock()

	c.Disconnect("alice", nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.mirror.userToChats["alice"]; ok {
		t.Fatal("alice still has forward entries after disconnect")
	}
	for chat, users := range c.mirror.chatToUsers {
		if _, ok := users["alice"]; ok {
			t.Fatalf("chat %s still lists alice after disconnect", chat)
		}
	}
}

func TestReconnectReplacesSilently(t *testing.T) {
	t.Parallel()

	src := &stubSource{chats: map[UserID][]ChatID{
		"alice": {"c1"},
		"bob":   {"c1"},
	}}
	c := testCoordinator(t, src)

	bob := newFakeConn()
	mustConnect(t, c, "bob", bob)

	first := newFakeConn()
	mustConnect(t, c, "alice", first)
	second := newFakeConn()
	mustConnect(t, c, "alice", second)

	c.mu.Lock()
	if c.registry.get("alice") != Conn(second) {
		c.mu.Unlock()
		t.Fatal("registry does not hold the replacement connection")
	}
	c.mu.Unlock()

	// The old transport tears down after losing the race; it must not
	// destroy the fresh registration or announce OFFLINE.
	c.Disconnect("alice", first)

	if c.Status("alice") != StatusOnline {
		t.Fatalf("alice status = %s after stale teardown, want ONLINE", c.Status("alice"))
	}
	for _, e := range bob.ofType(v1.TypeUserStatusUpdate) {
		p := decodePayload[v1.UserStatusUpdatePayload](t, e)
		if p.UserID == "alice" && p.Status == v1.StatusOffline {
			t.Fatal("stale teardown leaked an OFFLINE announcement")
		}
	}
}

func TestDisconnectNotifiesCoMembersThenIsIdempotent(t *testing.T) {
	t.Parallel()

	src := &stubSource{chats: map[UserID][]ChatID{
		"alice": {"c1"},
		"bob":   {"c1"},
	}}
	c := testCoordinator(t, src)

	bob := newFakeConn()
	mustConnect(t, c, "bob", bob)
	alice := newFakeConn()
	mustConnect(t, c, "alice", alice)

	c.Disconnect("alice", nil)

	var offline int
	for _, e := range bob.ofType(v1.TypeUserStatusUpdate) {
		p := decodePayload[v1.UserStatusUpdatePayload](t, e)
		if p.UserID == "alice" && p.Status == v1.StatusOffline {
			offline++
		}
	}
	if offline != 1 {
		t.Fatalf("bob saw %d OFFLINE announcements, want 1", offline)
	}

	if c.Status("alice") != StatusOffline {
		t.Fatalf("alice status = %s, want OFFLINE", c.Status("alice"))
	}

	c.Disconnect("alice", nil)

	offline = 0
	for _, e := range bob.ofType(v1.TypeUserStatusUpdate) {
		p := decodePayload[v1.UserStatusUpdatePayload](t, e)
		if p.UserID == "alice" && p.Status == v1.StatusOffline {
			offline++
		}
	}
	if offline != 1 {
		t.Fatalf("second disconnect duplicated the OFFLINE announcement (%d)", offline)
	}
}

func TestConnectSupersededByDisconnect(t *testing.T) {
	t.Parallel()

	src := &gatedSource{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		chats:   []ChatID{"c1"},
	}
	c := testCoordinator(t, src)

	conn := newFakeConn()
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Connect(context.Background(), "alice", conn)
	}()

	<-src.entered
	c.Disconnect("alice", nil)
	close(src.release)

	if err := <-errCh; !errors.Is(err, ErrConnectSuperseded) {
		t.Fatalf("Connect err = %v, want ErrConnectSuperseded", err)
	}

	if c.Status("alice") != StatusOffline {
		t.Fatalf("alice status = %s, want OFFLINE", c.Status("alice"))
	}
	if snap := c.Snapshot("alice"); len(snap) != 0 {
		t.Fatalf("stale connect materialized the mirror: %+v", snap)
	}
	if got := conn.ofType(v1.TypeInitUsersStatus); len(got) != 0 {
		t.Fatal("superseded connect still delivered a snapshot")
	}
}

func TestConnectRollsBackOnMaterializeFailure(t *testing.T) {
	t.Parallel()

	src := &stubSource{err: errors.New("store down")}
	c := testCoordinator(t, src)

	err := c.Connect(context.Background(), "alice", newFakeConn())
	if err == nil {
		t.Fatal("Connect succeeded despite membership lookup failure")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registry.get("alice") != nil {
		t.Fatal("failed connect left a registered connection")
	}
}

// ---- presence ----

func TestStatusDefaultsToOffline(t *testing.T) {
	t.Parallel()

	c := testCoordinator(t, &stubSource{})
	if got := c.Status("ghost"); got != StatusOffline {
		t.Fatalf("Status(ghost) = %s, want OFFLINE", got)
	}

	_, err := c.ChatPresence("nowhere")
	if !errors.Is(err, ErrChatNotMirrored) {
		t.Fatalf("ChatPresence err = %v, want ErrChatNotMirrored", err)
	}
}

func TestSetStatusFansOutButSkipsSelf(t *testing.T) {
	t.Parallel()

	src := &stubSource{chats: map[UserID][]ChatID{
		"alice": {"c1"},
		"bob":   {"c1"},
	}}
	c := testCoordinator(t, src)

	bob := newFakeConn()
	mustConnect(t, c, "bob", bob)
	alice := newFakeConn()
	mustConnect(t, c, "alice", alice)

	before := len(alice.ofType(v1.TypeUserStatusUpdate))
	c.SetStatus("alice", StatusDND)

	var saw bool
	for _, e := range bob.ofType(v1.TypeUserStatusUpdate) {
		p := decodePayload[v1.UserStatusUpdatePayload](t, e)
		if p.UserID == "alice" && p.Status == v1.StatusDND {
			saw = true
		}
	}
	if !saw {
		t.Fatal("bob never saw alice's DND update")
	}
	if after := len(alice.ofType(v1.TypeUserStatusUpdate)); after != before {
		t.Fatal("alice was notified about her own status change")
	}

	if c.Status("alice") != StatusDND {
		t.Fatalf("alice status = %s, want DND", c.Status("alice"))
	}

	presence, err := c.ChatPresence("c1")
	if err != nil {
		t.Fatalf("ChatPresence: %v", err)
	}
	if presence["alice"] != StatusDND || presence["bob"] != StatusOnline {
		t.Fatalf("chat presence = %v", presence)
	}
}

// ---- fan-out ----

func TestSendMessageOutcomes(t *testing.T) {
	t.Parallel()

	src := &stubSource{chats: map[UserID][]ChatID{
		"alice": {"c1"},
		"bob":   {"c1"},
	}}
	c := testCoordinator(t, src)

	if res := c.SendMessage(Message{ChatID: "c1"}); res.Outcome != FanoutChatUnmirrored {
		t.Fatalf("unmirror outcome = %s, want %s", res.Outcome, FanoutChatUnmirrored)
	}

	alice := newFakeConn()
	mustConnect(t, c, "alice", alice)
	bob := newFakeConn()
	mustConnect(t, c, "bob", bob)

	res := c.SendMessage(Message{ID: "m1", ChatID: "c1", AuthorID: "alice", Text: "hi"})
	if res.Outcome != FanoutDelivered || res.Delivered != 2 {
		t.Fatalf("res = %+v, want delivered to both incl author", res)
	}
	if got := alice.ofType(v1.TypeNewMessage); len(got) != 1 {
		t.Fatalf("author echo = %d messages, want 1", len(got))
	}

	// Offline members are skipped without error.
	c.Disconnect("bob", nil)
	res = c.SendMessage(Message{ID: "m2", ChatID: "c1", AuthorID: "alice", Text: "anyone?"})
	if res.Outcome != FanoutDelivered || res.Delivered != 1 {
		t.Fatalf("res = %+v, want delivered only to alice", res)
	}

	// A mirrored chat whose last member left is empty, not unmirrored.
	c.LeaveChat("alice", "c1")
	res = c.SendMessage(Message{ID: "m3", ChatID: "c1", AuthorID: "alice", Text: "void"})
	if res.Outcome != FanoutChatEmpty {
		t.Fatalf("empty-chat outcome = %s, want %s", res.Outcome, FanoutChatEmpty)
	}
}

func TestSendMessageCountsOnlyAcceptedDeliveries(t *testing.T) {
	t.Parallel()

	src := &stubSource{chats: map[UserID][]ChatID{
		"alice": {"c1"},
		"bob":   {"c1"},
	}}
	c := testCoordinator(t, src)

	alice := newFakeConn()
	mustConnect(t, c, "alice", alice)
	bob := newFakeConn()
	bob.full = true
	mustConnect(t, c, "bob", bob)

	res := c.SendMessage(Message{ID: "m1", ChatID: "c1", AuthorID: "alice", Text: "hi"})
	if res.Outcome != FanoutDelivered || res.Delivered != 1 {
		t.Fatalf("res = %+v, want 1 delivery with bob's queue saturated", res)
	}
}

func TestSendInviteUnicast(t *testing.T) {
	t.Parallel()

	c := testCoordinator(t, &stubSource{})

	if c.SendInvite("alice", "bob", "c1") {
		t.Fatal("invite to a disconnected invitee reported delivered")
	}

	bob := newFakeConn()
	mustConnect(t, c, "bob", bob)
	if !c.SendInvite("alice", "bob", "c1") {
		t.Fatal("invite to a connected invitee not delivered")
	}

	got := bob.ofType(v1.TypeInvite)
	if len(got) != 1 {
		t.Fatalf("bob invites = %d, want 1", len(got))
	}
	p := decodePayload[v1.InvitePayload](t, got[0])
	if p.Inviter != "alice" || p.ChatID != "c1" {
		t.Fatalf("invite payload = %+v", p)
	}
}

func TestJoinChatAnnouncesToExistingMembers(t *testing.T) {
	t.Parallel()

	src := &stubSource{chats: map[UserID][]ChatID{"alice": {"c1"}}}
	c := testCoordinator(t, src)

	alice := newFakeConn()
	mustConnect(t, c, "alice", alice)

	res := c.JoinChat("bob", "c1")
	if res.Delivered != 1 {
		t.Fatalf("join delivered = %d, want 1", res.Delivered)
	}
	got := alice.ofType(v1.TypeNewUserJoinChat)
	if len(got) != 1 {
		t.Fatalf("alice join events = %d, want 1", len(got))
	}
	p := decodePayload[v1.NewUserJoinChatPayload](t, got[0])
	if p.UserID != "bob" || p.ChatID != "c1" {
		t.Fatalf("join payload = %+v", p)
	}

	// Joining a fresh chat creates the first bucket without failing.
	if res := c.JoinChat("bob", "brand-new"); res.Outcome != FanoutDelivered || res.Delivered != 0 {
		t.Fatalf("first-member join = %+v", res)
	}
}

func TestJoinChatMirrorsOfflineUsers(t *testing.T) {
	t.Parallel()

	src := &stubSource{chats: map[UserID][]ChatID{"alice": {"c1"}}}
	c := testCoordinator(t, src)

	// bob joined through the REST API without ever opening a socket. The
	// mirror keeps the entry anyway so later connectors see the full roster,
	// not only peers that have been online.
	c.JoinChat("bob", "c1")

	alice := newFakeConn()
	mustConnect(t, c, "alice", alice)

	inits := alice.ofType(v1.TypeInitUsersStatus)
	if len(inits) != 1 {
		t.Fatalf("alice init snapshots = %d, want 1", len(inits))
	}
	init := decodePayload[v1.InitUsersStatusPayload](t, inits[0])
	if init.Users["bob"] != v1.StatusOffline {
		t.Fatalf("snapshot bob status = %q, want OFFLINE", init.Users["bob"])
	}
	if len(init.Chats) != 1 || len(init.Chats[0].UserIDs) != 2 {
		t.Fatalf("snapshot chats = %+v, want c1 with alice and bob", init.Chats)
	}

	// LeaveChat prunes the entry again; it does not wait for a disconnect
	// that will never come.
	c.LeaveChat("bob", "c1")
	c.mu.Lock()
	_, mirrored := c.mirror.userToChats["bob"]
	c.mu.Unlock()
	if mirrored {
		t.Fatal("bob still mirrored after leaving his only chat")
	}
}

func TestChatDeletedNotifiesAndDropsBucket(t *testing.T) {
	t.Parallel()

	src := &stubSource{chats: map[UserID][]ChatID{
		"alice": {"c1"},
		"bob":   {"c1"},
	}}
	c := testCoordinator(t, src)

	alice := newFakeConn()
	mustConnect(t, c, "alice", alice)
	bob := newFakeConn()
	mustConnect(t, c, "bob", bob)

	res := c.ChatDeleted("c1")
	if res.Outcome != FanoutDelivered || res.Delivered != 2 {
		t.Fatalf("res = %+v, want both notified", res)
	}
	if len(bob.ofType(v1.TypeChatDeleted)) != 1 {
		t.Fatal("bob missed the deletion event")
	}

	if _, err := c.ChatPresence("c1"); !errors.Is(err, ErrChatNotMirrored) {
		t.Fatalf("bucket survived deletion: %v", err)
	}
	if res := c.ChatDeleted("c1"); res.Outcome != FanoutChatUnmirrored {
		t.Fatalf("second delete outcome = %s", res.Outcome)
	}
}

// ---- typing ----

func typingSetup(t *testing.T) (*Coordinator, *fakeConn, *fakeConn, *fakeConn) {
	t.Helper()
	src := &stubSource{chats: map[UserID][]ChatID{
		"author":  {"c1"},
		"watcher": {"c1"},
		"other":   {"c1"},
	}}
	c := testCoordinator(t, src)

	author := newFakeConn()
	mustConnect(t, c, "author", author)
	watcher := newFakeConn()
	mustConnect(t, c, "watcher", watcher)
	other := newFakeConn()
	mustConnect(t, c, "other", other)
	return c, author, watcher, other
}

func TestTypingRedaction(t *testing.T) {
	t.Parallel()

	c, author, watcher, other := typingSetup(t)

	c.SubscribeTyping("watcher", "author", "c1")
	c.EmitTyping("author", "c1", "hello wo")

	wGot := watcher.ofType(v1.TypeUserTyping)
	if len(wGot) != 1 {
		t.Fatalf("watcher typing events = %d, want 1", len(wGot))
	}
	if p := decodePayload[v1.UserTypingPayload](t, wGot[0]); p.Text != "hello wo" || p.AuthorID != "author" {
		t.Fatalf("watcher payload = %+v", p)
	}

	oGot := other.ofType(v1.TypeUserTyping)
	if len(oGot) != 1 {
		t.Fatalf("other typing events = %d, want 1", len(oGot))
	}
	if p := decodePayload[v1.UserTypingPayload](t, oGot[0]); p.Text != "" {
		t.Fatalf("non-watcher saw typing text %q", p.Text)
	}

	if len(author.ofType(v1.TypeUserTyping)) != 0 {
		t.Fatal("author received an echo of her own typing")
	}
}

func TestTypingUnsubscribeRevertsToRedacted(t *testing.T) {
	t.Parallel()

	c, _, watcher, _ := typingSetup(t)

	c.SubscribeTyping("watcher", "author", "c1")
	c.UnsubscribeTyping("watcher", "author", "c1")
	c.EmitTyping("author", "c1", "secret")

	got := watcher.ofType(v1.TypeUserTyping)
	if len(got) != 1 {
		t.Fatalf("watcher typing events = %d, want 1", len(got))
	}
	if p := decodePayload[v1.UserTypingPayload](t, got[0]); p.Text != "" {
		t.Fatalf("unsubscribed watcher still saw text %q", p.Text)
	}
}

func TestTypingSubscriptionOutlivesTheChat(t *testing.T) {
	t.Parallel()

	// The watcher set is keyed by author, not by (author, chat): a watcher
	// subscribed via one shared chat sees the text in every shared chat.
	src := &stubSource{chats: map[UserID][]ChatID{
		"author":  {"c1", "c2"},
		"watcher": {"c1", "c2"},
	}}
	c := testCoordinator(t, src)

	mustConnect(t, c, "author", newFakeConn())
	watcher := newFakeConn()
	mustConnect(t, c, "watcher", watcher)

	c.SubscribeTyping("watcher", "author", "c1")
	c.EmitTyping("author", "c2", "elsewhere")

	got := watcher.ofType(v1.TypeUserTyping)
	if len(got) != 1 {
		t.Fatalf("watcher typing events = %d, want 1", len(got))
	}
	if p := decodePayload[v1.UserTypingPayload](t, got[0]); p.Text != "elsewhere" {
		t.Fatalf("payload = %+v, want unredacted text in the sibling chat", p)
	}
}

func TestTypingRejectsNonMembers(t *testing.T) {
	t.Parallel()

	src := &stubSource{chats: map[UserID][]ChatID{
		"author":   {"c1"},
		"watcher":  {"c1"},
		"stranger": nil,
	}}
	c := testCoordinator(t, src)

	mustConnect(t, c, "author", newFakeConn())
	watcher := newFakeConn()
	mustConnect(t, c, "watcher", watcher)
	stranger := newFakeConn()
	mustConnect(t, c, "stranger", stranger)

	// Non-member subscription is a silent no-op, no membership oracle.
	c.SubscribeTyping("stranger", "author", "c1")
	c.EmitTyping("author", "c1", "hi")
	if len(stranger.ofType(v1.TypeUserTyping)) != 0 {
		t.Fatal("non-member received typing events")
	}

	// An author outside the chat is dropped silently.
	c.EmitTyping("stranger", "c1", "spoof")
	if len(watcher.ofType(v1.TypeUserTyping)) != 1 {
		t.Fatal("spoofed typing from a non-member was fanned out")
	}
}

func TestDisconnectPrunesTypingState(t *testing.T) {
	t.Parallel()

	c, _, watcher, _ := typingSetup(t)

	c.SubscribeTyping("watcher", "author", "c1")
	c.Disconnect("watcher", nil)
	mustConnect(t, c, "watcher", watcher)

	c.EmitTyping("author", "c1", "again")

	got := watcher.ofType(v1.TypeUserTyping)
	if len(got) != 1 {
		t.Fatalf("watcher typing events = %d, want 1", len(got))
	}
	if p := decodePayload[v1.UserTypingPayload](t, got[0]); p.Text != "" {
		t.Fatal("typing subscription survived a disconnect")
	}
}

// ---- snapshot ----

func TestSnapshotListsEveryMirroredChat(t *testing.T) {
	t.Parallel()

	src := &stubSource{chats: map[UserID][]ChatID{"alice": {"c1", "c2"}}}
	c := testCoordinator(t, src)
	mustConnect(t, c, "alice", newFakeConn())

	snap := c.Snapshot("alice")
	if len(snap) != 2 {
		t.Fatalf("snapshot chats = %d, want 2", len(snap))
	}
	for _, cp := range snap {
		if len(cp.Participants) != 1 || cp.Participants[0] != "alice" {
			t.Fatalf("chat %s participants = %v, want [alice]", cp.ChatID, cp.Participants)
		}
	}

	if snap := c.Snapshot("ghost"); len(snap) != 0 {
		t.Fatalf("Snapshot(ghost) = %+v, want empty", snap)
	}
}
