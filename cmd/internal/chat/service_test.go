package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"relay/cmd/identity"
	"relay/cmd/internal/rtc"
)

// fakeNotifier records the realtime calls in order.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotifier) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeNotifier) JoinChat(user rtc.UserID, chat rtc.ChatID) rtc.FanoutResult {
	f.record("join:" + string(user) + ":" + string(chat))
	return rtc.FanoutResult{}
}

func (f *fakeNotifier) LeaveChat(user rtc.UserID, chat rtc.ChatID) {
	f.record("leave:" + string(user) + ":" + string(chat))
}

func (f *fakeNotifier) ChatDeleted(chat rtc.ChatID) rtc.FanoutResult {
	f.record("deleted:" + string(chat))
	return rtc.FanoutResult{}
}

func (f *fakeNotifier) SendMessage(msg rtc.Message) rtc.FanoutResult {
	f.record("message:" + string(msg.ChatID) + ":" + msg.Text)
	return rtc.FanoutResult{}
}

func (f *fakeNotifier) SendInvite(inviter, invitee rtc.UserID, chat rtc.ChatID) bool {
	f.record("invite:" + string(invitee) + ":" + string(chat))
	return true
}

func (f *fakeNotifier) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no notifier calls recorded")
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestService(t *testing.T) (*Service, *fakeNotifier) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := &fakeNotifier{}
	return NewService(log, NewInMemoryStore(), nil, n), n
}

func mustJoin(t *testing.T, s *Service, user, name string) Chat {
	t.Helper()
	c, err := s.JoinOrCreate(context.Background(), user, name)
	if err != nil {
		t.Fatalf("JoinOrCreate(%s, %s): %v", user, name, err)
	}
	return c
}

func TestMembershipsRequireExistingUser(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := identity.NewInMemoryStore()
	s := NewService(log, NewInMemoryStore(), users, nil)
	ctx := context.Background()

	// A token can outlive its account; the materialization query must not
	// treat a vanished user as merely chatless.
	if _, err := s.MembershipsByUser(ctx, "ghost"); !errors.Is(err, rtc.ErrUserNotFound) {
		t.Fatalf("memberships for vanished account: err = %v, want rtc.ErrUserNotFound", err)
	}

	u, err := users.CreateUser(ctx, identity.CreateUserInput{Username: "alice", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	chats, err := s.MembershipsByUser(ctx, rtc.UserID(u.ID))
	if err != nil {
		t.Fatalf("memberships for live account: %v", err)
	}
	if len(chats) != 0 {
		t.Fatalf("chats = %v, want none", chats)
	}
}

func TestJoinOrCreate(t *testing.T) {
	t.Parallel()

	s, n := newTestService(t)
	ctx := context.Background()

	c := mustJoin(t, s, "alice", "general")
	if c.AdminID != "alice" {
		t.Fatalf("creator admin = %s, want alice", c.AdminID)
	}
	if got := n.last(t); got != "join:alice:"+c.ID {
		t.Fatalf("notify = %s", got)
	}

	c2 := mustJoin(t, s, "bob", "general")
	if c2.ID != c.ID {
		t.Fatal("second join created a different chat")
	}
	if rel, _ := s.store.RelationOf(ctx, c.ID, "bob"); rel != RelationMember {
		t.Fatalf("bob relation = %s, want member", rel)
	}

	if _, err := s.JoinOrCreate(ctx, "bob", "general"); !IsConflict(err) {
		t.Fatalf("re-join err = %v, want conflict", err)
	}
}

func TestDeleteRequiresAdmin(t *testing.T) {
	t.Parallel()

	s, n := newTestService(t)
	ctx := context.Background()

	c := mustJoin(t, s, "alice", "room")
	mustJoin(t, s, "bob", "room")

	if err := s.Delete(ctx, "bob", c.ID); !IsForbidden(err) {
		t.Fatalf("member delete err = %v, want forbidden", err)
	}

	if err := s.Delete(ctx, "alice", c.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if got := n.last(t); got != "deleted:"+c.ID {
		t.Fatalf("notify = %s", got)
	}
	if _, err := s.store.ChatByID(ctx, c.ID); !IsNotFound(err) {
		t.Fatal("chat survived deletion")
	}
}

func TestInviteAcceptDecline(t *testing.T) {
	t.Parallel()

	s, n := newTestService(t)
	ctx := context.Background()

	c := mustJoin(t, s, "alice", "room")

	if err := s.Invite(ctx, "alice", "bob", c.ID); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if got := n.last(t); got != "invite:bob:"+c.ID {
		t.Fatalf("notify = %s", got)
	}
	if err := s.Invite(ctx, "alice", "bob", c.ID); !IsConflict(err) {
		t.Fatalf("duplicate invite err = %v, want conflict", err)
	}
	if err := s.Invite(ctx, "bob", "carol", c.ID); !IsForbidden(err) {
		t.Fatalf("invited-user invite err = %v, want forbidden", err)
	}

	invites, err := s.InvitesOf(ctx, "bob")
	if err != nil || len(invites) != 1 {
		t.Fatalf("InvitesOf = %v, %v", invites, err)
	}

	if err := s.AcceptInvite(ctx, "bob", c.ID); err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	if got := n.last(t); got != "join:bob:"+c.ID {
		t.Fatalf("notify = %s", got)
	}

	if err := s.Invite(ctx, "bob", "carol", c.ID); err != nil {
		t.Fatalf("member invite: %v", err)
	}
	if err := s.DeclineInvite(ctx, "carol", c.ID); err != nil {
		t.Fatalf("DeclineInvite: %v", err)
	}
	if err := s.AcceptInvite(ctx, "carol", c.ID); !IsNotFound(err) {
		t.Fatalf("accept after decline err = %v, want not found", err)
	}
}

func TestLeave(t *testing.T) {
	t.Parallel()

	s, n := newTestService(t)
	ctx := context.Background()

	c := mustJoin(t, s, "alice", "room")
	mustJoin(t, s, "bob", "room")

	if err := s.Leave(ctx, "bob", c.ID); err != nil {
		t.Fatalf("member leave: %v", err)
	}
	if got := n.last(t); got != "leave:bob:"+c.ID {
		t.Fatalf("notify = %s", got)
	}

	// The admin leaving deletes the chat for everyone.
	if err := s.Leave(ctx, "alice", c.ID); err != nil {
		t.Fatalf("admin leave: %v", err)
	}
	if got := n.last(t); got != "deleted:"+c.ID {
		t.Fatalf("notify = %s", got)
	}
	if _, err := s.store.ChatByID(ctx, c.ID); !IsNotFound(err) {
		t.Fatal("chat survived admin leave")
	}
}

func TestKickThreshold(t *testing.T) {
	t.Parallel()

	s, n := newTestService(t)
	ctx := context.Background()

	c := mustJoin(t, s, "admin", "room")
	for _, u := range []string{"target", "k1", "k2", "k3"} {
		mustJoin(t, s, u, "room")
	}

	// Repeat votes by the same kicker do not inflate the count.
	for i := 0; i < 3; i++ {
		kicks, err := s.Kick(ctx, "k1", "target", c.ID)
		if err != nil {
			t.Fatalf("Kick: %v", err)
		}
		if kicks != 1 {
			t.Fatalf("kicks = %d after repeat votes, want 1", kicks)
		}
	}

	if _, err := s.Kick(ctx, "k2", "target", c.ID); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if rel, _ := s.store.RelationOf(ctx, c.ID, "target"); rel != RelationMember {
		t.Fatalf("relation = %s below threshold, want member", rel)
	}

	kicks, err := s.Kick(ctx, "k3", "target", c.ID)
	if err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if kicks != MaxUserKicksTolerable {
		t.Fatalf("kicks = %d, want %d", kicks, MaxUserKicksTolerable)
	}
	if rel, _ := s.store.RelationOf(ctx, c.ID, "target"); rel != RelationKicked {
		t.Fatalf("relation = %s at threshold, want kicked", rel)
	}
	if got := n.last(t); got != "leave:target:"+c.ID {
		t.Fatalf("notify = %s", got)
	}

	// Kicked users can neither rejoin nor be re-invited.
	if _, err := s.JoinOrCreate(ctx, "target", "room"); !IsForbidden(err) {
		t.Fatalf("rejoin err = %v, want forbidden", err)
	}
	if err := s.Invite(ctx, "admin", "target", c.ID); !IsForbidden(err) {
		t.Fatalf("re-invite err = %v, want forbidden", err)
	}
}

func TestKickGuards(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	ctx := context.Background()

	c := mustJoin(t, s, "admin", "room")
	mustJoin(t, s, "bob", "room")

	if _, err := s.Kick(ctx, "bob", "bob", c.ID); !IsInvalidInput(err) {
		t.Fatalf("self-kick err = %v, want invalid input", err)
	}
	if _, err := s.Kick(ctx, "bob", "admin", c.ID); !IsForbidden(err) {
		t.Fatalf("kick-admin err = %v, want forbidden", err)
	}
	if _, err := s.Kick(ctx, "stranger", "bob", c.ID); !IsForbidden(err) {
		t.Fatalf("stranger kick err = %v, want forbidden", err)
	}
}

func TestSendMessagePersistsThenNotifies(t *testing.T) {
	t.Parallel()

	s, n := newTestService(t)
	ctx := context.Background()

	c := mustJoin(t, s, "alice", "room")

	msg, err := s.SendMessage(ctx, "alice", c.ID, "  hello  ", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Text != "hello" || msg.Type != "text" || msg.ID == "" {
		t.Fatalf("msg = %+v", msg)
	}
	if got := n.last(t); got != "message:"+c.ID+":hello" {
		t.Fatalf("notify = %s", got)
	}

	// Persisted before (and regardless of) fan-out.
	history, err := s.Messages(ctx, "alice", MessagesQuery{ChatID: c.ID})
	if err != nil || len(history) != 1 || history[0].ID != msg.ID {
		t.Fatalf("history = %v, %v", history, err)
	}

	if _, err := s.SendMessage(ctx, "alice", c.ID, "   ", ""); !IsInvalidInput(err) {
		t.Fatalf("blank text err = %v, want invalid input", err)
	}
	before := n.count()
	if _, err := s.SendMessage(ctx, "stranger", c.ID, "hi", ""); !IsForbidden(err) {
		t.Fatalf("stranger send err = %v, want forbidden", err)
	}
	if n.count() != before {
		t.Fatal("rejected send still notified the realtime layer")
	}
}

func TestMessagesPaging(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	ctx := context.Background()

	c := mustJoin(t, s, "alice", "room")
	var ids []string
	for _, text := range []string{"one", "two", "three", "four"} {
		m, err := s.SendMessage(ctx, "alice", c.ID, text, "")
		if err != nil {
			t.Fatalf("SendMessage(%s): %v", text, err)
		}
		ids = append(ids, m.ID)
	}

	page, err := s.Messages(ctx, "alice", MessagesQuery{ChatID: c.ID, Limit: 2})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(page) != 2 || page[0].Text != "three" || page[1].Text != "four" {
		t.Fatalf("latest page = %v", page)
	}

	page, err = s.Messages(ctx, "alice", MessagesQuery{ChatID: c.ID, Before: ids[2], Limit: 2})
	if err != nil {
		t.Fatalf("Messages before: %v", err)
	}
	if len(page) != 2 || page[0].Text != "one" || page[1].Text != "two" {
		t.Fatalf("older page = %v", page)
	}
}

func TestMembershipsByUser(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	ctx := context.Background()

	c1 := mustJoin(t, s, "alice", "room-a")
	c2 := mustJoin(t, s, "alice", "room-b")
	c3 := mustJoin(t, s, "bob", "room-c")
	if err := s.Invite(ctx, "bob", "alice", c3.ID); err != nil {
		t.Fatalf("Invite: %v", err)
	}

	got, err := s.MembershipsByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("MembershipsByUser: %v", err)
	}
	want := map[rtc.ChatID]bool{rtc.ChatID(c1.ID): true, rtc.ChatID(c2.ID): true}
	if len(got) != 2 || !want[got[0]] || !want[got[1]] {
		t.Fatalf("memberships = %v; pending invites must not materialize", got)
	}
}
