package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "relay/contracts/rtc/v1"
)

// Coordinator owns every in-memory map of the realtime layer: the connection
// registry, the membership mirror, the presence table and the typing index.
//
// Concurrency model: one mutex guards all maps. Mutations happen under the
// lock; fan-out snapshots its target set under the lock and emits after
// releasing it, so a concurrent join/leave during a broadcast can neither
// skip nor duplicate a delivery.
//
// Caller obligation: connect/disconnect for the SAME user must be serialized
// by the transport. The per-user generation counter makes a racing connect
// lose cleanly (its post-materialize side effects are discarded), but event
// ordering as observed by co-members is only guaranteed when the caller does
// not interleave lifecycle calls for one user.
type Coordinator struct {
	log     *slog.Logger
	source  MembershipSource
	metrics *Metrics

	mu       sync.Mutex
	registry *connRegistry
	presence *presenceTable
	mirror   *mirror
	typing   *typingIndex

	// gen invalidates in-flight connects: bumped by every connect and
	// disconnect, checked after the membership materialization await.
	gen map[UserID]uint64
}

// Message is the payload handed to SendMessage after a durable write commits.
type Message struct {
	ID       MessageID
	ChatID   ChatID
	AuthorID UserID
	Text     string
	Type     string
	SentAt   time.Time
}

// NewCoordinator constructs a coordinator with explicit dependencies.
// metrics may be nil (tests).
func NewCoordinator(log *slog.Logger, source MembershipSource, metrics *Metrics) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		log:      log,
		source:   source,
		metrics:  metrics,
		registry: newConnRegistry(),
		presence: newPresenceTable(),
		mirror:   newMirror(),
		typing:   newTypingIndex(),
		gen:      make(map[UserID]uint64),
	}
}

// ---- lifecycle ----

// Connect runs the connect sequence for an already-authenticated user:
// register connection, materialize membership, mark presence ONLINE (which
// fans out to co-members), then deliver the initial state snapshot to the
// new connection only.
//
// The membership lookup is the one suspension point. If a disconnect or a
// newer connect for the same user lands during that await, this call discards
// its side effects and returns ErrConnectSuperseded. If the lookup itself
// fails (account deleted in a race, store unavailable), the registration is
// rolled back and the error returned; the shared mirror is left untouched.
func (c *Coordinator) Connect(ctx context.Context, user UserID, conn Conn) error {
	c.mu.Lock()
	c.gen[user]++
	gen := c.gen[user]
	c.registry.register(user, conn)
	c.mu.Unlock()

	chats, err := c.source.MembershipsByUser(ctx, user)
	if err != nil {
		c.mu.Lock()
		if c.gen[user] == gen {
			c.registry.unregister(user)
		}
		c.mu.Unlock()
		c.log.Warn("rtc.connect.materialize.fail", "user_id", string(user), "err", err)
		return fmt.Errorf("rtc: materialize memberships for %s: %w", user, err)
	}

	c.mu.Lock()
	if c.gen[user] != gen {
		c.mu.Unlock()
		return ErrConnectSuperseded
	}
	c.mirror.merge(user, chats)
	c.presence.set(user, StatusOnline)
	targets := c.coMemberConnsLocked(user)
	init := c.initialStateLocked(user)
	live := c.registry.size()
	c.mu.Unlock()

	// Presence fan-out strictly after materialization: co-members cannot be
	// resolved before the mirror is populated.
	statusEnv := newEnvelope(v1.TypeUserStatusUpdate, v1.UserStatusUpdatePayload{
		UserID: string(user),
		Status: string(StatusOnline),
	})
	for _, t := range targets {
		c.emit(t, statusEnv)
	}

	c.emit(conn, newEnvelope(v1.TypeInitUsersStatus, init))

	c.metrics.connOpened(live)
	c.log.Info("rtc.connect", "user_id", string(user), "chats", len(chats))
	return nil
}

// Disconnect reverses the connect sequence. Ordering matters: the OFFLINE
// target set is resolved while membership is still intact, so co-members
// learn the user left; only then are the typing index, the mirror, presence
// and the registration torn down. Idempotent: a second call finds nothing to
// undo and notifies nobody.
//
// conn guards against the replace race: when a reconnect has already
// registered a newer connection for the same user, the old transport's
// teardown must not destroy the fresh state. Pass the closing connection to
// get the guard, or nil to disconnect unconditionally.
func (c *Coordinator) Disconnect(user UserID, conn Conn) {
	c.mu.Lock()
	current := c.registry.get(user)
	if conn != nil && current != nil && current != conn {
		c.mu.Unlock()
		c.log.Debug("rtc.disconnect.superseded", "user_id", string(user))
		return
	}
	c.gen[user]++
	wasConnected := current != nil
	targets := c.coMemberConnsLocked(user)
	c.typing.removeUser(user)
	c.mirror.remove(user)
	c.presence.remove(user)
	c.registry.unregister(user)
	live := c.registry.size()
	c.mu.Unlock()

	if !wasConnected && len(targets) == 0 {
		return
	}

	env := newEnvelope(v1.TypeUserStatusUpdate, v1.UserStatusUpdatePayload{
		UserID: string(user),
		Status: string(StatusOffline),
	})
	for _, t := range targets {
		c.emit(t, env)
	}

	if wasConnected {
		c.metrics.connClosed(live)
	}
	c.log.Info("rtc.disconnect", "user_id", string(user))
}

// ---- presence ----

// SetStatus records the user's presence and fans out a status update to all
// mirrored co-chat members. The user's own connection is not notified: the
// client initiated the change and already knows.
func (c *Coordinator) SetStatus(user UserID, status Status) {
	c.mu.Lock()
	c.presence.set(user, status)
	targets := c.coMemberConnsLocked(user)
	c.mu.Unlock()

	env := newEnvelope(v1.TypeUserStatusUpdate, v1.UserStatusUpdatePayload{
		UserID: string(user),
		Status: string(status),
	})
	for _, t := range targets {
		c.emit(t, env)
	}
	c.log.Debug("rtc.status", "user_id", string(user), "status", string(status))
}

// Status returns the user's presence, defaulting to OFFLINE for never-seen
// users. Never fails.
func (c *Coordinator) Status(user UserID) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence.get(user)
}

// ChatPresence returns the presence of every mirrored participant of chat.
// It fails with ErrChatNotMirrored when the chat bucket does not exist —
// distinct from a mirrored chat with zero members, which yields an empty map.
func (c *Coordinator) ChatPresence(chat ChatID) (map[UserID]Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.mirror.hasChat(chat) {
		return nil, fmt.Errorf("rtc: chat %s: %w", chat, ErrChatNotMirrored)
	}
	out := make(map[UserID]Status)
	for _, u := range c.mirror.members(chat) {
		out[u] = c.presence.get(u)
	}
	return out, nil
}

// Snapshot lists the mirrored participants of every chat the user mirrors.
// Empty for an unmirrored user, never an error.
func (c *Coordinator) Snapshot(user UserID) []ChatParticipants {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror.snapshot(user)
}

// ---- membership notifications (called by business logic after commit) ----

// JoinChat mirrors the pair and announces the new member to the chat's other
// mirrored, connected participants. Creating the first bucket of a fresh chat
// is a normal state, not a failure.
func (c *Coordinator) JoinChat(user UserID, chat ChatID) FanoutResult {
	c.mu.Lock()
	c.mirror.join(user, chat)
	targets := c.memberConnsLocked(chat, user)
	c.mu.Unlock()

	env := newEnvelope(v1.TypeNewUserJoinChat, v1.NewUserJoinChatPayload{
		UserID: string(user),
		ChatID: string(chat),
	})
	delivered := 0
	for _, t := range targets {
		if c.emit(t, env) {
			delivered++
		}
	}
	return FanoutResult{Outcome: FanoutDelivered, Delivered: delivered}
}

// LeaveChat removes the pair from the mirror. A not-mirrored user or chat is
// a no-op: leave/disconnect races are expected.
func (c *Coordinator) LeaveChat(user UserID, chat ChatID) {
	c.mu.Lock()
	c.mirror.leave(user, chat)
	c.mu.Unlock()
}

// ChatDeleted notifies the chat's mirrored, connected participants and drops
// the whole chat bucket.
func (c *Coordinator) ChatDeleted(chat ChatID) FanoutResult {
	c.mu.Lock()
	if !c.mirror.hasChat(chat) {
		c.mu.Unlock()
		return FanoutResult{Outcome: FanoutChatUnmirrored}
	}
	targets := c.memberConnsLocked(chat, "")
	empty := len(c.mirror.members(chat)) == 0
	c.mirror.dropChat(chat)
	c.mu.Unlock()

	if empty {
		return FanoutResult{Outcome: FanoutChatEmpty}
	}

	env := newEnvelope(v1.TypeChatDeleted, v1.ChatDeletedPayload{ChatID: string(chat)})
	delivered := 0
	for _, t := range targets {
		if c.emit(t, env) {
			delivered++
		}
	}
	return FanoutResult{Outcome: FanoutDelivered, Delivered: delivered}
}

// ---- fan-out primitives ----

// SendMessage broadcasts a persisted message to every mirrored, connected
// participant of the chat, the author's own connection included. Offline
// members are skipped, never an error: real-time delivery is a best-effort
// enhancement on top of the durable write, not a precondition for it.
func (c *Coordinator) SendMessage(msg Message) FanoutResult {
	c.mu.Lock()
	if !c.mirror.hasChat(msg.ChatID) {
		c.mu.Unlock()
		return FanoutResult{Outcome: FanoutChatUnmirrored}
	}
	members := c.mirror.members(msg.ChatID)
	targets := make([]Conn, 0, len(members))
	for _, u := range members {
		if conn := c.registry.get(u); conn != nil {
			targets = append(targets, conn)
		}
	}
	c.mu.Unlock()

	if len(members) == 0 {
		return FanoutResult{Outcome: FanoutChatEmpty}
	}

	env := newEnvelope(v1.TypeNewMessage, v1.NewMessagePayload{
		ID:          string(msg.ID),
		Text:        msg.Text,
		MessageType: msg.Type,
		ChatID:      string(msg.ChatID),
		UserID:      string(msg.AuthorID),
		Date:        msg.SentAt,
	})
	delivered := 0
	for _, t := range targets {
		if c.emit(t, env) {
			delivered++
		}
	}
	return FanoutResult{Outcome: FanoutDelivered, Delivered: delivered}
}

// SendInvite unicasts the real-time nudge to the invitee. A disconnected
// invitee is fine: the invite is already durably recorded by the caller, the
// coordinator is never the source of truth for pending invites.
func (c *Coordinator) SendInvite(inviter, invitee UserID, chat ChatID) bool {
	c.mu.Lock()
	conn := c.registry.get(invitee)
	c.mu.Unlock()

	if conn == nil {
		return false
	}
	return c.emit(conn, newEnvelope(v1.TypeInvite, v1.InvitePayload{
		Inviter: string(inviter),
		ChatID:  string(chat),
	}))
}

// ---- typing ----

// SubscribeTyping adds watcher to the author's watcher set. The watcher must
// currently be a mirrored participant of chat; otherwise the call is a silent
// no-op (warn-logged) — a stale or probing client gets no membership signal.
func (c *Coordinator) SubscribeTyping(watcher, author UserID, chat ChatID) {
	c.mu.Lock()
	ok := c.mirror.isMember(watcher, chat)
	if ok {
		c.typing.subscribe(watcher, author)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("rtc.typing.subscribe.reject", "watcher", string(watcher), "author", string(author), "chat_id", string(chat))
	}
}

// UnsubscribeTyping removes watcher from the author's watcher set, with the
// same membership validation and silent no-op behavior as SubscribeTyping.
func (c *Coordinator) UnsubscribeTyping(watcher, author UserID, chat ChatID) {
	c.mu.Lock()
	ok := c.mirror.isMember(watcher, chat)
	if ok {
		c.typing.unsubscribe(watcher, author)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("rtc.typing.unsubscribe.reject", "watcher", string(watcher), "author", string(author), "chat_id", string(chat))
	}
}

// EmitTyping delivers a typing notification to every mirrored, connected
// participant of chat except the author: subscribed watchers receive the
// literal text, everyone else the same event with the text cleared. The
// redacted duplicate is intentional — non-watchers learn that someone is
// typing without seeing content. An author who is not a mirrored member of
// the chat is treated as stale or spoofed state and dropped silently.
func (c *Coordinator) EmitTyping(author UserID, chat ChatID, text string) {
	type target struct {
		conn     Conn
		watching bool
	}

	c.mu.Lock()
	if !c.mirror.isMember(author, chat) {
		c.mu.Unlock()
		c.log.Debug("rtc.typing.drop", "author", string(author), "chat_id", string(chat))
		return
	}
	members := c.mirror.members(chat)
	targets := make([]target, 0, len(members))
	for _, u := range members {
		if u == author {
			continue
		}
		conn := c.registry.get(u)
		if conn == nil {
			continue
		}
		targets = append(targets, target{conn: conn, watching: c.typing.isWatching(u, author)})
	}
	c.mu.Unlock()

	full := newEnvelope(v1.TypeUserTyping, v1.UserTypingPayload{
		ChatID:   string(chat),
		AuthorID: string(author),
		Text:     text,
	})
	redacted := newEnvelope(v1.TypeUserTyping, v1.UserTypingPayload{
		ChatID:   string(chat),
		AuthorID: string(author),
	})
	for _, t := range targets {
		if t.watching {
			c.emit(t.conn, full)
		} else {
			c.emit(t.conn, redacted)
		}
	}
}

// ---- internals (call with c.mu held) ----

// coMemberConnsLocked resolves the live connections of every user sharing at
// least one mirrored chat with user, deduplicated, excluding user itself.
func (c *Coordinator) coMemberConnsLocked(user UserID) []Conn {
	seen := make(map[UserID]struct{})
	var out []Conn
	for chat := range c.mirror.chats(user) {
		for _, member := range c.mirror.members(chat) {
			if member == user {
				continue
			}
			if _, dup := seen[member]; dup {
				continue
			}
			seen[member] = struct{}{}
			if conn := c.registry.get(member); conn != nil {
				out = append(out, conn)
			}
		}
	}
	return out
}

// memberConnsLocked resolves live connections of a chat's mirrored members,
// skipping exclude when non-empty.
func (c *Coordinator) memberConnsLocked(chat ChatID, exclude UserID) []Conn {
	members := c.mirror.members(chat)
	out := make([]Conn, 0, len(members))
	for _, u := range members {
		if exclude != "" && u == exclude {
			continue
		}
		if conn := c.registry.get(u); conn != nil {
			out = append(out, conn)
		}
	}
	return out
}

// initialStateLocked computes the one-shot snapshot for a freshly connected
// user: presence of every co-chat member plus the mirrored participants per
// chat, used by the client to seed its own presence view.
func (c *Coordinator) initialStateLocked(user UserID) v1.InitUsersStatusPayload {
	statuses := make(map[string]string)
	snap := c.mirror.snapshot(user)
	chats := make([]v1.ChatParticipantsPayload, 0, len(snap))
	for _, cp := range snap {
		ids := make([]string, 0, len(cp.Participants))
		for _, u := range cp.Participants {
			ids = append(ids, string(u))
			if _, ok := statuses[string(u)]; !ok {
				statuses[string(u)] = string(c.presence.get(u))
			}
		}
		chats = append(chats, v1.ChatParticipantsPayload{
			ChatID:  string(cp.ChatID),
			UserIDs: ids,
		})
	}
	return v1.InitUsersStatusPayload{Users: statuses, Chats: chats}
}

// emit enqueues env into conn, recording delivery metrics. Nil-safe.
func (c *Coordinator) emit(conn Conn, env v1.Envelope) bool {
	if conn == nil {
		return false
	}
	if conn.Emit(env) {
		c.metrics.delivered(env.Type)
		return true
	}
	c.metrics.dropped(env.Type)
	return false
}

func newEnvelope(typ string, payload any) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      time.Now().UTC(),
		Payload: raw,
	}
}
