package rtc

// mirror is the bidirectional in-memory membership index, user <-> chat.
//
// Invariant: chat ∈ userToChats[u] ⇔ u ∈ chatToUsers[chat] for every
// mirrored user u. Both directions mutate together, always under the
// coordinator lock, so partial population is never observable to fan-out.
//
// The mirror is intentionally NOT an authoritative chat roster: it only
// holds what this process observed since start (connect materializations and
// post-commit join notifications). A full-roster query must go to the
// membership store, never here.
type mirror struct {
	userToChats map[UserID]map[ChatID]struct{}
	chatToUsers map[ChatID]map[UserID]struct{}
}

func newMirror() *mirror {
	return &mirror{
		userToChats: make(map[UserID]map[ChatID]struct{}),
		chatToUsers: make(map[ChatID]map[UserID]struct{}),
	}
}

// merge unions chats into the user's mirrored set. Repeated materialization
// never shrinks the set; shrink only happens via explicit leave calls.
func (m *mirror) merge(user UserID, chats []ChatID) {
	for _, chat := range chats {
		m.join(user, chat)
	}
}

// join adds the pair to both directions, creating the chat bucket when this
// is the first mirrored participant of a not-yet-seen chat.
func (m *mirror) join(user UserID, chat ChatID) {
	uc := m.userToChats[user]
	if uc == nil {
		uc = make(map[ChatID]struct{})
		m.userToChats[user] = uc
	}
	uc[chat] = struct{}{}

	cu := m.chatToUsers[chat]
	if cu == nil {
		cu = make(map[UserID]struct{})
		m.chatToUsers[chat] = cu
	}
	cu[user] = struct{}{}
}

// leave removes the pair from both directions. Missing user or chat is a
// no-op: disconnect/leave races are expected, not errors.
func (m *mirror) leave(user UserID, chat ChatID) {
	if uc := m.userToChats[user]; uc != nil {
		delete(uc, chat)
		if len(uc) == 0 {
			delete(m.userToChats, user)
		}
	}
	if cu := m.chatToUsers[chat]; cu != nil {
		delete(cu, user)
	}
}

// remove drops user from every chat bucket it is mirrored in, then drops the
// user's own entry.
func (m *mirror) remove(user UserID) {
	for chat := range m.userToChats[user] {
		if cu := m.chatToUsers[chat]; cu != nil {
			delete(cu, user)
		}
	}
	delete(m.userToChats, user)
}

// dropChat removes the whole chat bucket and the reverse entries of every
// mirrored participant. Used on chat deletion.
func (m *mirror) dropChat(chat ChatID) {
	for user := range m.chatToUsers[chat] {
		if uc := m.userToChats[user]; uc != nil {
			delete(uc, chat)
			if len(uc) == 0 {
				delete(m.userToChats, user)
			}
		}
	}
	delete(m.chatToUsers, chat)
}

// chats returns the user's mirrored chat set (nil when unmirrored).
func (m *mirror) chats(user UserID) map[ChatID]struct{} {
	return m.userToChats[user]
}

// hasChat reports whether the chat bucket exists at all, regardless of size.
func (m *mirror) hasChat(chat ChatID) bool {
	_, ok := m.chatToUsers[chat]
	return ok
}

// isMember reports whether user is currently mirrored into chat.
func (m *mirror) isMember(user UserID, chat ChatID) bool {
	_, ok := m.chatToUsers[chat][user]
	return ok
}

// members returns a copy of the chat's mirrored participant set.
// Fan-out must iterate this snapshot, never the live map.
func (m *mirror) members(chat ChatID) []UserID {
	cu := m.chatToUsers[chat]
	if cu == nil {
		return nil
	}
	out := make([]UserID, 0, len(cu))
	for u := range cu {
		out = append(out, u)
	}
	return out
}

// ChatParticipants is one entry of a connect-time snapshot.
type ChatParticipants struct {
	ChatID       ChatID
	Participants []UserID
}

// snapshot lists, for every chat the user mirrors, its mirrored participants.
// Never fails: an unmirrored user yields an empty list.
func (m *mirror) snapshot(user UserID) []ChatParticipants {
	uc := m.userToChats[user]
	out := make([]ChatParticipants, 0, len(uc))
	for chat := range uc {
		out = append(out, ChatParticipants{
			ChatID:       chat,
			Participants: m.members(chat),
		})
	}
	return out
}
