package rtc

// typingIndex maps an authoring user to the set of watchers subscribed to
// that author's typing text.
//
// The index is keyed by author only, not (author, chat). When author and
// watcher share several chats, one subscription applies to typing events in
// all of them. That cross-chat behavior is deliberate and documented, not a
// bug: the subscription expresses "show me what this person is typing", and
// chat scoping only gates the subscribe-time membership check.
type typingIndex struct {
	watchers map[UserID]map[UserID]struct{}
}

func newTypingIndex() *typingIndex {
	return &typingIndex{watchers: make(map[UserID]map[UserID]struct{})}
}

func (t *typingIndex) subscribe(watcher, author UserID) {
	w := t.watchers[author]
	if w == nil {
		w = make(map[UserID]struct{})
		t.watchers[author] = w
	}
	w[watcher] = struct{}{}
}

// unsubscribe is a no-op when no such subscription exists.
func (t *typingIndex) unsubscribe(watcher, author UserID) {
	w := t.watchers[author]
	if w == nil {
		return
	}
	delete(w, watcher)
	if len(w) == 0 {
		delete(t.watchers, author)
	}
}

func (t *typingIndex) isWatching(watcher, author UserID) bool {
	_, ok := t.watchers[author][watcher]
	return ok
}

// removeUser prunes every subscription referencing user, in both roles:
// as an author (the whole watcher set) and as a watcher of other authors.
func (t *typingIndex) removeUser(user UserID) {
	delete(t.watchers, user)
	for author, w := range t.watchers {
		delete(w, user)
		if len(w) == 0 {
			delete(t.watchers, author)
		}
	}
}
