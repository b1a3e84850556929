package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"relay/cmd/identity/ids"
)

const memMaxMessagesPerChat = 10_000

// InMemoryStore is a dev/test fallback when DB is not configured.
// It honors every Store requirement, including distinct-kicker counting.
type InMemoryStore struct {
	mu      sync.Mutex
	chats   map[string]Chat                           // chat_id -> chat
	byName  map[string]string                         // name -> chat_id
	members map[string]map[string]Member              // chat_id -> user_id -> member
	kicks   map[string]map[string]map[string]struct{} // chat_id -> target -> kickers
	msgs    map[string][]Message                      // chat_id -> ordered by SentAt/insert
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chats:   make(map[string]Chat),
		byName:  make(map[string]string),
		members: make(map[string]map[string]Member),
		kicks:   make(map[string]map[string]map[string]struct{}),
		msgs:    make(map[string][]Message),
	}
}

func (s *InMemoryStore) CreateChat(ctx context.Context, in CreateChatInput) (Chat, error) {
	const op = "chat.CreateChat"

	name := strings.TrimSpace(in.Name)
	if name == "" || strings.TrimSpace(in.AdminID) == "" {
		return Chat{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "name and admin_id are required"}
	}
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[name]; ok {
		return Chat{}, ConflictError{Op: op, Field: "name"}
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Chat{}, err
	}

	c := Chat{ID: id, Name: name, AdminID: in.AdminID, CreatedAt: now}
	s.chats[id] = c
	s.byName[name] = id
	s.members[id] = map[string]Member{
		in.AdminID: {ChatID: id, UserID: in.AdminID, Relation: RelationAdmin, JoinedAt: now},
	}
	return c, nil
}

func (s *InMemoryStore) ChatByID(ctx context.Context, chatID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return Chat{}, NotFoundError{Op: "chat.ChatByID", Resource: "chat"}
	}
	return c, nil
}

func (s *InMemoryStore) ChatByName(ctx context.Context, name string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[strings.TrimSpace(name)]
	if !ok {
		return Chat{}, NotFoundError{Op: "chat.ChatByName", Resource: "chat"}
	}
	return s.chats[id], nil
}

func (s *InMemoryStore) DeleteChat(ctx context.Context, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return NotFoundError{Op: "chat.DeleteChat", Resource: "chat"}
	}
	delete(s.chats, chatID)
	delete(s.byName, c.Name)
	delete(s.members, chatID)
	delete(s.kicks, chatID)
	delete(s.msgs, chatID)
	return nil
}

func (s *InMemoryStore) SetRelation(ctx context.Context, chatID, userID string, rel Relation, now time.Time) error {
	const op = "chat.SetRelation"

	if !rel.Valid() {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "unknown relation"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return NotFoundError{Op: op, Resource: "chat"}
	}

	m, ok := s.members[chatID][userID]
	if !ok {
		m = Member{ChatID: chatID, UserID: userID, JoinedAt: now}
	}
	m.Relation = rel
	m.Kicks = len(s.kicks[chatID][userID])
	s.members[chatID][userID] = m
	return nil
}

func (s *InMemoryStore) RemoveRelation(ctx context.Context, chatID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return NotFoundError{Op: "chat.RemoveRelation", Resource: "chat"}
	}
	delete(s.members[chatID], userID)
	if k := s.kicks[chatID]; k != nil {
		delete(k, userID)
	}
	return nil
}

func (s *InMemoryStore) RelationOf(ctx context.Context, chatID, userID string) (Relation, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return "", NotFoundError{Op: "chat.RelationOf", Resource: "chat"}
	}
	m, ok := s.members[chatID][userID]
	if !ok {
		return "", NotFoundError{Op: "chat.RelationOf", Resource: "member"}
	}
	return m.Relation, nil
}

func (s *InMemoryStore) Members(ctx context.Context, chatID string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return nil, NotFoundError{Op: "chat.Members", Resource: "chat"}
	}
	out := make([]Member, 0, len(s.members[chatID]))
	for _, m := range s.members[chatID] {
		m.Kicks = len(s.kicks[chatID][m.UserID])
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *InMemoryStore) ChatsByUser(ctx context.Context, userID string, rels ...Relation) ([]Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	want := make(map[Relation]struct{}, len(rels))
	for _, r := range rels {
		want[r] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Chat
	for chatID, mm := range s.members {
		m, ok := mm[userID]
		if !ok {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[m.Relation]; !ok {
				continue
			}
		}
		out = append(out, s.chats[chatID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) RecordKick(ctx context.Context, chatID, targetID, kickerID string) (int, error) {
	const op = "chat.RecordKick"

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return 0, NotFoundError{Op: op, Resource: "chat"}
	}
	if _, ok := s.members[chatID][targetID]; !ok {
		return 0, NotFoundError{Op: op, Resource: "member"}
	}

	byTarget := s.kicks[chatID]
	if byTarget == nil {
		byTarget = make(map[string]map[string]struct{})
		s.kicks[chatID] = byTarget
	}
	kickers := byTarget[targetID]
	if kickers == nil {
		kickers = make(map[string]struct{})
		byTarget[targetID] = kickers
	}
	kickers[kickerID] = struct{}{}
	return len(kickers), nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "chat.AppendMessage"

	if strings.TrimSpace(in.ChatID) == "" || strings.TrimSpace(in.AuthorID) == "" {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "chat_id and author_id are required"}
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[in.ChatID]; !ok {
		return Message{}, NotFoundError{Op: op, Resource: "chat"}
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	msgType := in.Type
	if msgType == "" {
		msgType = "text"
	}

	msg := Message{
		ID:       id,
		ChatID:   in.ChatID,
		AuthorID: in.AuthorID,
		Text:     in.Text,
		Type:     msgType,
		SentAt:   now,
	}
	s.msgs[in.ChatID] = append(s.msgs[in.ChatID], msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(s.msgs[in.ChatID]) > memMaxMessagesPerChat {
		s.msgs[in.ChatID] = s.msgs[in.ChatID][len(s.msgs[in.ChatID])-memMaxMessagesPerChat:]
	}
	return msg, nil
}

func (s *InMemoryStore) Messages(ctx context.Context, q MessagesQuery) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[q.ChatID]; !ok {
		return nil, NotFoundError{Op: "chat.Messages", Resource: "chat"}
	}

	all := s.msgs[q.ChatID]
	end := len(all)
	if q.Before != "" {
		for i, m := range all {
			if m.ID == q.Before {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]Message(nil), all[start:end]...), nil
}
