package chat

import (
	"context"
	"time"
)

// Relation is a user's standing in a chat.
type Relation string

// Relations. A user holds at most one relation per chat.
const (
	// RelationAdmin is the chat creator. Exactly one per chat.
	RelationAdmin Relation = "admin"
	// RelationMember is a full participant.
	RelationMember Relation = "member"
	// RelationInvited marks a pending invite; no read or write access yet.
	RelationInvited Relation = "invited"
	// RelationKicked bars the user from rejoining after peers voted them out.
	RelationKicked Relation = "kicked"
)

// Valid reports whether r is a known relation.
func (r Relation) Valid() bool {
	switch r {
	case RelationAdmin, RelationMember, RelationInvited, RelationKicked:
		return true
	default:
		return false
	}
}

// Active reports whether the relation grants participation (read + write).
func (r Relation) Active() bool {
	return r == RelationAdmin || r == RelationMember
}

// Chat is one named room.
type Chat struct {
	ID        string
	Name      string
	AdminID   string
	CreatedAt time.Time
}

// Member is one (chat, user) relation row.
type Member struct {
	ChatID   string
	UserID   string
	Relation Relation
	// Kicks counts distinct peers who voted to kick this member.
	Kicks    int
	JoinedAt time.Time
}

// Message is one persisted chat message.
type Message struct {
	ID       string
	ChatID   string
	AuthorID string
	Text     string
	// Type distinguishes payload kinds, e.g. "text". Free-form for clients.
	Type   string
	SentAt time.Time
}

// CreateChatInput describes a chat creation request.
type CreateChatInput struct {
	Name    string
	AdminID string
	Now     time.Time
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ChatID   string
	AuthorID string
	Text     string
	Type     string
	Now      time.Time
}

// MessagesQuery pages a chat's history, newest window first, returned in
// chronological order.
type MessagesQuery struct {
	ChatID string
	// Before restricts to messages strictly older than the given id ("" for latest).
	Before string
	Limit  int
}

// Store is the chat persistence boundary.
//
// Requirements:
//   - Chat names are unique (case-sensitive match on the stored name).
//   - At most one relation row per (chat, user); SetRelation upserts.
//   - RecordKick counts distinct kickers only; repeats by the same kicker
//     must not inflate the count.
//   - DeleteChat removes the chat, its relations, kicks and messages.
type Store interface {
	CreateChat(ctx context.Context, in CreateChatInput) (Chat, error)
	ChatByID(ctx context.Context, chatID string) (Chat, error)
	ChatByName(ctx context.Context, name string) (Chat, error)
	DeleteChat(ctx context.Context, chatID string) error

	SetRelation(ctx context.Context, chatID, userID string, rel Relation, now time.Time) error
	RemoveRelation(ctx context.Context, chatID, userID string) error
	RelationOf(ctx context.Context, chatID, userID string) (Relation, error)
	Members(ctx context.Context, chatID string) ([]Member, error)
	ChatsByUser(ctx context.Context, userID string, rels ...Relation) ([]Chat, error)

	// RecordKick registers kicker's vote against target and returns the
	// resulting count of distinct kickers.
	RecordKick(ctx context.Context, chatID, targetID, kickerID string) (int, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	Messages(ctx context.Context, q MessagesQuery) ([]Message, error)
}
