// Package v1 defines the relay realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Presence status values carried by status payloads.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
	StatusDND     = "DND"
)

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake and carries the access token (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeInitUsersStatus seeds the client's presence view at connect time (server -> client, once).
	TypeInitUsersStatus = "init_users_status"
	// TypeUserStatusUpdate announces a presence change of a co-chat member (server -> client).
	TypeUserStatusUpdate = "user_status_update"
	// TypeChangeOnlineStatus requests a presence change for the caller (client -> server).
	TypeChangeOnlineStatus = "change_online_status"

	// TypeNewMessage broadcasts a persisted chat message (server -> chat members).
	TypeNewMessage = "new_message"
	// TypeInvite nudges an invitee about a pending chat invite (server -> client, unicast).
	TypeInvite = "invite"
	// TypeNewUserJoinChat announces a new chat member (server -> chat members).
	TypeNewUserJoinChat = "new_user_join_chat"
	// TypeChatDeleted announces chat deletion (server -> chat members).
	TypeChatDeleted = "chat_deleted"

	// TypeUserTyping carries a typing notification; Text is absent for non-watchers (server -> client).
	TypeUserTyping = "user_typing"
	// TypeMeTyping reports that the caller is typing (client -> server).
	TypeMeTyping = "me_typing"
	// TypeSubscribeTyping subscribes the caller to an author's typing text (client -> server).
	TypeSubscribeTyping = "subscribe_typing"
	// TypeUnsubscribeTyping removes such a subscription (client -> server).
	TypeUnsubscribeTyping = "unsubscribe_typing"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeInitUsersStatus,
		TypeUserStatusUpdate,
		TypeChangeOnlineStatus,
		TypeNewMessage,
		TypeInvite,
		TypeNewUserJoinChat,
		TypeChatDeleted,
		TypeUserTyping,
		TypeMeTyping,
		TypeSubscribeTyping,
		TypeUnsubscribeTyping,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload carries the access token that authenticates the socket.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload confirms the authenticated identity for the session.
type HelloAckPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// InitUsersStatusPayload is the one-shot presence snapshot sent right after connect.
type InitUsersStatusPayload struct {
	// Users maps co-chat member ids to their current presence status.
	Users map[string]string `json:"users"`
	// Chats lists the mirrored participants per chat the connecting user is in.
	Chats []ChatParticipantsPayload `json:"chats"`
}

// ChatParticipantsPayload lists the mirrored participants of one chat.
type ChatParticipantsPayload struct {
	ChatID  string   `json:"chat_id"`
	UserIDs []string `json:"user_ids"`
}

// UserStatusUpdatePayload announces a presence change.
type UserStatusUpdatePayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// ChangeOnlineStatusPayload requests a presence change for the caller.
type ChangeOnlineStatusPayload struct {
	Status string `json:"status"`
}

// NewMessagePayload broadcasts a persisted message.
type NewMessagePayload struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	MessageType string    `json:"message_type"`
	ChatID      string    `json:"chat_id"`
	UserID      string    `json:"user_id"`
	Date        time.Time `json:"date"`
}

// InvitePayload nudges the invitee about a pending invite.
type InvitePayload struct {
	Inviter string `json:"inviter"`
	ChatID  string `json:"chat_id"`
}

// NewUserJoinChatPayload announces a new chat member.
type NewUserJoinChatPayload struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
}

// ChatDeletedPayload announces that a chat was deleted.
type ChatDeletedPayload struct {
	ChatID string `json:"chat_id"`
}

// UserTypingPayload carries a typing notification.
// Text is omitted for recipients that are not subscribed to the author.
type UserTypingPayload struct {
	ChatID   string `json:"chat_id"`
	AuthorID string `json:"author_id"`
	Text     string `json:"text,omitempty"`
}

// MeTypingPayload reports that the caller is typing in a chat.
type MeTypingPayload struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// SubscribeTypingPayload subscribes/unsubscribes the caller to an author's typing text.
type SubscribeTypingPayload struct {
	AuthorID string `json:"author_id"`
	ChatID   string `json:"chat_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
