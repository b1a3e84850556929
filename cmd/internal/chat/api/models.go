package chatapi

import (
	"time"

	"relay/cmd/internal/chat"
)

type joinRequest struct {
	Name string `json:"name"`
}

type chatIDRequest struct {
	ChatID string `json:"chat_id"`
}

type memberRequest struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

type sendMessageRequest struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	MessageType string `json:"message_type"`
}

type chatModel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AdminID   string    `json:"admin_id"`
	CreatedAt time.Time `json:"created_at"`
}

// messageModel field names track the realtime new_message payload so clients
// parse history and live messages with one model.
type messageModel struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	UserID      string    `json:"user_id"`
	Text        string    `json:"text"`
	MessageType string    `json:"message_type"`
	Date        time.Time `json:"date"`
}

type chatResponse struct {
	Chat chatModel `json:"chat"`
}

type chatsResponse struct {
	Chats []chatModel `json:"chats"`
}

type messageResponse struct {
	Message messageModel `json:"message"`
}

type messagesResponse struct {
	Messages []messageModel `json:"messages"`
}

type kickResponse struct {
	Votes int `json:"votes"`
}

func toChat(c chat.Chat) chatModel {
	return chatModel{
		ID:        c.ID,
		Name:      c.Name,
		AdminID:   c.AdminID,
		CreatedAt: c.CreatedAt,
	}
}

func toChats(cs []chat.Chat) []chatModel {
	out := make([]chatModel, 0, len(cs))
	for _, c := range cs {
		out = append(out, toChat(c))
	}
	return out
}

func toMessage(m chat.Message) messageModel {
	return messageModel{
		ID:          m.ID,
		ChatID:      m.ChatID,
		UserID:      m.AuthorID,
		Text:        m.Text,
		MessageType: m.Type,
		Date:        m.SentAt,
	}
}
