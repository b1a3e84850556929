package chatapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"relay/cmd/internal/chat"
)

const maxBodyBytes = 64 << 10

// AccessVerifier authenticates a bearer token to a user ID.
type AccessVerifier interface {
	VerifyAccess(ctx context.Context, token string) (string, error)
}

// Handler wires HTTP chat endpoints to the chat service.
type Handler struct {
	log      *slog.Logger
	chats    *chat.Service
	verifier AccessVerifier
}

// NewHandler constructs a chat Handler.
func NewHandler(log *slog.Logger, chats *chat.Service, verifier AccessVerifier) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, chats: chats, verifier: verifier}
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /chats", h.handleList)
	mux.HandleFunc("GET /chats/invites", h.handleInvites)
	mux.HandleFunc("GET /chats/messages", h.handleMessages)
	mux.HandleFunc("POST /chats/join", h.handleJoin)
	mux.HandleFunc("POST /chats/delete", h.handleDelete)
	mux.HandleFunc("POST /chats/invite", h.handleInvite)
	mux.HandleFunc("POST /chats/invite/accept", h.handleAcceptInvite)
	mux.HandleFunc("POST /chats/invite/decline", h.handleDeclineInvite)
	mux.HandleFunc("POST /chats/leave", h.handleLeave)
	mux.HandleFunc("POST /chats/kick", h.handleKick)
	mux.HandleFunc("POST /chats/messages/send", h.handleSendMessage)
}

// ---- handlers ----

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req joinRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	c, err := h.chats.JoinOrCreate(r.Context(), userID, req.Name)
	if err != nil {
		h.writeChatError(w, r, "chat.join.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Chat: toChat(c)})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req chatIDRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	if err := h.chats.Delete(r.Context(), userID, req.ChatID); err != nil {
		h.writeChatError(w, r, "chat.delete.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleInvite(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req memberRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	if err := h.chats.Invite(r.Context(), userID, req.UserID, req.ChatID); err != nil {
		h.writeChatError(w, r, "chat.invite.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req chatIDRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	if err := h.chats.AcceptInvite(r.Context(), userID, req.ChatID); err != nil {
		h.writeChatError(w, r, "chat.invite.accept.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeclineInvite(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req chatIDRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	if err := h.chats.DeclineInvite(r.Context(), userID, req.ChatID); err != nil {
		h.writeChatError(w, r, "chat.invite.decline.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req chatIDRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	if err := h.chats.Leave(r.Context(), userID, req.ChatID); err != nil {
		h.writeChatError(w, r, "chat.leave.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleKick(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req memberRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	votes, err := h.chats.Kick(r.Context(), userID, req.UserID, req.ChatID)
	if err != nil {
		h.writeChatError(w, r, "chat.kick.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, kickResponse{Votes: votes})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	msg, err := h.chats.SendMessage(r.Context(), userID, req.ChatID, req.Text, req.MessageType)
	if err != nil {
		h.writeChatError(w, r, "chat.message.send.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: toMessage(msg)})
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	chatID := strings.TrimSpace(q.Get("chat_id"))
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "chat_id is required")
		return
	}
	limit := 0
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.chats.Messages(r.Context(), userID, chat.MessagesQuery{
		ChatID: chatID,
		Before: strings.TrimSpace(q.Get("before")),
		Limit:  limit,
	})
	if err != nil {
		h.writeChatError(w, r, "chat.messages.fail", err)
		return
	}

	out := make([]messageModel, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: out})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	chats, err := h.chats.ChatsOf(r.Context(), userID)
	if err != nil {
		h.writeChatError(w, r, "chat.list.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, chatsResponse{Chats: toChats(chats)})
}

func (h *Handler) handleInvites(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	invites, err := h.chats.InvitesOf(r.Context(), userID)
	if err != nil {
		h.writeChatError(w, r, "chat.invites.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, chatsResponse{Chats: toChats(invites)})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return "", false
	}
	userID, err := h.verifier.VerifyAccess(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return "", false
	}
	return userID, true
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (h *Handler) writeChatError(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case chat.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid input")
	case chat.IsForbidden(err):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed")
	case chat.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case chat.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "conflict")
	default:
		h.log.ErrorContext(r.Context(), event, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
