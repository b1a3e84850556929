package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"relay/cmd/identity"
	"relay/cmd/internal/rtc"
)

// MaxUserKicksTolerable is the number of distinct peer kick votes after which
// a member is expelled from the chat.
const MaxUserKicksTolerable = 3

const maxMessageChars = 4000

// Notifier is the realtime fan-out surface consumed by the service.
// *rtc.Coordinator satisfies it. Every call happens strictly after the
// corresponding durable write; delivery is best-effort and its result is
// logged, never propagated to the API caller.
type Notifier interface {
	JoinChat(user rtc.UserID, chat rtc.ChatID) rtc.FanoutResult
	LeaveChat(user rtc.UserID, chat rtc.ChatID)
	ChatDeleted(chat rtc.ChatID) rtc.FanoutResult
	SendMessage(msg rtc.Message) rtc.FanoutResult
	SendInvite(inviter, invitee rtc.UserID, chat rtc.ChatID) bool
}

// UserDirectory answers whether a user record still exists. The identity
// stores satisfy it.
type UserDirectory interface {
	UserByID(ctx context.Context, userID string) (identity.User, error)
}

// Service implements the chat operations on top of a Store, with realtime
// notifications layered behind the writes.
type Service struct {
	log      *slog.Logger
	store    Store
	users    UserDirectory
	notifier Notifier
}

// NewService constructs a Service. users may be nil, which disables the
// account-existence gate on MembershipsByUser (offline tooling, tests).
// notifier may be nil (no realtime layer); nil log falls back to
// slog.Default().
func NewService(log *slog.Logger, store Store, users UserDirectory, notifier Notifier) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, store: store, users: users, notifier: notifier}
}

// SetNotifier installs the realtime layer after construction. The service is
// the coordinator's membership source and the coordinator is the service's
// notifier, so one of the two has to be wired late.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// MembershipsByUser adapts the store to the realtime coordinator's
// materialization query: chats where the user actively participates. The
// account may have been deleted between token verification and this call, so
// the user record is re-checked first; a missing account reports
// rtc.ErrUserNotFound and the coordinator aborts the connect.
func (s *Service) MembershipsByUser(ctx context.Context, user rtc.UserID) ([]rtc.ChatID, error) {
	if s.users != nil {
		if _, err := s.users.UserByID(ctx, string(user)); err != nil {
			if identity.IsNotFound(err) {
				return nil, fmt.Errorf("chat: memberships for %s: %w", user, rtc.ErrUserNotFound)
			}
			return nil, fmt.Errorf("chat: memberships for %s: %w", user, err)
		}
	}
	chats, err := s.store.ChatsByUser(ctx, string(user), RelationAdmin, RelationMember)
	if err != nil {
		return nil, fmt.Errorf("chat: memberships for %s: %w", user, err)
	}
	out := make([]rtc.ChatID, 0, len(chats))
	for _, c := range chats {
		out = append(out, rtc.ChatID(c.ID))
	}
	return out, nil
}

// JoinOrCreate joins the named chat, creating it when it does not exist yet.
// The creator becomes admin; a joiner becomes member. A kicked user cannot
// rejoin. Joining a chat the user already participates in is a conflict.
func (s *Service) JoinOrCreate(ctx context.Context, userID, name string) (Chat, error) {
	const op = "chat.JoinOrCreate"

	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(userID) == "" {
		return Chat{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "name and user_id are required"}
	}

	c, err := s.store.ChatByName(ctx, name)
	switch {
	case IsNotFound(err):
		c, err = s.store.CreateChat(ctx, CreateChatInput{Name: name, AdminID: userID})
		if err != nil {
			return Chat{}, err
		}
		s.notifyJoin(userID, c.ID)
		s.log.Info("chat.create", "chat_id", c.ID, "admin_id", userID)
		return c, nil
	case err != nil:
		return Chat{}, err
	}

	rel, err := s.store.RelationOf(ctx, c.ID, userID)
	if err == nil {
		switch rel {
		case RelationKicked:
			return Chat{}, OpError{Op: op, Kind: ErrForbidden, Msg: "kicked from chat"}
		case RelationAdmin, RelationMember:
			return Chat{}, ConflictError{Op: op, Field: "membership"}
		}
		// invited: joining accepts the invite
	} else if !IsNotFound(err) {
		return Chat{}, err
	}

	if err := s.store.SetRelation(ctx, c.ID, userID, RelationMember, time.Time{}); err != nil {
		return Chat{}, err
	}
	s.notifyJoin(userID, c.ID)
	s.log.Info("chat.join", "chat_id", c.ID, "user_id", userID)
	return c, nil
}

// Delete removes the chat. Only the admin may delete.
func (s *Service) Delete(ctx context.Context, actorID, chatID string) error {
	const op = "chat.Delete"

	c, err := s.store.ChatByID(ctx, chatID)
	if err != nil {
		return err
	}
	if c.AdminID != actorID {
		return OpError{Op: op, Kind: ErrForbidden, Msg: "only the admin can delete a chat"}
	}

	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	s.notifyDeleted(chatID)
	s.log.Info("chat.delete", "chat_id", chatID, "actor_id", actorID)
	return nil
}

// Invite records a pending invite and nudges the invitee in real time.
// The inviter must actively participate; a kicked or already participating
// invitee is rejected.
func (s *Service) Invite(ctx context.Context, inviterID, inviteeID, chatID string) error {
	const op = "chat.Invite"

	if inviterID == inviteeID {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "cannot invite yourself"}
	}

	if err := s.requireActive(ctx, op, chatID, inviterID); err != nil {
		return err
	}

	rel, err := s.store.RelationOf(ctx, chatID, inviteeID)
	if err == nil {
		switch rel {
		case RelationKicked:
			return OpError{Op: op, Kind: ErrForbidden, Msg: "invitee was kicked from chat"}
		case RelationInvited:
			return ConflictError{Op: op, Field: "invite"}
		default:
			return ConflictError{Op: op, Field: "membership"}
		}
	}
	if !IsNotFound(err) {
		return err
	}

	if err := s.store.SetRelation(ctx, chatID, inviteeID, RelationInvited, time.Time{}); err != nil {
		return err
	}

	if s.notifier != nil {
		delivered := s.notifier.SendInvite(rtc.UserID(inviterID), rtc.UserID(inviteeID), rtc.ChatID(chatID))
		s.log.Info("chat.invite", "chat_id", chatID, "inviter_id", inviterID, "invitee_id", inviteeID, "delivered", delivered)
	}
	return nil
}

// AcceptInvite promotes a pending invite to membership.
func (s *Service) AcceptInvite(ctx context.Context, userID, chatID string) error {
	const op = "chat.AcceptInvite"

	if err := s.requireInvited(ctx, op, chatID, userID); err != nil {
		return err
	}
	if err := s.store.SetRelation(ctx, chatID, userID, RelationMember, time.Time{}); err != nil {
		return err
	}
	s.notifyJoin(userID, chatID)
	s.log.Info("chat.invite.accept", "chat_id", chatID, "user_id", userID)
	return nil
}

// DeclineInvite drops a pending invite.
func (s *Service) DeclineInvite(ctx context.Context, userID, chatID string) error {
	const op = "chat.DeclineInvite"

	if err := s.requireInvited(ctx, op, chatID, userID); err != nil {
		return err
	}
	if err := s.store.RemoveRelation(ctx, chatID, userID); err != nil {
		return err
	}
	s.log.Info("chat.invite.decline", "chat_id", chatID, "user_id", userID)
	return nil
}

// Leave removes the caller from the chat. When the admin leaves, the whole
// chat is deleted: rooms do not survive their creator.
func (s *Service) Leave(ctx context.Context, userID, chatID string) error {
	const op = "chat.Leave"

	rel, err := s.store.RelationOf(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !rel.Active() {
		return OpError{Op: op, Kind: ErrForbidden, Msg: "not a participant"}
	}

	if rel == RelationAdmin {
		if err := s.store.DeleteChat(ctx, chatID); err != nil {
			return err
		}
		s.notifyDeleted(chatID)
		s.log.Info("chat.leave.admin", "chat_id", chatID, "user_id", userID)
		return nil
	}

	if err := s.store.RemoveRelation(ctx, chatID, userID); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.LeaveChat(rtc.UserID(userID), rtc.ChatID(chatID))
	}
	s.log.Info("chat.leave", "chat_id", chatID, "user_id", userID)
	return nil
}

// Kick registers the caller's vote to expel target. Once
// MaxUserKicksTolerable distinct participants voted, the target's relation
// flips to kicked and the target is detached from the realtime mirror.
// Voting twice is idempotent; the admin cannot be kicked.
func (s *Service) Kick(ctx context.Context, kickerID, targetID, chatID string) (int, error) {
	const op = "chat.Kick"

	if kickerID == targetID {
		return 0, OpError{Op: op, Kind: ErrInvalidInput, Msg: "cannot kick yourself"}
	}

	if err := s.requireActive(ctx, op, chatID, kickerID); err != nil {
		return 0, err
	}

	rel, err := s.store.RelationOf(ctx, chatID, targetID)
	if err != nil {
		return 0, err
	}
	if rel == RelationAdmin {
		return 0, OpError{Op: op, Kind: ErrForbidden, Msg: "the admin cannot be kicked"}
	}
	if rel != RelationMember {
		return 0, OpError{Op: op, Kind: ErrInvalidInput, Msg: "target is not a member"}
	}

	kicks, err := s.store.RecordKick(ctx, chatID, targetID, kickerID)
	if err != nil {
		return 0, err
	}

	if kicks >= MaxUserKicksTolerable {
		if err := s.store.SetRelation(ctx, chatID, targetID, RelationKicked, time.Time{}); err != nil {
			return kicks, err
		}
		if s.notifier != nil {
			s.notifier.LeaveChat(rtc.UserID(targetID), rtc.ChatID(chatID))
		}
		s.log.Info("chat.kick.expelled", "chat_id", chatID, "target_id", targetID, "kicks", kicks)
	} else {
		s.log.Info("chat.kick.vote", "chat_id", chatID, "target_id", targetID, "kicker_id", kickerID, "kicks", kicks)
	}
	return kicks, nil
}

// SendMessage persists the message, then broadcasts it to the chat's
// connected participants.
func (s *Service) SendMessage(ctx context.Context, authorID, chatID, text, msgType string) (Message, error) {
	const op = "chat.SendMessage"

	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "empty text"}
	}
	if len([]rune(text)) > maxMessageChars {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: fmt.Sprintf("message too long: max=%d chars", maxMessageChars)}
	}

	if err := s.requireActive(ctx, op, chatID, authorID); err != nil {
		return Message{}, err
	}

	msg, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ChatID:   chatID,
		AuthorID: authorID,
		Text:     text,
		Type:     msgType,
	})
	if err != nil {
		return Message{}, err
	}

	if s.notifier != nil {
		res := s.notifier.SendMessage(rtc.Message{
			ID:       rtc.MessageID(msg.ID),
			ChatID:   rtc.ChatID(msg.ChatID),
			AuthorID: rtc.UserID(msg.AuthorID),
			Text:     msg.Text,
			Type:     msg.Type,
			SentAt:   msg.SentAt,
		})
		s.log.Debug("chat.message.fanout", "chat_id", chatID, "message_id", msg.ID, "outcome", res.Outcome.String(), "delivered", res.Delivered)
	}
	return msg, nil
}

// Messages returns a window of the chat history for an active participant.
func (s *Service) Messages(ctx context.Context, userID string, q MessagesQuery) ([]Message, error) {
	const op = "chat.Messages"

	if err := s.requireActive(ctx, op, q.ChatID, userID); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, q)
}

// ChatsOf lists the chats the user actively participates in.
func (s *Service) ChatsOf(ctx context.Context, userID string) ([]Chat, error) {
	return s.store.ChatsByUser(ctx, userID, RelationAdmin, RelationMember)
}

// InvitesOf lists the chats with a pending invite for the user.
func (s *Service) InvitesOf(ctx context.Context, userID string) ([]Chat, error) {
	return s.store.ChatsByUser(ctx, userID, RelationInvited)
}

// ---- internals ----

func (s *Service) requireActive(ctx context.Context, op, chatID, userID string) error {
	rel, err := s.store.RelationOf(ctx, chatID, userID)
	if err != nil {
		if IsNotFound(err) {
			return OpError{Op: op, Kind: ErrForbidden, Msg: "not a participant"}
		}
		return err
	}
	if !rel.Active() {
		return OpError{Op: op, Kind: ErrForbidden, Msg: "not a participant"}
	}
	return nil
}

func (s *Service) requireInvited(ctx context.Context, op, chatID, userID string) error {
	rel, err := s.store.RelationOf(ctx, chatID, userID)
	if err != nil {
		if IsNotFound(err) {
			return NotFoundError{Op: op, Resource: "invite"}
		}
		return err
	}
	if rel != RelationInvited {
		return NotFoundError{Op: op, Resource: "invite"}
	}
	return nil
}

func (s *Service) notifyJoin(userID, chatID string) {
	if s.notifier == nil {
		return
	}
	res := s.notifier.JoinChat(rtc.UserID(userID), rtc.ChatID(chatID))
	s.log.Debug("chat.join.fanout", "chat_id", chatID, "user_id", userID, "delivered", res.Delivered)
}

func (s *Service) notifyDeleted(chatID string) {
	if s.notifier == nil {
		return
	}
	res := s.notifier.ChatDeleted(rtc.ChatID(chatID))
	s.log.Debug("chat.delete.fanout", "chat_id", chatID, "outcome", res.Outcome.String(), "delivered", res.Delivered)
}
