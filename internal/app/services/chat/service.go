// Package chat implements the gateway side of resort chats: lazy creation, message
// persistence, read state and participant authorization.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	domainchat "resortchat/internal/domain/chat"
)

// Actor is the authenticated caller.
type Actor struct {
	UserID string
	Role   domainchat.Role
}

// Members are the two sides of a chat.
type Members struct {
	ChatID     string
	CustomerID string
	OwnerID    string
	ResortID   string
}

// UserIDs returns the participant ids, skipping unknown ones.
func (m Members) UserIDs() []string {
	out := make([]string, 0, 2)
	for _, id := range []string{m.CustomerID, m.OwnerID} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Other returns the user id on the opposite side of role.
func (m Members) Other(role domainchat.Role) string {
	if role == domainchat.RoleCustomer {
		return m.OwnerID
	}
	return m.CustomerID
}

type SendResult struct {
	Chat    domainchat.Chat
	Message domainchat.Message
	Created bool
	Total   int
	Members Members
}

type Service struct {
	Store    Store
	Resorts  ResortDirectory
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Send appends a message to a chat, creating the chat on the first customer message.
func (s *Service) Send(ctx context.Context, cmd domainchat.PostMessage) (SendResult, error) {
	if err := s.ensureDependencies(); err != nil {
		return SendResult{}, err
	}
	actor := Actor{UserID: strings.TrimSpace(cmd.ParticipantID), Role: cmd.Sender}
	if err := validateActor(actor); err != nil {
		return SendResult{}, err
	}
	text, err := domainchat.NormalizeText(cmd.Text)
	if err != nil {
		return SendResult{}, err
	}

	rec, members, created, err := s.resolveChat(ctx, actor, strings.TrimSpace(cmd.ChatID), strings.TrimSpace(cmd.CounterpartyID))
	if err != nil {
		return SendResult{}, err
	}

	msg := domainchat.Message{
		ID:        s.newID(),
		ChatID:    rec.Chat.ID,
		Sender:    actor.Role,
		SenderID:  actor.UserID,
		Text:      text,
		Timestamp: s.now(),
	}
	rec, err = s.Store.AppendMessage(ctx, msg, actor.Role.Counterpart())
	if err != nil {
		return SendResult{}, fmt.Errorf("chat: append message: %w", err)
	}

	s.notify(ctx, Notification{
		Recipients: members.UserIDs(),
		Update: domainchat.Update{
			ChatID:          rec.Chat.ID,
			LastMessage:     msg.Text,
			LastMessageTime: msg.Timestamp,
			Sender:          msg.Sender,
			IsNewChat:       created,
		},
	})
	if s.Logger != nil {
		s.Logger.Info("chat message stored", "chat_id", rec.Chat.ID, "message_id", msg.ID, "sender", string(msg.Sender), "created", created)
	}
	return SendResult{
		Chat:    rec.View(actor.Role),
		Message: msg,
		Created: created,
		Total:   rec.Total,
		Members: members,
	}, nil
}

func (s *Service) resolveChat(ctx context.Context, actor Actor, chatID, counterpartyID string) (Record, Members, bool, error) {
	if !domainchat.IsPendingChat(chatID) {
		rec, members, err := s.authorize(ctx, chatID, actor)
		return rec, members, false, err
	}
	if counterpartyID == "" {
		return Record{}, Members{}, false, domainchat.ErrCounterpartyReq
	}

	var customerID string
	var resort Resort
	switch actor.Role {
	case domainchat.RoleCustomer:
		customerID = actor.UserID
		found, err := s.Resorts.Resort(ctx, counterpartyID)
		if err != nil {
			return Record{}, Members{}, false, err
		}
		resort = found
	case domainchat.RoleOwner:
		customerID = counterpartyID
		found, err := s.ownerResortFor(ctx, actor.UserID, customerID)
		if err != nil {
			return Record{}, Members{}, false, err
		}
		resort = found
	}
	members := Members{CustomerID: customerID, OwnerID: resort.OwnerID, ResortID: resort.ID}

	rec, err := s.Store.ChatFor(ctx, customerID, resort.ID)
	if err == nil {
		members.ChatID = rec.Chat.ID
		return rec, members, false, nil
	}
	if !errors.Is(err, domainchat.ErrChatNotFound) {
		return Record{}, Members{}, false, err
	}
	rec, err = s.Store.CreateChat(ctx, domainchat.Chat{
		ID:         s.newID(),
		CustomerID: customerID,
		ResortID:   resort.ID,
		ResortName: resort.Name,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return Record{}, Members{}, false, fmt.Errorf("chat: create chat: %w", err)
	}
	members.ChatID = rec.Chat.ID
	return rec, members, true, nil
}

// ownerResortFor picks the resort an owner writes from when no chat id is given.
func (s *Service) ownerResortFor(ctx context.Context, ownerID, customerID string) (Resort, error) {
	resorts, err := s.Resorts.ResortsByOwner(ctx, ownerID)
	if err != nil {
		return Resort{}, err
	}
	if len(resorts) == 0 {
		return Resort{}, ErrResortNotFound
	}
	for _, r := range resorts {
		if _, err := s.Store.ChatFor(ctx, customerID, r.ID); err == nil {
			return r, nil
		}
	}
	if len(resorts) > 1 {
		return Resort{}, ErrResortAmbiguous
	}
	return resorts[0], nil
}

// History returns the messages of a chat in ascending order.
func (s *Service) History(ctx context.Context, chatID string, actor Actor) ([]domainchat.Message, error) {
	if err := s.ensureDependencies(); err != nil {
		return nil, err
	}
	if _, _, err := s.authorize(ctx, chatID, actor); err != nil {
		return nil, err
	}
	msgs, err := s.Store.Messages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	domainchat.SortMessages(msgs)
	return msgs, nil
}

// ChatsForCustomer lists the chats of a customer, most recent first.
func (s *Service) ChatsForCustomer(ctx context.Context, customerID string, actor Actor) ([]domainchat.Chat, error) {
	if err := s.ensureDependencies(); err != nil {
		return nil, err
	}
	if actor.Role != domainchat.RoleCustomer || actor.UserID != customerID {
		return nil, ErrForbidden
	}
	recs, err := s.Store.ChatsByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return views(recs, domainchat.RoleCustomer), nil
}

// ChatsForResort lists the chats of a resort for its owner, most recent first.
func (s *Service) ChatsForResort(ctx context.Context, resortID string, actor Actor) ([]domainchat.Chat, error) {
	if err := s.ensureDependencies(); err != nil {
		return nil, err
	}
	resort, err := s.Resorts.Resort(ctx, resortID)
	if err != nil {
		return nil, err
	}
	if actor.Role != domainchat.RoleOwner || resort.OwnerID != actor.UserID {
		return nil, ErrForbidden
	}
	recs, err := s.Store.ChatsByResort(ctx, resortID)
	if err != nil {
		return nil, err
	}
	return views(recs, domainchat.RoleOwner), nil
}

// ChatsForOwner lists the chats of every resort managed by an owner.
func (s *Service) ChatsForOwner(ctx context.Context, actor Actor) ([]domainchat.Chat, error) {
	if err := s.ensureDependencies(); err != nil {
		return nil, err
	}
	if actor.Role != domainchat.RoleOwner {
		return nil, ErrForbidden
	}
	resorts, err := s.Resorts.ResortsByOwner(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	var recs []Record
	for _, r := range resorts {
		part, err := s.Store.ChatsByResort(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		recs = append(recs, part...)
	}
	return views(recs, domainchat.RoleOwner), nil
}

// MarkRead clears the caller's unread counter.
func (s *Service) MarkRead(ctx context.Context, chatID string, actor Actor) (domainchat.ReadReceipt, Members, error) {
	if err := s.ensureDependencies(); err != nil {
		return domainchat.ReadReceipt{}, Members{}, err
	}
	_, members, err := s.authorize(ctx, chatID, actor)
	if err != nil {
		return domainchat.ReadReceipt{}, Members{}, err
	}
	if err := s.Store.ResetUnread(ctx, chatID, actor.Role); err != nil {
		return domainchat.ReadReceipt{}, Members{}, err
	}
	return domainchat.ReadReceipt{ChatID: chatID, ReadBy: actor.UserID, ReadAt: s.now()}, members, nil
}

// Authorize checks that actor takes part in chatID and returns both sides.
func (s *Service) Authorize(ctx context.Context, chatID string, actor Actor) (Members, error) {
	if err := s.ensureDependencies(); err != nil {
		return Members{}, err
	}
	_, members, err := s.authorize(ctx, chatID, actor)
	return members, err
}

func (s *Service) authorize(ctx context.Context, chatID string, actor Actor) (Record, Members, error) {
	if err := validateActor(actor); err != nil {
		return Record{}, Members{}, err
	}
	rec, err := s.Store.Chat(ctx, chatID)
	if err != nil {
		return Record{}, Members{}, err
	}
	members, err := s.members(ctx, rec)
	if err != nil {
		return Record{}, Members{}, err
	}
	switch actor.Role {
	case domainchat.RoleCustomer:
		if members.CustomerID != actor.UserID {
			return Record{}, Members{}, domainchat.ErrNotParticipant
		}
	case domainchat.RoleOwner:
		if members.OwnerID != actor.UserID {
			return Record{}, Members{}, domainchat.ErrNotParticipant
		}
	}
	return rec, members, nil
}

func (s *Service) members(ctx context.Context, rec Record) (Members, error) {
	resort, err := s.Resorts.Resort(ctx, rec.Chat.ResortID)
	if err != nil {
		return Members{}, err
	}
	return Members{
		ChatID:     rec.Chat.ID,
		CustomerID: rec.Chat.CustomerID,
		OwnerID:    resort.OwnerID,
		ResortID:   resort.ID,
	}, nil
}

func (s *Service) notify(ctx context.Context, n Notification) {
	if s.Notifier == nil || len(n.Recipients) == 0 {
		return
	}
	if err := s.Notifier.Notify(ctx, n); err != nil && s.Logger != nil {
		s.Logger.Warn("chat update delivery failed", "chat_id", n.Update.ChatID, "error", err)
	}
}

func (s *Service) ensureDependencies() error {
	if s == nil || s.Store == nil {
		return errors.New("chat: store not configured")
	}
	if s.Resorts == nil {
		return errors.New("chat: resort directory not configured")
	}
	return nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func validateActor(actor Actor) error {
	if strings.TrimSpace(actor.UserID) == "" {
		return ErrForbidden
	}
	if !actor.Role.Valid() {
		return fmt.Errorf("%w: %q", domainchat.ErrInvalidRole, actor.Role)
	}
	return nil
}

func views(recs []Record, role domainchat.Role) []domainchat.Chat {
	out := make([]domainchat.Chat, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.View(role))
	}
	domainchat.SortByActivity(out)
	return out
}
