// Package session adds room semantics and message-send shaping on top of a realtime channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"resortchat/internal/domain/chat"
	"resortchat/internal/infra/identity"
	"resortchat/internal/infra/realtime"
)

var (
	ErrIdentityUnknown = errors.New("session: identity unknown")
	ErrChatIDRequired  = errors.New("session: chat id is required")
)

// Channel is the realtime transport a Session drives.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Identity() (identity.Identity, bool)
	Status() realtime.Status
	Emit(event string, payload any) error
	ReportError(err error)
	Registry() *realtime.Registry
}

// SendParams describes an outgoing message. ChatID is empty (or the pending placeholder)
// for the first message of a new conversation, in which case CounterpartyID is required.
type SendParams struct {
	ChatID         string
	CounterpartyID string
	Text           string
	TempID         string
}

// Session is the role-aware chat API shared by every screen of one role context.
type Session struct {
	ch     Channel
	logger *slog.Logger
}

func New(ch Channel, logger *slog.Logger) *Session {
	return &Session{ch: ch, logger: logger}
}

func (s *Session) Connect(ctx context.Context) error {
	return s.ch.Connect(ctx)
}

func (s *Session) Disconnect() {
	s.ch.Disconnect()
}

func (s *Session) Connected() bool {
	return s.ch.Connected()
}

func (s *Session) Status() realtime.Status {
	return s.ch.Status()
}

// Identity returns the identity of the live connection.
func (s *Session) Identity() (identity.Identity, bool) {
	return s.ch.Identity()
}

// JoinChat subscribes the connection to a chat room. It is a no-op while disconnected.
func (s *Session) JoinChat(chatID string) {
	s.roomCommand(realtime.EventJoinChat, chatID)
}

// LeaveChat stops room delivery. It is a no-op while disconnected.
func (s *Session) LeaveChat(chatID string) {
	s.roomCommand(realtime.EventLeaveChat, chatID)
}

func (s *Session) roomCommand(event, chatID string) {
	chatID = strings.TrimSpace(chatID)
	if chat.IsPendingChat(chatID) {
		return
	}
	if !s.ch.Connected() {
		s.warn("room command skipped, channel disconnected", "event", event, "chat_id", chatID)
		return
	}
	if err := s.ch.Emit(event, chatID); err != nil {
		s.warn("room command failed", "event", event, "chat_id", chatID, "error", err)
	}
}

// SendMessage validates and emits a message. Confirmation arrives asynchronously on
// KindMessageSent; correlating it is the caller's job.
func (s *Session) SendMessage(params SendParams) error {
	payload, err := s.buildSend(params)
	if err != nil {
		s.ch.ReportError(err)
		return err
	}
	if err := s.ch.Emit(realtime.EventSendMessage, payload); err != nil {
		s.ch.ReportError(err)
		return err
	}
	return nil
}

func (s *Session) buildSend(params SendParams) (realtime.SendMessagePayload, error) {
	if !s.ch.Connected() {
		return realtime.SendMessagePayload{}, fmt.Errorf("session: send: %w", realtime.ErrNotConnected)
	}
	me, ok := s.ch.Identity()
	if !ok {
		return realtime.SendMessagePayload{}, ErrIdentityUnknown
	}
	text, err := chat.NormalizeText(params.Text)
	if err != nil {
		return realtime.SendMessagePayload{}, err
	}
	payload := realtime.SendMessagePayload{
		Text:     text,
		Sender:   me.Role,
		SenderID: me.UserID,
		TempID:   params.TempID,
	}
	if chat.IsPendingChat(params.ChatID) {
		payload.CounterpartyID = strings.TrimSpace(params.CounterpartyID)
		if payload.CounterpartyID == "" {
			return realtime.SendMessagePayload{}, chat.ErrCounterpartyReq
		}
	} else {
		payload.ChatID = strings.TrimSpace(params.ChatID)
		payload.CounterpartyID = strings.TrimSpace(params.CounterpartyID)
	}
	return payload, nil
}

// ReportError publishes a failure raised outside the channel, such as a REST fallback
// error, to the error subscribers.
func (s *Session) ReportError(err error) {
	s.ch.ReportError(err)
}

// MarkAsRead emits a read receipt for the current identity. Fire and forget.
func (s *Session) MarkAsRead(chatID string) error {
	chatID = strings.TrimSpace(chatID)
	if chat.IsPendingChat(chatID) {
		return ErrChatIDRequired
	}
	me, ok := s.ch.Identity()
	if !ok {
		return ErrIdentityUnknown
	}
	return s.ch.Emit(realtime.EventMarkRead, realtime.MarkReadPayload{ChatID: chatID, UserID: me.UserID})
}

// GetChatStatus asks for the presence of the other participant; the answer arrives
// on KindChatStatus.
func (s *Session) GetChatStatus(chatID string) error {
	chatID = strings.TrimSpace(chatID)
	if chat.IsPendingChat(chatID) {
		return ErrChatIDRequired
	}
	return s.ch.Emit(realtime.EventGetChatStatus, chatID)
}

func (s *Session) OnMessage(fn func(chat.Message)) func() {
	return realtime.Subscribe(s.ch.Registry(), realtime.KindReceiveMessage, fn)
}

func (s *Session) OnMessageSent(fn func(chat.SendConfirmation)) func() {
	return realtime.Subscribe(s.ch.Registry(), realtime.KindMessageSent, fn)
}

func (s *Session) OnChatStatus(fn func(chat.Status)) func() {
	return realtime.Subscribe(s.ch.Registry(), realtime.KindChatStatus, fn)
}

func (s *Session) OnMessagesRead(fn func(chat.ReadReceipt)) func() {
	return realtime.Subscribe(s.ch.Registry(), realtime.KindMessagesRead, fn)
}

// OnChatUpdated delivers both chat_updated and new_chat notifications.
func (s *Session) OnChatUpdated(fn func(chat.Update)) func() {
	offUpdated := realtime.Subscribe(s.ch.Registry(), realtime.KindChatUpdated, fn)
	offNew := realtime.Subscribe(s.ch.Registry(), realtime.KindNewChat, fn)
	return func() {
		offUpdated()
		offNew()
	}
}

func (s *Session) OnError(fn func(realtime.ErrorEvent)) func() {
	return realtime.Subscribe(s.ch.Registry(), realtime.KindError, fn)
}

func (s *Session) OnStateChanged(fn func(realtime.Status)) func() {
	return realtime.Subscribe(s.ch.Registry(), realtime.KindStateChanged, fn)
}

func (s *Session) warn(msg string, attrs ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, attrs...)
	}
}
