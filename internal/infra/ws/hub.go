// Package ws serves the chat socket: user channels, chat rooms, presence and message relay.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	chatsvc "resortchat/internal/app/services/chat"
	domainchat "resortchat/internal/domain/chat"
	"resortchat/internal/infra/identity"
	"resortchat/internal/infra/realtime"
)

var errJoinRequired = errors.New("ws: join required")

// ChatService is the part of the chat service the hub drives.
type ChatService interface {
	Send(ctx context.Context, cmd domainchat.PostMessage) (chatsvc.SendResult, error)
	MarkRead(ctx context.Context, chatID string, actor chatsvc.Actor) (domainchat.ReadReceipt, chatsvc.Members, error)
	Authorize(ctx context.Context, chatID string, actor chatsvc.Actor) (chatsvc.Members, error)
}

type Options struct {
	PingInterval   time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Hub tracks connected clients by user and by chat room.
type Hub struct {
	service      ChatService
	logger       *slog.Logger
	pingInterval time.Duration
	upgrader     websocket.Upgrader

	mu     sync.RWMutex
	users  map[string]map[*Client]struct{}
	rooms  map[string]map[*Client]struct{}
	all    map[*Client]struct{}
	closed bool
}

func NewHub(service ChatService, opts Options) *Hub {
	ping := opts.PingInterval
	if ping <= 0 {
		ping = 25 * time.Second
	}
	h := &Hub{
		service:      service,
		logger:       opts.Logger,
		pingInterval: ping,
		users:        make(map[string]map[*Client]struct{}),
		rooms:        make(map[string]map[*Client]struct{}),
		all:          make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

func (h *Hub) pongWait() time.Duration {
	return h.pingInterval * 2
}

// ServeWS upgrades an authenticated request and starts the client pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, ident identity.Identity) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return errors.New("ws: hub closed")
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("ws: upgrade: %w", err)
	}
	c := newClient(h, conn, ident.UserID, ident.Role)
	h.mu.Lock()
	h.all[c] = struct{}{}
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.Info("socket connected", "client_id", c.ID, "user_id", c.UserID, "role", string(c.Role))
	}
	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) handle(ctx context.Context, c *Client, frame realtime.Frame) {
	var err error
	switch frame.Event {
	case realtime.EventJoin:
		err = h.onJoin(c, frame.Data)
	case realtime.EventJoinChat:
		err = h.onJoinChat(ctx, c, frame.Data)
	case realtime.EventLeaveChat:
		err = h.onLeaveChat(c, frame.Data)
	case realtime.EventSendMessage:
		err = h.onSendMessage(ctx, c, frame.Data)
	case realtime.EventMarkRead:
		err = h.onMarkRead(ctx, c, frame.Data)
	case realtime.EventGetChatStatus:
		err = h.onChatStatus(ctx, c, frame.Data)
	default:
		err = fmt.Errorf("ws: unknown event %q", frame.Event)
	}
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("socket event rejected", "event", frame.Event, "client_id", c.ID, "user_id", c.UserID, "error", err)
		}
		h.sendTo(c, string(realtime.KindError), rejection(frame, err))
	}
}

// rejection builds the error frame for a rejected command. Send rejections carry the
// chat and temp ids so the sender can roll back the right message.
func rejection(frame realtime.Frame, err error) realtime.ErrorPayload {
	payload := realtime.ErrorPayload{Message: errorMessage(err), Event: frame.Event}
	if frame.Event != realtime.EventSendMessage {
		return payload
	}
	var send realtime.SendMessagePayload
	if json.Unmarshal(frame.Data, &send) == nil {
		payload.ChatID = send.ChatID
		payload.TempID = send.TempID
	}
	return payload
}

func (h *Hub) onJoin(c *Client, data json.RawMessage) error {
	var p realtime.JoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("ws: decode join: %w", err)
	}
	if p.UserID != c.UserID || p.Role != c.Role {
		return domainchat.ErrNotParticipant
	}
	h.mu.Lock()
	c.joined = true
	set, ok := h.users[c.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[c.UserID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	return nil
}

func (h *Hub) onJoinChat(ctx context.Context, c *Client, data json.RawMessage) error {
	chatID, err := decodeChatID(data)
	if err != nil {
		return err
	}
	if !h.isJoined(c) {
		return errJoinRequired
	}
	members, err := h.service.Authorize(ctx, chatID, actorOf(c))
	if err != nil {
		return err
	}
	h.mu.Lock()
	room, ok := h.rooms[chatID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[chatID] = room
	}
	room[c] = struct{}{}
	c.rooms[chatID] = struct{}{}
	h.mu.Unlock()

	h.sendStatus(c, members)
	h.announcePresence(members, c)
	return nil
}

func (h *Hub) onLeaveChat(c *Client, data json.RawMessage) error {
	chatID, err := decodeChatID(data)
	if err != nil {
		return err
	}
	h.leaveRoom(c, chatID)
	return nil
}

func (h *Hub) leaveRoom(c *Client, chatID string) {
	h.mu.Lock()
	if room, ok := h.rooms[chatID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, chatID)
		}
	}
	delete(c.rooms, chatID)
	h.mu.Unlock()
	h.announcePresence(chatsvc.Members{ChatID: chatID}, c)
}

func (h *Hub) onSendMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var p realtime.SendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("ws: decode send_message: %w", err)
	}
	if !h.isJoined(c) {
		return errJoinRequired
	}
	if p.SenderID != "" && p.SenderID != c.UserID {
		return domainchat.ErrNotParticipant
	}
	res, err := h.service.Send(ctx, domainchat.PostMessage{
		ParticipantID:  c.UserID,
		CounterpartyID: p.CounterpartyID,
		ChatID:         p.ChatID,
		Sender:         c.Role,
		Text:           p.Text,
	})
	if err != nil {
		return err
	}
	msg := res.Message
	h.sendTo(c, string(realtime.KindMessageSent), messageSent{
		MessageID:     msg.ID,
		ChatID:        msg.ChatID,
		Timestamp:     msg.Timestamp,
		TempID:        p.TempID,
		Message:       msg,
		TotalMessages: res.Total,
	})
	h.broadcastRoom(msg.ChatID, c, string(realtime.KindReceiveMessage), msg)
	return nil
}

func (h *Hub) onMarkRead(ctx context.Context, c *Client, data json.RawMessage) error {
	var p realtime.MarkReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("ws: decode mark_read: %w", err)
	}
	if !h.isJoined(c) {
		return errJoinRequired
	}
	if p.UserID != "" && p.UserID != c.UserID {
		return domainchat.ErrNotParticipant
	}
	receipt, _, err := h.service.MarkRead(ctx, strings.TrimSpace(p.ChatID), actorOf(c))
	if err != nil {
		return err
	}
	h.RelayRead(receipt)
	return nil
}

func (h *Hub) onChatStatus(ctx context.Context, c *Client, data json.RawMessage) error {
	chatID, err := decodeChatID(data)
	if err != nil {
		return err
	}
	if !h.isJoined(c) {
		return errJoinRequired
	}
	members, err := h.service.Authorize(ctx, chatID, actorOf(c))
	if err != nil {
		return err
	}
	h.sendStatus(c, members)
	return nil
}

// Notify delivers a chat-list update to every socket of the recipients.
func (h *Hub) Notify(ctx context.Context, n chatsvc.Notification) error {
	event := string(realtime.KindChatUpdated)
	if n.Update.IsNewChat {
		event = string(realtime.KindNewChat)
	}
	frame, err := realtime.NewFrame(event, n.Update)
	if err != nil {
		return err
	}
	for _, userID := range n.Recipients {
		for _, c := range h.userClients(userID) {
			c.Send(frame)
		}
	}
	return nil
}

// RelayMessage delivers a message persisted outside the socket to everyone in its room.
func (h *Hub) RelayMessage(msg domainchat.Message) {
	h.broadcastRoom(msg.ChatID, nil, string(realtime.KindReceiveMessage), msg)
}

// RelayRead delivers a read receipt to everyone in its room.
func (h *Hub) RelayRead(receipt domainchat.ReadReceipt) {
	h.broadcastRoom(receipt.ChatID, nil, string(realtime.KindMessagesRead), receipt)
}

// sendStatus tells c whether the other side of the chat is in the room.
func (h *Hub) sendStatus(c *Client, members chatsvc.Members) {
	other := members.Other(c.Role)
	h.sendTo(c, string(realtime.KindChatStatus), domainchat.Status{
		ChatID:            members.ChatID,
		IsOtherUserOnline: other != "" && h.inRoom(members.ChatID, other),
	})
}

// announcePresence refreshes the presence of changed's user for the rest of the room.
func (h *Hub) announcePresence(members chatsvc.Members, changed *Client) {
	online := h.inRoom(members.ChatID, changed.UserID)
	for _, peer := range h.roomClients(members.ChatID) {
		if peer.UserID == changed.UserID {
			continue
		}
		h.sendTo(peer, string(realtime.KindChatStatus), domainchat.Status{ChatID: members.ChatID, IsOtherUserOnline: online})
	}
}

func (h *Hub) broadcastRoom(chatID string, except *Client, event string, payload any) {
	frame, err := realtime.NewFrame(event, payload)
	if err != nil {
		return
	}
	for _, c := range h.roomClients(chatID) {
		if c == except {
			continue
		}
		c.Send(frame)
	}
}

func (h *Hub) sendTo(c *Client, event string, payload any) {
	frame, err := realtime.NewFrame(event, payload)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("socket frame encode failed", "event", event, "error", err)
		}
		return
	}
	c.Send(frame)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.all, c)
	if set, ok := h.users[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.UserID)
		}
	}
	rooms := make([]string, 0, len(c.rooms))
	for chatID := range c.rooms {
		rooms = append(rooms, chatID)
	}
	h.mu.Unlock()

	for _, chatID := range rooms {
		h.leaveRoom(c, chatID)
	}
	if h.logger != nil {
		h.logger.Info("socket disconnected", "client_id", c.ID, "user_id", c.UserID)
	}
}

// Online reports whether userID has a joined socket.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Close disconnects every client and refuses new sockets.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.all))
	for c := range h.all {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

func (h *Hub) isJoined(c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.joined
}

func (h *Hub) inRoom(chatID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[chatID] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) roomClients(chatID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.rooms[chatID]))
	for c := range h.rooms[chatID] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) userClients(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		out = append(out, c)
	}
	return out
}

type messageSent struct {
	MessageID     string             `json:"messageId"`
	ChatID        string             `json:"chatId"`
	Timestamp     time.Time          `json:"timestamp"`
	TempID        string             `json:"tempId,omitempty"`
	Message       domainchat.Message `json:"message"`
	TotalMessages int                `json:"totalMessages"`
}

func decodeChatID(data json.RawMessage) (string, error) {
	var chatID string
	if err := json.Unmarshal(data, &chatID); err != nil {
		var obj struct {
			ChatID string `json:"chatId"`
		}
		if err2 := json.Unmarshal(data, &obj); err2 != nil {
			return "", fmt.Errorf("ws: decode chat id: %w", err)
		}
		chatID = obj.ChatID
	}
	chatID = strings.TrimSpace(chatID)
	if domainchat.IsPendingChat(chatID) {
		return "", domainchat.ErrChatNotFound
	}
	return chatID, nil
}

func actorOf(c *Client) chatsvc.Actor {
	return chatsvc.Actor{UserID: c.UserID, Role: c.Role}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, domainchat.ErrTextRequired):
		return "message text is required"
	case errors.Is(err, domainchat.ErrTextTooLong):
		return "message text is too long"
	case errors.Is(err, domainchat.ErrChatNotFound):
		return "chat not found"
	case errors.Is(err, domainchat.ErrNotParticipant), errors.Is(err, chatsvc.ErrForbidden):
		return "not a chat participant"
	case errors.Is(err, chatsvc.ErrResortNotFound):
		return "resort not found"
	case errors.Is(err, chatsvc.ErrResortAmbiguous):
		return "chat id is required"
	case errors.Is(err, domainchat.ErrCounterpartyReq):
		return "counterparty is required"
	case errors.Is(err, errJoinRequired):
		return "join required"
	default:
		return "request failed"
	}
}
