package ginserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	chatsvc "resortchat/internal/app/services/chat"
	domainchat "resortchat/internal/domain/chat"
	"resortchat/internal/infra/identity"
)

// ChatService is the chat use-case surface served over HTTP.
type ChatService interface {
	Send(ctx context.Context, cmd domainchat.PostMessage) (chatsvc.SendResult, error)
	History(ctx context.Context, chatID string, actor chatsvc.Actor) ([]domainchat.Message, error)
	ChatsForCustomer(ctx context.Context, customerID string, actor chatsvc.Actor) ([]domainchat.Chat, error)
	ChatsForResort(ctx context.Context, resortID string, actor chatsvc.Actor) ([]domainchat.Chat, error)
	ChatsForOwner(ctx context.Context, actor chatsvc.Actor) ([]domainchat.Chat, error)
	MarkRead(ctx context.Context, chatID string, actor chatsvc.Actor) (domainchat.ReadReceipt, chatsvc.Members, error)
}

// Relay pushes REST writes to sockets already in the chat room.
type Relay interface {
	RelayMessage(msg domainchat.Message)
	RelayRead(receipt domainchat.ReadReceipt)
}

type ChatHandler struct {
	Service ChatService
	Relay   Relay
	Logger  *slog.Logger
}

type messageList struct {
	Items []domainchat.Message `json:"items"`
}

type chatList struct {
	Items []domainchat.Chat `json:"items"`
}

type sendResponse struct {
	Chat    domainchat.Chat    `json:"chat"`
	Message domainchat.Message `json:"message"`
}

// ListMessages returns the history of a chat the caller takes part in.
func (h ChatHandler) ListMessages(c *gin.Context) {
	ident, ok := requireIdentity(c)
	if !ok {
		return
	}
	chatID := strings.TrimSpace(c.Param("id"))
	msgs, err := h.Service.History(c.Request.Context(), chatID, actorOf(ident))
	if err != nil {
		h.respondChatError(c, err, "list messages", "chat_id", chatID)
		return
	}
	c.JSON(http.StatusOK, messageList{Items: msgs})
}

// ListUserChats returns the chats of a customer; customers may only list their own.
func (h ChatHandler) ListUserChats(c *gin.Context) {
	ident, ok := requireIdentity(c)
	if !ok {
		return
	}
	userID := strings.TrimSpace(c.Param("id"))
	chats, err := h.Service.ChatsForCustomer(c.Request.Context(), userID, actorOf(ident))
	if err != nil {
		h.respondChatError(c, err, "list user chats", "customer_id", userID)
		return
	}
	c.JSON(http.StatusOK, chatList{Items: chats})
}

func (h ChatHandler) ListResortChats(c *gin.Context) {
	ident, ok := requireIdentity(c)
	if !ok {
		return
	}
	resortID := strings.TrimSpace(c.Param("id"))
	chats, err := h.Service.ChatsForResort(c.Request.Context(), resortID, actorOf(ident))
	if err != nil {
		h.respondChatError(c, err, "list resort chats", "resort_id", resortID)
		return
	}
	c.JSON(http.StatusOK, chatList{Items: chats})
}

// ListMyChats lists the caller's chats whatever their role.
func (h ChatHandler) ListMyChats(c *gin.Context) {
	ident, ok := requireIdentity(c)
	if !ok {
		return
	}
	var (
		chats []domainchat.Chat
		err   error
	)
	if ident.Role == domainchat.RoleOwner {
		chats, err = h.Service.ChatsForOwner(c.Request.Context(), actorOf(ident))
	} else {
		chats, err = h.Service.ChatsForCustomer(c.Request.Context(), ident.UserID, actorOf(ident))
	}
	if err != nil {
		h.respondChatError(c, err, "list my chats")
		return
	}
	c.JSON(http.StatusOK, chatList{Items: chats})
}

// SendMessage persists a message without a socket, creating the chat when needed.
func (h ChatHandler) SendMessage(c *gin.Context) {
	ident, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req domainchat.PostMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.ParticipantID != "" && req.ParticipantID != ident.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat participant"})
		return
	}
	if req.Sender != "" && req.Sender != ident.Role {
		c.JSON(http.StatusForbidden, gin.H{"error": "sender does not match caller"})
		return
	}
	req.ParticipantID = ident.UserID
	req.Sender = ident.Role

	res, err := h.Service.Send(c.Request.Context(), req)
	if err != nil {
		h.respondChatError(c, err, "send message", "chat_id", req.ChatID)
		return
	}
	if h.Relay != nil {
		h.Relay.RelayMessage(res.Message)
	}
	c.JSON(http.StatusCreated, sendResponse{Chat: res.Chat, Message: res.Message})
}

func (h ChatHandler) MarkRead(c *gin.Context) {
	ident, ok := requireIdentity(c)
	if !ok {
		return
	}
	chatID := strings.TrimSpace(c.Param("id"))
	receipt, _, err := h.Service.MarkRead(c.Request.Context(), chatID, actorOf(ident))
	if err != nil {
		h.respondChatError(c, err, "mark read", "chat_id", chatID)
		return
	}
	if h.Relay != nil {
		h.Relay.RelayRead(receipt)
	}
	c.JSON(http.StatusOK, receipt)
}

func (h ChatHandler) respondChatError(c *gin.Context, err error, action string, attrs ...any) {
	status, msg := chatErrorStatus(err)
	if h.Logger != nil {
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		h.Logger.Log(c.Request.Context(), level, "chat request failed",
			append([]any{"action", action, "error", err, "user_id", c.GetString("user_id")}, attrs...)...)
	}
	c.JSON(status, gin.H{"error": msg})
}

func chatErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domainchat.ErrTextRequired):
		return http.StatusBadRequest, "text is required"
	case errors.Is(err, domainchat.ErrTextTooLong):
		return http.StatusBadRequest, "text is too long"
	case errors.Is(err, domainchat.ErrCounterpartyReq):
		return http.StatusBadRequest, "counterparty is required"
	case errors.Is(err, domainchat.ErrInvalidRole):
		return http.StatusBadRequest, "invalid role"
	case errors.Is(err, chatsvc.ErrResortAmbiguous):
		return http.StatusUnprocessableEntity, "chat id is required"
	case errors.Is(err, domainchat.ErrChatNotFound):
		return http.StatusNotFound, "chat not found"
	case errors.Is(err, chatsvc.ErrResortNotFound):
		return http.StatusNotFound, "resort not found"
	case errors.Is(err, domainchat.ErrNotParticipant), errors.Is(err, chatsvc.ErrForbidden):
		return http.StatusForbidden, "not a chat participant"
	default:
		return http.StatusInternalServerError, "chat unavailable"
	}
}

func actorOf(ident identity.Identity) chatsvc.Actor {
	return chatsvc.Actor{UserID: ident.UserID, Role: ident.Role}
}

var _ ChatHTTP = ChatHandler{}
