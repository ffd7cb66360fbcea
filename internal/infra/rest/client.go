// Package rest talks to the chat gateway's HTTP API for history, chat lists and offline sends.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"resortchat/internal/domain/chat"
	"resortchat/internal/infra/identity"
	"resortchat/internal/infra/realtime"
)

var (
	ErrBadRequest  = errors.New("rest: bad request")
	ErrUnavailable = errors.New("rest: service unavailable")
)

// Client is the REST collaborator of the chat core.
type Client struct {
	HTTP     *http.Client
	BaseURL  string
	Identity identity.Provider
	Logger   *slog.Logger
}

type wireMessage struct {
	ID        string             `json:"id"`
	MongoID   string             `json:"_id"`
	ChatID    string             `json:"chatId"`
	Sender    chat.Role          `json:"sender"`
	SenderID  string             `json:"senderId"`
	Text      string             `json:"text"`
	Timestamp realtime.Timestamp `json:"timestamp"`
}

func (w wireMessage) toMessage() chat.Message {
	id := w.ID
	if id == "" {
		id = w.MongoID
	}
	return chat.Message{ID: id, ChatID: w.ChatID, Sender: w.Sender, SenderID: w.SenderID, Text: w.Text, Timestamp: w.Timestamp.Time}
}

type wireChat struct {
	ID              string             `json:"id"`
	MongoID         string             `json:"_id"`
	CustomerID      string             `json:"customerId"`
	ResortID        string             `json:"resortId"`
	ResortName      string             `json:"resortName"`
	Messages        []wireMessage      `json:"messages"`
	LastMessage     string             `json:"lastMessage"`
	LastMessageTime realtime.Timestamp `json:"lastMessageTime"`
	UnreadCount     int                `json:"unreadCount"`
	CreatedAt       realtime.Timestamp `json:"createdAt"`
}

func (w wireChat) toChat() chat.Chat {
	id := w.ID
	if id == "" {
		id = w.MongoID
	}
	out := chat.Chat{
		ID:              id,
		CustomerID:      w.CustomerID,
		ResortID:        w.ResortID,
		ResortName:      w.ResortName,
		LastMessage:     w.LastMessage,
		LastMessageTime: w.LastMessageTime.Time,
		UnreadCount:     w.UnreadCount,
		CreatedAt:       w.CreatedAt.Time,
	}
	if len(w.Messages) > 0 {
		out.Messages = make([]chat.Message, 0, len(w.Messages))
		for _, m := range w.Messages {
			out.Messages = append(out.Messages, m.toMessage())
		}
	}
	if out.UnreadCount < 0 {
		out.UnreadCount = 0
	}
	return out
}

type messageList struct {
	Items []wireMessage `json:"items"`
}

type chatList struct {
	Items []wireChat `json:"items"`
}

type sendResponse struct {
	Chat    wireChat    `json:"chat"`
	Message wireMessage `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GetMessages returns the history of a chat ordered by timestamp.
func (c *Client) GetMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	var out messageList
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(out.Items))
	for _, m := range out.Items {
		msgs = append(msgs, m.toMessage())
	}
	chat.SortMessages(msgs)
	return msgs, nil
}

// ListUserChats returns every chat of a customer.
func (c *Client) ListUserChats(ctx context.Context, userID string) ([]chat.Chat, error) {
	return c.listChats(ctx, "/users/"+url.PathEscape(userID)+"/chats")
}

// ListResortChats returns every chat of a resort.
func (c *Client) ListResortChats(ctx context.Context, resortID string) ([]chat.Chat, error) {
	return c.listChats(ctx, "/resorts/"+url.PathEscape(resortID)+"/chats")
}

// ListMyChats returns the chats of the authenticated caller, for either role.
func (c *Client) ListMyChats(ctx context.Context) ([]chat.Chat, error) {
	return c.listChats(ctx, "/me/chats")
}

func (c *Client) listChats(ctx context.Context, path string) ([]chat.Chat, error) {
	var out chatList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	chats := make([]chat.Chat, 0, len(out.Items))
	for _, w := range out.Items {
		chats = append(chats, w.toChat())
	}
	chat.SortByActivity(chats)
	return chats, nil
}

// SendMessage creates or appends to a chat and returns the persisted records.
func (c *Client) SendMessage(ctx context.Context, req chat.PostMessage) (chat.Chat, chat.Message, error) {
	var out sendResponse
	if err := c.do(ctx, http.MethodPost, "/chats/messages", req, &out); err != nil {
		return chat.Chat{}, chat.Message{}, err
	}
	created := out.Chat.toChat()
	msg := out.Message.toMessage()
	if msg.ChatID == "" {
		msg.ChatID = created.ID
	}
	return created, msg, nil
}

// MarkRead resets the caller's unread counter on the server.
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/read", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil || c.HTTP == nil {
		return errors.New("rest: http client not configured")
	}
	if c.BaseURL == "" {
		return errors.New("rest: base url not configured")
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	request, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	if c.Identity != nil {
		me, err := c.Identity.Identity(ctx)
		if err != nil {
			return err
		}
		request.Header.Set("Authorization", "Bearer "+me.Token)
	}

	resp, err := c.HTTP.Do(request)
	if err != nil {
		c.logError("chat api request failed", method, path, err)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		err := statusError(resp)
		c.logError("chat api returned error", method, path, err)
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logError("chat api decode failed", method, path, err)
		return fmt.Errorf("rest: decode %s: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(snippet))
	var payload errorResponse
	if json.Unmarshal(snippet, &payload) == nil && payload.Error != "" {
		detail = payload.Error
	}
	var sentinel error
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		sentinel = ErrBadRequest
	case http.StatusUnauthorized:
		sentinel = identity.ErrInvalidToken
	case http.StatusForbidden:
		sentinel = chat.ErrNotParticipant
	case http.StatusNotFound:
		sentinel = chat.ErrChatNotFound
	default:
		sentinel = ErrUnavailable
	}
	return fmt.Errorf("%w: status %d: %s", sentinel, resp.StatusCode, detail)
}

func (c *Client) logError(msg, method, path string, err error) {
	if c.Logger == nil {
		return
	}
	c.Logger.Error(msg, "method", method, "path", path, "error", err)
}
