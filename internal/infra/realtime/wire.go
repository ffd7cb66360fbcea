package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"resortchat/internal/domain/chat"
)

// Outbound commands.
const (
	EventJoin          = "join"
	EventJoinChat      = "join_chat"
	EventLeaveChat     = "leave_chat"
	EventSendMessage   = "send_message"
	EventMarkRead      = "mark_read"
	EventGetChatStatus = "get_chat_status"
)

// Kind identifies an inbound event delivered to subscribers.
type Kind string

const (
	KindReceiveMessage Kind = "receive_message"
	KindMessageSent    Kind = "message_sent"
	KindChatStatus     Kind = "chat_status"
	KindMessagesRead   Kind = "messages_read"
	KindChatUpdated    Kind = "chat_updated"
	KindNewChat        Kind = "new_chat"
	KindError          Kind = "error"
	// KindStateChanged is raised locally, never by the server.
	KindStateChanged Kind = "state_changed"
)

var errUnknownEvent = errors.New("realtime: unknown event")

// Frame is the JSON envelope exchanged over the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes payload as the frame data.
func NewFrame(event string, payload any) (Frame, error) {
	frame := Frame{Event: event}
	if payload == nil {
		return frame, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("realtime: encode %s: %w", event, err)
	}
	frame.Data = data
	return frame, nil
}

type JoinPayload struct {
	UserID string    `json:"userId"`
	Role   chat.Role `json:"role"`
}

type SendMessagePayload struct {
	ChatID         string    `json:"chatId,omitempty"`
	CounterpartyID string    `json:"counterpartyId,omitempty"`
	Text           string    `json:"text"`
	Sender         chat.Role `json:"sender"`
	SenderID       string    `json:"senderId"`
	TempID         string    `json:"tempId,omitempty"`
}

type MarkReadPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	// Event names the rejected command, when the server knows it.
	Event string `json:"event,omitempty"`
	// ChatID and TempID identify a rejected send_message.
	ChatID string `json:"chatId,omitempty"`
	TempID string `json:"tempId,omitempty"`
}

// ErrorEvent is delivered on KindError, for server errors and local failures alike.
type ErrorEvent struct {
	Message string
	Event   string
	ChatID  string
	TempID  string
	Err     error
}

// Timestamp accepts RFC3339 strings, "2006-01-02 15:04:05" strings and epoch milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "" || raw == "null" {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("realtime: invalid timestamp %s", raw)
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// ParseTimestamp normalizes a wire timestamp string.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return ts.UTC(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("realtime: invalid timestamp %q", s)
}

type wireMessage struct {
	ID        string    `json:"id"`
	MongoID   string    `json:"_id"`
	ChatID    string    `json:"chatId"`
	Sender    chat.Role `json:"sender"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Timestamp Timestamp `json:"timestamp"`
}

func (w wireMessage) toMessage() chat.Message {
	id := w.ID
	if id == "" {
		id = w.MongoID
	}
	return chat.Message{
		ID:        id,
		ChatID:    w.ChatID,
		Sender:    w.Sender,
		SenderID:  w.SenderID,
		Text:      w.Text,
		Timestamp: w.Timestamp.Time,
	}
}

type wireConfirmation struct {
	MessageID     string       `json:"messageId"`
	ChatID        string       `json:"chatId"`
	Timestamp     Timestamp    `json:"timestamp"`
	TempID        string       `json:"tempId"`
	Message       *wireMessage `json:"message"`
	TotalMessages int          `json:"totalMessages"`
}

type wireReadReceipt struct {
	ChatID string    `json:"chatId"`
	ReadBy string    `json:"readBy"`
	ReadAt Timestamp `json:"readAt"`
}

type wireUpdate struct {
	ChatID          string    `json:"chatId"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime Timestamp `json:"lastMessageTime"`
	Sender          chat.Role `json:"sender"`
	IsNewChat       bool      `json:"isNewChat"`
}

// decode turns an inbound frame into its typed payload with normalized timestamps.
func decode(frame Frame) (Kind, any, error) {
	kind := Kind(frame.Event)
	data := frame.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	switch kind {
	case KindReceiveMessage:
		var w wireMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return kind, nil, err
		}
		return kind, w.toMessage(), nil
	case KindMessageSent:
		var w wireConfirmation
		if err := json.Unmarshal(data, &w); err != nil {
			return kind, nil, err
		}
		out := chat.SendConfirmation{
			MessageID:     w.MessageID,
			ChatID:        w.ChatID,
			Timestamp:     w.Timestamp.Time,
			TempID:        w.TempID,
			TotalMessages: w.TotalMessages,
		}
		if w.Message != nil {
			msg := w.Message.toMessage()
			out.Message = &msg
			if out.MessageID == "" {
				out.MessageID = msg.ID
			}
			if out.ChatID == "" {
				out.ChatID = msg.ChatID
			}
			if out.Timestamp.IsZero() {
				out.Timestamp = msg.Timestamp
			}
		}
		return kind, out, nil
	case KindChatStatus:
		var s chat.Status
		if err := json.Unmarshal(data, &s); err != nil {
			return kind, nil, err
		}
		return kind, s, nil
	case KindMessagesRead:
		var w wireReadReceipt
		if err := json.Unmarshal(data, &w); err != nil {
			return kind, nil, err
		}
		return kind, chat.ReadReceipt{ChatID: w.ChatID, ReadBy: w.ReadBy, ReadAt: w.ReadAt.Time}, nil
	case KindChatUpdated, KindNewChat:
		var w wireUpdate
		if err := json.Unmarshal(data, &w); err != nil {
			return kind, nil, err
		}
		return kind, chat.Update{
			ChatID:          w.ChatID,
			LastMessage:     w.LastMessage,
			LastMessageTime: w.LastMessageTime.Time,
			Sender:          w.Sender,
			IsNewChat:       w.IsNewChat || kind == KindNewChat,
		}, nil
	case KindError:
		var p ErrorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return kind, nil, err
		}
		return kind, ErrorEvent{
			Message: p.Message,
			Event:   p.Event,
			ChatID:  p.ChatID,
			TempID:  p.TempID,
			Err:     fmt.Errorf("%w: %s", ErrServer, p.Message),
		}, nil
	default:
		return kind, nil, fmt.Errorf("%w: %q", errUnknownEvent, frame.Event)
	}
}
