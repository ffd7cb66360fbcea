package chat

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrChatNotFound    = errors.New("chat: not found")
	ErrNotParticipant  = errors.New("chat: not a participant")
	ErrCounterpartyReq = errors.New("chat: counterparty is required")
)

// Chat aggregates the messages exchanged between one customer and one resort.
// The resort owner is derived from resort ownership and is not stored here.
type Chat struct {
	ID              string    `json:"id"`
	CustomerID      string    `json:"customerId"`
	ResortID        string    `json:"resortId"`
	ResortName      string    `json:"resortName,omitempty"`
	Messages        []Message `json:"messages,omitempty"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Append inserts msg keeping messages ordered by timestamp and refreshes the tail fields.
func (c *Chat) Append(msg Message) {
	idx := sort.Search(len(c.Messages), func(i int) bool {
		return c.Messages[i].Timestamp.After(msg.Timestamp)
	})
	c.Messages = append(c.Messages, Message{})
	copy(c.Messages[idx+1:], c.Messages[idx:])
	c.Messages[idx] = msg
	c.syncTail()
}

// Touch records a message summary without holding the message itself.
func (c *Chat) Touch(text string, at time.Time) {
	if at.Before(c.LastMessageTime) {
		return
	}
	c.LastMessage = text
	c.LastMessageTime = at
}

func (c *Chat) syncTail() {
	if len(c.Messages) == 0 {
		return
	}
	last := c.Messages[len(c.Messages)-1]
	c.LastMessage = last.Text
	c.LastMessageTime = last.Timestamp
}

// MarkRead resets the unread counter.
func (c *Chat) MarkRead() {
	c.UnreadCount = 0
}

// SortByActivity orders chats by last message time, most recent first.
func SortByActivity(chats []Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].LastMessageTime.After(chats[j].LastMessageTime)
	})
}

// SortMessages orders messages by timestamp ascending.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
}
