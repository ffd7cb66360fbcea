package chat

import "time"

// Update notifies list views about a change to a chat that may not be open.
type Update struct {
	ChatID          string    `json:"chatId"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	Sender          Role      `json:"sender"`
	IsNewChat       bool      `json:"isNewChat"`
}

// Status carries presence of the other participant in a chat room.
type Status struct {
	ChatID            string `json:"chatId"`
	IsOtherUserOnline bool   `json:"isOtherUserOnline"`
}

// ReadReceipt reports that a participant read a chat.
type ReadReceipt struct {
	ChatID string    `json:"chatId"`
	ReadBy string    `json:"readBy"`
	ReadAt time.Time `json:"readAt"`
}

// SendConfirmation acknowledges a message persisted by the server.
type SendConfirmation struct {
	MessageID     string    `json:"messageId"`
	ChatID        string    `json:"chatId"`
	Timestamp     time.Time `json:"timestamp"`
	TempID        string    `json:"tempId,omitempty"`
	Message       *Message  `json:"message,omitempty"`
	TotalMessages int       `json:"totalMessages,omitempty"`
}

// PostMessage creates a chat lazily or appends to an existing one.
// ChatID is empty for the first message between a customer and a resort.
type PostMessage struct {
	ParticipantID  string `json:"participantId"`
	CounterpartyID string `json:"counterpartyId"`
	ChatID         string `json:"chatId,omitempty"`
	Sender         Role   `json:"sender"`
	Text           string `json:"text"`
}
