package chat

import (
	"context"
	"errors"

	domainchat "resortchat/internal/domain/chat"
)

var (
	ErrResortNotFound  = errors.New("chat: resort not found")
	ErrResortAmbiguous = errors.New("chat: owner manages several resorts, chat id required")
	ErrForbidden       = errors.New("chat: forbidden")
)

// Record is a stored chat with counters for both sides. Messages are not loaded.
type Record struct {
	Chat           domainchat.Chat
	UnreadCustomer int
	UnreadOwner    int
	Total          int
}

// View renders the chat as seen by role.
func (r Record) View(role domainchat.Role) domainchat.Chat {
	out := r.Chat
	out.Messages = nil
	switch role {
	case domainchat.RoleCustomer:
		out.UnreadCount = r.UnreadCustomer
	case domainchat.RoleOwner:
		out.UnreadCount = r.UnreadOwner
	}
	return out
}

// Store persists chats and messages.
type Store interface {
	Chat(ctx context.Context, chatID string) (Record, error)
	ChatFor(ctx context.Context, customerID, resortID string) (Record, error)
	CreateChat(ctx context.Context, chat domainchat.Chat) (Record, error)
	// AppendMessage stores msg, refreshes the chat summary and increments the unread
	// counter of recipient.
	AppendMessage(ctx context.Context, msg domainchat.Message, recipient domainchat.Role) (Record, error)
	Messages(ctx context.Context, chatID string) ([]domainchat.Message, error)
	ChatsByCustomer(ctx context.Context, customerID string) ([]Record, error)
	ChatsByResort(ctx context.Context, resortID string) ([]Record, error)
	ResetUnread(ctx context.Context, chatID string, role domainchat.Role) error
}

// Resort is the directory entry that ties a resort to its owner.
type Resort struct {
	ID      string `json:"id" bson:"_id"`
	Name    string `json:"name" bson:"name"`
	OwnerID string `json:"ownerId" bson:"owner_id"`
}

// ResortDirectory resolves resort ownership.
type ResortDirectory interface {
	Resort(ctx context.Context, resortID string) (Resort, error)
	ResortsByOwner(ctx context.Context, ownerID string) ([]Resort, error)
}

// Notification addresses a chat-list update to user channels.
type Notification struct {
	Recipients []string          `json:"recipients"`
	Update     domainchat.Update `json:"update"`
}

// Notifier delivers chat-list updates to connected participants.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
