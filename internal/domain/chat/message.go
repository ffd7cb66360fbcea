package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrTextRequired = errors.New("chat: text is required")
	ErrTextTooLong  = errors.New("chat: text is too long")
	ErrInvalidRole  = errors.New("chat: invalid role")
)

// MaxTextLength bounds a message body in runes.
const MaxTextLength = 1000

// PendingChatID marks a conversation that does not exist server-side yet.
const PendingChatID = "new-chat"

const tempIDPrefix = "temp_"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleOwner    Role = "owner"
)

// ParseRole normalizes a raw role string.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleCustomer:
		return RoleCustomer, nil
	case RoleOwner:
		return RoleOwner, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleOwner
}

// Counterpart returns the other participant role.
func (r Role) Counterpart() Role {
	if r == RoleOwner {
		return RoleCustomer
	}
	return RoleOwner
}

// Message is a single chat message. Temporary ids are used while a send is in flight.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Sender    Role      `json:"sender"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// IsTemporary reports whether the message still carries a client-assigned id.
func (m Message) IsTemporary() bool {
	return IsTempID(m.ID)
}

// NormalizeText trims the body and enforces the length bound.
func NormalizeText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", ErrTextRequired
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return "", ErrTextTooLong
	}
	return text, nil
}

// NewTempID builds a client-side message id: temp_<unix millis>_<random>.
func NewTempID(now time.Time) string {
	if now.IsZero() {
		now = time.Now()
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s%d_%s", tempIDPrefix, now.UnixMilli(), random)
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// IsPendingChat reports whether id is empty or the creation placeholder.
func IsPendingChat(id string) bool {
	id = strings.TrimSpace(id)
	return id == "" || id == PendingChatID
}
