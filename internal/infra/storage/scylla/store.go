package scylla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"

	chatsvc "resortchat/internal/app/services/chat"
	domainchat "resortchat/internal/domain/chat"
)

const chatColumns = `id, customer_id, resort_id, resort_name, created_at, last_message, last_message_at`

var errNoSession = errors.New("scylla session not initialized")

// Store implements the chat store on top of Scylla tables.
type Store struct {
	session *gocql.Session
	logger  *slog.Logger
}

func NewStore(session *gocql.Session, logger *slog.Logger) *Store {
	return &Store{session: session, logger: logger}
}

type chatRow struct {
	ID            string
	CustomerID    string
	ResortID      string
	ResortName    string
	CreatedAt     time.Time
	LastMessage   string
	LastMessageAt time.Time
}

func (r chatRow) toChat() domainchat.Chat {
	return domainchat.Chat{
		ID:              r.ID,
		CustomerID:      r.CustomerID,
		ResortID:        r.ResortID,
		ResortName:      r.ResortName,
		CreatedAt:       r.CreatedAt,
		LastMessage:     r.LastMessage,
		LastMessageTime: r.LastMessageAt,
	}
}

func (s *Store) Chat(ctx context.Context, chatID string) (chatsvc.Record, error) {
	if s.session == nil {
		return chatsvc.Record{}, errNoSession
	}
	var row chatRow
	err := s.session.
		Query(`SELECT `+chatColumns+` FROM chats WHERE id = ? LIMIT 1`, strings.TrimSpace(chatID)).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&row.ID, &row.CustomerID, &row.ResortID, &row.ResortName, &row.CreatedAt, &row.LastMessage, &row.LastMessageAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return chatsvc.Record{}, domainchat.ErrChatNotFound
	}
	if err != nil {
		return chatsvc.Record{}, fmt.Errorf("scylla: load chat: %w", err)
	}
	return s.withCounters(ctx, row.toChat())
}

// ChatFor finds the chat of a customer and a resort through the pair table.
func (s *Store) ChatFor(ctx context.Context, customerID, resortID string) (chatsvc.Record, error) {
	if s.session == nil {
		return chatsvc.Record{}, errNoSession
	}
	var chatID string
	err := s.session.
		Query(`SELECT chat_id FROM chats_by_pair WHERE customer_id = ? AND resort_id = ?`, customerID, resortID).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&chatID)
	if errors.Is(err, gocql.ErrNotFound) {
		return chatsvc.Record{}, domainchat.ErrChatNotFound
	}
	if err != nil {
		return chatsvc.Record{}, fmt.Errorf("scylla: find chat: %w", err)
	}
	return s.Chat(ctx, chatID)
}

// CreateChat claims the customer/resort pair with a lightweight transaction. When a
// concurrent request claimed it first, that chat is returned instead.
func (s *Store) CreateChat(ctx context.Context, chat domainchat.Chat) (chatsvc.Record, error) {
	if s.session == nil {
		return chatsvc.Record{}, errNoSession
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	chat.CreatedAt = chat.CreatedAt.UTC()

	existing := map[string]any{}
	applied, err := s.session.
		Query(`INSERT INTO chats_by_pair (customer_id, resort_id, chat_id) VALUES (?, ?, ?) IF NOT EXISTS`,
			chat.CustomerID, chat.ResortID, chat.ID).
		WithContext(ctx).
		SerialConsistency(gocql.LocalSerial).
		MapScanCAS(existing)
	if err != nil {
		return chatsvc.Record{}, fmt.Errorf("scylla: claim chat pair: %w", err)
	}
	if !applied {
		if id, ok := existing["chat_id"].(string); ok && id != "" {
			return s.Chat(ctx, id)
		}
		return s.ChatFor(ctx, chat.CustomerID, chat.ResortID)
	}

	if err := s.session.
		Query(`INSERT INTO chats (`+chatColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			chat.ID, chat.CustomerID, chat.ResortID, chat.ResortName, chat.CreatedAt, "", chat.CreatedAt).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return chatsvc.Record{}, fmt.Errorf("scylla: insert chat: %w", err)
	}
	chat.Messages = nil
	chat.LastMessage = ""
	chat.LastMessageTime = chat.CreatedAt
	chat.UnreadCount = 0
	return chatsvc.Record{Chat: chat}, nil
}

// AppendMessage inserts msg, refreshes the chat summary and bumps the counters.
func (s *Store) AppendMessage(ctx context.Context, msg domainchat.Message, recipient domainchat.Role) (chatsvc.Record, error) {
	if s.session == nil {
		return chatsvc.Record{}, errNoSession
	}
	rec, err := s.Chat(ctx, msg.ChatID)
	if err != nil {
		return chatsvc.Record{}, err
	}
	at := msg.Timestamp.UTC()
	if err := s.session.
		Query(`INSERT INTO messages (chat_id, sent_at, message_id, sender, sender_id, text) VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ChatID, at, msg.ID, string(msg.Sender), msg.SenderID, msg.Text).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return chatsvc.Record{}, fmt.Errorf("scylla: insert message: %w", err)
	}

	rec.Chat.Touch(msg.Text, at)
	// best-effort update of the summary; history stays authoritative
	if err := s.session.
		Query(`UPDATE chats SET last_message = ?, last_message_at = ? WHERE id = ?`,
			rec.Chat.LastMessage, rec.Chat.LastMessageTime, msg.ChatID).
		WithContext(ctx).
		Consistency(gocql.One).
		Exec(); err != nil && s.logger != nil {
		s.logger.Warn("failed to update last message meta", "error", err, "chat_id", msg.ChatID)
	}

	column, err := unreadColumn(recipient)
	if err != nil {
		return chatsvc.Record{}, err
	}
	if err := s.session.
		Query(`UPDATE chat_counters SET `+column+` = `+column+` + 1, total = total + 1 WHERE chat_id = ?`, msg.ChatID).
		WithContext(ctx).
		Exec(); err != nil {
		return chatsvc.Record{}, fmt.Errorf("scylla: bump counters: %w", err)
	}
	return s.withCounters(ctx, rec.Chat)
}

// Messages returns the chat history in ascending order.
func (s *Store) Messages(ctx context.Context, chatID string) ([]domainchat.Message, error) {
	if _, err := s.Chat(ctx, chatID); err != nil {
		return nil, err
	}
	iter := s.session.
		Query(`SELECT message_id, sent_at, sender, sender_id, text FROM messages WHERE chat_id = ?`, chatID).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()

	messages := make([]domainchat.Message, 0)
	var (
		id       string
		sentAt   time.Time
		sender   string
		senderID string
		text     string
	)
	for iter.Scan(&id, &sentAt, &sender, &senderID, &text) {
		messages = append(messages, domainchat.Message{
			ID:        id,
			ChatID:    chatID,
			Sender:    domainchat.Role(sender),
			SenderID:  senderID,
			Text:      text,
			Timestamp: sentAt,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("scylla: list messages: %w", err)
	}
	return messages, nil
}

func (s *Store) ChatsByCustomer(ctx context.Context, customerID string) ([]chatsvc.Record, error) {
	return s.listChats(ctx, `customer_id`, customerID)
}

func (s *Store) ChatsByResort(ctx context.Context, resortID string) ([]chatsvc.Record, error) {
	return s.listChats(ctx, `resort_id`, resortID)
}

func (s *Store) listChats(ctx context.Context, column, value string) ([]chatsvc.Record, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	iter := s.session.
		Query(`SELECT `+chatColumns+` FROM chats WHERE `+column+` = ?`, value).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()

	var rows []chatRow
	var row chatRow
	for iter.Scan(&row.ID, &row.CustomerID, &row.ResortID, &row.ResortName, &row.CreatedAt, &row.LastMessage, &row.LastMessageAt) {
		rows = append(rows, row)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("scylla: list chats: %w", err)
	}

	out := make([]chatsvc.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := s.withCounters(ctx, r.toChat())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Chat.LastMessageTime.After(out[j].Chat.LastMessageTime)
	})
	return out, nil
}

// ResetUnread zeroes one side's counter. Counter columns cannot be set, so the current
// value is subtracted; increments racing with the reset survive it.
func (s *Store) ResetUnread(ctx context.Context, chatID string, role domainchat.Role) error {
	rec, err := s.Chat(ctx, chatID)
	if err != nil {
		return err
	}
	column, err := unreadColumn(role)
	if err != nil {
		return err
	}
	current := rec.UnreadCustomer
	if role == domainchat.RoleOwner {
		current = rec.UnreadOwner
	}
	if current == 0 {
		return nil
	}
	if err := s.session.
		Query(`UPDATE chat_counters SET `+column+` = `+column+` - ? WHERE chat_id = ?`, int64(current), chatID).
		WithContext(ctx).
		Exec(); err != nil {
		return fmt.Errorf("scylla: reset unread: %w", err)
	}
	return nil
}

func (s *Store) withCounters(ctx context.Context, chat domainchat.Chat) (chatsvc.Record, error) {
	var customer, owner, total int64
	err := s.session.
		Query(`SELECT unread_customer, unread_owner, total FROM chat_counters WHERE chat_id = ?`, chat.ID).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&customer, &owner, &total)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return chatsvc.Record{}, fmt.Errorf("scylla: load counters: %w", err)
	}
	return chatsvc.Record{
		Chat:           chat,
		UnreadCustomer: clampCounter(customer),
		UnreadOwner:    clampCounter(owner),
		Total:          clampCounter(total),
	}, nil
}

func unreadColumn(role domainchat.Role) (string, error) {
	switch role {
	case domainchat.RoleCustomer:
		return "unread_customer", nil
	case domainchat.RoleOwner:
		return "unread_owner", nil
	default:
		return "", fmt.Errorf("%w: %q", domainchat.ErrInvalidRole, role)
	}
}

func clampCounter(v int64) int {
	if v < 0 {
		return 0
	}
	return int(v)
}

var _ chatsvc.Store = (*Store)(nil)
