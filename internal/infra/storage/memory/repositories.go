package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	chatsvc "resortchat/internal/app/services/chat"
	domainchat "resortchat/internal/domain/chat"
)

// ChatStore is an in-memory chat store for local runs and tests.
type ChatStore struct {
	mu       sync.RWMutex
	chats    map[string]*chatsvc.Record
	messages map[string][]domainchat.Message
	byPair   map[string]string
}

// NewChatStore builds an empty store.
func NewChatStore() *ChatStore {
	return &ChatStore{
		chats:    make(map[string]*chatsvc.Record),
		messages: make(map[string][]domainchat.Message),
		byPair:   make(map[string]string),
	}
}

func pairKey(customerID, resortID string) string {
	return customerID + "\x00" + resortID
}

// Chat returns a chat or domainchat.ErrChatNotFound.
func (s *ChatStore) Chat(ctx context.Context, chatID string) (chatsvc.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.chats[strings.TrimSpace(chatID)]
	if !ok {
		return chatsvc.Record{}, domainchat.ErrChatNotFound
	}
	return *rec, nil
}

// ChatFor finds the chat between a customer and a resort.
func (s *ChatStore) ChatFor(ctx context.Context, customerID, resortID string) (chatsvc.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[pairKey(customerID, resortID)]
	if !ok {
		return chatsvc.Record{}, domainchat.ErrChatNotFound
	}
	return *s.chats[id], nil
}

// CreateChat stores a new chat. An existing chat for the same pair wins.
func (s *ChatStore) CreateChat(ctx context.Context, chat domainchat.Chat) (chatsvc.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(chat.CustomerID, chat.ResortID)
	if id, ok := s.byPair[key]; ok {
		return *s.chats[id], nil
	}
	chat.Messages = nil
	if chat.LastMessageTime.IsZero() {
		chat.LastMessageTime = chat.CreatedAt
	}
	rec := &chatsvc.Record{Chat: chat}
	s.chats[chat.ID] = rec
	s.byPair[key] = chat.ID
	return *rec, nil
}

// AppendMessage stores msg and bumps the recipient's unread counter.
func (s *ChatStore) AppendMessage(ctx context.Context, msg domainchat.Message, recipient domainchat.Role) (chatsvc.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[msg.ChatID]
	if !ok {
		return chatsvc.Record{}, domainchat.ErrChatNotFound
	}
	list := s.messages[msg.ChatID]
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.After(msg.Timestamp)
	})
	list = append(list, domainchat.Message{})
	copy(list[idx+1:], list[idx:])
	list[idx] = msg
	s.messages[msg.ChatID] = list

	rec.Chat.Touch(msg.Text, msg.Timestamp)
	rec.Total = len(list)
	switch recipient {
	case domainchat.RoleCustomer:
		rec.UnreadCustomer++
	case domainchat.RoleOwner:
		rec.UnreadOwner++
	}
	return *rec, nil
}

// Messages returns a copy of the chat history in ascending order.
func (s *ChatStore) Messages(ctx context.Context, chatID string) ([]domainchat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, domainchat.ErrChatNotFound
	}
	return append([]domainchat.Message(nil), s.messages[chatID]...), nil
}

func (s *ChatStore) ChatsByCustomer(ctx context.Context, customerID string) ([]chatsvc.Record, error) {
	return s.filter(func(r *chatsvc.Record) bool { return r.Chat.CustomerID == customerID }), nil
}

func (s *ChatStore) ChatsByResort(ctx context.Context, resortID string) ([]chatsvc.Record, error) {
	return s.filter(func(r *chatsvc.Record) bool { return r.Chat.ResortID == resortID }), nil
}

func (s *ChatStore) filter(keep func(*chatsvc.Record) bool) []chatsvc.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chatsvc.Record, 0)
	for _, rec := range s.chats {
		if keep(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Chat.LastMessageTime.After(out[j].Chat.LastMessageTime)
	})
	return out
}

// ResetUnread clears the counter of one side.
func (s *ChatStore) ResetUnread(ctx context.Context, chatID string, role domainchat.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[chatID]
	if !ok {
		return domainchat.ErrChatNotFound
	}
	switch role {
	case domainchat.RoleCustomer:
		rec.UnreadCustomer = 0
	case domainchat.RoleOwner:
		rec.UnreadOwner = 0
	}
	return nil
}
