package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"resortchat/internal/app/session"
	"resortchat/internal/domain/chat"
	"resortchat/internal/infra/realtime"
)

// Loader fetches the full chat collection of the current participant.
type Loader func(ctx context.Context) ([]chat.Chat, error)

type ChatListOptions struct {
	Logger   *slog.Logger
	OnChange func()
}

// ChatList is the summary view over every chat of one participant.
type ChatList struct {
	sess     *session.Session
	role     chat.Role
	load     Loader
	logger   *slog.Logger
	onChange func()

	mu      sync.Mutex
	chats   []chat.Chat
	open    string
	seq     uint64
	reloads sync.WaitGroup
}

func NewChatList(sess *session.Session, role chat.Role, load Loader, opts ChatListOptions) *ChatList {
	return &ChatList{
		sess:     sess,
		role:     role,
		load:     load,
		logger:   opts.Logger,
		onChange: opts.OnChange,
	}
}

// Bind applies chat updates from the session until the returned function is called.
// Updates that need a reload trigger one in the background, as does every reconnect,
// since updates pushed while offline are lost.
func (l *ChatList) Bind(ctx context.Context) func() {
	offUpdates := l.sess.OnChatUpdated(func(u chat.Update) {
		if l.Apply(u) {
			l.reloadAsync(ctx, "chat_id", u.ChatID)
		}
	})

	var mu sync.Mutex
	seen := l.sess.Connected()
	offState := l.sess.OnStateChanged(func(st realtime.Status) {
		if st.State != realtime.StateConnected {
			return
		}
		mu.Lock()
		reconnect := seen
		seen = true
		mu.Unlock()
		if reconnect {
			l.reloadAsync(ctx, "reason", "reconnect")
		}
	})
	return func() {
		offUpdates()
		offState()
	}
}

func (l *ChatList) reloadAsync(ctx context.Context, attrs ...any) {
	l.reloads.Add(1)
	go func() {
		defer l.reloads.Done()
		if err := l.Reload(ctx); err != nil && l.logger != nil {
			l.logger.Warn("chat list reload failed", append(attrs, "error", err)...)
		}
	}()
}

// Apply patches a known chat in place. It reports true when the update cannot be merged
// and the collection must be reloaded instead.
func (l *ChatList) Apply(u chat.Update) bool {
	if u.IsNewChat {
		return true
	}
	l.mu.Lock()
	idx := l.indexLocked(u.ChatID)
	if idx < 0 {
		l.mu.Unlock()
		return true
	}
	c := &l.chats[idx]
	c.LastMessage = u.LastMessage
	if !u.LastMessageTime.IsZero() {
		c.LastMessageTime = u.LastMessageTime
	}
	if u.Sender.Valid() && u.Sender != l.role && u.ChatID != l.open {
		c.UnreadCount++
	}
	chat.SortByActivity(l.chats)
	l.mu.Unlock()
	l.changed()
	return false
}

// Reload replaces the collection with the server's view. Overlapping reloads keep the latest.
func (l *ChatList) Reload(ctx context.Context) error {
	if l.load == nil {
		return nil
	}
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	chats, err := l.load(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: reload chats: %w", err)
	}
	fresh := make([]chat.Chat, 0, len(chats))
	for _, c := range chats {
		if c.ID == "" {
			continue
		}
		c.Messages = nil
		fresh = append(fresh, c)
	}

	l.mu.Lock()
	if seq != l.seq {
		l.mu.Unlock()
		return nil
	}
	for i := range fresh {
		if fresh[i].ID == l.open {
			fresh[i].UnreadCount = 0
		}
	}
	chat.SortByActivity(fresh)
	l.chats = fresh
	l.mu.Unlock()
	l.changed()
	return nil
}

// Wait blocks until background reloads started by Bind finish.
func (l *ChatList) Wait() {
	l.reloads.Wait()
}

// Open marks chatID as being viewed. Unread messages are cleared locally without waiting
// for the server receipt.
func (l *ChatList) Open(chatID string) {
	l.mu.Lock()
	l.open = chatID
	unread := 0
	if idx := l.indexLocked(chatID); idx >= 0 {
		unread = l.chats[idx].UnreadCount
		l.chats[idx].MarkRead()
	}
	l.mu.Unlock()

	if unread == 0 {
		return
	}
	l.changed()
	if err := l.sess.MarkAsRead(chatID); err != nil && l.logger != nil {
		l.logger.Warn("mark read failed", "chat_id", chatID, "error", err)
	}
}

// Close stops treating chatID as open.
func (l *ChatList) Close(chatID string) {
	l.mu.Lock()
	if l.open == chatID {
		l.open = ""
	}
	l.mu.Unlock()
}

// Touch records a message sent locally. A chat not yet in the list is added, so a new
// conversation shows up before the server confirms it.
func (l *ChatList) Touch(summary chat.Chat, text string, at time.Time) {
	if summary.ID == "" {
		summary.ID = chat.PendingChatID
	}
	l.mu.Lock()
	idx := l.indexLocked(summary.ID)
	if idx < 0 && chat.IsPendingChat(summary.ID) {
		idx = l.pairLocked(summary.CustomerID, summary.ResortID)
	}
	if idx < 0 {
		summary.Messages = nil
		summary.UnreadCount = 0
		l.chats = append(l.chats, summary)
		idx = len(l.chats) - 1
	}
	l.chats[idx].Touch(text, at)
	chat.SortByActivity(l.chats)
	l.mu.Unlock()
	l.changed()
}

// Adopt renames a placeholder entry once the server assigned the real chat id.
func (l *ChatList) Adopt(placeholder, chatID string) {
	l.mu.Lock()
	idx := l.indexLocked(placeholder)
	if idx < 0 {
		l.mu.Unlock()
		return
	}
	if dup := l.indexLocked(chatID); dup >= 0 {
		// a reload already brought the real chat
		l.chats = append(l.chats[:idx], l.chats[idx+1:]...)
	} else {
		l.chats[idx].ID = chatID
	}
	if l.open == placeholder {
		l.open = chatID
	}
	l.mu.Unlock()
	l.changed()
}

// Chats returns the collection ordered by last activity, most recent first.
func (l *ChatList) Chats() []chat.Chat {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chat.Chat(nil), l.chats...)
}

// Unread returns the unread counter of chatID.
func (l *ChatList) Unread(chatID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx := l.indexLocked(chatID); idx >= 0 {
		return l.chats[idx].UnreadCount
	}
	return 0
}

func (l *ChatList) indexLocked(chatID string) int {
	for i := range l.chats {
		if l.chats[i].ID == chatID {
			return i
		}
	}
	return -1
}

func (l *ChatList) pairLocked(customerID, resortID string) int {
	if customerID == "" || resortID == "" {
		return -1
	}
	for i := range l.chats {
		if l.chats[i].CustomerID == customerID && l.chats[i].ResortID == resortID {
			return i
		}
	}
	return -1
}

func (l *ChatList) changed() {
	if l.onChange != nil {
		l.onChange()
	}
}
