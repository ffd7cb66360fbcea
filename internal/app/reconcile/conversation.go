// Package reconcile keeps conversation and chat-list state correct under optimistic sends,
// asynchronous confirmations and incoming pushes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"resortchat/internal/app/session"
	"resortchat/internal/domain/chat"
	"resortchat/internal/infra/identity"
	"resortchat/internal/infra/realtime"
)

var (
	ErrBusy     = errors.New("reconcile: send already in progress")
	ErrNoRoute  = errors.New("reconcile: channel offline and no fallback configured")
	ErrRejected = errors.New("reconcile: message rejected by server")
	// ErrUndelivered marks a realtime send whose confirmation was lost with the connection.
	ErrUndelivered = errors.New("reconcile: message not confirmed before the connection dropped")
)

const resyncTimeout = 10 * time.Second

// State is the lifecycle of one message in a conversation.
type State int

const (
	StateComposing State = iota
	StateSending
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateComposing:
		return "composing"
	case StateSending:
		return "sending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Backend is the REST collaborator used for history and offline sends.
type Backend interface {
	GetMessages(ctx context.Context, chatID string) ([]chat.Message, error)
	SendMessage(ctx context.Context, req chat.PostMessage) (chat.Chat, chat.Message, error)
}

type ConversationOptions struct {
	// ChatID is empty or chat.PendingChatID until the first message is confirmed.
	ChatID         string
	CounterpartyID string
	// ResortID and CustomerID describe the chat for list bookkeeping.
	ResortID   string
	CustomerID string
	Me         identity.Identity
	List       *ChatList
	Logger     *slog.Logger
	// OnChange runs after every visible state change, outside internal locks.
	OnChange func()
	// OnFailed runs when an asynchronous send is rolled back.
	OnFailed func(text string, err error)
}

type entry struct {
	msg   chat.Message
	state State
}

// Conversation is the state of one open chat screen.
type Conversation struct {
	sess    *session.Session
	backend Backend
	opts    ConversationOptions
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	chatID   string
	entries  []entry
	index    map[string]int
	pending  []string
	input    string
	sending  bool
	offs     []func()
	opened   bool
	presence bool
	resyncs  sync.WaitGroup
}

// NewConversation builds a conversation. backend may be nil when no REST fallback exists.
func NewConversation(sess *session.Session, backend Backend, opts ConversationOptions) *Conversation {
	chatID := opts.ChatID
	if chat.IsPendingChat(chatID) {
		chatID = chat.PendingChatID
	}
	return &Conversation{
		sess:    sess,
		backend: backend,
		opts:    opts,
		logger:  opts.Logger,
		now:     time.Now,
		chatID:  chatID,
		index:   make(map[string]int),
	}
}

// Open subscribes to channel events, loads history and joins the room.
func (c *Conversation) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.opened = true
	c.offs = append(c.offs,
		c.sess.OnMessage(c.handleMessage),
		c.sess.OnMessageSent(c.handleSent),
		c.sess.OnChatStatus(c.handleStatus),
		c.sess.OnError(c.handleError),
		c.sess.OnStateChanged(c.handleState),
	)
	chatID := c.chatID
	c.mu.Unlock()

	if chat.IsPendingChat(chatID) {
		return nil
	}
	if c.backend != nil {
		history, err := c.backend.GetMessages(ctx, chatID)
		if err != nil {
			return fmt.Errorf("reconcile: load history: %w", err)
		}
		c.load(history)
	}
	c.enterRoom(chatID)
	return nil
}

// Close leaves the room and drops subscriptions. In-flight sends still resolve.
func (c *Conversation) Close() {
	c.mu.Lock()
	offs := c.offs
	c.offs = nil
	c.opened = false
	chatID := c.chatID
	c.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if !chat.IsPendingChat(chatID) {
		c.sess.LeaveChat(chatID)
	}
	if c.opts.List != nil {
		c.opts.List.Close(chatID)
	}
}

func (c *Conversation) enterRoom(chatID string) {
	c.sess.JoinChat(chatID)
	if c.opts.List != nil {
		c.opts.List.Open(chatID)
	} else if c.sess.Connected() {
		if err := c.sess.MarkAsRead(chatID); err != nil {
			c.warn("mark read failed", "chat_id", chatID, "error", err)
		}
	}
	if c.sess.Connected() {
		if err := c.sess.GetChatStatus(chatID); err != nil {
			c.warn("chat status request failed", "chat_id", chatID, "error", err)
		}
	}
}

func (c *Conversation) load(history []chat.Message) {
	sorted := append([]chat.Message(nil), history...)
	chat.SortMessages(sorted)

	c.mu.Lock()
	inflight := make([]entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.state == StateSending {
			inflight = append(inflight, e)
		}
	}
	c.entries = make([]entry, 0, len(sorted)+len(inflight))
	for _, msg := range sorted {
		c.entries = append(c.entries, entry{msg: msg, state: StateConfirmed})
	}
	c.entries = append(c.entries, inflight...)
	c.reindexFrom(0)
	c.mu.Unlock()
	c.changed()
}

// SetInput replaces the composed text.
func (c *Conversation) SetInput(text string) {
	c.mu.Lock()
	c.input = text
	c.mu.Unlock()
}

func (c *Conversation) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

func (c *Conversation) ChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// Messages returns the visible messages in display order.
func (c *Conversation) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Message, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.msg
	}
	return out
}

// StateOf reports the lifecycle state of the message with the given id.
func (c *Conversation) StateOf(id string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.index[id]
	if !ok {
		return StateComposing, false
	}
	return c.entries[idx].state, true
}

// OtherOnline reports the last known presence of the other participant.
func (c *Conversation) OtherOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

// Send submits the composed input. Over the realtime channel the call returns once the
// message is emitted and confirmation arrives later; over REST it returns after the
// server answered. On failure the optimistic entry is removed and the input restored.
func (c *Conversation) Send(ctx context.Context) error {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return ErrBusy
	}
	raw := c.input
	text, err := chat.NormalizeText(raw)
	if err != nil {
		c.mu.Unlock()
		c.sess.ReportError(err)
		return err
	}
	now := c.now()
	tempID := chat.NewTempID(now)
	msg := chat.Message{
		ID:        tempID,
		ChatID:    c.chatID,
		Sender:    c.opts.Me.Role,
		SenderID:  c.opts.Me.UserID,
		Text:      text,
		Timestamp: now,
	}
	c.insertLocked(entry{msg: msg, state: StateSending})
	c.input = ""
	c.sending = true
	chatID := c.chatID
	c.mu.Unlock()

	c.changed()

	if c.sess.Connected() {
		return c.sendRealtime(tempID, chatID, raw, text, now)
	}
	if c.backend == nil {
		return c.failLocal(tempID, raw, fmt.Errorf("%w: %w", ErrNoRoute, realtime.ErrNotConnected))
	}
	return c.sendREST(ctx, tempID, chatID, raw, text, now)
}

func (c *Conversation) sendRealtime(tempID, chatID, raw, text string, at time.Time) error {
	c.mu.Lock()
	c.pending = append(c.pending, tempID)
	c.mu.Unlock()

	err := c.sess.SendMessage(session.SendParams{
		ChatID:         chatID,
		CounterpartyID: c.opts.CounterpartyID,
		Text:           text,
		TempID:         tempID,
	})
	if err != nil {
		return c.fail(tempID, raw, err)
	}
	c.mu.Lock()
	c.sending = false
	c.mu.Unlock()
	c.touchList(text, at)
	return nil
}

func (c *Conversation) sendREST(ctx context.Context, tempID, chatID, raw, text string, at time.Time) error {
	req := chat.PostMessage{
		ParticipantID:  c.opts.Me.UserID,
		CounterpartyID: c.opts.CounterpartyID,
		Sender:         c.opts.Me.Role,
		Text:           text,
	}
	if !chat.IsPendingChat(chatID) {
		req.ChatID = chatID
	}
	created, saved, err := c.backend.SendMessage(ctx, req)
	if err != nil {
		return c.failLocal(tempID, raw, fmt.Errorf("reconcile: rest send: %w", err))
	}
	realChat := saved.ChatID
	if realChat == "" {
		realChat = created.ID
	}
	c.confirm(tempID, saved.ID, realChat)
	c.mu.Lock()
	c.sending = false
	c.mu.Unlock()
	c.touchList(text, at)
	return nil
}

// fail rolls an optimistic entry back and restores the composed text.
func (c *Conversation) fail(tempID, raw string, cause error) error {
	c.mu.Lock()
	c.removeLocked(tempID)
	c.dropPendingLocked(tempID)
	if c.input == "" {
		c.input = raw
	}
	c.sending = false
	c.mu.Unlock()

	c.changed()
	c.warn("message send failed", "temp_id", tempID, "error", cause)
	return cause
}

// failLocal rolls back a send that failed on this side and publishes the cause.
func (c *Conversation) failLocal(tempID, raw string, cause error) error {
	err := c.fail(tempID, raw, cause)
	c.sess.ReportError(err)
	return err
}

// confirm swaps a temp id for the persisted one in place and adopts the real chat id.
func (c *Conversation) confirm(tempID, messageID, chatID string) {
	c.mu.Lock()
	idx, ok := c.index[tempID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if _, dup := c.index[messageID]; dup && messageID != "" && messageID != tempID {
		// the persisted copy is already visible, e.g. after a history reload
		c.removeLocked(tempID)
		c.mu.Unlock()
		c.changed()
		return
	}
	e := &c.entries[idx]
	if messageID != "" {
		delete(c.index, tempID)
		e.msg.ID = messageID
		c.index[messageID] = idx
	}
	e.state = StateConfirmed
	adopted := ""
	if chatID != "" && chat.IsPendingChat(c.chatID) {
		c.chatID = chatID
		adopted = chatID
		for i := range c.entries {
			if chat.IsPendingChat(c.entries[i].msg.ChatID) {
				c.entries[i].msg.ChatID = chatID
			}
		}
	} else if chatID != "" {
		e.msg.ChatID = chatID
	}
	c.mu.Unlock()

	if adopted != "" {
		if c.opts.List != nil {
			c.opts.List.Adopt(chat.PendingChatID, adopted)
		}
		c.enterRoom(adopted)
	}
	c.changed()
}

func (c *Conversation) handleSent(conf chat.SendConfirmation) {
	c.mu.Lock()
	tempID := ""
	switch {
	case conf.TempID != "":
		if c.dropPendingLocked(conf.TempID) {
			tempID = conf.TempID
		}
	case len(c.pending) > 0 && c.ownsChatLocked(conf.ChatID):
		tempID = c.pending[0]
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()
	if tempID == "" {
		return
	}
	c.confirm(tempID, conf.MessageID, conf.ChatID)
}

func (c *Conversation) handleMessage(msg chat.Message) {
	if msg.SenderID == c.opts.Me.UserID {
		return
	}
	c.mu.Lock()
	if chat.IsPendingChat(c.chatID) || msg.ChatID != c.chatID {
		c.mu.Unlock()
		return
	}
	if _, seen := c.index[msg.ID]; seen && msg.ID != "" {
		c.mu.Unlock()
		return
	}
	c.insertLocked(entry{msg: msg, state: StateConfirmed})
	chatID := c.chatID
	c.mu.Unlock()

	c.changed()
	if c.sess.Connected() {
		if err := c.sess.MarkAsRead(chatID); err != nil {
			c.warn("mark read failed", "chat_id", chatID, "error", err)
		}
	}
}

func (c *Conversation) handleStatus(status chat.Status) {
	c.mu.Lock()
	if status.ChatID != c.chatID {
		c.mu.Unlock()
		return
	}
	c.presence = status.IsOtherUserOnline
	c.mu.Unlock()
	c.changed()
}

func (c *Conversation) handleError(ev realtime.ErrorEvent) {
	switch {
	case errors.Is(ev.Err, realtime.ErrServer):
		c.rejectSend(ev)
	case errors.Is(ev.Err, realtime.ErrConnectionLost), errors.Is(ev.Err, realtime.ErrReconnectExhausted):
		c.abandonPending(ev.Err)
	}
}

// rejectSend rolls back the send named by a server error. Without a temp id the oldest
// outstanding send of this chat is taken.
func (c *Conversation) rejectSend(ev realtime.ErrorEvent) {
	if ev.Event != "" && ev.Event != realtime.EventSendMessage {
		return
	}
	c.mu.Lock()
	tempID := ""
	switch {
	case ev.TempID != "":
		if c.dropPendingLocked(ev.TempID) {
			tempID = ev.TempID
		}
	case !c.ownsChatLocked(ev.ChatID):
	case len(c.pending) > 0:
		tempID = c.pending[0]
		c.pending = c.pending[1:]
	}
	raw := c.textLocked(tempID)
	c.mu.Unlock()
	if tempID == "" {
		return
	}

	err := fmt.Errorf("%w: %s", ErrRejected, ev.Message)
	c.fail(tempID, raw, err)
	c.failed(raw, err)
}

// abandonPending rolls back every realtime send still waiting for message_sent.
// Its confirmation cannot arrive on a new connection.
func (c *Conversation) abandonPending(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	texts := make([]string, len(pending))
	for i, id := range pending {
		texts[i] = c.textLocked(id)
	}
	c.mu.Unlock()

	for i, id := range pending {
		err := fmt.Errorf("%w: %w", ErrUndelivered, cause)
		c.fail(id, texts[i], err)
		c.failed(texts[i], err)
	}
}

// handleState rejoins the room after every (re)connect and resolves sends lost with the
// previous connection.
func (c *Conversation) handleState(st realtime.Status) {
	switch st.State {
	case realtime.StateDisconnected:
		c.abandonPending(realtime.ErrConnectionLost)
	case realtime.StateConnected:
		chatID := c.ChatID()
		if chat.IsPendingChat(chatID) {
			return
		}
		c.enterRoom(chatID)
		if c.backend == nil {
			return
		}
		c.resyncs.Add(1)
		go func() {
			defer c.resyncs.Done()
			ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
			defer cancel()
			history, err := c.backend.GetMessages(ctx, chatID)
			if err != nil {
				c.warn("history resync failed", "chat_id", chatID, "error", err)
				return
			}
			c.load(history)
		}()
	}
}

// Wait blocks until history resyncs started by reconnects finish.
func (c *Conversation) Wait() {
	c.resyncs.Wait()
}

func (c *Conversation) textLocked(id string) string {
	if idx, ok := c.index[id]; ok && id != "" {
		return c.entries[idx].msg.Text
	}
	return ""
}

func (c *Conversation) failed(text string, err error) {
	if c.opts.OnFailed != nil {
		c.opts.OnFailed(text, err)
	}
}

func (c *Conversation) ownsChatLocked(chatID string) bool {
	return chatID == "" || chat.IsPendingChat(c.chatID) || chatID == c.chatID
}

func (c *Conversation) dropPendingLocked(tempID string) bool {
	for i, id := range c.pending {
		if id == tempID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// insertLocked places e after every entry with an equal or earlier timestamp.
func (c *Conversation) insertLocked(e entry) {
	idx := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].msg.Timestamp.After(e.msg.Timestamp)
	})
	c.entries = append(c.entries, entry{})
	copy(c.entries[idx+1:], c.entries[idx:])
	c.entries[idx] = e
	c.reindexFrom(idx)
}

func (c *Conversation) removeLocked(id string) {
	idx, ok := c.index[id]
	if !ok {
		return
	}
	delete(c.index, id)
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	c.reindexFrom(idx)
}

func (c *Conversation) reindexFrom(start int) {
	if start == 0 {
		c.index = make(map[string]int, len(c.entries))
	}
	for i := start; i < len(c.entries); i++ {
		c.index[c.entries[i].msg.ID] = i
	}
}

// touchList reads the chat id late so a confirmation that already arrived is honored.
func (c *Conversation) touchList(text string, at time.Time) {
	if c.opts.List == nil {
		return
	}
	chatID := c.ChatID()
	c.opts.List.Touch(chat.Chat{
		ID:         chatID,
		CustomerID: c.opts.CustomerID,
		ResortID:   c.opts.ResortID,
	}, text, at)
}

func (c *Conversation) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}

func (c *Conversation) warn(msg string, attrs ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, attrs...)
	}
}
