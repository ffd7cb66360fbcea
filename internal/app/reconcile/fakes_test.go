package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"resortchat/internal/app/session"
	"resortchat/internal/domain/chat"
	"resortchat/internal/infra/identity"
	"resortchat/internal/infra/realtime"
)

type emitted struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	ident     identity.Identity
	emits     []emitted
	registry  *realtime.Registry
}

func newFakeChannel(me identity.Identity, connected bool) *fakeChannel {
	return &fakeChannel{connected: connected, ident: me, registry: realtime.NewRegistry(nil)}
}

func (f *fakeChannel) Connect(context.Context) error { return nil }
func (f *fakeChannel) Disconnect()                   {}
func (f *fakeChannel) Status() realtime.Status       { return realtime.Status{} }
func (f *fakeChannel) Registry() *realtime.Registry  { return f.registry }

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeChannel) Identity() (identity.Identity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ident, f.connected
}

func (f *fakeChannel) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return realtime.ErrNotConnected
	}
	f.emits = append(f.emits, emitted{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) ReportError(err error) {
	f.registry.Publish(realtime.KindError, realtime.ErrorEvent{Message: err.Error(), Err: err})
}

func (f *fakeChannel) sent() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

func (f *fakeChannel) events(name string) []emitted {
	var out []emitted
	for _, e := range f.sent() {
		if e.event == name {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeChannel) lastSend() realtime.SendMessagePayload {
	sends := f.events(realtime.EventSendMessage)
	if len(sends) == 0 {
		return realtime.SendMessagePayload{}
	}
	return sends[len(sends)-1].payload.(realtime.SendMessagePayload)
}

type fakeBackend struct {
	mu      sync.Mutex
	history []chat.Message
	posts   []chat.PostMessage
	sendErr error
	chatID  string
	nextID  int
}

func (b *fakeBackend) GetMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]chat.Message(nil), b.history...), nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, req chat.PostMessage) (chat.Chat, chat.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posts = append(b.posts, req)
	if b.sendErr != nil {
		return chat.Chat{}, chat.Message{}, b.sendErr
	}
	b.nextID++
	chatID := req.ChatID
	if chatID == "" {
		chatID = b.chatID
	}
	msg := chat.Message{
		ID:        fmt.Sprintf("srv-%d", b.nextID),
		ChatID:    chatID,
		Sender:    req.Sender,
		SenderID:  req.ParticipantID,
		Text:      req.Text,
		Timestamp: time.Now(),
	}
	return chat.Chat{ID: chatID}, msg, nil
}

var errBoom = errors.New("boom")

var (
	customer = identity.Identity{UserID: "cust-1", Role: chat.RoleCustomer, Token: "tok"}
	owner    = identity.Identity{UserID: "owner-1", Role: chat.RoleOwner, Token: "tok"}
)

// steppingClock returns strictly increasing instants.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func newSession(ch *fakeChannel) *session.Session {
	return session.New(ch, nil)
}
