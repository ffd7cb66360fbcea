package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"resortchat/internal/domain/chat"
	"resortchat/internal/infra/realtime"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ownerChats() []chat.Chat {
	return []chat.Chat{
		{ID: "A", LastMessage: "a", LastMessageTime: t0.Add(3 * time.Minute)},
		{ID: "C", LastMessage: "c", LastMessageTime: t0.Add(time.Minute), UnreadCount: 2},
		{ID: "B", LastMessage: "b", LastMessageTime: t0.Add(2 * time.Minute)},
	}
}

func staticLoader(chats []chat.Chat) (Loader, func() int) {
	var mu sync.Mutex
	calls := 0
	load := func(ctx context.Context) ([]chat.Chat, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return append([]chat.Chat(nil), chats...), nil
	}
	return load, func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
}

func assertSorted(t *testing.T, chats []chat.Chat) {
	t.Helper()
	for i := 1; i < len(chats); i++ {
		if chats[i].LastMessageTime.After(chats[i-1].LastMessageTime) {
			t.Fatalf("chats not sorted by activity: %v before %v", chats[i-1].ID, chats[i].ID)
		}
	}
}

func TestReloadSortsByActivity(t *testing.T) {
	ch := newFakeChannel(owner, true)
	load, _ := staticLoader(ownerChats())
	list := NewChatList(newSession(ch), chat.RoleOwner, load, ChatListOptions{})

	if err := list.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	chats := list.Chats()
	assertSorted(t, chats)
	if chats[0].ID != "A" || chats[2].ID != "C" {
		t.Fatalf("unexpected order %+v", chats)
	}
}

func TestUpdateFromOtherRoleIncrementsUnread(t *testing.T) {
	ch := newFakeChannel(owner, true)
	load, _ := staticLoader(ownerChats())
	list := NewChatList(newSession(ch), chat.RoleOwner, load, ChatListOptions{})
	if err := list.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	reload := list.Apply(chat.Update{
		ChatID:          "C",
		LastMessage:     "are you there?",
		LastMessageTime: t0.Add(10 * time.Minute),
		Sender:          chat.RoleCustomer,
	})
	if reload {
		t.Fatalf("known chat must be patched in place")
	}

	chats := list.Chats()
	assertSorted(t, chats)
	if chats[0].ID != "C" || chats[0].UnreadCount != 3 || chats[0].LastMessage != "are you there?" {
		t.Fatalf("expected C on top with 3 unread, got %+v", chats[0])
	}
}

func TestUnreadRules(t *testing.T) {
	tests := []struct {
		name   string
		sender chat.Role
		open   bool
		want   int
	}{
		{name: "other role while closed", sender: chat.RoleCustomer, want: 3},
		{name: "own role", sender: chat.RoleOwner, want: 2},
		{name: "other role while open", sender: chat.RoleCustomer, open: true, want: 0},
		{name: "missing sender", want: 2},
		{name: "unknown sender", sender: chat.Role("admin"), want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel(owner, true)
			load, _ := staticLoader(ownerChats())
			list := NewChatList(newSession(ch), chat.RoleOwner, load, ChatListOptions{})
			if err := list.Reload(context.Background()); err != nil {
				t.Fatalf("reload: %v", err)
			}
			if tt.open {
				list.Open("C")
			}

			list.Apply(chat.Update{ChatID: "C", LastMessage: "x", LastMessageTime: t0.Add(time.Hour), Sender: tt.sender})

			if got := list.Unread("C"); got != tt.want {
				t.Fatalf("expected %d unread, got %d", tt.want, got)
			}
		})
	}
}

func TestOpenClearsUnreadAndMarksRead(t *testing.T) {
	ch := newFakeChannel(owner, true)
	load, _ := staticLoader(ownerChats())
	list := NewChatList(newSession(ch), chat.RoleOwner, load, ChatListOptions{})
	if err := list.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	list.Open("C")

	if list.Unread("C") != 0 {
		t.Fatalf("unread must reset on open")
	}
	reads := ch.events(realtime.EventMarkRead)
	if len(reads) != 1 || reads[0].payload.(realtime.MarkReadPayload).ChatID != "C" {
		t.Fatalf("expected one mark_read for C, got %+v", reads)
	}

	list.Close("C")
	list.Apply(chat.Update{ChatID: "C", LastMessage: "again", LastMessageTime: t0.Add(time.Hour), Sender: chat.RoleCustomer})
	if list.Unread("C") != 1 {
		t.Fatalf("closed chat counts new messages, got %d", list.Unread("C"))
	}
}

func TestNewOrUnknownChatTriggersReload(t *testing.T) {
	ch := newFakeChannel(customer, true)
	chats := []chat.Chat{
		{ID: "X", LastMessage: "hello", LastMessageTime: t0, ResortID: "resort-1"},
	}
	load, calls := staticLoader(chats)
	list := NewChatList(newSession(ch), chat.RoleCustomer, load, ChatListOptions{})
	off := list.Bind(context.Background())
	defer off()

	ch.registry.Publish(realtime.KindNewChat, chat.Update{ChatID: "X", IsNewChat: true, LastMessage: "hello", Sender: chat.RoleOwner})
	list.Wait()

	if calls() != 1 {
		t.Fatalf("expected one reload, got %d", calls())
	}
	got := list.Chats()
	if len(got) != 1 || got[0].ID != "X" || got[0].ResortID != "resort-1" {
		t.Fatalf("expected the reloaded chat, got %+v", got)
	}

	ch.registry.Publish(realtime.KindChatUpdated, chat.Update{ChatID: "missing", LastMessage: "?", Sender: chat.RoleOwner})
	list.Wait()
	if calls() != 2 {
		t.Fatalf("unknown chats must trigger a reload, got %d", calls())
	}
	for _, c := range list.Chats() {
		if c.ID == "missing" {
			t.Fatalf("partial chat must never be inserted")
		}
	}
}

func TestTouchAndAdoptPlaceholder(t *testing.T) {
	ch := newFakeChannel(customer, true)
	list := NewChatList(newSession(ch), chat.RoleCustomer, nil, ChatListOptions{})

	list.Touch(chat.Chat{ResortID: "resort-R"}, "Hi", t0)
	chats := list.Chats()
	if len(chats) != 1 || chats[0].ID != chat.PendingChatID || chats[0].LastMessage != "Hi" {
		t.Fatalf("unexpected placeholder %+v", chats)
	}

	list.Adopt(chat.PendingChatID, "chat-1")
	if got := list.Chats(); got[0].ID != "chat-1" {
		t.Fatalf("expected adopted id, got %+v", got)
	}
}

func TestReconnectReloadsList(t *testing.T) {
	ch := newFakeChannel(customer, true)
	load, calls := staticLoader([]chat.Chat{{ID: "X", LastMessage: "hello", LastMessageTime: t0}})
	list := NewChatList(newSession(ch), chat.RoleCustomer, load, ChatListOptions{})
	off := list.Bind(context.Background())
	defer off()

	ch.registry.Publish(realtime.KindStateChanged, realtime.Status{State: realtime.StateDisconnected})
	ch.registry.Publish(realtime.KindStateChanged, realtime.Status{State: realtime.StateConnected})
	list.Wait()
	if calls() != 1 {
		t.Fatalf("expected a reload after reconnect, got %d", calls())
	}
	if got := list.Chats(); len(got) != 1 || got[0].ID != "X" {
		t.Fatalf("expected the reloaded chat, got %+v", got)
	}
}

func TestFirstConnectDoesNotReload(t *testing.T) {
	ch := newFakeChannel(customer, false)
	load, calls := staticLoader(nil)
	list := NewChatList(newSession(ch), chat.RoleCustomer, load, ChatListOptions{})
	off := list.Bind(context.Background())
	defer off()

	ch.setConnected(true)
	ch.registry.Publish(realtime.KindStateChanged, realtime.Status{State: realtime.StateConnected})
	list.Wait()
	if calls() != 0 {
		t.Fatalf("the initial connect is followed by an explicit reload, got %d", calls())
	}

	ch.registry.Publish(realtime.KindStateChanged, realtime.Status{State: realtime.StateConnected})
	list.Wait()
	if calls() != 1 {
		t.Fatalf("expected a reload on the next connect, got %d", calls())
	}
}
