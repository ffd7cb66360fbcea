package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	chatsvc "resortchat/internal/app/services/chat"
	domainchat "resortchat/internal/domain/chat"
	"resortchat/internal/infra/identity"
	"resortchat/internal/infra/realtime"
	"resortchat/internal/infra/storage/memory"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	svc := &chatsvc.Service{
		Store:   memory.NewChatStore(),
		Resorts: memory.NewResortDirectory(chatsvc.Resort{ID: "r1", Name: "Pine Lodge", OwnerID: "o1"}),
	}
	hub := NewHub(svc, Options{PingInterval: time.Second})
	svc.Notifier = hub

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := domainchat.ParseRole(r.URL.Query().Get("role"))
		ident := identity.Identity{UserID: r.URL.Query().Get("user"), Role: role}
		_ = hub.ServeWS(w, r, ident)
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server, user string, role domainchat.Role, join bool) *peer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user + "&role=" + string(role)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	p := &peer{t: t, conn: conn}
	if join {
		p.send(realtime.EventJoin, realtime.JoinPayload{UserID: user, Role: role})
	}
	return p
}

func (p *peer) send(event string, payload any) {
	p.t.Helper()
	frame, err := realtime.NewFrame(event, payload)
	if err != nil {
		p.t.Fatalf("frame: %v", err)
	}
	if err := p.conn.WriteJSON(frame); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one named event arrives.
func (p *peer) expect(event string, out any) {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = p.conn.SetReadDeadline(deadline)
		var frame realtime.Frame
		if err := p.conn.ReadJSON(&frame); err != nil {
			p.t.Fatalf("waiting for %s: %v", event, err)
		}
		if frame.Event != event {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(frame.Data, out); err != nil {
				p.t.Fatalf("decode %s: %v", event, err)
			}
		}
		return
	}
}

type sentFrame struct {
	MessageID     string             `json:"messageId"`
	ChatID        string             `json:"chatId"`
	TempID        string             `json:"tempId"`
	TotalMessages int                `json:"totalMessages"`
	Message       domainchat.Message `json:"message"`
}

func TestConversationRoundTrip(t *testing.T) {
	hub, srv := newTestHub(t)
	cust := dial(t, srv, "u1", domainchat.RoleCustomer, true)
	owner := dial(t, srv, "o1", domainchat.RoleOwner, true)
	waitOnline(t, hub, "u1", "o1")

	cust.send(realtime.EventSendMessage, realtime.SendMessagePayload{
		CounterpartyID: "r1", Text: "Hi", Sender: domainchat.RoleCustomer, SenderID: "u1", TempID: "temp_1",
	})
	var update domainchat.Update
	owner.expect(string(realtime.KindNewChat), &update)
	var sent sentFrame
	cust.expect(string(realtime.KindMessageSent), &sent)

	if sent.TempID != "temp_1" || sent.TotalMessages != 1 || sent.ChatID == "" || sent.Message.Text != "Hi" {
		t.Fatalf("unexpected confirmation %+v", sent)
	}
	if update.ChatID != sent.ChatID || !update.IsNewChat || update.LastMessage != "Hi" {
		t.Fatalf("unexpected update %+v", update)
	}
	chatID := sent.ChatID

	owner.send(realtime.EventJoinChat, chatID)
	var status domainchat.Status
	owner.expect(string(realtime.KindChatStatus), &status)
	if status.IsOtherUserOnline {
		t.Fatalf("customer has not joined the room yet")
	}
	cust.send(realtime.EventJoinChat, chatID)
	cust.expect(string(realtime.KindChatStatus), &status)
	if !status.IsOtherUserOnline {
		t.Fatalf("owner is in the room")
	}
	owner.expect(string(realtime.KindChatStatus), &status)
	if !status.IsOtherUserOnline {
		t.Fatalf("owner must learn the customer arrived")
	}

	owner.send(realtime.EventSendMessage, realtime.SendMessagePayload{ChatID: chatID, Text: "Welcome", Sender: domainchat.RoleOwner, SenderID: "o1"})
	var msg domainchat.Message
	cust.expect(string(realtime.KindReceiveMessage), &msg)
	if msg.Text != "Welcome" || msg.SenderID != "o1" || msg.ChatID != chatID {
		t.Fatalf("unexpected message %+v", msg)
	}
	owner.expect(string(realtime.KindMessageSent), &sent)
	if sent.TotalMessages != 2 {
		t.Fatalf("expected running total 2, got %d", sent.TotalMessages)
	}

	cust.send(realtime.EventMarkRead, realtime.MarkReadPayload{ChatID: chatID, UserID: "u1"})
	var receipt domainchat.ReadReceipt
	owner.expect(string(realtime.KindMessagesRead), &receipt)
	if receipt.ReadBy != "u1" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	cust.send(realtime.EventLeaveChat, chatID)
	owner.expect(string(realtime.KindChatStatus), &status)
	if status.IsOtherUserOnline {
		t.Fatalf("customer left the room")
	}
}

func TestCommandsRequireJoin(t *testing.T) {
	_, srv := newTestHub(t)
	p := dial(t, srv, "u1", domainchat.RoleCustomer, false)

	p.send(realtime.EventSendMessage, realtime.SendMessagePayload{ChatID: "c1", Text: "Hi", TempID: "temp-7"})
	var payload realtime.ErrorPayload
	p.expect(string(realtime.KindError), &payload)
	if payload.Message != "join required" || payload.Event != realtime.EventSendMessage {
		t.Fatalf("unexpected error %+v", payload)
	}
	if payload.ChatID != "c1" || payload.TempID != "temp-7" {
		t.Fatalf("rejected send must echo its ids, got %+v", payload)
	}
}

func TestStrangerCannotJoinRoom(t *testing.T) {
	hub, srv := newTestHub(t)
	cust := dial(t, srv, "u1", domainchat.RoleCustomer, true)
	stranger := dial(t, srv, "u2", domainchat.RoleCustomer, true)
	waitOnline(t, hub, "u1", "u2")

	cust.send(realtime.EventSendMessage, realtime.SendMessagePayload{CounterpartyID: "r1", Text: "Hi", TempID: "t"})
	var sent sentFrame
	cust.expect(string(realtime.KindMessageSent), &sent)

	stranger.send(realtime.EventJoinChat, sent.ChatID)
	var payload realtime.ErrorPayload
	stranger.expect(string(realtime.KindError), &payload)
	if payload.Message != "not a chat participant" {
		t.Fatalf("unexpected error %+v", payload)
	}
}

func TestJoinWithForeignIdentityIsRejected(t *testing.T) {
	_, srv := newTestHub(t)
	p := dial(t, srv, "u1", domainchat.RoleCustomer, false)

	p.send(realtime.EventJoin, realtime.JoinPayload{UserID: "someone-else", Role: domainchat.RoleCustomer})
	p.expect(string(realtime.KindError), nil)
}

func waitOnline(t *testing.T, hub *Hub, users ...string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		all := true
		for _, u := range users {
			if !hub.Online(u) {
				all = false
			}
		}
		if all {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("users %v never came online", users)
}
