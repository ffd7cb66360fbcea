package ginserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	chatsvc "resortchat/internal/app/services/chat"
	domainchat "resortchat/internal/domain/chat"
	"resortchat/internal/infra/config"
	"resortchat/internal/infra/identity"
	"resortchat/internal/infra/obs"
	"resortchat/internal/infra/storage/memory"
)

var testSecret = []byte("test-secret")

type recordingRelay struct {
	mu       sync.Mutex
	messages []domainchat.Message
	receipts []domainchat.ReadReceipt
}

func (r *recordingRelay) RelayMessage(msg domainchat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingRelay) RelayRead(receipt domainchat.ReadReceipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, receipt)
}

func newTestRouter(t *testing.T) (http.Handler, *recordingRelay) {
	t.Helper()
	svc := &chatsvc.Service{
		Store: memory.NewChatStore(),
		Resorts: memory.NewResortDirectory(
			chatsvc.Resort{ID: "r1", Name: "Pine Lodge", OwnerID: "o1"},
			chatsvc.Resort{ID: "r2", Name: "Lake House", OwnerID: "o2"},
		),
	}
	relay := &recordingRelay{}
	cfg := config.Config{Env: "test", SocketPath: "/socket"}
	router := NewRouter(cfg, obs.Middleware{}, obs.HealthHandlers{}, Handlers{
		Chat:           ChatHandler{Service: svc, Relay: relay},
		AuthMiddleware: AuthMiddleware{Verifier: identity.Verifier{Secret: testSecret}}.Handle,
	})
	return router, relay
}

func tokenFor(t *testing.T, userID string, role domainchat.Role) string {
	t.Helper()
	tok, err := identity.Issuer{Secret: testSecret, TTL: time.Hour}.Issue(userID, role, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func call(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSendMessageCreatesChatAndRelays(t *testing.T) {
	router, relay := newTestRouter(t)
	cust := tokenFor(t, "u1", domainchat.RoleCustomer)

	rec := call(t, router, http.MethodPost, "/api/v1/chats/messages", cust,
		domainchat.PostMessage{CounterpartyID: "r1", Text: "  Is the sauna open?  "})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var out sendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Chat.ID == "" || out.Chat.ResortID != "r1" || out.Chat.CustomerID != "u1" {
		t.Fatalf("unexpected chat %+v", out.Chat)
	}
	if out.Message.Text != "Is the sauna open?" || out.Message.Sender != domainchat.RoleCustomer || out.Message.SenderID != "u1" {
		t.Fatalf("unexpected message %+v", out.Message)
	}
	if len(relay.messages) != 1 || relay.messages[0].ID != out.Message.ID {
		t.Fatalf("message was not relayed: %+v", relay.messages)
	}

	rec = call(t, router, http.MethodGet, "/api/v1/chats/"+out.Chat.ID+"/messages", cust, nil)
	var history messageList
	_ = json.Unmarshal(rec.Body.Bytes(), &history)
	if rec.Code != http.StatusOK || len(history.Items) != 1 {
		t.Fatalf("unexpected history %d %+v", rec.Code, history)
	}
}

func TestOwnerUnreadAndMarkRead(t *testing.T) {
	router, relay := newTestRouter(t)
	cust := tokenFor(t, "u1", domainchat.RoleCustomer)
	owner := tokenFor(t, "o1", domainchat.RoleOwner)

	for _, text := range []string{"one", "two"} {
		rec := call(t, router, http.MethodPost, "/api/v1/chats/messages", cust,
			domainchat.PostMessage{CounterpartyID: "r1", Text: text})
		if rec.Code != http.StatusCreated {
			t.Fatalf("send %q: %d %s", text, rec.Code, rec.Body.String())
		}
	}

	rec := call(t, router, http.MethodGet, "/api/v1/resorts/r1/chats", owner, nil)
	var chats chatList
	_ = json.Unmarshal(rec.Body.Bytes(), &chats)
	if rec.Code != http.StatusOK || len(chats.Items) != 1 {
		t.Fatalf("unexpected resort chats %d %+v", rec.Code, chats)
	}
	c := chats.Items[0]
	if c.UnreadCount != 2 || c.LastMessage != "two" {
		t.Fatalf("unexpected summary %+v", c)
	}

	rec = call(t, router, http.MethodPost, "/api/v1/chats/"+c.ID+"/read", owner, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark read: %d %s", rec.Code, rec.Body.String())
	}
	if len(relay.receipts) != 1 || relay.receipts[0].ReadBy != "o1" {
		t.Fatalf("receipt was not relayed: %+v", relay.receipts)
	}

	rec = call(t, router, http.MethodGet, "/api/v1/me/chats", owner, nil)
	chats = chatList{}
	_ = json.Unmarshal(rec.Body.Bytes(), &chats)
	if len(chats.Items) != 1 || chats.Items[0].UnreadCount != 0 {
		t.Fatalf("expected cleared counter, got %+v", chats.Items)
	}
}

func TestChatErrorsMapToStatus(t *testing.T) {
	router, _ := newTestRouter(t)
	cust := tokenFor(t, "u1", domainchat.RoleCustomer)
	other := tokenFor(t, "u2", domainchat.RoleCustomer)
	stranger := tokenFor(t, "o2", domainchat.RoleOwner)

	rec := call(t, router, http.MethodPost, "/api/v1/chats/messages", cust,
		domainchat.PostMessage{CounterpartyID: "r1", Text: "hi"})
	var out sendResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &out)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"missing token", http.MethodGet, "/api/v1/me/chats", "", nil, http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/me/chats", "not-a-jwt", nil, http.StatusUnauthorized},
		{"blank text", http.MethodPost, "/api/v1/chats/messages", cust, domainchat.PostMessage{CounterpartyID: "r1", Text: "   "}, http.StatusBadRequest},
		{"no counterparty", http.MethodPost, "/api/v1/chats/messages", cust, domainchat.PostMessage{Text: "hi"}, http.StatusBadRequest},
		{"unknown resort", http.MethodPost, "/api/v1/chats/messages", cust, domainchat.PostMessage{CounterpartyID: "nope", Text: "hi"}, http.StatusNotFound},
		{"spoofed participant", http.MethodPost, "/api/v1/chats/messages", cust, domainchat.PostMessage{ParticipantID: "u2", CounterpartyID: "r1", Text: "hi"}, http.StatusForbidden},
		{"foreign history", http.MethodGet, "/api/v1/chats/" + out.Chat.ID + "/messages", other, nil, http.StatusForbidden},
		{"foreign owner history", http.MethodGet, "/api/v1/chats/" + out.Chat.ID + "/messages", stranger, nil, http.StatusForbidden},
		{"unknown chat", http.MethodGet, "/api/v1/chats/missing/messages", cust, nil, http.StatusNotFound},
		{"other customer list", http.MethodGet, "/api/v1/users/u1/chats", other, nil, http.StatusForbidden},
		{"other resort list", http.MethodGet, "/api/v1/resorts/r1/chats", stranger, nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, router, tt.method, tt.path, tt.token, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHealthRoutes(t *testing.T) {
	router, _ := newTestRouter(t)
	if rec := call(t, router, http.MethodGet, "/livez", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("livez: %d", rec.Code)
	}
	if rec := call(t, router, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rec.Code)
	}
}

func TestTokenQueryParameter(t *testing.T) {
	router, _ := newTestRouter(t)
	tok := tokenFor(t, "u1", domainchat.RoleCustomer)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/u1/chats?token="+tok, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
