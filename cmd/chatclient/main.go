package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"resortchat/internal/app/reconcile"
	"resortchat/internal/app/session"
	"resortchat/internal/domain/chat"
	"resortchat/internal/infra/config"
	"resortchat/internal/infra/identity"
	"resortchat/internal/infra/obs"
	"resortchat/internal/infra/realtime"
	"resortchat/internal/infra/rest"
)

const usage = `commands:
  /chats              list chats, most recent first
  /open <chat id>     open a chat
  /new <counterparty> start a chat with a resort (customer) or customer (owner)
  /show               print the open chat
  /close              close the open chat
  /status             connection status
  /quit               exit
anything else is sent to the open chat`

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env, cfg.LogLevel)

	provider, err := identityProvider(cfg)
	if err != nil {
		logger.Error("identity init failed", "error", err)
		os.Exit(1)
	}
	me, err := provider.Identity(ctx)
	if err != nil {
		logger.Error("identity resolve failed", "error", err)
		os.Exit(1)
	}
	endpoint, err := realtime.EndpointFromBaseURL(cfg.APIBaseURL, cfg.SocketPath)
	if err != nil {
		logger.Error("socket endpoint invalid", "error", err)
		os.Exit(1)
	}

	channel := realtime.NewChannel(provider, realtime.Options{
		Endpoint: endpoint,
		Dialer: realtime.WebsocketDialer{
			Dialer:      &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
			IdleTimeout: cfg.IdleTimeout,
		},
		HandshakeTimeout: cfg.HandshakeTimeout,
		Backoff:          realtime.Backoff{Base: cfg.ReconnectBase, MaxAttempts: cfg.ReconnectAttempts},
		Logger:           logger,
	})
	sess := session.New(channel, logger)
	api := &rest.Client{
		HTTP:     &http.Client{Timeout: cfg.RequestTimeout},
		BaseURL:  cfg.APIBaseURL,
		Identity: provider,
		Logger:   logger,
	}

	t := &terminal{
		out:    os.Stdout,
		me:     me,
		sess:   sess,
		api:    api,
		logger: logger,
	}
	t.list = reconcile.NewChatList(sess, me.Role, api.ListMyChats, reconcile.ChatListOptions{Logger: logger})
	unbind := t.list.Bind(ctx)
	defer unbind()
	t.subscribe()

	if err := sess.Connect(ctx); err != nil {
		t.printf("offline: %v (messages will go over REST)\n", err)
	}
	defer sess.Disconnect()
	if err := t.list.Reload(ctx); err != nil {
		t.printf("cannot load chats: %v\n", err)
	}

	t.printf("signed in as %s (%s)\n%s\n", me.UserID, me.Role, usage)
	lines := make(chan string)
	go readLines(os.Stdin, lines)
	for {
		select {
		case <-ctx.Done():
			t.closeConversation()
			return
		case line, ok := <-lines:
			if !ok || !t.handle(ctx, line) {
				t.closeConversation()
				return
			}
		}
	}
}

func identityProvider(cfg config.ClientConfig) (identity.Provider, error) {
	if cfg.Token != "" {
		token := cfg.Token
		return identity.TokenProvider{Source: func(context.Context) (string, error) { return token, nil }}, nil
	}
	role, err := chat.ParseRole(cfg.Role)
	if err != nil {
		return nil, err
	}
	token, err := identity.Issuer{Secret: []byte(cfg.JWTSecret), Name: "chatclient"}.Issue(cfg.UserID, role, time.Now())
	if err != nil {
		return nil, err
	}
	return identity.Static{UserID: cfg.UserID, Role: role, Token: token}, nil
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

type terminal struct {
	out    io.Writer
	me     identity.Identity
	sess   *session.Session
	api    *rest.Client
	list   *reconcile.ChatList
	conv   *reconcile.Conversation
	logger *slog.Logger
}

func (t *terminal) printf(format string, args ...any) {
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) subscribe() {
	t.sess.OnMessage(func(m chat.Message) {
		if m.SenderID == t.me.UserID {
			return
		}
		t.printf("[%s] %s: %s\n", shortID(m.ChatID), m.Sender, m.Text)
	})
	t.sess.OnMessagesRead(func(r chat.ReadReceipt) {
		if r.ReadBy != t.me.UserID {
			t.printf("[%s] read at %s\n", shortID(r.ChatID), r.ReadAt.Local().Format(time.Kitchen))
		}
	})
	t.sess.OnStateChanged(func(s realtime.Status) {
		if s.LastError != "" {
			t.printf("* %s (%s)\n", s.State, s.LastError)
			return
		}
		t.printf("* %s\n", s.State)
	})
	t.sess.OnError(func(ev realtime.ErrorEvent) {
		t.printf("! %s\n", ev.Message)
	})
}

// handle runs one input line and reports whether the loop should continue.
func (t *terminal) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return false
	case "/help":
		t.printf("%s\n", usage)
	case "/chats":
		t.printChats()
	case "/open":
		t.openChat(ctx, arg)
	case "/new":
		t.newChat(ctx, arg)
	case "/show":
		t.show()
	case "/close":
		t.closeConversation()
	case "/status":
		s := t.sess.Status()
		t.printf("%s attempts=%d last_error=%q\n", s.State, s.Attempts, s.LastError)
	default:
		if strings.HasPrefix(cmd, "/") {
			t.printf("unknown command %s\n", cmd)
			return true
		}
		t.send(ctx, line)
	}
	return true
}

func (t *terminal) printChats() {
	chats := t.list.Chats()
	if len(chats) == 0 {
		t.printf("no chats yet\n")
		return
	}
	for _, c := range chats {
		title := c.ResortName
		if t.me.Role == chat.RoleOwner || title == "" {
			title = c.CustomerID
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		t.printf("%s  %-20s %s%s\n", c.ID, title, c.LastMessage, unread)
	}
}

func (t *terminal) openChat(ctx context.Context, chatID string) {
	if chatID == "" {
		t.printf("usage: /open <chat id>\n")
		return
	}
	var summary *chat.Chat
	for _, c := range t.list.Chats() {
		if c.ID == chatID {
			summary = &c
			break
		}
	}
	if summary == nil {
		t.printf("unknown chat %s\n", chatID)
		return
	}
	counterparty := summary.ResortID
	if t.me.Role == chat.RoleOwner {
		counterparty = summary.CustomerID
	}
	t.start(ctx, reconcile.ConversationOptions{
		ChatID:         summary.ID,
		CounterpartyID: counterparty,
		ResortID:       summary.ResortID,
		CustomerID:     summary.CustomerID,
	})
}

func (t *terminal) newChat(ctx context.Context, counterparty string) {
	if counterparty == "" {
		t.printf("usage: /new <counterparty id>\n")
		return
	}
	opts := reconcile.ConversationOptions{ChatID: chat.PendingChatID, CounterpartyID: counterparty}
	if t.me.Role == chat.RoleCustomer {
		opts.ResortID = counterparty
		opts.CustomerID = t.me.UserID
	} else {
		opts.CustomerID = counterparty
	}
	t.start(ctx, opts)
}

func (t *terminal) start(ctx context.Context, opts reconcile.ConversationOptions) {
	t.closeConversation()
	opts.Me = t.me
	opts.List = t.list
	opts.Logger = t.logger
	opts.OnFailed = func(text string, err error) {
		t.printf("! not sent %q: %v\n", text, err)
	}
	conv := reconcile.NewConversation(t.sess, t.api, opts)
	if err := conv.Open(ctx); err != nil {
		t.printf("cannot open chat: %v\n", err)
	}
	t.conv = conv
	t.show()
}

func (t *terminal) send(ctx context.Context, text string) {
	if t.conv == nil {
		t.printf("open a chat first (/open or /new)\n")
		return
	}
	t.conv.SetInput(text)
	// other failures already reached the error subscriber
	if err := t.conv.Send(ctx); errors.Is(err, reconcile.ErrBusy) {
		t.printf("! not sent: %v\n", err)
	}
}

func (t *terminal) show() {
	if t.conv == nil {
		t.printf("no open chat\n")
		return
	}
	presence := "away"
	if t.conv.OtherOnline() {
		presence = "here"
	}
	t.printf("--- chat %s (other side %s)\n", t.conv.ChatID(), presence)
	for _, m := range t.conv.Messages() {
		mark := ""
		if state, ok := t.conv.StateOf(m.ID); ok && state != reconcile.StateConfirmed {
			mark = " [" + state.String() + "]"
		}
		t.printf("%s %-8s %s%s\n", m.Timestamp.Local().Format("15:04"), m.Sender, m.Text, mark)
	}
}

func (t *terminal) closeConversation() {
	if t.conv == nil {
		return
	}
	t.conv.Close()
	t.conv = nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
