package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	chatsvc "resortchat/internal/app/services/chat"
	domainchat "resortchat/internal/domain/chat"
)

type recordingNotifier struct {
	notes []chatsvc.Notification
	err   error
}

func (r *recordingNotifier) Notify(ctx context.Context, n chatsvc.Notification) error {
	r.notes = append(r.notes, n)
	return r.err
}

func TestUpdatesTopic(t *testing.T) {
	tests := map[string]string{
		"":         "chat.updates",
		"prod":     "prod.chat.updates",
		"staging.": "staging.chat.updates",
	}
	for prefix, want := range tests {
		if got := UpdatesTopic(prefix); got != want {
			t.Fatalf("UpdatesTopic(%q) = %q, want %q", prefix, got, want)
		}
	}
}

func TestOptions(t *testing.T) {
	opts := Options{Brokers: []string{"b1:9092"}, TopicPrefix: "prod", GroupID: "gw"}
	if opts.Topic() != "prod.chat.updates" {
		t.Fatalf("unexpected topic %q", opts.Topic())
	}
	if got := opts.InstanceGroup("a1"); got != "gw-a1" {
		t.Fatalf("unexpected group %q", got)
	}
	if got := (Options{}).InstanceGroup("a1"); got != "chatgateway-a1" {
		t.Fatalf("unexpected default group %q", got)
	}
	if _, err := NewProducer(Options{}); !errors.Is(err, ErrNoBrokers) {
		t.Fatalf("expected ErrNoBrokers, got %v", err)
	}
	if _, err := NewConsumer(Options{}, "a1", Dispatcher{}, nil); !errors.Is(err, ErrNoBrokers) {
		t.Fatalf("expected ErrNoBrokers, got %v", err)
	}
}

func TestConfigForChatUpdates(t *testing.T) {
	cfg := newConfig("")
	if cfg.ClientID != "chatgateway" {
		t.Fatalf("unexpected client id %q", cfg.ClientID)
	}
	if cfg.Consumer.Offsets.Initial != sarama.OffsetNewest {
		t.Fatalf("instances must start from the newest update")
	}
	if !cfg.Producer.Return.Successes {
		t.Fatalf("sync producers need successes returned")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid config: %v", err)
	}
}

type recordingPublisher struct {
	chatID string
	event  string
}

func (r *recordingPublisher) Publish(ctx context.Context, chatID, event string, payload []byte) error {
	r.chatID, r.event = chatID, event
	return nil
}

func TestNotifierNamesEvent(t *testing.T) {
	pub := &recordingPublisher{}
	n := Notifier{Producer: pub}
	if err := n.Notify(context.Background(), chatsvc.Notification{Update: domainchat.Update{ChatID: "c1"}}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if pub.chatID != "c1" || pub.event != "chat_updated" {
		t.Fatalf("unexpected publish %+v", pub)
	}
	if err := n.Notify(context.Background(), chatsvc.Notification{Update: domainchat.Update{ChatID: "c2", IsNewChat: true}}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if pub.event != "new_chat" {
		t.Fatalf("expected new_chat, got %q", pub.event)
	}
}

func TestNotifierPublishesKeyedByChat(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	sync := mocks.NewSyncProducer(t, cfg)
	var captured []byte
	sync.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		captured = val
		return nil
	})
	producer := NewProducerFrom(sync, UpdatesTopic(""))
	defer producer.Close()

	note := chatsvc.Notification{
		Recipients: []string{"u1", "o1"},
		Update:     domainchat.Update{ChatID: "c1", LastMessage: "hi", Sender: domainchat.RoleCustomer, IsNewChat: true},
	}
	if err := (Notifier{Producer: producer}).Notify(context.Background(), note); err != nil {
		t.Fatalf("notify: %v", err)
	}
	var got chatsvc.Notification
	if err := json.Unmarshal(captured, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Update.ChatID != "c1" || len(got.Recipients) != 2 || !got.Update.IsNewChat {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestNotifierSurfacesPublishErrors(t *testing.T) {
	sync := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	sync.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer := NewProducerFrom(sync, "t")
	defer producer.Close()

	err := Notifier{Producer: producer}.Notify(context.Background(), chatsvc.Notification{Update: domainchat.Update{ChatID: "c1"}})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected broker error, got %v", err)
	}
}

func TestDispatcherDeliversToTarget(t *testing.T) {
	target := &recordingNotifier{}
	d := Dispatcher{Target: target}
	payload, _ := json.Marshal(chatsvc.Notification{Recipients: []string{"o1"}, Update: domainchat.Update{ChatID: "c1"}})

	if err := d.Handle(context.Background(), &sarama.ConsumerMessage{Value: payload}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(target.notes) != 1 || target.notes[0].Recipients[0] != "o1" {
		t.Fatalf("unexpected deliveries %+v", target.notes)
	}

	if err := d.Handle(context.Background(), &sarama.ConsumerMessage{Value: []byte("{broken")}); err != nil {
		t.Fatalf("malformed records are dropped, got %v", err)
	}
	if len(target.notes) != 1 {
		t.Fatalf("malformed record must not be delivered")
	}

	target.err = errors.New("hub closed")
	if err := d.Handle(context.Background(), &sarama.ConsumerMessage{Value: payload}); err == nil {
		t.Fatalf("delivery errors must leave the record unmarked")
	}
}
