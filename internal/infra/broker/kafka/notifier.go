package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"

	chatsvc "resortchat/internal/app/services/chat"
)

const (
	updatesTopic = "chat.updates"
	headerEvent  = "event"
)

// UpdatesTopic returns the chat-update topic under prefix.
func UpdatesTopic(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	return prefix + updatesTopic
}

type publisher interface {
	Publish(ctx context.Context, chatID, event string, payload []byte) error
}

// Notifier publishes chat-list updates instead of delivering them locally, so that
// every gateway instance can reach its own sockets.
type Notifier struct {
	Producer publisher
}

func (n Notifier) Notify(ctx context.Context, note chatsvc.Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("kafka: encode notification: %w", err)
	}
	event := "chat_updated"
	if note.Update.IsNewChat {
		event = "new_chat"
	}
	if err := n.Producer.Publish(ctx, note.Update.ChatID, event, payload); err != nil {
		return fmt.Errorf("kafka: publish notification: %w", err)
	}
	return nil
}

// Dispatcher hands consumed notifications to a local notifier, usually the socket hub.
type Dispatcher struct {
	Target chatsvc.Notifier
	Logger *slog.Logger
}

func (d Dispatcher) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var note chatsvc.Notification
	if err := json.Unmarshal(msg.Value, &note); err != nil {
		// a malformed record will never decode; drop it
		if d.Logger != nil {
			d.Logger.Warn("dropping malformed chat update", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
		return nil
	}
	if err := d.Target.Notify(ctx, note); err != nil {
		if d.Logger != nil {
			d.Logger.Error("chat update delivery failed", "chat_id", note.Update.ChatID, "error", err)
		}
		return err
	}
	return nil
}

var (
	_ chatsvc.Notifier = Notifier{}
	_ MessageHandler   = Dispatcher{}
)
