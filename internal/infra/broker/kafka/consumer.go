package kafka

import (
	"context"
	"errors"
	"log/slog"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	Handle(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// Consumer reads the updates topic in a group owned by this gateway instance.
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler MessageHandler
	logger  *slog.Logger
}

func NewConsumer(opts Options, instance string, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	g, err := sarama.NewConsumerGroup(opts.Brokers, opts.InstanceGroup(instance), newConfig(opts.ClientID))
	if err != nil {
		return nil, err
	}
	return &Consumer{group: g, topic: opts.Topic(), handler: handler, logger: logger}, nil
}

// Run consumes until ctx is cancelled or the group is closed.
func (c *Consumer) Run(ctx context.Context) error {
	handler := groupHandler{handler: c.handler, logger: c.logger}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	handler MessageHandler
	logger  *slog.Logger
}

func (h groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.logger != nil {
		h.logger.Info("chat updates assigned", "member_id", sess.MemberID(), "claims", sess.Claims())
	}
	return nil
}

func (h groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks only delivered updates. A failed delivery is not retried: the
// recipients reload their chat list on reconnect.
func (h groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := h.handler.Handle(sess.Context(), message); err != nil {
			continue
		}
		sess.MarkMessage(message, "")
	}
	return nil
}
