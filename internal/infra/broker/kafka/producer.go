// Package kafka fans chat-list updates out to every gateway instance.
package kafka

import (
	"context"
	"errors"
	"strings"

	"github.com/IBM/sarama"
)

const defaultClientID = "chatgateway"

var ErrNoBrokers = errors.New("kafka: no brokers configured")

// Options configures the chat-update producer and consumer.
type Options struct {
	Brokers     []string
	ClientID    string
	TopicPrefix string
	// GroupID is the base consumer group; each instance appends its own suffix.
	GroupID string
}

func (o Options) Topic() string {
	return UpdatesTopic(o.TopicPrefix)
}

// InstanceGroup returns the consumer group of one gateway instance. Every instance
// must see every update, so instances never share a group.
func (o Options) InstanceGroup(instance string) string {
	base := strings.TrimSpace(o.GroupID)
	if base == "" {
		base = defaultClientID
	}
	if instance == "" {
		return base
	}
	return base + "-" + instance
}

func (o Options) validate() error {
	if len(o.Brokers) == 0 {
		return ErrNoBrokers
	}
	return nil
}

// newConfig tunes sarama for small, best-effort updates keyed by chat id.
func newConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = clientID
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Retry.Max = 3
	// updates are only useful to sockets that are connected now
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	return cfg
}

// Producer writes encoded chat updates to the updates topic.
type Producer struct {
	sync  sarama.SyncProducer
	topic string
}

func NewProducer(opts Options) (*Producer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	sync, err := sarama.NewSyncProducer(opts.Brokers, newConfig(opts.ClientID))
	if err != nil {
		return nil, err
	}
	return NewProducerFrom(sync, opts.Topic()), nil
}

// NewProducerFrom wraps an existing sync producer.
func NewProducerFrom(sync sarama.SyncProducer, topic string) *Producer {
	return &Producer{sync: sync, topic: topic}
}

// Publish sends payload keyed by chatID, so updates of one chat stay ordered.
func (p *Producer) Publish(ctx context.Context, chatID, event string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := p.sync.SendMessage(&sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(chatID),
		Value:   sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{{Key: []byte(headerEvent), Value: []byte(event)}},
	})
	return err
}

func (p *Producer) Close() error {
	if p.sync == nil {
		return nil
	}
	return p.sync.Close()
}
