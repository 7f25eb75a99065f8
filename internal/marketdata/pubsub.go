package marketdata

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// Topics maps event types to Kafka topics.
type Topics struct {
	Trades string
	Deltas string
	Halts  string
	Orders string
}

// DefaultTopics returns the venue topic names.
func DefaultTopics() Topics {
	return Topics{
		Trades: "pincex.trades",
		Deltas: "pincex.book-deltas",
		Halts:  "pincex.halts",
		Orders: "pincex.orders",
	}
}

func (t Topics) forType(et model.EventType) string {
	switch et {
	case model.EventTrade:
		return t.Trades
	case model.EventBookDelta:
		return t.Deltas
	case model.EventHalt, model.EventResume:
		return t.Halts
	case model.EventOrder:
		return t.Orders
	}
	return ""
}

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by symbol so one symbol's events land
// on one partition in sequence order.
type KafkaPublisher struct {
	writer messageWriter
	topics Topics
}

// NewKafkaPublisher creates a publisher writing to brokers. The writer is
// topic-less; each message names its topic.
func NewKafkaPublisher(brokers []string, topics Topics) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		topics: topics,
	}
}

func (k *KafkaPublisher) Name() string { return "kafka" }

func (k *KafkaPublisher) Publish(ctx context.Context, events []model.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		topic := k.topics.forType(ev.Type)
		if topic == "" {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Topic: topic, Key: []byte(ev.Symbol), Value: data})
	}
	if len(msgs) == 0 {
		return nil
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaPublisher) Close() error { return k.writer.Close() }

// RedisPublisher fans events out over Redis pub/sub on
// "<prefix>:<type>:<symbol>" channels. Market-wide halts use symbol "*".
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPublisher wraps an existing client.
func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "marketdata"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the pub/sub channel for an event type and symbol.
func (r *RedisPublisher) Channel(et model.EventType, symbol string) string {
	if symbol == "" {
		symbol = "*"
	}
	return fmt.Sprintf("%s:%s:%s", r.prefix, et, symbol)
}

func (r *RedisPublisher) Name() string { return "redis" }

func (r *RedisPublisher) Publish(ctx context.Context, events []model.Event) error {
	pipe := r.client.Pipeline()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		pipe.Publish(ctx, r.Channel(ev.Type, ev.Symbol), data)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Subscribe delivers raw payloads from the given channels until ctx ends.
func (r *RedisPublisher) Subscribe(ctx context.Context, handler func(channel string, payload []byte), channels ...string) error {
	sub := r.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
	return nil
}
