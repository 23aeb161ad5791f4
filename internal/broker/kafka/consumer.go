package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer delivers one topic to a handler in partition order. Not safe for
// concurrent Consume calls.
type Consumer struct {
	r messageReader

	// pending is a fetched message whose handler failed. It is handed out again
	// before anything new is fetched.
	pending *kafka.Message
}

// NewConsumer joins groupID on topic. A group that has never committed starts
// from the oldest retained message so no assignment is missed.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		StartOffset:       kafka.FirstOffset,
		MaxWait:           500 * time.Millisecond,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return newConsumerWithReader(kafka.NewReader(cfg))
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Consume hands messages to handler one at a time. A message is committed only
// after handler succeeds. A handler error stops the loop and the same message
// is retried by the next Consume call. Cancelling ctx returns ctx.Err().
func (c *Consumer) Consume(ctx context.Context, handler func(ctx context.Context, key, value []byte) error) error {
	for {
		msg, err := c.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "fetch message")
		}
		if err := handler(ctx, msg.Key, msg.Value); err != nil {
			c.pending = &msg
			return errors.Wrapf(err, "handle message at offset %d", msg.Offset)
		}
		c.pending = nil
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}

func (c *Consumer) next(ctx context.Context) (kafka.Message, error) {
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	if c.pending != nil {
		return *c.pending, nil
	}
	return c.r.FetchMessage(ctx)
}
