package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxchat/voxchat/domain"
	"github.com/voxchat/voxchat/utils/log"
)

const topicBuffer = 100

// ChannelBroker implements MessageBroker with in-process Go channels. One
// buffered channel per topic/routing-key pair.
type ChannelBroker struct {
	topics map[string]chan domain.Message
	mu     sync.RWMutex
	closed bool
}

// NewChannelBroker creates a new channel-based message broker.
func NewChannelBroker() *ChannelBroker {
	return &ChannelBroker{
		topics: make(map[string]chan domain.Message),
	}
}

func makeKey(topic, routingKey string) string {
	return topic + ":" + routingKey
}

func (b *ChannelBroker) topicChannel(key string) chan domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	channel, exists := b.topics[key]
	if !exists {
		channel = make(chan domain.Message, topicBuffer)
		b.topics[key] = channel
	}
	return channel
}

// Publish sends a message to a topic and routing key. A full topic channel
// fails the publish instead of blocking the caller.
func (b *ChannelBroker) Publish(ctx context.Context, topic string, routingKey string, message []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("message broker is closed")
	}

	channel := b.topicChannel(makeKey(topic, routingKey))

	msg := domain.Message{
		Topic:      topic,
		RoutingKey: routingKey,
		Payload:    message,
		Timestamp:  time.Now(),
	}

	select {
	case channel <- msg:
		log.WithCtx(ctx).Debug("📤 Message published to topic",
			zap.String("topic", topic),
			zap.String("routingKey", routingKey),
			zap.Int("payload_size", len(message)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("topic channel is full: %s:%s", topic, routingKey)
	}
}

// Subscribe listens for messages on a topic and routing key.
func (b *ChannelBroker) Subscribe(ctx context.Context, topic string, routingKey string) (<-chan domain.Message, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("message broker is closed")
	}

	channel := b.topicChannel(makeKey(topic, routingKey))

	log.WithCtx(ctx).Info("📡 Subscribed to topic", zap.String("topic", topic), zap.String("routingKey", routingKey))
	return channel, nil
}

// Close closes the broker and every topic channel.
func (b *ChannelBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for key, channel := range b.topics {
		close(channel)
		log.WithCtx(context.Background()).Debug("🔒 Closed topic channel", zap.String("key", key))
	}
	b.topics = make(map[string]chan domain.Message)

	log.WithCtx(context.Background()).Info("🔒 Message broker closed")
	return nil
}

// TopicCount returns the number of active topic channels.
func (b *ChannelBroker) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// IsClosed reports whether the broker is closed.
func (b *ChannelBroker) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
