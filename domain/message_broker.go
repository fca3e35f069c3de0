package domain

import (
	"context"
	"time"
)

// MessageBroker is the in-process pub/sub port used to fan call events
// (transcripts, voice replies) out to interested consumers.
type MessageBroker interface {
	// Publish sends a message to a topic with a routing key.
	Publish(ctx context.Context, topic string, routingKey string, message []byte) error

	// Subscribe listens for messages on a topic and routing key.
	Subscribe(ctx context.Context, topic string, routingKey string) (<-chan Message, error)

	// Close closes the broker.
	Close() error
}

// Message is one event received from the broker.
type Message struct {
	Topic      string
	RoutingKey string
	Payload    []byte
	Timestamp  time.Time
}

// CallTranscript is a transcription result for one segment of call audio,
// published on the transcript topic and relayed to the call's participants.
type CallTranscript struct {
	CallID    string    `json:"call_id"`
	UserID    int       `json:"user_id"`
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}
