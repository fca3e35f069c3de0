package domain

import (
	"context"
	"time"
)

// Conversation is one stored chat session.
type Conversation struct {
	ID        int       `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredMessage is one persisted conversational turn.
type StoredMessage struct {
	ID        int       `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStore persists conversations and their messages. The backend
// REST service implements it; tests use an in-memory store.
type ConversationStore interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	CreateConversation(ctx context.Context, title string) (Conversation, error)
	DeleteConversation(ctx context.Context, id int) error
	ListMessages(ctx context.Context, conversationID int) ([]StoredMessage, error)
	AppendMessage(ctx context.Context, conversationID int, role Role, content string) (StoredMessage, error)
}
