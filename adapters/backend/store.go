package backend

import (
	"context"

	"github.com/voxchat/voxchat/domain"
)

// Store adapts the REST client to the domain conversation port.
type Store struct {
	client *Client
}

func NewStore(client *Client) *Store {
	return &Store{client: client}
}

func (s *Store) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	conversations, err := s.client.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Conversation, 0, len(conversations))
	for _, c := range conversations {
		out = append(out, toDomainConversation(c))
	}
	return out, nil
}

func (s *Store) CreateConversation(ctx context.Context, title string) (domain.Conversation, error) {
	conversation, err := s.client.CreateConversation(ctx, title)
	if err != nil {
		return domain.Conversation{}, err
	}
	return toDomainConversation(conversation), nil
}

func (s *Store) DeleteConversation(ctx context.Context, id int) error {
	return s.client.DeleteConversation(ctx, id)
}

func (s *Store) ListMessages(ctx context.Context, conversationID int) ([]domain.StoredMessage, error) {
	messages, err := s.client.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.StoredMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, toDomainMessage(m))
	}
	return out, nil
}

func (s *Store) AppendMessage(ctx context.Context, conversationID int, role domain.Role, content string) (domain.StoredMessage, error) {
	message, err := s.client.AppendMessage(ctx, conversationID, string(role), content)
	if err != nil {
		return domain.StoredMessage{}, err
	}
	return toDomainMessage(message), nil
}

func toDomainConversation(c Conversation) domain.Conversation {
	return domain.Conversation{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func toDomainMessage(m Message) domain.StoredMessage {
	return domain.StoredMessage{
		ID:        m.ID,
		Role:      domain.Role(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}
