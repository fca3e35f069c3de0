package usecase

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/voxchat/voxchat/domain"
)

// conversationWindow bounds how many stored turns travel with each request.
const conversationWindow = 20

// titleLimit caps auto-generated conversation titles.
const titleLimit = 40

// ChatService orchestrates stored conversations: it loads history before a
// send, persists both sides of the exchange, and leaves provider dispatch to
// the gateway.
type ChatService struct {
	store   domain.ConversationStore
	gateway *Gateway
}

func NewChatService(store domain.ConversationStore, gateway *Gateway) *ChatService {
	return &ChatService{store: store, gateway: gateway}
}

// Conversations lists the caller's sessions.
func (s *ChatService) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	return s.store.ListConversations(ctx)
}

// StartConversation creates a session. An empty title is derived from the
// first message later.
func (s *ChatService) StartConversation(ctx context.Context, title string) (domain.Conversation, error) {
	return s.store.CreateConversation(ctx, title)
}

// DeleteConversation removes a session and its history.
func (s *ChatService) DeleteConversation(ctx context.Context, id int) error {
	return s.store.DeleteConversation(ctx, id)
}

// History returns a session's stored turns.
func (s *ChatService) History(ctx context.Context, conversationID int) ([]domain.StoredMessage, error) {
	return s.store.ListMessages(ctx, conversationID)
}

// Converse sends one turn within a conversation. The stored history rides
// along as context; the user turn persists even when the call fails, the
// assistant turn only on success.
func (s *ChatService) Converse(ctx context.Context, conversationID int, req domain.ChatRequest) (domain.ChatResult, error) {
	history, err := s.loadHistory(ctx, conversationID)
	if err != nil {
		return domain.ChatResult{}, err
	}
	req.History = history

	if _, err := s.store.AppendMessage(ctx, conversationID, domain.UserRole, req.Message); err != nil {
		return domain.ChatResult{}, fmt.Errorf("storing user turn: %w", err)
	}

	result := s.gateway.Send(ctx, req)
	if result.Success {
		if _, err := s.store.AppendMessage(ctx, conversationID, domain.AssistantRole, result.Content); err != nil {
			return result, fmt.Errorf("storing assistant turn: %w", err)
		}
	}
	return result, nil
}

// ConverseStream is the streaming variant of Converse. The assistant turn is
// persisted once the terminal event reports success.
func (s *ChatService) ConverseStream(ctx context.Context, conversationID int, req domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	history, err := s.loadHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	req.History = history

	if _, err := s.store.AppendMessage(ctx, conversationID, domain.UserRole, req.Message); err != nil {
		return nil, fmt.Errorf("storing user turn: %w", err)
	}

	upstream := s.gateway.SendStream(ctx, req)
	events := make(chan domain.StreamEvent)

	go func() {
		defer close(events)
		for event := range upstream {
			if event.Terminal() && event.Result.Success {
				// Persistence failure does not retract the delivered reply.
				s.store.AppendMessage(ctx, conversationID, domain.AssistantRole, event.Result.Content)
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// TitleFor derives a conversation title from its opening message.
func TitleFor(message string) string {
	title := strings.TrimSpace(message)
	if utf8.RuneCountInString(title) <= titleLimit {
		return title
	}
	runes := []rune(title)
	return string(runes[:titleLimit]) + "…"
}

func (s *ChatService) loadHistory(ctx context.Context, conversationID int) ([]domain.ChatMessage, error) {
	stored, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	if len(stored) > conversationWindow {
		stored = stored[len(stored)-conversationWindow:]
	}
	history := make([]domain.ChatMessage, 0, len(stored))
	for _, m := range stored {
		history = append(history, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return history, nil
}
