package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxchat/voxchat/domain"
)

// memoryStore is an in-memory ConversationStore.
type memoryStore struct {
	nextID        int
	conversations map[int]domain.Conversation
	messages      map[int][]domain.StoredMessage
	appendErr     error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		nextID:        1,
		conversations: make(map[int]domain.Conversation),
		messages:      make(map[int][]domain.StoredMessage),
	}
}

func (s *memoryStore) ListConversations(context.Context) ([]domain.Conversation, error) {
	out := make([]domain.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	return out, nil
}

func (s *memoryStore) CreateConversation(_ context.Context, title string) (domain.Conversation, error) {
	c := domain.Conversation{ID: s.nextID, Title: title, CreatedAt: time.Now()}
	s.nextID++
	s.conversations[c.ID] = c
	return c, nil
}

func (s *memoryStore) DeleteConversation(_ context.Context, id int) error {
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *memoryStore) ListMessages(_ context.Context, conversationID int) ([]domain.StoredMessage, error) {
	return s.messages[conversationID], nil
}

func (s *memoryStore) AppendMessage(_ context.Context, conversationID int, role domain.Role, content string) (domain.StoredMessage, error) {
	if s.appendErr != nil {
		return domain.StoredMessage{}, s.appendErr
	}
	m := domain.StoredMessage{ID: len(s.messages[conversationID]) + 1, Role: role, Content: content}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	return m, nil
}

// captureProvider records the history of the last request it served.
type captureProvider struct {
	stubProvider
	lastHistory []domain.ChatMessage
}

func (p *captureProvider) Complete(ctx context.Context, req domain.ChatRequest) (domain.Completion, error) {
	p.lastHistory = req.History
	return p.stubProvider.Complete(ctx, req)
}

func TestChatServiceConversePersistsBothTurns(t *testing.T) {
	store := newMemoryStore()
	p := &captureProvider{stubProvider: stubProvider{reply: "hi there"}}
	svc := NewChatService(store, newTestGateway(t, p))

	conversation, err := svc.StartConversation(context.Background(), "greetings")
	require.NoError(t, err)

	result, err := svc.Converse(context.Background(), conversation.ID, validRequest())
	require.NoError(t, err)
	require.True(t, result.Success)

	messages, err := svc.History(context.Background(), conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, domain.UserRole, messages[0].Role)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, domain.AssistantRole, messages[1].Role)
	assert.Equal(t, "hi there", messages[1].Content)
}

func TestChatServiceConverseKeepsUserTurnOnFailure(t *testing.T) {
	store := newMemoryStore()
	p := &stubProvider{errs: []error{errors.New("status 401: bad key")}}
	svc := NewChatService(store, newTestGateway(t, p))

	conversation, err := svc.StartConversation(context.Background(), "doomed")
	require.NoError(t, err)

	result, err := svc.Converse(context.Background(), conversation.ID, validRequest())
	require.NoError(t, err)
	require.False(t, result.Success)

	messages, _ := svc.History(context.Background(), conversation.ID)
	require.Len(t, messages, 1, "assistant turn must not persist on failure")
	assert.Equal(t, domain.UserRole, messages[0].Role)
}

func TestChatServiceConverseSendsHistoryWindow(t *testing.T) {
	store := newMemoryStore()
	p := &captureProvider{stubProvider: stubProvider{reply: "ok"}}
	svc := NewChatService(store, newTestGateway(t, p))

	conversation, err := svc.StartConversation(context.Background(), "long")
	require.NoError(t, err)

	for i := 0; i < conversationWindow+10; i++ {
		_, err := store.AppendMessage(context.Background(), conversation.ID, domain.UserRole, "turn")
		require.NoError(t, err)
	}

	_, err = svc.Converse(context.Background(), conversation.ID, validRequest())
	require.NoError(t, err)
	assert.Len(t, p.lastHistory, conversationWindow, "history must be windowed")
}

func TestChatServiceConverseStorePropagatesError(t *testing.T) {
	store := newMemoryStore()
	store.appendErr = errors.New("backend down")
	svc := NewChatService(store, newTestGateway(t, &stubProvider{reply: "x"}))

	_, err := svc.Converse(context.Background(), 1, validRequest())
	require.Error(t, err)
}

func TestChatServiceConverseStreamPersistsReply(t *testing.T) {
	store := newMemoryStore()
	p := &streamingStub{deltas: []string{"hi ", "there"}}
	svc := NewChatService(store, newTestGateway(t, p))

	conversation, err := svc.StartConversation(context.Background(), "streamed")
	require.NoError(t, err)

	events, err := svc.ConverseStream(context.Background(), conversation.ID, validRequest())
	require.NoError(t, err)

	deltas, result := collectStream(t, events)
	assert.Equal(t, []string{"hi ", "there"}, deltas)
	require.True(t, result.Success)
	assert.Equal(t, "hi there", result.Content)

	messages, _ := svc.History(context.Background(), conversation.ID)
	require.Len(t, messages, 2)
	assert.Equal(t, "hi there", messages[1].Content)
}

func TestTitleFor(t *testing.T) {
	assert.Equal(t, "hello", TitleFor("  hello  "))

	long := strings.Repeat("x", titleLimit+20)
	title := TitleFor(long)
	assert.Equal(t, titleLimit+1, len([]rune(title)))
	assert.True(t, strings.HasSuffix(title, "…"))
}
