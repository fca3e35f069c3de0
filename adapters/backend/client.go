package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxchat/voxchat/config"
)

// Client consumes the conversation/message REST surface of the backend
// service. It only speaks the backend's wire shapes; conversation semantics
// live in the usecase layer.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// Conversation is one chat session as the backend represents it.
type Conversation struct {
	ID        int       `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored conversational turn.
type Message struct {
	ID        int       `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewClient builds a backend client from configuration.
func NewClient(cfg config.BackendConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// SetToken attaches the bearer token sent with subsequent requests.
func (c *Client) SetToken(token string) { c.token = token }

// ListConversations fetches the caller's sessions.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations/", nil, &out); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return out, nil
}

// CreateConversation creates a session with the given title.
func (c *Client) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	var out Conversation
	payload := map[string]string{"title": title}
	if err := c.do(ctx, http.MethodPost, "/api/v1/conversations/", payload, &out); err != nil {
		return Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}
	return out, nil
}

// DeleteConversation removes a session.
func (c *Client) DeleteConversation(ctx context.Context, id int) error {
	path := fmt.Sprintf("/api/v1/conversations/%d/", id)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	return nil
}

// ListMessages fetches a session's history.
func (c *Client) ListMessages(ctx context.Context, conversationID int) ([]Message, error) {
	var out []Message
	path := fmt.Sprintf("/api/v1/conversations/%d/messages/", conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return out, nil
}

// AppendMessage stores one turn in a session.
func (c *Client) AppendMessage(ctx context.Context, conversationID int, role, content string) (Message, error) {
	var out Message
	path := fmt.Sprintf("/api/v1/conversations/%d/messages/", conversationID)
	payload := map[string]string{"role": role, "content": content}
	if err := c.do(ctx, http.MethodPost, path, payload, &out); err != nil {
		return Message{}, fmt.Errorf("appending message: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode backend response: %w", err)
	}
	return nil
}

// parseAPIError surfaces the backend's {error: "..."} body when present.
func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("backend error status %d (unreadable body)", resp.StatusCode)
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("backend error status %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("backend error status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
