package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/voxchat/voxchat/config"
	"github.com/voxchat/voxchat/domain"
)

const (
	contentTypeJSON = "application/json"
	ssePrefix       = "data: "
	sseDone         = "[DONE]"
	// historyWindow bounds how many prior turns accompany a request.
	historyWindow = 8
)

// OpenAICompat serves any provider speaking the OpenAI chat-completions wire
// format (OpenAI, DeepSeek, Qwen, Kimi, Doubao, Bailian). One instance per
// upstream, differing in base URL and credential key.
type OpenAICompat struct {
	id      string
	baseURL string
	keyName string
	creds   domain.CredentialSource
	client  *http.Client
	models  []domain.ProviderModel
}

// NewOpenAICompat builds an adapter from provider configuration.
func NewOpenAICompat(cfg config.ProviderConfig, creds domain.CredentialSource, client *http.Client) (*OpenAICompat, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("provider %s: base url must not be empty", cfg.ID)
	}

	models := make([]domain.ProviderModel, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		models = append(models, domain.ProviderModel{
			ID:          m.ID,
			DisplayName: m.Name,
			Description: m.Description,
			ProviderID:  cfg.ID,
			Available:   m.Available,
		})
	}

	return &OpenAICompat{
		id:      cfg.ID,
		baseURL: baseURL,
		keyName: cfg.KeyName,
		creds:   creds,
		client:  client,
		models:  models,
	}, nil
}

func (p *OpenAICompat) Name() string { return p.id }

func (p *OpenAICompat) Models() []domain.ProviderModel {
	out := make([]domain.ProviderModel, len(p.models))
	copy(out, p.models)
	return out
}

// Complete performs one request/response cycle.
func (p *OpenAICompat) Complete(ctx context.Context, req domain.ChatRequest) (domain.Completion, error) {
	httpResp, err := p.post(ctx, req, false)
	if err != nil {
		return domain.Completion{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return domain.Completion{}, p.apiError(httpResp)
	}

	var resp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return domain.Completion{}, fmt.Errorf("%s: decoding response: %w", p.id, err)
	}
	if len(resp.Choices) == 0 {
		return domain.Completion{}, fmt.Errorf("%s: response did not include choices", p.id)
	}

	return domain.Completion{
		Content: resp.Choices[0].Message.Content,
		Usage:   resp.Usage.toDomain(),
	}, nil
}

// CompleteStream performs one request/stream cycle, forwarding each content
// delta in arrival order. Malformed frames are skipped; partial frames
// spanning reads are reassembled by the buffered reader.
func (p *OpenAICompat) CompleteStream(ctx context.Context, req domain.ChatRequest, onChunk func(delta string)) (domain.Completion, error) {
	httpResp, err := p.post(ctx, req, true)
	if err != nil {
		return domain.Completion{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return domain.Completion{}, p.apiError(httpResp)
	}

	var full strings.Builder
	reader := bufio.NewReader(httpResp.Body)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if done := p.consumeFrame(strings.TrimRight(line, "\r\n"), &full, onChunk); done {
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return domain.Completion{}, fmt.Errorf("%s: reading stream: %w", p.id, err)
		}
	}

	return domain.Completion{Content: full.String()}, nil
}

// consumeFrame handles one SSE line, reporting whether the [DONE] sentinel
// was reached.
func (p *OpenAICompat) consumeFrame(line string, full *strings.Builder, onChunk func(delta string)) bool {
	if !strings.HasPrefix(line, ssePrefix) {
		return false
	}
	data := strings.TrimPrefix(line, ssePrefix)
	if data == sseDone {
		return true
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		// Malformed frames are skipped without aborting the stream.
		return false
	}
	if len(chunk.Choices) == 0 {
		return false
	}
	if delta := chunk.Choices[0].Delta.Content; delta != "" {
		full.WriteString(delta)
		onChunk(delta)
	}
	return false
}

func (p *OpenAICompat) post(ctx context.Context, req domain.ChatRequest, stream bool) (*http.Response, error) {
	apiKey, ok := p.creds.Get(p.keyName)
	if !ok || apiKey == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingCredential, p.keyName)
	}

	payload := chatPayload{
		Model:       req.ModelID,
		Messages:    buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stream:      stream,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal payload: %w", p.id, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: construct request: %w", p.id, err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.id, err)
	}
	return httpResp, nil
}

func (p *OpenAICompat) apiError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%s api error: status %d (unreadable body)", p.id, resp.StatusCode)
	}

	var apiErr struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("%s api error: status %d: %s", p.id, resp.StatusCode, apiErr.Error.Message)
	}
	return fmt.Errorf("%s api error: status %d: %s", p.id, resp.StatusCode, strings.TrimSpace(string(body)))
}

// buildMessages assembles the wire messages: a bounded window of history
// followed by the current user turn.
func buildMessages(req domain.ChatRequest) []wireMessage {
	history := req.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	messages := make([]wireMessage, 0, len(history)+1)
	for _, msg := range history {
		messages = append(messages, wireMessage{Role: string(msg.Role), Content: msg.Content})
	}
	messages = append(messages, wireMessage{Role: string(domain.UserRole), Content: req.Message})
	return messages
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *usageBlock `json:"usage,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usageBlock) toDomain() *domain.Usage {
	if u == nil {
		return nil
	}
	return &domain.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
