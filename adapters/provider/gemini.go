package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/voxchat/voxchat/domain"
)

// geminiKeyName is the credential key the Gemini adapter resolves.
const geminiKeyName = "GEMINI_API_KEY"

// Gemini serves Google models through the genai SDK instead of the generic
// chat-completions wire format. The client is created lazily so a missing
// credential surfaces as a call-time failure, not a startup one.
type Gemini struct {
	creds  domain.CredentialSource
	models []domain.ProviderModel

	mu     sync.Mutex
	client *genai.Client
}

// NewGemini builds the adapter with its static catalog.
func NewGemini(creds domain.CredentialSource) *Gemini {
	return &Gemini{
		creds: creds,
		models: []domain.ProviderModel{
			{ID: "gemini-pro", DisplayName: "Gemini Pro", Description: "general model", ProviderID: "gemini", Available: true},
			{ID: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", Description: "enhanced model", ProviderID: "gemini", Available: true},
			{ID: "gemini-2.0-flash-001", DisplayName: "Gemini 2.0 Flash", Description: "fast model", ProviderID: "gemini", Available: true},
		},
	}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Models() []domain.ProviderModel {
	out := make([]domain.ProviderModel, len(g.models))
	copy(out, g.models)
	return out
}

func (g *Gemini) ensureClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return g.client, nil
	}

	apiKey, ok := g.creds.Get(geminiKeyName)
	if !ok || apiKey == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingCredential, geminiKeyName)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	g.client = client
	return client, nil
}

// Complete performs one request/response cycle.
func (g *Gemini) Complete(ctx context.Context, req domain.ChatRequest) (domain.Completion, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return domain.Completion{}, err
	}

	resp, err := client.Models.GenerateContent(ctx, req.ModelID, g.buildContents(req), g.buildConfig(req))
	if err != nil {
		return domain.Completion{}, fmt.Errorf("gemini generate content: %w", err)
	}

	return domain.Completion{
		Content: resp.Text(),
		Usage:   geminiUsage(resp.UsageMetadata),
	}, nil
}

// CompleteStream streams deltas through the SDK's iterator.
func (g *Gemini) CompleteStream(ctx context.Context, req domain.ChatRequest, onChunk func(delta string)) (domain.Completion, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return domain.Completion{}, err
	}

	var full strings.Builder
	var usage *domain.Usage
	for resp, err := range client.Models.GenerateContentStream(ctx, req.ModelID, g.buildContents(req), g.buildConfig(req)) {
		if err != nil {
			return domain.Completion{}, fmt.Errorf("gemini stream: %w", err)
		}
		if delta := resp.Text(); delta != "" {
			full.WriteString(delta)
			onChunk(delta)
		}
		if resp.UsageMetadata != nil {
			usage = geminiUsage(resp.UsageMetadata)
		}
	}

	return domain.Completion{Content: full.String(), Usage: usage}, nil
}

func (g *Gemini) buildContents(req domain.ChatRequest) []*genai.Content {
	history := req.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	contents := make([]*genai.Content, 0, len(history)+1)
	for _, msg := range history {
		role := genai.RoleModel
		if msg.Role == domain.UserRole {
			role = genai.RoleUser
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	contents = append(contents, &genai.Content{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: req.Message}},
	})
	return contents
}

func (g *Gemini) buildConfig(req domain.ChatRequest) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		TopP:            genai.Ptr(float32(req.TopP)),
		MaxOutputTokens: int32(req.MaxTokens),
	}
}

func geminiUsage(meta *genai.GenerateContentResponseUsageMetadata) *domain.Usage {
	if meta == nil {
		return nil
	}
	return &domain.Usage{
		PromptTokens:     int(meta.PromptTokenCount),
		CompletionTokens: int(meta.CandidatesTokenCount),
		TotalTokens:      int(meta.TotalTokenCount),
	}
}
