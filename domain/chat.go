package domain

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	UserRole      Role = "user"
	AssistantRole Role = "assistant"
	SystemRole    Role = "system"
)

// ChatMessage is a single conversational turn in the unified schema.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the canonical representation of one chat completion call.
// It is immutable once constructed; the gateway fills unset fields from the
// configured defaults before dispatch.
type ChatRequest struct {
	Message     string        `json:"message"`
	ModelID     string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
	History     []ChatMessage `json:"history,omitempty"`
	Timeout     time.Duration `json:"-"`
	MaxRetries  int           `json:"-"`
	EnableCache bool          `json:"-"`
}

// Usage records token accounting reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is the outcome of one logical chat call. Exactly one of the
// success/failure halves is populated; Success discriminates.
type ChatResult struct {
	Success      bool          `json:"success"`
	Content      string        `json:"content,omitempty"`
	ModelID      string        `json:"model,omitempty"`
	ResponseTime time.Duration `json:"response_time_ms,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`

	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
}

// SuccessResult builds the success half of a ChatResult.
func SuccessResult(content, modelID string, elapsed time.Duration, usage *Usage) ChatResult {
	return ChatResult{
		Success:      true,
		Content:      content,
		ModelID:      modelID,
		ResponseTime: elapsed,
		Usage:        usage,
	}
}

// FailureResult builds the failure half of a ChatResult from a classified error.
func FailureResult(modelID string, classified ClassifiedError) ChatResult {
	return ChatResult{
		Success:   false,
		ModelID:   modelID,
		Error:     classified.Message,
		ErrorKind: classified.Kind,
		Retryable: classified.Retryable,
	}
}

// StreamEvent is one element of a streaming completion. Delta events carry an
// incremental content fragment; the terminal event carries the final result
// (success or failure) and closes the channel.
type StreamEvent struct {
	Delta  string
	Result *ChatResult
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool { return e.Result != nil }

// ProviderModel describes one model in a provider's static catalog.
type ProviderModel struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Description string `json:"description"`
	ProviderID  string `json:"provider"`
	Available   bool   `json:"available"`
}

// Stats holds monotonic call counters. TotalCalls increments once per logical
// call (not per retry); the average covers successful calls only.
type Stats struct {
	TotalCalls          int           `json:"total_calls"`
	SuccessfulCalls     int           `json:"successful_calls"`
	FailedCalls         int           `json:"failed_calls"`
	AverageResponseTime time.Duration `json:"average_response_time_ms"`
}
