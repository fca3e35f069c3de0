package domain

import "context"

// Provider abstracts one upstream chat-completion service. Implementations
// translate the unified request shape into the provider wire format and back.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "deepseek").
	Name() string

	// Models returns the provider's static model catalog.
	Models() []ProviderModel

	// Complete performs one request/response cycle.
	Complete(ctx context.Context, req ChatRequest) (Completion, error)
}

// StreamingProvider is implemented by providers that can stream deltas.
// A provider lacking it yields ErrNotImplemented at the gateway, never a
// silent non-streaming fallback.
type StreamingProvider interface {
	Provider

	// CompleteStream performs one request/stream cycle, invoking onChunk for
	// each incremental content fragment in arrival order. It returns the
	// assembled completion once the stream terminates.
	CompleteStream(ctx context.Context, req ChatRequest, onChunk func(delta string)) (Completion, error)
}

// Completion is a provider-level success payload.
type Completion struct {
	Content string
	Usage   *Usage
}

// ProviderResolver maps a model id to the adapter serving it. Resolution is
// built once at catalog time; an unmatched id yields ErrUnsupportedModel.
type ProviderResolver interface {
	Resolve(modelID string) (Provider, error)
	Catalog() []ProviderModel
}
