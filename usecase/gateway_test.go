package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxchat/voxchat/adapters/hasher"
	"github.com/voxchat/voxchat/config"
	"github.com/voxchat/voxchat/domain"
)

// stubProvider scripts a provider's responses. Errors are consumed one per
// call; once exhausted the reply succeeds.
type stubProvider struct {
	mu    sync.Mutex
	calls int
	reply string
	errs  []error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Models() []domain.ProviderModel {
	return []domain.ProviderModel{{ID: "stub-chat", DisplayName: "Stub", ProviderID: "stub", Available: true}}
}

func (p *stubProvider) Complete(_ context.Context, _ domain.ChatRequest) (domain.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return domain.Completion{}, err
	}
	return domain.Completion{Content: p.reply, Usage: &domain.Usage{TotalTokens: 5}}, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// streamingStub adds scripted deltas on top of stubProvider.
type streamingStub struct {
	stubProvider
	deltas []string
}

func (p *streamingStub) CompleteStream(_ context.Context, _ domain.ChatRequest, onChunk func(string)) (domain.Completion, error) {
	p.mu.Lock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		p.mu.Unlock()
		return domain.Completion{}, err
	}
	p.mu.Unlock()

	var full string
	for _, d := range p.deltas {
		full += d
		onChunk(d)
	}
	return domain.Completion{Content: full}, nil
}

type stubResolver struct {
	provider domain.Provider
}

func (r stubResolver) Resolve(modelID string) (domain.Provider, error) {
	if r.provider == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedModel, modelID)
	}
	return r.provider, nil
}

func (r stubResolver) Catalog() []domain.ProviderModel {
	if r.provider == nil {
		return nil
	}
	return r.provider.Models()
}

func newTestGateway(t *testing.T, p domain.Provider) *Gateway {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.RetryBaseWait = time.Millisecond

	cache, err := NewRequestCache(cfg.Gateway.CacheTTL, cfg.Gateway.CacheCapacity, hasher.New())
	require.NoError(t, err)

	retry := &RetryExecutor{sleep: func(context.Context, time.Duration) error { return nil }}
	return NewGateway(cfg, stubResolver{provider: p}, cache, retry, NewErrorMonitor())
}

func validRequest() domain.ChatRequest {
	return domain.ChatRequest{
		Message:     "hello",
		ModelID:     "stub-chat",
		Temperature: 0.6,
		MaxTokens:   2000,
	}
}

func TestGatewaySendSuccess(t *testing.T) {
	p := &stubProvider{reply: "world"}
	g := newTestGateway(t, p)

	result := g.Send(context.Background(), validRequest())

	require.True(t, result.Success)
	assert.Equal(t, "world", result.Content)
	assert.Equal(t, "stub-chat", result.ModelID)
	assert.NotNil(t, result.Usage)
	assert.Empty(t, result.Error)

	stats := g.Stats()
	assert.Equal(t, 1, stats.TotalCalls)
	assert.Equal(t, 1, stats.SuccessfulCalls)
	assert.Equal(t, 0, stats.FailedCalls)
}

func TestGatewaySendValidationFailsBeforeDispatch(t *testing.T) {
	p := &stubProvider{reply: "world"}
	g := newTestGateway(t, p)

	req := validRequest()
	req.Temperature = 3.5
	result := g.Send(context.Background(), req)

	require.False(t, result.Success)
	assert.Equal(t, domain.ErrKindValidation, result.ErrorKind)
	assert.False(t, result.Retryable)
	assert.Equal(t, 0, p.callCount(), "provider must not run for invalid requests")

	stats := g.Stats()
	assert.Equal(t, 1, stats.TotalCalls, "rejected calls still count")
	assert.Equal(t, 1, stats.FailedCalls)
}

func TestGatewaySendUnknownModel(t *testing.T) {
	g := newTestGateway(t, nil)

	result := g.Send(context.Background(), validRequest())

	require.False(t, result.Success)
	assert.Equal(t, domain.ErrKindUnsupportedModel, result.ErrorKind)
}

func TestGatewaySendCacheHit(t *testing.T) {
	p := &stubProvider{reply: "world"}
	g := newTestGateway(t, p)

	req := validRequest()
	req.EnableCache = true

	first := g.Send(context.Background(), req)
	second := g.Send(context.Background(), req)

	require.True(t, first.Success)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 1, p.callCount(), "second send must be served from cache")

	stats := g.Stats()
	assert.Equal(t, 2, stats.TotalCalls, "cache hits still count as calls")
	assert.Equal(t, 1, stats.SuccessfulCalls)
}

func TestGatewaySendCacheDisabled(t *testing.T) {
	p := &stubProvider{reply: "world"}
	g := newTestGateway(t, p)

	req := validRequest()
	g.Send(context.Background(), req)
	g.Send(context.Background(), req)

	assert.Equal(t, 2, p.callCount())
}

func TestGatewaySendRetriesUntilSuccess(t *testing.T) {
	p := &stubProvider{
		reply: "recovered",
		errs: []error{
			errors.New("connection reset by peer"),
			errors.New("request timed out"),
		},
	}
	g := newTestGateway(t, p)

	result := g.Send(context.Background(), validRequest())

	require.True(t, result.Success)
	assert.Equal(t, "recovered", result.Content)
	assert.Equal(t, 3, p.callCount())

	stats := g.Stats()
	assert.Equal(t, 1, stats.TotalCalls, "retries do not inflate the call count")
	assert.Equal(t, 1, stats.SuccessfulCalls)
}

func TestGatewaySendRecordsTerminalFailure(t *testing.T) {
	p := &stubProvider{errs: []error{errors.New("status 401: invalid api key")}}
	g := newTestGateway(t, p)

	result := g.Send(context.Background(), validRequest())

	require.False(t, result.Success)
	assert.Equal(t, domain.ErrKindInvalidCredential, result.ErrorKind)

	monitorStats := g.Monitor().Stats()
	assert.Equal(t, 1, monitorStats.TotalErrors)
	assert.Equal(t, 1, monitorStats.ErrorCounts[domain.ErrKindInvalidCredential])
	require.Len(t, monitorStats.Recent, 1)
	assert.Equal(t, "stub", monitorStats.Recent[0].Provider)
}

func TestGatewayDedupesConcurrentIdenticalRequests(t *testing.T) {
	p := &stubProvider{reply: "shared"}
	g := newTestGateway(t, p)

	req := validRequest()
	req.EnableCache = true

	const callers = 8
	var wg sync.WaitGroup
	results := make([]domain.ChatResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.Send(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for _, result := range results {
		require.True(t, result.Success)
		assert.Equal(t, "shared", result.Content)
	}
	assert.LessOrEqual(t, p.callCount(), callers)
	assert.Equal(t, callers, g.Stats().TotalCalls, "every caller counts toward stats")
}

func TestGatewayResetStats(t *testing.T) {
	p := &stubProvider{reply: "world"}
	g := newTestGateway(t, p)

	g.Send(context.Background(), validRequest())
	g.ResetStats()

	stats := g.Stats()
	assert.Equal(t, domain.Stats{}, stats)
}

func TestGatewayModels(t *testing.T) {
	p := &stubProvider{reply: "world"}
	g := newTestGateway(t, p)

	models := g.Models()
	require.Len(t, models, 1)
	assert.Equal(t, "stub-chat", models[0].ID)
}

func collectStream(t *testing.T, events <-chan domain.StreamEvent) ([]string, domain.ChatResult) {
	t.Helper()
	var deltas []string
	for event := range events {
		if event.Terminal() {
			return deltas, *event.Result
		}
		deltas = append(deltas, event.Delta)
	}
	t.Fatal("stream closed without a terminal event")
	return nil, domain.ChatResult{}
}

func TestGatewaySendStreamDeliversDeltasInOrder(t *testing.T) {
	p := &streamingStub{stubProvider: stubProvider{reply: ""}, deltas: []string{"wor", "ld"}}
	g := newTestGateway(t, p)

	deltas, result := collectStream(t, g.SendStream(context.Background(), validRequest()))

	assert.Equal(t, []string{"wor", "ld"}, deltas)
	require.True(t, result.Success)
	assert.Equal(t, "world", result.Content)

	stats := g.Stats()
	assert.Equal(t, 1, stats.TotalCalls)
	assert.Equal(t, 1, stats.SuccessfulCalls)
}

func TestGatewaySendStreamNonStreamingProvider(t *testing.T) {
	p := &stubProvider{reply: "world"}
	g := newTestGateway(t, p)

	deltas, result := collectStream(t, g.SendStream(context.Background(), validRequest()))

	assert.Empty(t, deltas)
	require.False(t, result.Success)
	assert.Equal(t, domain.ErrKindNotImplemented, result.ErrorKind)
}

func TestGatewaySendStreamValidationFailure(t *testing.T) {
	p := &streamingStub{deltas: []string{"x"}}
	g := newTestGateway(t, p)

	req := validRequest()
	req.MaxTokens = 100000
	deltas, result := collectStream(t, g.SendStream(context.Background(), req))

	assert.Empty(t, deltas)
	require.False(t, result.Success)
	assert.Equal(t, domain.ErrKindValidation, result.ErrorKind)
	assert.Equal(t, 0, p.callCount())
}

func TestGatewaySendStreamUpstreamFailure(t *testing.T) {
	p := &streamingStub{stubProvider: stubProvider{errs: []error{errors.New("status 429: too many requests")}}}
	g := newTestGateway(t, p)

	_, result := collectStream(t, g.SendStream(context.Background(), validRequest()))

	require.False(t, result.Success)
	assert.Equal(t, domain.ErrKindRateLimited, result.ErrorKind)
	assert.True(t, result.Retryable)
	assert.Equal(t, 1, g.Stats().FailedCalls)
}
