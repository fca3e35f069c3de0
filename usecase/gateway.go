package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/voxchat/voxchat/config"
	"github.com/voxchat/voxchat/domain"
	"github.com/voxchat/voxchat/utils/log"
)

// Gateway is the single call surface over every configured provider. It
// validates, consults the request cache, wraps adapter calls in the retry
// executor, classifies terminal failures and tracks call statistics.
//
// Gateways are constructed once in main and passed by reference; there is no
// package-level instance.
type Gateway struct {
	cfg      config.Config
	resolver domain.ProviderResolver
	cache    *RequestCache
	retry    *RetryExecutor
	monitor  *ErrorMonitor

	inflight singleflight.Group

	mu    sync.Mutex
	stats domain.Stats
}

// NewGateway wires the gateway from its collaborators.
func NewGateway(cfg config.Config, resolver domain.ProviderResolver, cache *RequestCache, retry *RetryExecutor, monitor *ErrorMonitor) *Gateway {
	return &Gateway{
		cfg:      cfg,
		resolver: resolver,
		cache:    cache,
		retry:    retry,
		monitor:  monitor,
	}
}

// Send performs one blocking chat completion. It never returns a raw
// transport error; every failure is normalized into the result.
func (g *Gateway) Send(ctx context.Context, req domain.ChatRequest) domain.ChatResult {
	g.recordCall()
	req = g.applyDefaults(req)

	if err := validateRequest(req); err != nil {
		return g.fail(ctx, req, err)
	}

	provider, err := g.resolver.Resolve(req.ModelID)
	if err != nil {
		return g.fail(ctx, req, err)
	}

	key := g.cache.Key(req)
	if req.EnableCache {
		if cached, ok := g.cache.Get(key); ok {
			log.WithCtx(ctx).Debug("cache hit", zap.String("model", req.ModelID))
			return cached
		}
	}

	result := g.dispatch(ctx, key, provider, req)
	if result.Success {
		g.recordSuccess(result.ResponseTime)
	} else {
		g.recordFailure()
	}
	return result
}

// dispatch runs the provider call behind the retry executor. Concurrent
// identical requests share one in-flight call keyed by the cache key.
func (g *Gateway) dispatch(ctx context.Context, key string, provider domain.Provider, req domain.ChatRequest) domain.ChatResult {
	run := func() (any, error) {
		start := time.Now()

		policy := RetryPolicy{MaxRetries: req.MaxRetries, BaseDelay: g.cfg.Gateway.RetryBaseWait}
		completion, err := g.retry.Run(ctx, policy, func(ctx context.Context) (domain.Completion, error) {
			callCtx := ctx
			if req.Timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
				defer cancel()
			}
			return provider.Complete(callCtx, req)
		})
		if err != nil {
			classified := domain.Classify(err)
			g.monitor.Add(ErrorRecord{
				Kind:      classified.Kind,
				Message:   classified.Message,
				ModelID:   req.ModelID,
				Provider:  provider.Name(),
				Timestamp: time.Now(),
			})
			log.WithCtx(ctx).Warn("chat completion failed",
				zap.String("model", req.ModelID),
				zap.String("provider", provider.Name()),
				zap.String("kind", string(classified.Kind)),
				zap.Error(err))
			return domain.FailureResult(req.ModelID, classified), nil
		}

		result := domain.SuccessResult(completion.Content, req.ModelID, time.Since(start), completion.Usage)
		if req.EnableCache {
			g.cache.Set(key, result)
		}
		return result, nil
	}

	if !req.EnableCache {
		result, _ := run()
		return result.(domain.ChatResult)
	}

	shared, _, _ := g.inflight.Do(key, run)
	return shared.(domain.ChatResult)
}

// SendStream performs one streaming completion. It never fails synchronously:
// deltas arrive as channel events and the terminal event carries the final
// result, success or failure. The channel is closed after the terminal event.
func (g *Gateway) SendStream(ctx context.Context, req domain.ChatRequest) <-chan domain.StreamEvent {
	events := make(chan domain.StreamEvent, 16)

	go func() {
		defer close(events)

		g.recordCall()
		req := g.applyDefaults(req)

		finish := func(result domain.ChatResult) {
			if result.Success {
				g.recordSuccess(result.ResponseTime)
			} else {
				g.recordFailure()
			}
			select {
			case events <- domain.StreamEvent{Result: &result}:
			case <-ctx.Done():
			}
		}

		if err := validateRequest(req); err != nil {
			finish(g.failureFor(req, err))
			return
		}

		provider, err := g.resolver.Resolve(req.ModelID)
		if err != nil {
			finish(g.failureFor(req, err))
			return
		}

		streamer, ok := provider.(domain.StreamingProvider)
		if !ok {
			finish(g.failureFor(req, fmt.Errorf("provider %s: %w", provider.Name(), domain.ErrNotImplemented)))
			return
		}

		callCtx := ctx
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}

		start := time.Now()
		completion, err := streamer.CompleteStream(callCtx, req, func(delta string) {
			select {
			case events <- domain.StreamEvent{Delta: delta}:
			case <-ctx.Done():
			}
		})
		if err != nil {
			classified := domain.Classify(err)
			g.monitor.Add(ErrorRecord{
				Kind:      classified.Kind,
				Message:   classified.Message,
				ModelID:   req.ModelID,
				Provider:  provider.Name(),
				Timestamp: time.Now(),
			})
			finish(domain.FailureResult(req.ModelID, classified))
			return
		}

		finish(domain.SuccessResult(completion.Content, req.ModelID, time.Since(start), completion.Usage))
	}()

	return events
}

// Models aggregates the catalogs of every registered provider.
func (g *Gateway) Models() []domain.ProviderModel {
	return g.resolver.Catalog()
}

// Stats returns a snapshot of the call counters.
func (g *Gateway) Stats() domain.Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// ResetStats zeroes the counters.
func (g *Gateway) ResetStats() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats = domain.Stats{}
}

// Monitor exposes the error ring for the stats surface.
func (g *Gateway) Monitor() *ErrorMonitor { return g.monitor }

// ClearCache drops every memoized result.
func (g *Gateway) ClearCache() { g.cache.Clear() }

func (g *Gateway) applyDefaults(req domain.ChatRequest) domain.ChatRequest {
	gw := g.cfg.Gateway
	if req.ModelID == "" {
		req.ModelID = gw.DefaultModel
	}

	defaults := g.cfg.ModelDefaultsFor(req.ModelID)
	if req.Temperature == 0 {
		req.Temperature = defaults.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = defaults.MaxTokens
	}
	if req.TopP == 0 {
		req.TopP = defaults.TopP
	}
	if req.Timeout == 0 {
		req.Timeout = gw.Timeout
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = gw.MaxRetries
	}
	return req
}

func validateRequest(req domain.ChatRequest) error {
	if req.ModelID == "" {
		return fmt.Errorf("%w: model id must not be empty", domain.ErrValidation)
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be within [0, 2], got %g", domain.ErrValidation, req.Temperature)
	}
	if req.MaxTokens < 1 || req.MaxTokens > 4000 {
		return fmt.Errorf("%w: max tokens must be within [1, 4000], got %d", domain.ErrValidation, req.MaxTokens)
	}
	return nil
}

// fail normalizes a pre-dispatch error (validation, unsupported model) into a
// failure result with stats and monitor accounting.
func (g *Gateway) fail(ctx context.Context, req domain.ChatRequest, err error) domain.ChatResult {
	result := g.failureFor(req, err)
	g.recordFailure()
	log.WithCtx(ctx).Warn("request rejected",
		zap.String("model", req.ModelID),
		zap.String("kind", string(result.ErrorKind)))
	return result
}

func (g *Gateway) failureFor(req domain.ChatRequest, err error) domain.ChatResult {
	classified := domain.Classify(err)
	g.monitor.Add(ErrorRecord{
		Kind:      classified.Kind,
		Message:   classified.Message,
		ModelID:   req.ModelID,
		Timestamp: time.Now(),
	})
	return domain.FailureResult(req.ModelID, classified)
}

func (g *Gateway) recordCall() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.TotalCalls++
}

func (g *Gateway) recordSuccess(elapsed time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.SuccessfulCalls++
	n := time.Duration(g.stats.SuccessfulCalls)
	g.stats.AverageResponseTime = (g.stats.AverageResponseTime*(n-1) + elapsed) / n
}

func (g *Gateway) recordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.FailedCalls++
}
