package usecase

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/voxchat/voxchat/domain"
)

// cacheKeyPrefixLen bounds how much of the message participates in the key.
const cacheKeyPrefixLen = 100

type cacheEntry struct {
	result    domain.ChatResult
	expiresAt time.Time
}

// RequestCache memoizes identical chat requests for a fixed TTL. Entries are
// evicted by a per-entry timer when the TTL elapses and by LRU order when the
// capacity bound is hit; no entry outlives its TTL.
type RequestCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	hasher domain.Hasher
	now    func() time.Time

	entries *lru.Cache[string, cacheEntry]
	timers  map[string]*time.Timer
}

// NewRequestCache builds a cache bounded by capacity with the given TTL.
func NewRequestCache(ttl time.Duration, capacity int, hasher domain.Hasher) (*RequestCache, error) {
	c := &RequestCache{
		ttl:    ttl,
		hasher: hasher,
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}

	entries, err := lru.NewWithEvict(capacity, func(key string, _ cacheEntry) {
		if t, ok := c.timers[key]; ok {
			t.Stop()
			delete(c.timers, key)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("building request cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// Key derives the deterministic cache key for a request: a digest over the
// first 100 characters of the message plus the sampling parameters.
func (c *RequestCache) Key(req domain.ChatRequest) string {
	message := req.Message
	if runes := []rune(message); len(runes) > cacheKeyPrefixLen {
		message = string(runes[:cacheKeyPrefixLen])
	}

	payload, _ := json.Marshal(struct {
		Message     string  `json:"message"`
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
	}{message, req.ModelID, req.Temperature, req.MaxTokens})

	return c.hasher.Hash(payload)
}

// Get returns the cached result for a key if it has not expired.
func (c *RequestCache) Get(key string) (domain.ChatResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(key)
	if !ok {
		return domain.ChatResult{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.entries.Remove(key)
		return domain.ChatResult{}, false
	}
	return entry.result, true
}

// Set stores a result under a key for one TTL from now.
func (c *RequestCache) Set(key string, result domain.ChatResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[key]; ok {
		t.Stop()
	}
	c.entries.Add(key, cacheEntry{result: result, expiresAt: c.now().Add(c.ttl)})
	c.timers[key] = time.AfterFunc(c.ttl, func() { c.expire(key) })
}

// expire is the timer callback. A stopped timer can still fire when the stop
// raced its expiry, so only entries whose TTL has actually elapsed are
// removed; a freshly overwritten entry survives its predecessor's timer.
func (c *RequestCache) expire(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Peek(key)
	if !ok || c.now().Before(entry.expiresAt) {
		return
	}
	c.entries.Remove(key)
}

// Clear drops every entry.
func (c *RequestCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Len reports the number of live entries.
func (c *RequestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
