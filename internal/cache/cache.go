// Package cache holds completed chat responses keyed by a fingerprint of
// the request, so identical non-streaming requests skip the backend
// entirely.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"nexus/internal/openai"
)

// cleanupInterval is how often the background sweep drops expired
// entries that no Lookup has touched.
const cleanupInterval = 5 * time.Minute

// Options configure the cache.
type Options struct {
	// MaxEntries caps the cache size; inserting at capacity evicts the
	// oldest entry first.
	MaxEntries int

	// TTL is how long an entry stays servable after insertion.
	TTL time.Duration

	// Enabled gates the whole cache. Can be flipped at runtime with
	// SetEnabled.
	Enabled bool

	// ContextSensitive includes the injected context block in the
	// fingerprint, so responses shaped by retrieved history are not
	// replayed once that history changes.
	ContextSensitive bool
}

type entry struct {
	response  openai.ChatCompletionResponse
	createdAt time.Time
	hits      int
}

// Cache is a TTL-bounded response cache. Reads share the read lock; hit
// counting and expiry removal promote to the write lock.
type Cache struct {
	opts   Options
	logger *zap.Logger

	enabled atomic.Bool

	mu        sync.RWMutex
	entries   map[string]*entry
	hits      uint64
	evictions uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a cache and starts its cleanup loop.
func New(opts Options, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxEntries < 1 {
		opts.MaxEntries = 1
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	c := &Cache{
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	c.enabled.Store(opts.Enabled)
	go c.cleanupLoop()
	return c
}

// Close stops the cleanup loop.
func (c *Cache) Close() {
	select {
	case <-c.stopCh:
		return
	default:
	}
	close(c.stopCh)
	<-c.doneCh
}

// Enabled reports whether the cache is serving.
func (c *Cache) Enabled() bool { return c.enabled.Load() }

// SetEnabled flips the cache at runtime. Used by config hot reload.
// Disabling keeps existing entries; they become servable again when
// re-enabled, TTL permitting.
func (c *Cache) SetEnabled(on bool) { c.enabled.Store(on) }

// Fingerprint hashes the parts of a request that determine its response:
// the model, each message's role and content (text and image URLs, in
// order), any attached tool schemas, and the injected context block when
// the context-sensitive policy is on.
func (c *Cache) Fingerprint(model string, messages []openai.ChatMessage, tools []openai.Tool, contextBlock string) string {
	if !c.opts.ContextSensitive {
		contextBlock = ""
	}
	return Fingerprint(model, messages, tools, contextBlock)
}

// Fingerprint is the raw hash; most callers want the method, which
// applies the context-sensitivity policy.
func Fingerprint(model string, messages []openai.ChatMessage, tools []openai.Tool, contextBlock string) string {
	h := sha256.New()
	h.Write([]byte(model))
	for _, msg := range messages {
		h.Write([]byte(msg.Role))
		if msg.Content == nil {
			continue
		}
		if !msg.Content.IsArray {
			h.Write([]byte(msg.Content.Value))
			continue
		}
		for _, part := range msg.Content.Parts {
			switch {
			case part.Type == "text":
				h.Write([]byte(part.Text))
			case part.ImageURL != nil:
				h.Write([]byte(part.ImageURL.URL))
			}
		}
	}
	for _, tool := range tools {
		h.Write([]byte(tool.Type))
		h.Write([]byte(tool.Function.Name))
		h.Write([]byte(tool.Function.Description))
		h.Write(tool.Function.Parameters)
	}
	if contextBlock != "" {
		h.Write([]byte(contextBlock))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the cached response for the fingerprint. Expired
// entries are removed on the spot. Always a miss while disabled.
func (c *Cache) Lookup(fp string) (*openai.ChatCompletionResponse, bool) {
	if !c.Enabled() {
		return nil, false
	}
	now := time.Now()

	c.mu.RLock()
	e, ok := c.entries[fp]
	if ok && now.Sub(e.createdAt) <= c.opts.TTL {
		resp := e.response
		c.mu.RUnlock()

		c.mu.Lock()
		if e2, ok2 := c.entries[fp]; ok2 {
			e2.hits++
		}
		c.hits++
		c.mu.Unlock()

		c.logger.Debug("cache hit", zap.String("fingerprint", shortFP(fp)))
		return &resp, true
	}
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	if e2, ok2 := c.entries[fp]; ok2 && now.Sub(e2.createdAt) > c.opts.TTL {
		delete(c.entries, fp)
		c.logger.Debug("cache entry expired", zap.String("fingerprint", shortFP(fp)))
	}
	c.mu.Unlock()
	return nil, false
}

// Insert stores a response under the fingerprint. A no-op while
// disabled. At capacity the oldest-inserted entry is evicted first.
func (c *Cache) Insert(fp string, resp *openai.ChatCompletionResponse) {
	if !c.Enabled() || resp == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fp]; !exists && len(c.entries) >= c.opts.MaxEntries {
		c.evictOldestLocked()
	}
	c.entries[fp] = &entry{response: *resp, createdAt: time.Now()}
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, e := range c.entries {
		if oldestKey == "" || e.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.createdAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
		c.logger.Debug("evicted oldest cache entry", zap.String("fingerprint", shortFP(oldestKey)))
	}
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func (c *Cache) cleanupLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			removed := c.removeExpired()
			if removed > 0 {
				c.logger.Debug("cache cleanup", zap.Int("removed", removed))
			}
		}
	}
}

// removeExpired drops every entry older than the TTL and reports how
// many went.
func (c *Cache) removeExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.createdAt) > c.opts.TTL {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats is a point-in-time snapshot for the stats endpoint.
type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Evictions uint64 `json:"evictions"`
	Enabled   bool   `json:"enabled"`
}

// Stats snapshots the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Evictions: c.evictions,
		Enabled:   c.Enabled(),
	}
}
