package call

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callcore/pkg/provider/s2s"
)

// Default tuning for [ExecutorCache], matching the spec's documented defaults.
const (
	DefaultCacheMaxSize         = 100
	DefaultCacheInactivityTTL   = 3 * time.Hour
	DefaultCacheCleanupInterval = 15 * time.Minute
)

// cacheEntry is one LRU node's payload: a connected executor and the time it
// was last touched by Get or Set.
type cacheEntry struct {
	chatbotID    string
	executor     s2s.Executor
	lastActivity time.Time
}

// CacheEntryStats describes one cached entry's idle time for [CacheStats].
type CacheEntryStats struct {
	ChatbotID string
	IdleTime  time.Duration
}

// CacheStats reports the cache's current occupancy for diagnostics.
type CacheStats struct {
	Size          int
	MaxSize       int
	InactivityTTL time.Duration
	Entries       []CacheEntryStats
}

// ExecutorCache is the Executor Cache (C2): an LRU+TTL cache of connected
// [s2s.Executor] bindings keyed by chatbotId, so repeat calls to the same
// chatbot reuse an already-open realtime session instead of paying connect
// latency on every call. Construction of new executors (provider lookup,
// Config building, Connect) is the Call Runner's job — the cache only ever
// stores and evicts already-connected executors handed to it via Set.
//
// Grounded on the teacher's internal/agent/orchestrator/utterance_buffer.go
// (mutex-guarded bounded collection with size- and age-based eviction run on
// every mutating call), generalized from a slice-backed buffer into a true
// `container/list` LRU with a companion map and a background janitor
// goroutine, since the spec's maxSize/inactivityTTL/cleanupInterval
// parameterization needs O(1) most-recently-used promotion rather than the
// buffer's O(n) age-scan-on-insert.
type ExecutorCache struct {
	maxSize         int
	inactivityTTL   time.Duration
	cleanupInterval time.Duration

	mu       sync.Mutex
	ll       *list.List // of *cacheEntry, front = most recently used
	elements map[string]*list.Element

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// ExecutorCacheConfig tunes [NewExecutorCache]. Zero values fall back to the
// package defaults.
type ExecutorCacheConfig struct {
	MaxSize         int
	InactivityTTL   time.Duration
	CleanupInterval time.Duration
}

// NewExecutorCache constructs an empty cache and starts its background
// cleanup sweep, which evicts (and disconnects) every entry whose
// lastActivity has exceeded InactivityTTL every CleanupInterval.
func NewExecutorCache(cfg ExecutorCacheConfig) *ExecutorCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultCacheMaxSize
	}
	if cfg.InactivityTTL <= 0 {
		cfg.InactivityTTL = DefaultCacheInactivityTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCacheCleanupInterval
	}
	c := &ExecutorCache{
		maxSize:         cfg.MaxSize,
		inactivityTTL:   cfg.InactivityTTL,
		cleanupInterval: cfg.CleanupInterval,
		ll:              list.New(),
		elements:        make(map[string]*list.Element),
		done:            make(chan struct{}),
	}
	c.wg.Add(1)
	go c.runCleanup()
	return c
}

// Get returns the cached executor for chatbotID if present and not expired.
// A hit touches lastActivity and moves the entry to the front of the LRU
// list. An expired entry is evicted (its executor disconnected) and Get
// reports a miss, exactly as a never-cached chatbotID would.
func (c *ExecutorCache) Get(chatbotID string) (s2s.Executor, bool) {
	c.mu.Lock()
	el, ok := c.elements[chatbotID]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Since(entry.lastActivity) > c.inactivityTTL {
		c.removeLocked(el)
		c.mu.Unlock()
		disconnect(entry.executor, chatbotID)
		return nil, false
	}
	entry.lastActivity = time.Now()
	c.ll.MoveToFront(el)
	executor := entry.executor
	c.mu.Unlock()
	return executor, true
}

// Set inserts (or replaces) the connected executor for chatbotID. If the
// cache is already at capacity and chatbotID is a new key, the
// least-recently-used entry is evicted and disconnected before the new
// entry is inserted.
func (c *ExecutorCache) Set(chatbotID string, executor s2s.Executor) {
	c.mu.Lock()
	if el, ok := c.elements[chatbotID]; ok {
		old := el.Value.(*cacheEntry).executor
		el.Value.(*cacheEntry).executor = executor
		el.Value.(*cacheEntry).lastActivity = time.Now()
		c.ll.MoveToFront(el)
		c.mu.Unlock()
		if old != executor {
			disconnect(old, chatbotID)
		}
		return
	}

	var evicted *cacheEntry
	if c.ll.Len() >= c.maxSize {
		if oldest := c.ll.Back(); oldest != nil {
			evicted = oldest.Value.(*cacheEntry)
			c.removeLocked(oldest)
		}
	}

	entry := &cacheEntry{chatbotID: chatbotID, executor: executor, lastActivity: time.Now()}
	el := c.ll.PushFront(entry)
	c.elements[chatbotID] = el
	c.mu.Unlock()

	if evicted != nil {
		disconnect(evicted.executor, evicted.chatbotID)
	}
}

// Invalidate removes and disconnects the cached executor for chatbotID, if
// present. A missing chatbotID is a no-op.
func (c *ExecutorCache) Invalidate(chatbotID string) {
	c.mu.Lock()
	el, ok := c.elements[chatbotID]
	if !ok {
		c.mu.Unlock()
		return
	}
	entry := el.Value.(*cacheEntry)
	c.removeLocked(el)
	c.mu.Unlock()
	disconnect(entry.executor, chatbotID)
}

// Clear disconnects and removes every cached entry.
func (c *ExecutorCache) Clear() {
	c.mu.Lock()
	entries := make([]*cacheEntry, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.(*cacheEntry))
	}
	c.ll.Init()
	c.elements = make(map[string]*list.Element)
	c.mu.Unlock()

	for _, entry := range entries {
		disconnect(entry.executor, entry.chatbotID)
	}
}

// Stats returns a snapshot of the cache's current occupancy.
func (c *ExecutorCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	stats := CacheStats{
		Size:          c.ll.Len(),
		MaxSize:       c.maxSize,
		InactivityTTL: c.inactivityTTL,
		Entries:       make([]CacheEntryStats, 0, c.ll.Len()),
	}
	for el := c.ll.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*cacheEntry)
		stats.Entries = append(stats.Entries, CacheEntryStats{
			ChatbotID: entry.chatbotID,
			IdleTime:  now.Sub(entry.lastActivity),
		})
	}
	return stats
}

// removeLocked drops el from both the list and the index map. Caller must
// hold mu; it does not disconnect the entry's executor — callers disconnect
// after releasing mu so that a slow provider Close() never blocks other
// cache operations.
func (c *ExecutorCache) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.ll.Remove(el)
	delete(c.elements, entry.chatbotID)
}

// disconnect closes executor, logging (but not propagating) any error —
// eviction must never fail the caller that triggered it.
func disconnect(executor s2s.Executor, chatbotID string) {
	if executor == nil {
		return
	}
	if err := executor.Close(); err != nil {
		slog.Warn("executor cache: error disconnecting evicted executor", "chatbot_id", chatbotID, "err", err)
	}
}

// Shutdown stops the background cleanup sweep and disconnects every
// remaining entry. Idempotent.
func (c *ExecutorCache) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	c.Clear()
}

func (c *ExecutorCache) runCleanup() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *ExecutorCache) sweepExpired() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("executor cache: cleanup sweep panicked", "recover", r)
		}
	}()

	now := time.Now()
	c.mu.Lock()
	var expired []*cacheEntry
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*cacheEntry)
		if now.Sub(entry.lastActivity) >= c.inactivityTTL {
			expired = append(expired, entry)
			c.removeLocked(el)
		}
		el = prev
	}
	c.mu.Unlock()

	for _, entry := range expired {
		disconnect(entry.executor, entry.chatbotID)
	}
}
