package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/swarmguard/taskdag/dag"
)

// ResultCache is an LRU-by-last-use, TTL-expiring cache of task outputs,
// adapted from the coordinator's ResultCache (dag_engine.go). Consulted
// only for tasks marked Cacheable (§4.8 of SPEC_FULL.md); off the
// critical path for every other task.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	output    *dag.Output
	expiresAt time.Time
	lastUsed  time.Time
}

// NewResultCache constructs a cache bounded to maxSize entries, each valid
// for ttl, with a background goroutine sweeping expired entries every
// minute.
func NewResultCache(maxSize int, ttl time.Duration) *ResultCache {
	rc := &ResultCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
	go rc.cleanup()
	return rc
}

func (rc *ResultCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rc.mu.Lock()
		now := time.Now()
		for key, e := range rc.entries {
			if now.After(e.expiresAt) {
				delete(rc.entries, key)
			}
		}
		rc.mu.Unlock()
	}
}

// Get returns the cached output for key, if present and unexpired.
func (rc *ResultCache) Get(key string) (*dag.Output, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	e, ok := rc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	e.lastUsed = time.Now()
	out := *e.output
	return &out, true
}

// Put stores output under key, evicting the least-recently-used entry
// first if the cache is at capacity.
func (rc *ResultCache) Put(key string, output *dag.Output) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if len(rc.entries) >= rc.maxSize {
		rc.evictOldest()
	}
	out := *output
	rc.entries[key] = &cacheEntry{
		output:    &out,
		expiresAt: time.Now().Add(rc.ttl),
		lastUsed:  time.Now(),
	}
}

func (rc *ResultCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, e := range rc.entries {
		if oldestKey == "" || e.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(rc.entries, oldestKey)
	}
}

// CacheKey hashes a task's type-specific config to a stable cache key.
// Tasks with equal config and type produce the same key regardless of id,
// matching the cache's intent of memoizing deterministic work.
func CacheKey(task *dag.Task) (string, error) {
	var payload interface{}
	switch task.Type {
	case dag.TaskTypeAgent:
		payload = task.Agent
	case dag.TaskTypeShell:
		payload = task.Shell
	case dag.TaskTypeCheckpoint:
		payload = task.Checkpoint
	default:
		payload = task
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(string(task.Type)+":"), b...))
	return hex.EncodeToString(sum[:]), nil
}
