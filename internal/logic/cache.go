package logic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/logic/internal/logic/result"
)

// CacheKey identifies a cached rule result.
type CacheKey struct {
	PatientID uuid.UUID
	Token     string
	// Params is the canonical encoding of the evaluation parameters and the
	// index date the result was computed at.
	Params string
}

func (k CacheKey) String() string {
	return fmt.Sprintf("logic:%s:%s:%s", k.PatientID, k.Token, k.Params)
}

// NewCacheKey builds the key for token evaluated for patientID with params at
// indexDate. Equal parameter maps always produce equal keys.
func NewCacheKey(patientID uuid.UUID, token string, params map[string]any, indexDate time.Time) CacheKey {
	payload := struct {
		Params    map[string]any `json:"p,omitempty"`
		IndexDate string         `json:"d"`
	}{Params: params, IndexDate: indexDate.UTC().Format(time.RFC3339Nano)}

	// encoding/json sorts map keys, so the encoding is canonical.
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte(fmt.Sprintf("%v|%s", params, payload.IndexDate))
	}
	return CacheKey{PatientID: patientID, Token: token, Params: string(b)}
}

// ResultCache stores rule results until their TTL expires.
type ResultCache interface {
	Get(ctx context.Context, key CacheKey) (result.Result, bool, error)
	Set(ctx context.Context, key CacheKey, r result.Result, ttl time.Duration) error
}

// ---------------------------------------------------------------------------
// MemoryCache
// ---------------------------------------------------------------------------

type memoryEntry struct {
	value     result.Result
	expiresAt time.Time
}

// MemoryCache is a thread-safe in-memory ResultCache with lazy expiration.
type MemoryCache struct {
	entries map[CacheKey]*memoryEntry
	mu      sync.RWMutex
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithClock(time.Now)
}

// NewMemoryCacheWithClock returns a MemoryCache that reads the time from now.
func NewMemoryCacheWithClock(now func() time.Time) *MemoryCache {
	return &MemoryCache{entries: make(map[CacheKey]*memoryEntry), now: now}
}

// Get returns a live entry. Expired entries are deleted and reported as a miss.
func (c *MemoryCache) Get(_ context.Context, key CacheKey) (result.Result, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return result.Empty(), false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == entry {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return result.Empty(), false, nil
	}
	return entry.value, true, nil
}

// Set stores r for ttl. A non-positive ttl stores nothing.
func (c *MemoryCache) Set(_ context.Context, key CacheKey, r result.Result, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &memoryEntry{value: r, expiresAt: c.now().Add(ttl)}
	return nil
}

// Len reports the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
