// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fingerprint

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

// =============================================================================
// Backend Interface
// =============================================================================

// Backend stores audit results by fingerprint key.
//
// Implementations must be safe for concurrent use. Lookup misses are
// normal operation, not errors.
type Backend interface {
	// Lookup retrieves a cached result.
	Lookup(ctx context.Context, key string) (*datatypes.AuditResult, bool)

	// Store caches a result under key with the backend's TTL.
	Store(ctx context.Context, key string, result *datatypes.AuditResult) error

	// Close releases backend resources.
	Close() error
}

// =============================================================================
// Result Source
// =============================================================================

// Source identifies how a cache request was satisfied.
type Source int

const (
	// SourceBuilt means the build function produced a fresh result.
	SourceBuilt Source = iota

	// SourceHit means the backend already held the result.
	SourceHit

	// SourceShared means a concurrent builder's result was adopted
	// through the per-key gate.
	SourceShared
)

// String returns a human-readable source name.
func (s Source) String() string {
	switch s {
	case SourceBuilt:
		return "built"
	case SourceHit:
		return "hit"
	case SourceShared:
		return "shared"
	default:
		return "unknown"
	}
}

// CacheHit reports whether the source counts as a cache hit for
// iteration records (anything except a fresh build).
func (s Source) CacheHit() bool { return s != SourceBuilt }

// =============================================================================
// Cache
// =============================================================================

// BuildFunc produces an audit result on a cache miss.
type BuildFunc func(ctx context.Context) (*datatypes.AuditResult, error)

// Cache is the fingerprint-keyed audit result cache.
//
// Description:
//
//	Wraps a Backend with a per-key single-flight gate: for a given key
//	only one build is ever in flight, and concurrent misses on the same
//	key wait for and adopt the first result instead of spawning
//	duplicate auditor processes.
//
// Thread Safety: Safe for concurrent use.
type Cache struct {
	backend Backend
	group   singleflight.Group
	enabled bool
	logger  *slog.Logger
}

// NewCache creates a cache over the given backend.
//
// Inputs:
//
//	backend - Result storage. Required when enabled is true.
//	enabled - When false, every GetOrBuild builds fresh but the
//	          per-key gate still deduplicates concurrent builds.
//	logger - Logger for cache events. If nil, uses slog.Default().
//
// Outputs:
//
//	*Cache - The cache. Never nil.
func NewCache(backend Backend, enabled bool, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		backend: backend,
		enabled: enabled,
		logger:  logger.With(slog.String("component", "audit_cache")),
	}
}

// Lookup checks the backend without building.
//
// Thread Safety: Safe for concurrent use.
func (c *Cache) Lookup(ctx context.Context, key string) (*datatypes.AuditResult, bool) {
	if !c.enabled || c.backend == nil {
		return nil, false
	}
	start := time.Now()
	result, ok := c.backend.Lookup(ctx, key)
	recordLookupLatency(ctx, time.Since(start), ok)
	if ok {
		recordHit(ctx)
	} else {
		recordMiss(ctx)
	}
	return result, ok
}

// GetOrBuild returns the cached result for key, building it at most
// once across concurrent callers.
//
// Description:
//
//	Lookup first; on a miss, the build function runs inside the
//	per-key gate. Callers that arrive while a build is in flight
//	block and adopt that build's result. Successful builds are stored
//	back to the backend before any waiter is released, so cache writes
//	happen-before the submitting task returns.
//
// Inputs:
//
//	ctx - Context for cancellation. Cancellation aborts this caller's
//	      wait, not the in-flight build.
//	key - The submission fingerprint.
//	build - Invoked on a miss to produce the result.
//
// Outputs:
//
//	*datatypes.AuditResult - The result.
//	Source - How the request was satisfied.
//	error - Non-nil if the build failed.
//
// Thread Safety: Safe for concurrent use.
func (c *Cache) GetOrBuild(ctx context.Context, key string, build BuildFunc) (*datatypes.AuditResult, Source, error) {
	if result, ok := c.Lookup(ctx, key); ok {
		return result, SourceHit, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// Re-check inside the gate: a concurrent builder may have
		// stored between our lookup and acquiring the gate.
		if result, ok := c.Lookup(ctx, key); ok {
			return result, nil
		}
		result, err := build(ctx)
		if err != nil {
			return nil, err
		}
		if c.enabled && c.backend != nil {
			if storeErr := c.backend.Store(ctx, key, result); storeErr != nil {
				c.logger.Warn("cache store failed",
					slog.String("key", truncateKey(key)),
					slog.String("error", storeErr.Error()),
				)
			}
		}
		recordBuild(ctx)
		return result, nil
	})

	select {
	case <-ctx.Done():
		return nil, SourceBuilt, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, SourceBuilt, res.Err
		}
		result := res.Val.(*datatypes.AuditResult)
		if res.Shared {
			return result, SourceShared, nil
		}
		return result, SourceBuilt, nil
	}
}

// Close releases the backend.
func (c *Cache) Close() error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

// truncateKey shortens fingerprints for log lines.
func truncateKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

// =============================================================================
// In-Memory LRU Backend
// =============================================================================

// memoryEntry is one LRU cache slot.
type memoryEntry struct {
	key      string
	result   *datatypes.AuditResult
	storedAt time.Time
}

// MemoryBackend is a bounded in-memory LRU with per-entry TTL.
//
// Eviction: least-recently-used past MaxEntries, plus lazy expiry of
// entries older than MaxAge at lookup time. Best-effort only; a miss
// after a restart is acceptable.
//
// Thread Safety: Safe for concurrent use.
type MemoryBackend struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recent
	maxEntries int
	maxAge     time.Duration
	now        func() time.Time
}

// NewMemoryBackend creates an in-memory backend.
//
// Inputs:
//
//	maxEntries - LRU bound. Must be >= 1.
//	maxAge - Per-entry TTL. Must be > 0.
func NewMemoryBackend(maxEntries int, maxAge time.Duration) *MemoryBackend {
	return &MemoryBackend{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// Lookup retrieves a result, refreshing its recency.
func (m *MemoryBackend) Lookup(ctx context.Context, key string) (*datatypes.AuditResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*memoryEntry)
	if m.now().Sub(entry.storedAt) > m.maxAge {
		m.order.Remove(elem)
		delete(m.entries, key)
		recordEviction(ctx)
		return nil, false
	}
	m.order.MoveToFront(elem)
	return entry.result, true
}

// Store inserts or refreshes a result, evicting the LRU tail past the
// entry bound.
func (m *MemoryBackend) Store(ctx context.Context, key string, result *datatypes.AuditResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.result = result
		entry.storedAt = m.now()
		m.order.MoveToFront(elem)
		return nil
	}

	elem := m.order.PushFront(&memoryEntry{key: key, result: result, storedAt: m.now()})
	m.entries[key] = elem

	for m.order.Len() > m.maxEntries {
		tail := m.order.Back()
		if tail == nil {
			break
		}
		evicted := tail.Value.(*memoryEntry)
		m.order.Remove(tail)
		delete(m.entries, evicted.key)
		recordEviction(ctx)
	}
	return nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryBackend) Close() error { return nil }

// Len returns the current entry count.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Ensure MemoryBackend implements Backend.
var _ Backend = (*MemoryBackend)(nil)
