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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

func testResult(score int) *datatypes.AuditResult {
	return &datatypes.AuditResult{
		OverallScore: score,
		Verdict:      datatypes.VerdictRevise,
		Summary:      "needs work",
	}
}

// =============================================================================
// Memory Backend Tests
// =============================================================================

func TestMemoryBackend_StoreLookup(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(4, time.Hour)

	if _, ok := backend.Lookup(ctx, "missing"); ok {
		t.Fatal("lookup on empty backend should miss")
	}

	if err := backend.Store(ctx, "k1", testResult(80)); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	got, ok := backend.Lookup(ctx, "k1")
	if !ok {
		t.Fatal("stored entry should be found")
	}
	if got.OverallScore != 80 {
		t.Errorf("OverallScore = %d, want 80", got.OverallScore)
	}
}

func TestMemoryBackend_LRUEviction(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(2, time.Hour)

	_ = backend.Store(ctx, "a", testResult(1))
	_ = backend.Store(ctx, "b", testResult(2))

	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := backend.Lookup(ctx, "a"); !ok {
		t.Fatal("a should be present")
	}

	_ = backend.Store(ctx, "c", testResult(3))

	if _, ok := backend.Lookup(ctx, "b"); ok {
		t.Error("b should have been evicted as least recently used")
	}
	if _, ok := backend.Lookup(ctx, "a"); !ok {
		t.Error("a should have survived")
	}
	if _, ok := backend.Lookup(ctx, "c"); !ok {
		t.Error("c should be present")
	}
	if n := backend.Len(); n != 2 {
		t.Errorf("Len() = %d, want 2", n)
	}
}

func TestMemoryBackend_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(4, time.Minute)

	current := time.Now()
	backend.now = func() time.Time { return current }

	_ = backend.Store(ctx, "k", testResult(70))

	current = current.Add(30 * time.Second)
	if _, ok := backend.Lookup(ctx, "k"); !ok {
		t.Fatal("entry should still be live within TTL")
	}

	current = current.Add(45 * time.Second)
	if _, ok := backend.Lookup(ctx, "k"); ok {
		t.Error("entry should have expired past TTL")
	}
	if n := backend.Len(); n != 0 {
		t.Errorf("expired entry should be removed, Len() = %d", n)
	}
}

func TestMemoryBackend_StoreRefreshesExisting(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(4, time.Hour)

	_ = backend.Store(ctx, "k", testResult(50))
	_ = backend.Store(ctx, "k", testResult(90))

	got, ok := backend.Lookup(ctx, "k")
	if !ok {
		t.Fatal("entry should be present")
	}
	if got.OverallScore != 90 {
		t.Errorf("OverallScore = %d, want refreshed 90", got.OverallScore)
	}
	if n := backend.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

// =============================================================================
// Cache Tests
// =============================================================================

func TestCache_GetOrBuild_MissThenHit(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryBackend(4, time.Hour), true, nil)

	var builds atomic.Int32
	build := func(ctx context.Context) (*datatypes.AuditResult, error) {
		builds.Add(1)
		return testResult(85), nil
	}

	result, source, err := cache.GetOrBuild(ctx, "fp1", build)
	if err != nil {
		t.Fatalf("GetOrBuild() error = %v", err)
	}
	if source != SourceBuilt {
		t.Errorf("first call source = %v, want built", source)
	}
	if result.OverallScore != 85 {
		t.Errorf("OverallScore = %d, want 85", result.OverallScore)
	}

	_, source, err = cache.GetOrBuild(ctx, "fp1", build)
	if err != nil {
		t.Fatalf("GetOrBuild() error = %v", err)
	}
	if source != SourceHit {
		t.Errorf("second call source = %v, want hit", source)
	}
	if n := builds.Load(); n != 1 {
		t.Errorf("build ran %d times, want 1", n)
	}
}

func TestCache_GetOrBuild_ErrorNotCached(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryBackend(4, time.Hour), true, nil)

	buildErr := errors.New("auditor crashed")
	_, _, err := cache.GetOrBuild(ctx, "fp", func(ctx context.Context) (*datatypes.AuditResult, error) {
		return nil, buildErr
	})
	if !errors.Is(err, buildErr) {
		t.Fatalf("GetOrBuild() error = %v, want %v", err, buildErr)
	}

	// Failure must not poison the key.
	result, source, err := cache.GetOrBuild(ctx, "fp", func(ctx context.Context) (*datatypes.AuditResult, error) {
		return testResult(60), nil
	})
	if err != nil {
		t.Fatalf("retry GetOrBuild() error = %v", err)
	}
	if source != SourceBuilt || result.OverallScore != 60 {
		t.Errorf("retry should build fresh, got source=%v score=%d", source, result.OverallScore)
	}
}

func TestCache_GetOrBuild_ConcurrentSingleFlight(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryBackend(4, time.Hour), true, nil)

	var builds atomic.Int32
	release := make(chan struct{})
	build := func(ctx context.Context) (*datatypes.AuditResult, error) {
		builds.Add(1)
		<-release
		return testResult(77), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Source, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, source, err := cache.GetOrBuild(ctx, "shared", build)
			results[i], errs[i] = source, err
		}(i)
	}

	// Let the goroutines pile up on the gate before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := builds.Load(); n != 1 {
		t.Fatalf("build ran %d times under concurrency, want 1", n)
	}
	var built, shared int
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		switch results[i] {
		case SourceBuilt:
			built++
		case SourceShared, SourceHit:
			shared++
		}
	}
	if built+shared != callers {
		t.Errorf("built=%d shared=%d, want total %d", built, shared, callers)
	}
}

func TestCache_Disabled_AlwaysBuilds(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(nil, false, nil)

	var builds atomic.Int32
	build := func(ctx context.Context) (*datatypes.AuditResult, error) {
		builds.Add(1)
		return testResult(40), nil
	}

	for i := 0; i < 3; i++ {
		_, source, err := cache.GetOrBuild(ctx, "fp", build)
		if err != nil {
			t.Fatalf("GetOrBuild() error = %v", err)
		}
		if source != SourceBuilt {
			t.Errorf("disabled cache source = %v, want built", source)
		}
	}
	if n := builds.Load(); n != 3 {
		t.Errorf("build ran %d times, want 3", n)
	}
}

func TestCache_GetOrBuild_ContextCanceled(t *testing.T) {
	cache := NewCache(NewMemoryBackend(4, time.Hour), true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		<-started
		cancel()
	}()

	_, _, err := cache.GetOrBuild(ctx, "slow", func(ctx context.Context) (*datatypes.AuditResult, error) {
		close(started)
		<-release
		return testResult(10), nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("GetOrBuild() error = %v, want context.Canceled", err)
	}
}

func TestSource_CacheHit(t *testing.T) {
	tests := []struct {
		source Source
		want   bool
	}{
		{SourceBuilt, false},
		{SourceHit, true},
		{SourceShared, true},
	}
	for _, tt := range tests {
		t.Run(tt.source.String(), func(t *testing.T) {
			if got := tt.source.CacheHit(); got != tt.want {
				t.Errorf("CacheHit() = %v, want %v", got, tt.want)
			}
		})
	}
}
