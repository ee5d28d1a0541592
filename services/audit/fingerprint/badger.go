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
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianAudit/pkg/storage/badger"
	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

// keyPrefix namespaces cache entries inside the shared database.
const keyPrefix = "audit/result/"

// BadgerBackend is a durable cache backend over BadgerDB.
//
// Entries carry Badger-native TTLs, so expiry survives restarts along
// with the entries themselves. Durability is best-effort: corruption or
// IO failure degrades to cache misses, never to request failures.
//
// Thread Safety: Safe for concurrent use.
type BadgerBackend struct {
	db     *badgerdb.DB
	maxAge time.Duration
	logger *slog.Logger

	// gcStop ends the value-log GC ticker; gcDone confirms it exited.
	gcStop chan struct{}
	gcDone chan struct{}
}

// NewBadgerBackend opens a durable cache at dir.
//
// Inputs:
//
//	dir - Database directory, created if absent.
//	maxAge - Per-entry TTL.
//	logger - Logger for backend events. If nil, uses slog.Default().
//
// Outputs:
//
//	*BadgerBackend - The backend. Caller must Close().
//	error - Non-nil if the database cannot be opened.
func NewBadgerBackend(dir string, maxAge time.Duration, logger *slog.Logger) (*BadgerBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := badger.DefaultConfig()
	cfg.Path = dir
	cfg.Logger = logger.With(slog.String("component", "cache_badger"))

	db, err := badger.Open(cfg)
	if err != nil {
		return nil, err
	}
	b := &BadgerBackend{
		db:     db,
		maxAge: maxAge,
		logger: cfg.Logger,
	}
	if cfg.GCInterval > 0 {
		b.gcStop = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

// gcLoop reclaims value-log space for expired entries until Close.
func (b *BadgerBackend) gcLoop(interval time.Duration, discardRatio float64) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := badger.RunGC(b.db, discardRatio); err != nil {
				b.logger.Warn("durable cache GC failed",
					slog.String("error", err.Error()),
				)
			}
		case <-b.gcStop:
			return
		}
	}
}

// Lookup retrieves a cached result.
func (b *BadgerBackend) Lookup(ctx context.Context, key string) (*datatypes.AuditResult, bool) {
	var result datatypes.AuditResult
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &result)
		})
	})
	if err != nil {
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			b.logger.Warn("durable cache lookup failed",
				slog.String("key", truncateKey(key)),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	if err := result.Validate(); err != nil {
		b.logger.Warn("durable cache entry invalid, dropping",
			slog.String("key", truncateKey(key)),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return &result, true
}

// Store caches a result with the backend TTL.
func (b *BadgerBackend) Store(ctx context.Context, key string, result *datatypes.AuditResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry([]byte(keyPrefix+key), data).WithTTL(b.maxAge)
		return txn.SetEntry(entry)
	})
}

// Close stops the GC ticker and closes the underlying database.
func (b *BadgerBackend) Close() error {
	if b.gcStop != nil {
		close(b.gcStop)
		<-b.gcDone
		b.gcStop = nil
	}
	return b.db.Close()
}

// Ensure BadgerBackend implements Backend.
var _ Backend = (*BadgerBackend)(nil)
