// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session stores per-session improvement trajectories as one
// JSON file per session under the state directory.
//
// Writes are atomic: serialize to a temp file in the same directory,
// fsync, rename over the target. A crash between iterations loses at
// most the in-flight iteration. Corrupt state files are quarantined
// and surfaced as typed errors; they are never silently overwritten.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

// safeFileName matches session ids usable directly as file names.
var safeFileName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Config configures the Store.
type Config struct {
	// StateDir is the session state directory, created on first use.
	StateDir string

	// Persist enables fsync on writes. When false, writes skip fsync
	// (testing only).
	Persist bool

	// MaxConcurrent caps live (non-complete) sessions.
	MaxConcurrent int

	// MaxAge is the idle age past which the sweeper removes sessions.
	MaxAge time.Duration

	// SweepInterval is how often the sweeper runs. Zero disables it.
	SweepInterval time.Duration
}

// entry pairs a cached session with its own lock so sessions mutate
// independently.
type entry struct {
	mu   sync.Mutex
	sess *datatypes.Session
}

// Store is the durable session store.
//
// Thread Safety: Safe for concurrent use. Each session serializes its
// own mutations; distinct sessions proceed in parallel.
type Store struct {
	config Config
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates a Store and ensures the state directory exists.
//
// Inputs:
//
//	config - Store configuration.
//	logger - Logger for structured logging. If nil, uses slog.Default().
//
// Outputs:
//
//	*Store - The store.
//	error - Non-nil if the state directory cannot be created.
func NewStore(config Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.StateDir == "" {
		return nil, datatypes.NewError(datatypes.KindConfigInvalid, "session state dir is empty")
	}
	if err := os.MkdirAll(config.StateDir, 0750); err != nil {
		return nil, fmt.Errorf("create session state dir %s: %w", config.StateDir, err)
	}
	return &Store{
		config:  config,
		logger:  logger.With(slog.String("component", "session_store")),
		entries: make(map[string]*entry),
		now:     time.Now,
	}, nil
}

// =============================================================================
// Lookup and Creation
// =============================================================================

// GetOrCreate returns the session with the given id, loading it from
// disk if needed, or creates a fresh one.
//
// Description:
//
//	An empty id creates a session with a generated UUID. Creation is
//	refused with KindSessionLimit when the live-session cap is
//	reached. A corrupt on-disk state file is quarantined (renamed
//	aside) and reported as KindSessionCorrupt rather than silently
//	replaced.
//
// Inputs:
//
//	ctx - Context for cancellation (reserved; loads are local IO).
//	id - The session id, or empty to generate one.
//
// Outputs:
//
//	*datatypes.Session - A snapshot of the session.
//	bool - True when the session was newly created.
//	error - KindSessionLimit, KindSessionCorrupt, or IO failure.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) GetOrCreate(ctx context.Context, id string) (*datatypes.Session, bool, error) {
	if id == "" {
		id = uuid.NewString()
	}

	if e := s.lookup(id); e != nil {
		e.mu.Lock()
		snap := snapshot(e.sess)
		e.mu.Unlock()
		return snap, false, nil
	}

	// Not in memory: try disk, then create.
	loaded, err := s.loadFromDisk(id)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the write lock; another caller may have won.
	if e, ok := s.entries[id]; ok {
		e.mu.Lock()
		snap := snapshot(e.sess)
		e.mu.Unlock()
		return snap, false, nil
	}

	if loaded != nil {
		s.entries[id] = &entry{sess: loaded}
		s.logger.Info("Session resumed from disk",
			slog.String("session_id", id),
			slog.Int("current_loop", loaded.CurrentLoop),
		)
		return snapshot(loaded), false, nil
	}

	if s.liveCountLocked() >= s.config.MaxConcurrent {
		return nil, false, datatypes.NewError(datatypes.KindSessionLimit,
			fmt.Sprintf("live session cap %d reached", s.config.MaxConcurrent))
	}

	now := s.now().UTC()
	sess := &datatypes.Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.persistLocked(sess); err != nil {
		return nil, false, err
	}
	s.entries[id] = &entry{sess: sess}
	s.logger.Info("Session created", slog.String("session_id", id))
	return snapshot(sess), true, nil
}

// Get returns a snapshot of an existing session.
func (s *Store) Get(ctx context.Context, id string) (*datatypes.Session, error) {
	if e := s.lookup(id); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return snapshot(e.sess), nil
	}

	loaded, err := s.loadFromDisk(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, datatypes.NewError(datatypes.KindSessionNotFound,
				fmt.Sprintf("session %s not found", id))
		}
		return nil, err
	}

	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		s.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return snapshot(e.sess), nil
	}
	s.entries[id] = &entry{sess: loaded}
	s.mu.Unlock()
	return snapshot(loaded), nil
}

// =============================================================================
// Mutation
// =============================================================================

// AppendIteration appends one iteration record and persists.
//
// Description:
//
//	Appending to a complete session fails with KindSessionComplete;
//	completion is absorbing. CurrentLoop advances in lockstep with the
//	iteration log.
//
// Outputs:
//
//	*datatypes.Session - Snapshot after the append.
//	error - KindSessionNotFound, KindSessionComplete, or IO failure.
func (s *Store) AppendIteration(ctx context.Context, id string, rec datatypes.IterationRecord) (*datatypes.Session, error) {
	return s.mutate(id, func(sess *datatypes.Session) error {
		if sess.IsComplete {
			return datatypes.NewError(datatypes.KindSessionComplete,
				fmt.Sprintf("session %s is complete (%s)", id, sess.CompletionReason))
		}
		if rec.SubmittedAt.IsZero() {
			rec.SubmittedAt = s.now().UTC()
		}
		sess.Iterations = append(sess.Iterations, rec)
		sess.CurrentLoop = len(sess.Iterations)
		return nil
	})
}

// MarkComplete marks the session terminal with the given reason.
// Idempotent: marking an already-complete session keeps the original
// reason and succeeds.
func (s *Store) MarkComplete(ctx context.Context, id string, reason datatypes.CompletionReason, info *datatypes.StagnationInfo) (*datatypes.Session, error) {
	if !reason.Terminal() {
		return nil, datatypes.NewError(datatypes.KindInputInvalid,
			fmt.Sprintf("completion reason %q is not terminal", reason))
	}
	return s.mutate(id, func(sess *datatypes.Session) error {
		if sess.IsComplete {
			return nil
		}
		sess.IsComplete = true
		sess.CompletionReason = reason
		if info != nil {
			sess.StagnationInfo = info
		}
		return nil
	})
}

// SetExternalContext records an active external auditor context.
func (s *Store) SetExternalContext(ctx context.Context, id, contextID, loopID string) (*datatypes.Session, error) {
	if contextID == "" {
		return nil, datatypes.NewError(datatypes.KindContextLifecycle, "context id is empty")
	}
	return s.mutate(id, func(sess *datatypes.Session) error {
		if sess.ExternalContextActive && sess.ExternalContextID != contextID {
			return datatypes.NewError(datatypes.KindContextLifecycle,
				fmt.Sprintf("session %s already has active context %s", id, sess.ExternalContextID))
		}
		sess.ExternalContextActive = true
		sess.ExternalContextID = contextID
		if loopID != "" {
			sess.ExternalLoopID = loopID
		}
		return nil
	})
}

// ClearExternalContext marks the external context terminated. The
// context id is retained for the session's records.
func (s *Store) ClearExternalContext(ctx context.Context, id string) (*datatypes.Session, error) {
	return s.mutate(id, func(sess *datatypes.Session) error {
		sess.ExternalContextActive = false
		return nil
	})
}

// mutate applies fn to the session under its lock and persists.
func (s *Store) mutate(id string, fn func(*datatypes.Session) error) (*datatypes.Session, error) {
	e := s.lookup(id)
	if e == nil {
		// Fault in from disk so mutations work across restarts.
		if _, err := s.Get(context.Background(), id); err != nil {
			return nil, err
		}
		e = s.lookup(id)
		if e == nil {
			return nil, datatypes.NewError(datatypes.KindSessionNotFound,
				fmt.Sprintf("session %s not found", id))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := fn(e.sess); err != nil {
		return nil, err
	}
	e.sess.UpdatedAt = s.now().UTC()

	if err := e.sess.Validate(); err != nil {
		return nil, datatypes.WrapError(datatypes.KindSessionCorrupt,
			fmt.Sprintf("session %s failed invariants after mutation", id), err)
	}
	if err := s.persistLocked(e.sess); err != nil {
		return nil, err
	}
	return snapshot(e.sess), nil
}

// =============================================================================
// Removal and Sweeping
// =============================================================================

// Purge removes a session from memory and disk.
//
// Outputs:
//
//	error - KindSessionNotFound when neither memory nor disk has it.
func (s *Store) Purge(ctx context.Context, id string) error {
	s.mu.Lock()
	_, inMemory := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	err := os.Remove(s.pathFor(id))
	if errors.Is(err, fs.ErrNotExist) {
		if !inMemory {
			return datatypes.NewError(datatypes.KindSessionNotFound,
				fmt.Sprintf("session %s not found", id))
		}
		err = nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("Session purged", slog.String("session_id", id))
	return nil
}

// StartSweeper launches the TTL sweeper goroutine. It stops when ctx
// is canceled. No-op when SweepInterval or MaxAge is zero.
func (s *Store) StartSweeper(ctx context.Context) {
	if s.config.SweepInterval <= 0 || s.config.MaxAge <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// sweep removes sessions idle past MaxAge, memory and disk both.
func (s *Store) sweep() {
	cutoff := s.now().UTC().Add(-s.config.MaxAge)
	removed := 0

	s.mu.Lock()
	var stale []string
	for id, e := range s.entries {
		e.mu.Lock()
		if e.sess.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	for _, id := range stale {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	for _, id := range stale {
		if err := os.Remove(s.pathFor(id)); err == nil || errors.Is(err, fs.ErrNotExist) {
			removed++
		}
	}

	// On-disk files never faulted into memory this run.
	matches, _ := filepath.Glob(filepath.Join(s.config.StateDir, "*.json"))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("Session sweep complete",
			slog.Int("removed", removed),
			slog.Duration("max_age", s.config.MaxAge),
		)
	}
}

// =============================================================================
// Stats
// =============================================================================

// Stats summarizes the store for health endpoints.
type Stats struct {
	// Loaded counts sessions resident in memory.
	Loaded int `json:"loaded"`

	// Live counts loaded sessions that are not complete.
	Live int `json:"live"`
}

// Snapshot returns current store statistics.
func (s *Store) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Loaded: len(s.entries), Live: s.liveCountLocked()}
}

// Summary is one session's listing entry; the iteration log is elided.
type Summary struct {
	// ID is the session identifier.
	ID string `json:"id"`

	// CurrentLoop is the session's loop count.
	CurrentLoop int `json:"current_loop"`

	// IsComplete marks terminal sessions.
	IsComplete bool `json:"is_complete"`

	// CompletionReason is set for terminal sessions.
	CompletionReason datatypes.CompletionReason `json:"completion_reason,omitempty"`

	// UpdatedAt is the last mutation time (UTC).
	UpdatedAt time.Time `json:"updated_at"`
}

// Summaries lists loaded sessions sorted by most recent activity.
func (s *Store) Summaries() []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		out = append(out, Summary{
			ID:               e.sess.ID,
			CurrentLoop:      e.sess.CurrentLoop,
			IsComplete:       e.sess.IsComplete,
			CompletionReason: e.sess.CompletionReason,
			UpdatedAt:        e.sess.UpdatedAt,
		})
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// liveCountLocked counts non-complete sessions; caller holds mu.
func (s *Store) liveCountLocked() int {
	live := 0
	for _, e := range s.entries {
		e.mu.Lock()
		if !e.sess.IsComplete {
			live++
		}
		e.mu.Unlock()
	}
	return live
}

// =============================================================================
// Persistence
// =============================================================================

// pathFor maps a session id to its state file path. Unsafe ids fall
// back to a UUID-v5 digest of the id so any client string is storable.
func (s *Store) pathFor(id string) string {
	name := id
	if !safeFileName.MatchString(id) {
		name = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	}
	return filepath.Join(s.config.StateDir, name+".json")
}

// lookup returns the in-memory entry for id, or nil.
func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// loadFromDisk reads and validates one session file. Corrupt files are
// renamed aside and reported as KindSessionCorrupt.
func (s *Store) loadFromDisk(id string) (*datatypes.Session, error) {
	path := s.pathFor(id)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var sess datatypes.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, s.quarantine(id, path, err)
	}
	if err := sess.Validate(); err != nil {
		return nil, s.quarantine(id, path, err)
	}
	if sess.ID != id {
		return nil, s.quarantine(id, path, fmt.Errorf("file claims session %s", sess.ID))
	}
	return &sess, nil
}

// quarantine renames a corrupt state file aside so it is preserved for
// inspection and never silently overwritten.
func (s *Store) quarantine(id, path string, cause error) error {
	quarantined := fmt.Sprintf("%s.corrupt-%d", path, s.now().UTC().Unix())
	if err := os.Rename(path, quarantined); err != nil {
		s.logger.Error("Failed to quarantine corrupt session file",
			slog.String("session_id", id),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Error("Corrupt session file quarantined",
			slog.String("session_id", id),
			slog.String("quarantined_as", quarantined),
		)
	}
	return datatypes.WrapError(datatypes.KindSessionCorrupt,
		fmt.Sprintf("session %s state file is corrupt", id), cause)
}

// persistLocked writes the session atomically; caller holds the
// session's lock (or is creating it under the registry lock).
func (s *Store) persistLocked(sess *datatypes.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}

	path := s.pathFor(sess.ID)
	tmp, err := os.CreateTemp(s.config.StateDir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if s.config.Persist {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("fsync temp state file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename state file into place: %w", err)
	}
	return nil
}

// snapshot deep-copies a session so callers cannot mutate store state.
func snapshot(sess *datatypes.Session) *datatypes.Session {
	out := *sess
	out.Iterations = make([]datatypes.IterationRecord, len(sess.Iterations))
	copy(out.Iterations, sess.Iterations)
	if sess.StagnationInfo != nil {
		info := *sess.StagnationInfo
		out.StagnationInfo = &info
	}
	return &out
}
