// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loopctx manages the lifecycle of long-lived external auditor
// contexts, keyed by the client-supplied loop id.
//
// Start and Terminate are exactly-once per loop; Maintain is idempotent
// and cheap. A context that is started but never terminated is a leak;
// the manager tracks and reports leaks on shutdown.
package loopctx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

// state tracks one external context.
type state struct {
	handleID   string
	startedAt  time.Time
	lastSeen   time.Time
	maintained int
	terminated bool
	reason     datatypes.CompletionReason
}

// Manager owns external auditor context handles.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	contexts map[string]*state

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With(slog.String("component", "loop_context")),
		contexts: make(map[string]*state),
		now:      time.Now,
	}
}

// Start opens an external context for the loop id.
//
// Description:
//
//	Exactly-once: starting an already-started loop fails with
//	KindContextLifecycle. The returned handle id is opaque and is
//	handed to the auditor on every invocation for the session.
//
// Outputs:
//
//	string - The context handle id.
//	error - KindContextLifecycle on double start or empty loop id.
func (m *Manager) Start(ctx context.Context, loopID string) (string, error) {
	if loopID == "" {
		return "", datatypes.NewError(datatypes.KindContextLifecycle, "loop id is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.contexts[loopID]; ok && !st.terminated {
		return "", datatypes.NewError(datatypes.KindContextLifecycle,
			fmt.Sprintf("context for loop %s already started", loopID))
	}

	handle := uuid.NewString()
	now := m.now().UTC()
	m.contexts[loopID] = &state{handleID: handle, startedAt: now, lastSeen: now}

	m.logger.Info("External context started",
		slog.String("loop_id", loopID),
		slog.String("handle_id", handle),
	)
	return handle, nil
}

// Maintain refreshes liveness book-keeping for an active context.
// Idempotent; safe to call on every iteration.
//
// Outputs:
//
//	error - KindContextLifecycle when the loop is unknown, terminated,
//	    or the handle does not match.
func (m *Manager) Maintain(ctx context.Context, loopID, handleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.contexts[loopID]
	if !ok {
		return datatypes.NewError(datatypes.KindContextLifecycle,
			fmt.Sprintf("no context for loop %s", loopID))
	}
	if st.terminated {
		return datatypes.NewError(datatypes.KindContextLifecycle,
			fmt.Sprintf("context for loop %s already terminated", loopID))
	}
	if st.handleID != handleID {
		return datatypes.NewError(datatypes.KindContextLifecycle,
			fmt.Sprintf("handle mismatch for loop %s", loopID))
	}

	st.lastSeen = m.now().UTC()
	st.maintained++
	return nil
}

// Terminate closes the context for the loop id.
//
// Description:
//
//	Exactly-once: terminating an unknown or already-terminated loop
//	fails with KindContextLifecycle. Terminate must run whether the
//	session completed or was killed; skipping it leaks the context.
func (m *Manager) Terminate(ctx context.Context, loopID string, reason datatypes.CompletionReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.contexts[loopID]
	if !ok {
		return datatypes.NewError(datatypes.KindContextLifecycle,
			fmt.Sprintf("no context for loop %s", loopID))
	}
	if st.terminated {
		return datatypes.NewError(datatypes.KindContextLifecycle,
			fmt.Sprintf("context for loop %s already terminated", loopID))
	}

	st.terminated = true
	st.reason = reason

	m.logger.Info("External context terminated",
		slog.String("loop_id", loopID),
		slog.String("handle_id", st.handleID),
		slog.String("reason", reason.String()),
		slog.Int("maintain_calls", st.maintained),
		slog.Duration("lifetime", m.now().UTC().Sub(st.startedAt)),
	)
	return nil
}

// Active reports whether the loop has a live (started, not terminated)
// context, and its handle.
func (m *Manager) Active(loopID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.contexts[loopID]
	if !ok || st.terminated {
		return "", false
	}
	return st.handleID, true
}

// Leaks returns loop ids with contexts started but never terminated.
func (m *Manager) Leaks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var leaked []string
	for loopID, st := range m.contexts {
		if !st.terminated {
			leaked = append(leaked, loopID)
		}
	}
	return leaked
}

// Close reports leaked contexts. Returns the leak count so callers can
// surface it in shutdown diagnostics.
func (m *Manager) Close() int {
	leaks := m.Leaks()
	for _, loopID := range leaks {
		m.logger.Error("External context leaked (never terminated)",
			slog.String("loop_id", loopID),
		)
	}
	return len(leaks)
}
