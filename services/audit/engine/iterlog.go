// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// IterationLogLine is one JSONL record in the per-day audit log.
type IterationLogLine struct {
	Timestamp     time.Time `json:"ts"`
	SessionID     string    `json:"session_id"`
	ThoughtNumber int       `json:"thought_number"`
	Fingerprint   string    `json:"fingerprint"`
	Score         int       `json:"score"`
	Verdict       string    `json:"verdict"`
	CacheHit      bool      `json:"cache_hit"`
	AuditError    string    `json:"audit_error,omitempty"`
	Gated         bool      `json:"gated,omitempty"`
	Complete      bool      `json:"complete"`
	Reason        string    `json:"reason,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
}

// iterationLog appends JSONL iteration records to {log_dir}/audit/,
// rotating the file by UTC day.
//
// Failures are logged and swallowed; the audit log is diagnostics, not
// a system of record.
//
// Thread Safety: Safe for concurrent use.
type iterationLog struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	file    *os.File
	fileDay string

	now func() time.Time
}

// newIterationLog creates the log writer. Returns nil when dir is
// empty (logging disabled).
func newIterationLog(dir string, logger *slog.Logger) *iterationLog {
	if dir == "" {
		return nil
	}
	return &iterationLog{
		dir:    filepath.Join(dir, "audit"),
		logger: logger.With(slog.String("component", "iteration_log")),
		now:    time.Now,
	}
}

// Write appends one record. Nil receivers are a no-op so callers never
// branch on whether logging is enabled.
func (l *iterationLog) Write(line IterationLogLine) {
	if l == nil {
		return
	}
	if line.Timestamp.IsZero() {
		line.Timestamp = l.now().UTC()
	}

	data, err := json.Marshal(line)
	if err != nil {
		l.logger.Warn("Failed to marshal iteration log line",
			slog.String("error", err.Error()))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateLocked(line.Timestamp); err != nil {
		l.logger.Warn("Failed to open iteration log file",
			slog.String("error", err.Error()))
		return
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		l.logger.Warn("Failed to append iteration log line",
			slog.String("error", err.Error()))
	}
}

// rotateLocked opens the file for the record's UTC day if needed.
func (l *iterationLog) rotateLocked(ts time.Time) error {
	day := ts.UTC().Format("2006-01-02")
	if l.file != nil && l.fileDay == day {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if err := os.MkdirAll(l.dir, 0750); err != nil {
		return fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(l.dir, day+".jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return err
	}
	l.file = f
	l.fileDay = day
	return nil
}

// Close closes the current log file.
func (l *iterationLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
