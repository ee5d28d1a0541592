// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package driver executes single auditor subprocess invocations:
// spawn, deadline, graceful-then-forcible termination, and output
// parsing. The driver performs zero automatic retries; degradation
// policy lives with the caller.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

// =============================================================================
// Invocation
// =============================================================================

// Invocation carries everything for one auditor run.
type Invocation struct {
	// SubmissionText is the normalized submission to audit.
	SubmissionText string `json:"submission_text"`

	// ContextPack is repository context prepared by the caller.
	ContextPack string `json:"context_pack,omitempty"`

	// Rubric lists the weighted scoring dimensions.
	Rubric []datatypes.RubricItem `json:"rubric"`

	// Budget is the resource envelope for this run.
	Budget datatypes.Budget `json:"budget"`

	// Judges optionally names the judge models to use.
	Judges []string `json:"judges,omitempty"`

	// Task is an optional free-form task description.
	Task string `json:"task,omitempty"`

	// Scope constrains what the auditor examines (diff/paths/workspace).
	Scope string `json:"scope,omitempty"`

	// ExternalContextID is the long-lived auditor context handle, when
	// one is active for the session.
	ExternalContextID string `json:"external_context_id,omitempty"`
}

// =============================================================================
// Driver
// =============================================================================

// Config configures the Driver.
type Config struct {
	// Executable is the auditor binary name or path.
	Executable string

	// Timeout is the per-audit wall-clock deadline.
	Timeout time.Duration

	// GraceWindow is the SIGTERM-to-SIGKILL window (<= 2s).
	GraceWindow time.Duration

	// MaxOutputBytes caps captured stdout and stderr.
	MaxOutputBytes int

	// WorkingDir is the auditor's working directory.
	WorkingDir string

	// AllowEnv lists environment variables passed through beyond PATH.
	AllowEnv []string
}

// Driver executes exactly one auditor invocation end-to-end.
//
// Thread Safety: Safe for concurrent use. Each Run creates its own
// process and temp files.
type Driver struct {
	config Config
	logger *slog.Logger
}

// New creates a Driver.
//
// Inputs:
//
//	config - Driver configuration. Executable is required.
//	logger - Logger for structured logging. If nil, uses slog.Default().
//
// Outputs:
//
//	*Driver - The configured driver.
func New(config Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if config.GraceWindow <= 0 || config.GraceWindow > 2*time.Second {
		config.GraceWindow = 2 * time.Second
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = 4 << 20
	}
	return &Driver{
		config: config,
		logger: logger.With(slog.String("component", "auditor_driver")),
	}
}

// Run executes one auditor invocation.
//
// Description:
//
//	Resolves the executable, writes the invocation payload to a temp
//	file, and runs the auditor with a pared environment and closed
//	stdin. On deadline expiry the process receives SIGTERM, then
//	SIGKILL after the grace window; partial stdout is attempted-parsed
//	and a synthetic revise/50 result is returned if parsing fails.
//
// Inputs:
//
//	ctx - Context for cancellation. The configured timeout is applied
//	      on top of any caller deadline.
//	inv - The invocation to execute.
//
// Outputs:
//
//	*datatypes.AuditResult - The result. Non-nil alongside
//	    ErrAuditorTimeout (partial or synthetic result).
//	error - ErrAuditorUnavailable, ErrAuditorTimeout,
//	    ErrAuditorParseError, or ErrAuditorCrash.
//
// Thread Safety: Safe for concurrent use.
func (d *Driver) Run(ctx context.Context, inv Invocation) (*datatypes.AuditResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	path, err := exec.LookPath(d.config.Executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAuditorUnavailable, d.config.Executable, err)
	}

	requestFile, cleanup, err := d.writeRequestFile(inv)
	if err != nil {
		return nil, fmt.Errorf("%w: write request: %v", ErrAuditorUnavailable, err)
	}
	defer cleanup()

	runCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	args := []string{"audit", "--request-file", requestFile}
	if inv.ExternalContextID != "" {
		args = append(args, "--context-id", inv.ExternalContextID)
	}

	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Dir = d.config.WorkingDir
	cmd.Env = d.paredEnv()
	cmd.Stdin = nil // stdin is closed by contract

	// Graceful termination on deadline, forcible after the grace window.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = d.config.GraceWindow

	var stdout, stderr bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdout, limit: d.config.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderr, limit: d.config.MaxOutputBytes}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	start := time.Now()
	d.logger.Debug("Invoking auditor",
		slog.String("executable", path),
		slog.Duration("timeout", d.config.Timeout),
		slog.Bool("external_context", inv.ExternalContextID != ""),
	)

	runErr := cmd.Run()
	duration := time.Since(start)

	// Deadline expiry: retain partial stdout and attempt a parse.
	if runCtx.Err() == context.DeadlineExceeded {
		d.logger.Warn("Auditor timed out",
			slog.Duration("timeout", d.config.Timeout),
			slog.Int("partial_stdout_bytes", stdout.Len()),
		)
		if result, parseErr := ParseResult(stdout.String()); parseErr == nil {
			return result, ErrAuditorTimeout
		}
		return datatypes.SyntheticTimeoutResult(), ErrAuditorTimeout
	}
	if ctx.Err() != nil {
		// Caller cancellation, not the audit deadline.
		return nil, ctx.Err()
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("%w: %v", ErrAuditorUnavailable, runErr)
		}
		// Non-zero exit: the output may still carry a result.
		if result, parseErr := ParseResult(stdout.String()); parseErr == nil {
			d.logger.Warn("Auditor exited non-zero with parseable output",
				slog.Int("exit_code", exitErr.ExitCode()),
			)
			return result, nil
		}
		return nil, fmt.Errorf("%w: exit code %d, stderr tail: %q",
			ErrAuditorCrash, exitErr.ExitCode(), tail(stderr.String(), 512))
	}

	result, parseErr := ParseResult(stdout.String())
	if parseErr != nil {
		d.logger.Error("Auditor output unparseable",
			slog.Int("stdout_bytes", stdout.Len()),
			slog.Bool("stdout_truncated", stdoutLimited.truncated),
		)
		return nil, parseErr
	}

	d.logger.Info("Audit completed",
		slog.Int("overall_score", result.OverallScore),
		slog.String("verdict", result.Verdict.String()),
		slog.Duration("duration", duration),
		slog.Int("inline_comments", len(result.InlineComments)),
	)
	return result, nil
}

// writeRequestFile marshals the invocation into a temp file.
func (d *Driver) writeRequestFile(inv Invocation) (string, func(), error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return "", nil, err
	}

	f, err := os.CreateTemp("", "gan-audit-*.json")
	if err != nil {
		return "", nil, err
	}
	name := f.Name()
	cleanup := func() { _ = os.Remove(name) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return name, cleanup, nil
}

// paredEnv builds the auditor's environment: PATH always passes,
// allow-listed variables pass, everything else is stripped.
func (d *Driver) paredEnv() []string {
	allowed := map[string]bool{"PATH": true, "HOME": true, "TMPDIR": true}
	for _, name := range d.config.AllowEnv {
		allowed[name] = true
	}

	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && allowed[name] {
			env = append(env, kv)
		}
	}
	return env
}

// WorkingDir returns the configured auditor working directory,
// defaulting to the process working directory.
func (d *Driver) WorkingDir() string {
	if d.config.WorkingDir != "" {
		return d.config.WorkingDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return filepath.Clean(wd)
}

// =============================================================================
// Limited Writer
// =============================================================================

// limitedWriter wraps a writer with a size limit.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	full := len(p)
	if lw.written >= lw.limit {
		lw.truncated = true
		return full, nil // Silently discard
	}

	remaining := lw.limit - lw.written
	if len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}

	n, err = lw.w.Write(p)
	lw.written += n
	if err != nil {
		return n, err
	}
	// Report the full length so callers never see a short write.
	return full, nil
}
