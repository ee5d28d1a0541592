// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package driver

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// probeTimeout bounds a single availability probe.
const probeTimeout = 2 * time.Second

// probeCacheTTL is how long a probe result stays fresh.
const probeCacheTTL = 30 * time.Second

// Prober checks auditor availability without running a full audit.
//
// Probe results are cached for a short window and probes are
// rate-limited, so health endpoints cannot fork-bomb the host.
//
// Thread Safety: Safe for concurrent use.
type Prober struct {
	executable string
	logger     *slog.Logger
	limiter    *rate.Limiter

	mu        sync.Mutex
	checkedAt time.Time
	available bool
	version   string

	// now is swappable for tests.
	now func() time.Time
}

// NewProber creates a Prober for the given executable.
func NewProber(executable string, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		executable: executable,
		logger:     logger.With(slog.String("component", "auditor_probe")),
		limiter:    rate.NewLimiter(rate.Every(time.Second), 2),
		now:        time.Now,
	}
}

// IsAvailable reports whether the auditor executable responds to a
// version probe.
//
// Description:
//
//	Returns the cached answer when it is fresh. Otherwise runs
//	`<executable> --version` under a short deadline, subject to the
//	probe rate limit. When the limiter denies a probe, the stale
//	cached answer is returned rather than blocking.
//
// Inputs:
//
//	ctx - Context for cancellation.
//
// Outputs:
//
//	bool - True when the probe (or fresh cache) says available.
//
// Thread Safety: Safe for concurrent use.
func (p *Prober) IsAvailable(ctx context.Context) bool {
	p.mu.Lock()
	if p.now().Sub(p.checkedAt) < probeCacheTTL && !p.checkedAt.IsZero() {
		available := p.available
		p.mu.Unlock()
		return available
	}
	p.mu.Unlock()

	if !p.limiter.Allow() {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.available
	}

	available, version := p.probe(ctx)

	p.mu.Lock()
	p.checkedAt = p.now()
	p.available = available
	p.version = version
	p.mu.Unlock()

	return available
}

// Version returns the auditor's reported version string, probing if
// nothing fresh is cached. Empty when the auditor is unavailable.
func (p *Prober) Version(ctx context.Context) string {
	p.IsAvailable(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// probe runs the version command once.
func (p *Prober) probe(ctx context.Context) (bool, string) {
	path, err := exec.LookPath(p.executable)
	if err != nil {
		p.logger.Debug("Auditor executable not on PATH",
			slog.String("executable", p.executable),
		)
		return false, ""
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, path, "--version")
	cmd.Stdin = nil

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		p.logger.Warn("Auditor version probe failed",
			slog.String("executable", path),
			slog.String("error", err.Error()),
		)
		return false, ""
	}

	version := strings.TrimSpace(out.String())
	if idx := strings.IndexByte(version, '\n'); idx >= 0 {
		version = version[:idx]
	}
	return true, version
}
