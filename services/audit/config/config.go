// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the audit service configuration.
//
// Priority: environment variables > config file > defaults. The loaded
// Config is immutable after Load returns; components receive it by
// value and never mutate it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

// =============================================================================
// Configuration Types
// =============================================================================

// Tier is one (score threshold, loop cap) completion rule.
type Tier struct {
	// Score is the inclusive minimum overall score.
	Score int `json:"score" yaml:"score"`

	// Loops is the inclusive maximum loop count.
	Loops int `json:"loops" yaml:"loops"`
}

// Config is the full service configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after Load.
type Config struct {
	// Auditor contains auditor subprocess settings.
	Auditor AuditorConfig `json:"auditor" yaml:"auditor"`

	// Queue contains work queue settings.
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// Sessions contains session store settings.
	Sessions SessionConfig `json:"sessions" yaml:"sessions"`

	// Completion contains tiered completion settings.
	Completion CompletionConfig `json:"completion" yaml:"completion"`

	// Stagnation contains stagnation detector settings.
	Stagnation StagnationConfig `json:"stagnation" yaml:"stagnation"`

	// Cache contains fingerprint cache settings.
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Feedback contains response assembly settings.
	Feedback FeedbackConfig `json:"feedback" yaml:"feedback"`

	// HTTPAddr enables the optional health/stats HTTP listener when
	// non-empty (e.g. "127.0.0.1:8931").
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`

	// LogDir enables per-iteration JSONL audit logging when non-empty.
	LogDir string `json:"log_dir" yaml:"log_dir"`
}

// AuditorConfig contains auditor subprocess settings.
type AuditorConfig struct {
	// Executable is the auditor binary path or name (resolved on PATH).
	Executable string `json:"executable" yaml:"executable"`

	// Timeout is the per-audit wall-clock deadline.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// GraceWindow is how long to wait after SIGTERM before SIGKILL.
	GraceWindow time.Duration `json:"grace_window" yaml:"grace_window"`

	// MaxOutputBytes caps captured stdout/stderr per invocation.
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes"`

	// WorkingDir is the auditor's working directory. Empty means the
	// service's own working directory.
	WorkingDir string `json:"working_dir" yaml:"working_dir"`

	// AllowEnv lists environment variable names passed through to the
	// auditor beyond PATH. Everything else is stripped.
	AllowEnv []string `json:"allow_env" yaml:"allow_env"`

	// Rubric is the default scoring rubric.
	Rubric []datatypes.RubricItem `json:"rubric" yaml:"rubric"`

	// Candidates is the default candidate count handed to the auditor.
	Candidates int `json:"candidates" yaml:"candidates"`
}

// QueueConfig contains work queue settings.
type QueueConfig struct {
	// MaxConcurrent is the auditor subprocess permit count.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`

	// WaitDeadline is the per-submit queue-wait deadline. Zero
	// disables the deadline.
	WaitDeadline time.Duration `json:"wait_deadline" yaml:"wait_deadline"`

	// Capacity bounds the number of queued-but-not-running jobs.
	Capacity int `json:"capacity" yaml:"capacity"`
}

// SessionConfig contains session store settings.
type SessionConfig struct {
	// StateDir is the session state directory.
	StateDir string `json:"state_dir" yaml:"state_dir"`

	// Persist enables the fsync path. When false, writes are
	// best-effort (testing only).
	Persist bool `json:"persist" yaml:"persist"`

	// MaxConcurrent caps live sessions; past it, new sessions are
	// refused with a typed error.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`

	// MaxAge is the sweep eligibility age for idle sessions.
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`

	// SweepInterval is how often the TTL sweeper runs. Zero disables.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// CompletionConfig contains tiered completion settings.
type CompletionConfig struct {
	// Tier1, Tier2, Tier3 are the tiered completion rules. They must
	// satisfy Tier1.Score >= Tier2.Score >= Tier3.Score and
	// Tier1.Loops <= Tier2.Loops <= Tier3.Loops <= HardStopLoops.
	Tier1 Tier `json:"tier1" yaml:"tier1"`
	Tier2 Tier `json:"tier2" yaml:"tier2"`
	Tier3 Tier `json:"tier3" yaml:"tier3"`

	// HardStopLoops is the absolute loop cap.
	HardStopLoops int `json:"hard_stop_loops" yaml:"hard_stop_loops"`

	// MaxCyclesCeiling is the server-side absolute ceiling that
	// per-session maxCycles overrides must respect.
	MaxCyclesCeiling int `json:"max_cycles_ceiling" yaml:"max_cycles_ceiling"`

	// TrendWindow is the progress-trend window size.
	TrendWindow int `json:"trend_window" yaml:"trend_window"`
}

// StagnationConfig contains stagnation detector settings.
type StagnationConfig struct {
	// Threshold is the similarity cutoff in (0, 1].
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// StartLoop is the activation floor; below it the detector always
	// reports no stagnation.
	StartLoop int `json:"start_loop" yaml:"start_loop"`

	// Window is how many prior submissions are compared.
	Window int `json:"window" yaml:"window"`
}

// CacheConfig contains fingerprint cache settings.
type CacheConfig struct {
	// Enabled toggles the cache entirely.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// MaxEntries bounds the LRU.
	MaxEntries int `json:"max_entries" yaml:"max_entries"`

	// MaxAge is the per-entry TTL.
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`

	// Dir switches the backend to BadgerDB at this path for
	// cross-restart durability. Empty keeps the in-memory LRU.
	Dir string `json:"dir" yaml:"dir"`
}

// FeedbackConfig contains response assembly settings.
type FeedbackConfig struct {
	// DetailLevel bounds payload size.
	DetailLevel datatypes.DetailLevel `json:"detail_level" yaml:"detail_level"`

	// MaxInlineComments caps inline comments at standard detail.
	MaxInlineComments int `json:"max_inline_comments" yaml:"max_inline_comments"`

	// CriticalIssueLimit is the top-K critical issues enumerated on
	// stagnation/hard-stop terminations.
	CriticalIssueLimit int `json:"critical_issue_limit" yaml:"critical_issue_limit"`
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns the default configuration.
func Default() Config {
	return Config{
		Auditor: AuditorConfig{
			Executable:     "gan-auditor",
			Timeout:        120 * time.Second,
			GraceWindow:    2 * time.Second,
			MaxOutputBytes: 4 << 20,
			Candidates:     1,
			Rubric: []datatypes.RubricItem{
				{Name: "correctness", Weight: 0.35},
				{Name: "security", Weight: 0.25},
				{Name: "maintainability", Weight: 0.20},
				{Name: "performance", Weight: 0.10},
				{Name: "style", Weight: 0.10},
			},
		},
		Queue: QueueConfig{
			MaxConcurrent: 1,
			WaitDeadline:  30 * time.Second,
			Capacity:      64,
		},
		Sessions: SessionConfig{
			StateDir:      ".mcp-gan-state",
			Persist:       true,
			MaxConcurrent: 256,
			MaxAge:        168 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Completion: CompletionConfig{
			Tier1:            Tier{Score: 95, Loops: 10},
			Tier2:            Tier{Score: 90, Loops: 15},
			Tier3:            Tier{Score: 85, Loops: 20},
			HardStopLoops:    25,
			MaxCyclesCeiling: 50,
			TrendWindow:      3,
		},
		Stagnation: StagnationConfig{
			Threshold: 0.95,
			StartLoop: 10,
			Window:    3,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 512,
			MaxAge:     time.Hour,
		},
		Feedback: FeedbackConfig{
			DetailLevel:        datatypes.DetailStandard,
			MaxInlineComments:  20,
			CriticalIssueLimit: 5,
		},
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load builds the configuration with priority env > file > defaults.
//
// Inputs:
//   - configPath: Optional YAML/JSON config file path. Empty skips.
//
// Outputs:
//   - Config: The merged, validated configuration.
//   - error: Non-nil if the file is unreadable or validation fails.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, datatypes.WrapError(datatypes.KindConfigInvalid, "invalid configuration", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("AUDITOR_EXECUTABLE"); v != "" {
		cfg.Auditor.Executable = v
	}
	if v := os.Getenv("AUDIT_TIMEOUT_SECONDS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Auditor.Timeout = time.Duration(i) * time.Second
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_AUDITS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxConcurrent = i
		}
	}
	if v := os.Getenv("AUDIT_QUEUE_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.WaitDeadline = d
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_SESSIONS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Sessions.MaxConcurrent = i
		}
	}
	if v := os.Getenv("SESSION_STATE_DIR"); v != "" {
		cfg.Sessions.StateDir = v
	}
	if v := os.Getenv("SESSION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sessions.MaxAge = d
		}
	}
	if v := os.Getenv("ENABLE_SESSION_PERSISTENCE"); v != "" {
		cfg.Sessions.Persist = v == "true" || v == "1"
	}

	loadTierEnv("TIER1", &cfg.Completion.Tier1)
	loadTierEnv("TIER2", &cfg.Completion.Tier2)
	loadTierEnv("TIER3", &cfg.Completion.Tier3)
	if v := os.Getenv("HARD_STOP_LOOPS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Completion.HardStopLoops = i
		}
	}
	if v := os.Getenv("PROGRESS_TREND_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Completion.TrendWindow = i
		}
	}

	if v := os.Getenv("STAGNATION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Stagnation.Threshold = f
		}
	}
	if v := os.Getenv("STAGNATION_START_LOOP"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Stagnation.StartLoop = i
		}
	}

	if v := os.Getenv("ENABLE_AUDIT_CACHING"); v != "" {
		cfg.Cache.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AUDIT_CACHE_MAX_ENTRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxEntries = i
		}
	}
	if v := os.Getenv("AUDIT_CACHE_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.MaxAge = d
		}
	}
	if v := os.Getenv("AUDIT_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}

	if v := os.Getenv("AUDIT_DETAIL_LEVEL"); v != "" {
		cfg.Feedback.DetailLevel = datatypes.DetailLevel(v)
	}
	if v := os.Getenv("AUDIT_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("AUDIT_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
}

func loadTierEnv(prefix string, tier *Tier) {
	if v := os.Getenv(prefix + "_SCORE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			tier.Score = i
		}
	}
	if v := os.Getenv(prefix + "_LOOPS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			tier.Loops = i
		}
	}
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks the configuration for consistency.
//
// Tier orderings and loop-cap orderings are validated here; failure is
// fatal at startup.
//
// Outputs:
//   - error: Non-nil naming the first invalid setting.
func (c Config) Validate() error {
	if c.Auditor.Executable == "" {
		return fmt.Errorf("auditor executable must not be empty")
	}
	if c.Auditor.Timeout <= 0 {
		return fmt.Errorf("auditor timeout must be > 0")
	}
	if c.Auditor.GraceWindow <= 0 || c.Auditor.GraceWindow > 2*time.Second {
		return fmt.Errorf("auditor grace window must be in (0s, 2s]")
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent audits must be >= 1")
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue capacity must be >= 1")
	}
	if c.Sessions.StateDir == "" {
		return fmt.Errorf("session state dir must not be empty")
	}
	if c.Sessions.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent sessions must be >= 1")
	}

	t := c.Completion
	for name, tier := range map[string]Tier{"tier1": t.Tier1, "tier2": t.Tier2, "tier3": t.Tier3} {
		// No upper bound: a score above 100 is a deliberate way to make
		// a tier unreachable so only the hard stop can end the session.
		if tier.Score < 0 {
			return fmt.Errorf("%s score %d must be >= 0", name, tier.Score)
		}
		if tier.Loops < 1 {
			return fmt.Errorf("%s loop cap must be >= 1", name)
		}
	}
	if !(t.Tier1.Score >= t.Tier2.Score && t.Tier2.Score >= t.Tier3.Score) {
		return fmt.Errorf("tier scores must satisfy tier1 >= tier2 >= tier3")
	}
	if !(t.Tier1.Loops <= t.Tier2.Loops && t.Tier2.Loops <= t.Tier3.Loops && t.Tier3.Loops <= t.HardStopLoops) {
		return fmt.Errorf("tier loop caps must satisfy tier1 <= tier2 <= tier3 <= hard_stop")
	}
	if t.HardStopLoops > t.MaxCyclesCeiling {
		return fmt.Errorf("hard_stop loops %d exceeds max_cycles ceiling %d", t.HardStopLoops, t.MaxCyclesCeiling)
	}
	if t.TrendWindow < 2 {
		return fmt.Errorf("trend window must be >= 2")
	}

	if c.Stagnation.Threshold <= 0 || c.Stagnation.Threshold > 1 {
		return fmt.Errorf("stagnation threshold must be in (0, 1]")
	}
	if c.Stagnation.StartLoop < 1 {
		return fmt.Errorf("stagnation start loop must be >= 1")
	}
	if c.Stagnation.Window < 1 {
		return fmt.Errorf("stagnation window must be >= 1")
	}

	if c.Cache.Enabled {
		if c.Cache.MaxEntries < 1 {
			return fmt.Errorf("cache max entries must be >= 1")
		}
		if c.Cache.MaxAge <= 0 {
			return fmt.Errorf("cache max age must be > 0")
		}
	}

	if !c.Feedback.DetailLevel.Valid() {
		return fmt.Errorf("unknown detail level %q", c.Feedback.DetailLevel)
	}
	if c.Feedback.CriticalIssueLimit < 1 {
		return fmt.Errorf("critical issue limit must be >= 1")
	}
	return nil
}
