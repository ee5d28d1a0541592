// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine orchestrates the audit workflow: session resolution,
// the must-audit gate, fingerprint caching, queued auditor invocation,
// stagnation and completion evaluation, and feedback assembly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAudit/services/audit/completion"
	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
	"github.com/AleutianAI/AleutianAudit/services/audit/driver"
	"github.com/AleutianAI/AleutianAudit/services/audit/feedback"
	"github.com/AleutianAI/AleutianAudit/services/audit/fingerprint"
	"github.com/AleutianAI/AleutianAudit/services/audit/loopctx"
	"github.com/AleutianAI/AleutianAudit/services/audit/queue"
	"github.com/AleutianAI/AleutianAudit/services/audit/session"
	"github.com/AleutianAI/AleutianAudit/services/audit/stagnation"
)

// AuditRunner executes one auditor invocation. Satisfied by
// *driver.Driver; tests substitute fakes.
type AuditRunner interface {
	Run(ctx context.Context, inv driver.Invocation) (*datatypes.AuditResult, error)
}

// AvailabilityProber reports auditor availability for health checks.
type AvailabilityProber interface {
	IsAvailable(ctx context.Context) bool
	Version(ctx context.Context) string
}

// Request is one decoded audit_thought call.
type Request struct {
	// SessionID is the client's session id. Empty creates a session.
	SessionID string

	// LoopID is the optional external-context loop id.
	LoopID string

	// ThoughtNumber is the client's submission ordinal (>= 1).
	ThoughtNumber int

	// TotalThoughts is the client's declared plan length (>= 1).
	TotalThoughts int

	// Thought is the raw submission text.
	Thought string
}

// Validate checks the request's required fields.
func (r Request) Validate() error {
	if r.Thought == "" {
		return datatypes.NewError(datatypes.KindInputInvalid, "thought must not be empty")
	}
	if r.ThoughtNumber < 1 {
		return datatypes.NewError(datatypes.KindInputInvalid, "thoughtNumber must be >= 1")
	}
	if r.TotalThoughts < 1 {
		return datatypes.NewError(datatypes.KindInputInvalid, "totalThoughts must be >= 1")
	}
	return nil
}

// Engine is the audit workflow orchestrator.
//
// Thread Safety: Safe for concurrent use. Requests on the same session
// serialize through a per-session lock; requests on distinct sessions
// proceed in parallel, bounded downstream by the work queue.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	cache     *fingerprint.Cache
	runner    AuditRunner
	prober    AvailabilityProber
	queue     *queue.Queue
	sessions  *session.Store
	detector  *stagnation.Detector
	evaluator *completion.Evaluator
	assembler *feedback.Assembler
	contexts  *loopctx.Manager
	iterLog   *iterationLog

	// sessionLocks serializes full request handling per session id.
	sessionLocks sync.Map // string -> *sync.Mutex

	// hardStops holds per-session maxCycles overrides from inline
	// config, clamped to the server ceiling.
	hardStops sync.Map // string -> int
}

// Option customizes Engine construction.
type Option func(*Engine)

// WithRunner replaces the auditor runner (tests).
func WithRunner(r AuditRunner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithProber replaces the availability prober (tests).
func WithProber(p AvailabilityProber) Option {
	return func(e *Engine) { e.prober = p }
}

// New wires an Engine from configuration.
//
// Description:
//
//	Builds the fingerprint cache (durable when a cache dir is
//	configured, in-memory LRU otherwise), the auditor driver and
//	prober, the bounded work queue, the session store, and the policy
//	components. Options may replace the runner and prober for tests.
//
// Outputs:
//
//	*Engine - The engine. Caller must Close().
//	error - Non-nil when the session store or cache backend cannot
//	    initialize.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var backend fingerprint.Backend
	if cfg.Cache.Enabled {
		if cfg.Cache.Dir != "" {
			durable, err := fingerprint.NewBadgerBackend(cfg.Cache.Dir, cfg.Cache.MaxAge, logger)
			if err != nil {
				return nil, fmt.Errorf("open durable cache: %w", err)
			}
			backend = durable
		} else {
			backend = fingerprint.NewMemoryBackend(cfg.Cache.MaxEntries, cfg.Cache.MaxAge)
		}
	}

	store, err := session.NewStore(session.Config{
		StateDir:      cfg.Sessions.StateDir,
		Persist:       cfg.Sessions.Persist,
		MaxConcurrent: cfg.Sessions.MaxConcurrent,
		MaxAge:        cfg.Sessions.MaxAge,
		SweepInterval: cfg.Sessions.SweepInterval,
	}, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "audit_engine")),
		cache:  fingerprint.NewCache(backend, cfg.Cache.Enabled, logger),
		runner: driver.New(driver.Config{
			Executable:     cfg.Auditor.Executable,
			Timeout:        cfg.Auditor.Timeout,
			GraceWindow:    cfg.Auditor.GraceWindow,
			MaxOutputBytes: cfg.Auditor.MaxOutputBytes,
			WorkingDir:     cfg.Auditor.WorkingDir,
			AllowEnv:       cfg.Auditor.AllowEnv,
		}, logger),
		prober: driver.NewProber(cfg.Auditor.Executable, logger),
		queue: queue.New(queue.Config{
			MaxConcurrent: cfg.Queue.MaxConcurrent,
			WaitDeadline:  cfg.Queue.WaitDeadline,
			Capacity:      cfg.Queue.Capacity,
		}, logger),
		sessions:  store,
		detector:  stagnation.New(stagnation.Config(cfg.Stagnation), logger),
		evaluator: completion.New(cfg.Completion, logger),
		assembler: feedback.New(cfg.Feedback, logger),
		contexts:  loopctx.NewManager(logger),
		iterLog:   newIterationLog(cfg.LogDir, logger),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start launches background tasks (the session sweeper). They stop
// when ctx is canceled.
func (e *Engine) Start(ctx context.Context) {
	e.sessions.StartSweeper(ctx)
}

// =============================================================================
// Orchestration
// =============================================================================

// AuditAndWait runs one full submit -> audit -> feedback cycle.
//
// Description:
//
//	Implements the workflow: decode and validate, resolve the session,
//	apply the must-audit gate, consult the fingerprint cache, run the
//	auditor through the bounded queue on a miss, evaluate stagnation
//	and completion, append the iteration, and assemble feedback.
//
//	Degradation policy: an auditor timeout or unparseable output
//	yields a synthetic revise/50 result recorded with audit_error (the
//	loop advances). Auditor unavailability, crashes, and queue refusal
//	surface as errors without advancing the loop.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	req - The decoded request.
//
// Outputs:
//
//	*datatypes.FeedbackPayload - The assembled feedback.
//	error - Typed datatypes.Error for all refusal paths.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) AuditAndWait(ctx context.Context, req Request) (*datatypes.FeedbackPayload, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		recordRequest(ctx, "invalid", time.Since(start))
		return nil, err
	}

	inline, err := parseInlineConfig(req.Thought, e.logger)
	if err != nil {
		recordRequest(ctx, "invalid", time.Since(start))
		return nil, err
	}
	if inline == nil {
		inline = &InlineConfig{}
	}

	sess, created, err := e.sessions.GetOrCreate(ctx, req.SessionID)
	if err != nil {
		recordRequest(ctx, "refused", time.Since(start))
		return nil, err
	}
	if created {
		e.logger.Debug("New audit session",
			slog.String("session_id", sess.ID),
			slog.Bool("external_loop", req.LoopID != ""),
		)
	}

	// Per-session serialization for the whole cycle. The lock is never
	// held across the auditor subprocess itself; that bound lives in
	// the queue. It is held across session reads/appends so two
	// concurrent requests on one session execute one-at-a-time.
	mu := e.lockFor(sess.ID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock; a concurrent request may have completed
	// the session between GetOrCreate and here.
	sess, err = e.sessions.Get(ctx, sess.ID)
	if err != nil {
		recordRequest(ctx, "refused", time.Since(start))
		return nil, err
	}
	if sess.IsComplete {
		recordRequest(ctx, "terminal_replay", time.Since(start))
		return e.terminalReplay(sess, req), nil
	}

	if inline.MaxCycles > 0 {
		e.hardStops.Store(sess.ID, e.evaluator.HardStop(inline.MaxCycles))
	}
	hardStop := e.effectiveHardStop(sess.ID)

	normalized := fingerprint.Normalize(req.Thought)
	key := fingerprint.Fingerprint(normalized)

	// Must-audit gate: prose-only submissions skip the auditor but
	// still advance the loop.
	if !ContainsCode(fingerprint.StripConfigBlocks(req.Thought)) {
		payload, err := e.passThrough(ctx, sess, req, key, hardStop)
		if err != nil {
			recordRequest(ctx, "error", time.Since(start))
			return nil, err
		}
		recordGateSkip(ctx)
		recordRequest(ctx, "gate_skip", time.Since(start))
		return payload, nil
	}

	contextID, err := e.ensureExternalContext(ctx, sess, req.LoopID)
	if err != nil {
		recordRequest(ctx, "error", time.Since(start))
		return nil, err
	}

	result, cacheHit, auditErrStr, err := e.obtainAudit(ctx, req, inline, sess, key, contextID, hardStop)
	if err != nil {
		recordRequest(ctx, "error", time.Since(start))
		return nil, err
	}

	// The activation floor compares against the loop count before this
	// submission is appended, so the floor's worth of loops stay open.
	stag := e.detector.Observe(sess.ID, sess.CurrentLoop, normalized)

	sess, err = e.sessions.AppendIteration(ctx, sess.ID, datatypes.IterationRecord{
		ThoughtNumber:         req.ThoughtNumber,
		SubmissionFingerprint: key,
		Audit:                 result,
		AuditError:            auditErrStr,
		CacheHit:              cacheHit,
	})
	if err != nil {
		recordRequest(ctx, "error", time.Since(start))
		return nil, err
	}

	decision := e.evaluator.Evaluate(sess, result.OverallScore, stag.Stagnant, completion.Overrides{
		Tier1Score: inline.Threshold,
		HardStop:   hardStop,
	})

	if decision.IsComplete {
		sess = e.finishSession(ctx, sess, req.LoopID, decision, stag)
		recordTerminal(ctx, decision.Reason.String())
	}

	payload := e.assembler.Build(feedback.Input{
		Session:            sess,
		ThoughtNumber:      req.ThoughtNumber,
		Audit:              result,
		Decision:           decision,
		Trend:              e.evaluator.Trend(sess),
		StagnationDetected: stag.Stagnant,
		MaxLoops:           hardStop,
		CacheHit:           cacheHit,
	})

	e.iterLog.Write(IterationLogLine{
		SessionID:     sess.ID,
		ThoughtNumber: req.ThoughtNumber,
		Fingerprint:   key,
		Score:         result.OverallScore,
		Verdict:       result.Verdict.String(),
		CacheHit:      cacheHit,
		AuditError:    auditErrStr,
		Complete:      decision.IsComplete,
		Reason:        decision.Reason.String(),
		DurationMS:    time.Since(start).Milliseconds(),
	})
	recordRequest(ctx, "audited", time.Since(start))
	return payload, nil
}

// obtainAudit resolves the audit result: cache hit, deduplicated
// build through the queue, or degraded synthetic result.
func (e *Engine) obtainAudit(ctx context.Context, req Request, inline *InlineConfig, sess *datatypes.Session, key, contextID string, hardStop int) (*datatypes.AuditResult, bool, string, error) {
	inv := driver.Invocation{
		SubmissionText:    fingerprint.Normalize(req.Thought),
		Rubric:            e.cfg.Auditor.Rubric,
		Task:              inline.Task,
		Scope:             inline.Scope,
		Judges:            inline.Judges,
		ExternalContextID: contextID,
		Budget: datatypes.Budget{
			MaxCycles:      hardStop - sess.CurrentLoop,
			ThresholdScore: e.thresholdFor(inline),
			Candidates:     e.candidatesFor(inline),
		},
	}

	// A timed-out run may still carry a partial result; capture it so
	// the degraded iteration preserves whatever the auditor got done.
	var partial *datatypes.AuditResult
	build := func(buildCtx context.Context) (*datatypes.AuditResult, error) {
		res, err := e.queue.Submit(buildCtx, func(jobCtx context.Context) (*datatypes.AuditResult, error) {
			return e.runner.Run(jobCtx, inv)
		})
		if err != nil && res != nil {
			partial = res
		}
		return res, err
	}

	result, src, buildErr := e.cache.GetOrBuild(ctx, key, build)
	if buildErr == nil {
		return result, src.CacheHit(), "", nil
	}

	switch {
	case errors.Is(buildErr, driver.ErrAuditorTimeout):
		degraded := partial
		if degraded == nil {
			degraded = datatypes.SyntheticTimeoutResult()
		}
		return degraded, false, buildErr.Error(), nil

	case errors.Is(buildErr, driver.ErrAuditorParseError):
		return datatypes.SyntheticParseFailureResult(), false, buildErr.Error(), nil

	case errors.Is(buildErr, driver.ErrAuditorUnavailable):
		return nil, false, "", datatypes.WrapError(datatypes.KindAuditorUnavailable,
			"auditor is unavailable", buildErr)

	case errors.Is(buildErr, driver.ErrAuditorCrash):
		return nil, false, "", datatypes.WrapError(datatypes.KindAuditorCrash,
			"auditor crashed", buildErr)

	default:
		// Queue refusal and cancellation pass through typed.
		return nil, false, "", buildErr
	}
}

// passThrough advances the loop for a prose-only submission without
// running the auditor.
func (e *Engine) passThrough(ctx context.Context, sess *datatypes.Session, req Request, key string, hardStop int) (*datatypes.FeedbackPayload, error) {
	sess, err := e.sessions.AppendIteration(ctx, sess.ID, datatypes.IterationRecord{
		ThoughtNumber:         req.ThoughtNumber,
		SubmissionFingerprint: key,
	})
	if err != nil {
		return nil, err
	}

	e.iterLog.Write(IterationLogLine{
		SessionID:     sess.ID,
		ThoughtNumber: req.ThoughtNumber,
		Fingerprint:   key,
		Gated:         true,
	})

	return e.assembler.Build(feedback.Input{
		Session:       sess,
		ThoughtNumber: req.ThoughtNumber,
		Decision: datatypes.CompletionDecision{
			ThresholdScore: e.cfg.Completion.Tier1.Score,
			ThresholdLoops: hardStop,
		},
		Trend:    e.evaluator.Trend(sess),
		MaxLoops: hardStop,
		Gated:    true,
	}), nil
}

// terminalReplay answers a submission against an already-complete
// session without running a new audit.
func (e *Engine) terminalReplay(sess *datatypes.Session, req Request) *datatypes.FeedbackPayload {
	last := sess.LastAudit()
	return e.assembler.Build(feedback.Input{
		Session:       sess,
		ThoughtNumber: req.ThoughtNumber,
		Audit:         last,
		Decision: datatypes.CompletionDecision{
			IsComplete:     true,
			Reason:         sess.CompletionReason,
			ThresholdScore: e.cfg.Completion.Tier1.Score,
			ThresholdLoops: e.effectiveHardStop(sess.ID),
		},
		Trend:              e.evaluator.Trend(sess),
		StagnationDetected: sess.StagnationInfo != nil,
		MaxLoops:           e.effectiveHardStop(sess.ID),
	})
}

// ensureExternalContext starts or maintains the external context for
// the loop id and keeps the session's record in sync.
func (e *Engine) ensureExternalContext(ctx context.Context, sess *datatypes.Session, loopID string) (string, error) {
	if loopID == "" {
		return sess.ExternalContextID, nil
	}

	if handle, active := e.contexts.Active(loopID); active {
		if err := e.contexts.Maintain(ctx, loopID, handle); err != nil {
			return "", err
		}
		return handle, nil
	}

	if sess.ExternalContextActive {
		// Session claims an active context the manager does not know
		// (process restart). Re-adopt the persisted handle.
		e.logger.Warn("Re-adopting persisted external context after restart",
			slog.String("session_id", sess.ID),
			slog.String("loop_id", loopID),
		)
		return sess.ExternalContextID, nil
	}

	handle, err := e.contexts.Start(ctx, loopID)
	if err != nil {
		return "", err
	}
	if _, err := e.sessions.SetExternalContext(ctx, sess.ID, handle, loopID); err != nil {
		return "", err
	}
	return handle, nil
}

// finishSession applies terminal bookkeeping: external-context
// termination, the session's terminal mark, and detector cleanup.
func (e *Engine) finishSession(ctx context.Context, sess *datatypes.Session, loopID string, decision datatypes.CompletionDecision, stag stagnation.Result) *datatypes.Session {
	effectiveLoop := loopID
	if effectiveLoop == "" {
		effectiveLoop = sess.ExternalLoopID
	}
	if effectiveLoop != "" && sess.ExternalContextActive {
		if err := e.contexts.Terminate(ctx, effectiveLoop, decision.Reason); err != nil {
			e.logger.Error("External context termination failed",
				slog.String("session_id", sess.ID),
				slog.String("loop_id", effectiveLoop),
				slog.String("error", err.Error()),
			)
		}
		if updated, err := e.sessions.ClearExternalContext(ctx, sess.ID); err == nil {
			sess = updated
		}
	}

	var info *datatypes.StagnationInfo
	if decision.Reason == datatypes.ReasonStagnation {
		info = &datatypes.StagnationInfo{
			DetectedAtLoop: sess.CurrentLoop,
			Similarity:     stag.Similarity,
		}
	}
	if updated, err := e.sessions.MarkComplete(ctx, sess.ID, decision.Reason, info); err == nil {
		sess = updated
	} else {
		e.logger.Error("Failed to mark session complete",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}

	e.detector.Forget(sess.ID)
	e.hardStops.Delete(sess.ID)
	return sess
}

// =============================================================================
// Session Administration
// =============================================================================

// KillSession terminates a session externally, invoking the context
// lifecycle and marking the session complete.
func (e *Engine) KillSession(ctx context.Context, sessionID string) (*datatypes.Session, error) {
	mu := e.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsComplete {
		return sess, nil
	}

	decision := datatypes.CompletionDecision{
		IsComplete:     true,
		Reason:         datatypes.ReasonExternalTerminate,
		ThresholdScore: e.cfg.Completion.Tier1.Score,
		ThresholdLoops: e.effectiveHardStop(sessionID),
	}
	sess = e.finishSession(ctx, sess, sess.ExternalLoopID, decision, stagnation.Result{})
	recordTerminal(ctx, decision.Reason.String())
	return sess, nil
}

// GetSession returns a session snapshot.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*datatypes.Session, error) {
	return e.sessions.Get(ctx, sessionID)
}

// ListSessions returns loaded session summaries, most recent first.
func (e *Engine) ListSessions(ctx context.Context) []session.Summary {
	return e.sessions.Summaries()
}

// PurgeSession removes a session from memory and disk. Active external
// contexts are terminated first.
func (e *Engine) PurgeSession(ctx context.Context, sessionID string) error {
	mu := e.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if sess, err := e.sessions.Get(ctx, sessionID); err == nil && sess.ExternalContextActive && sess.ExternalLoopID != "" {
		_ = e.contexts.Terminate(ctx, sess.ExternalLoopID, datatypes.ReasonExternalTerminate)
	}
	e.detector.Forget(sessionID)
	e.hardStops.Delete(sessionID)
	return e.sessions.Purge(ctx, sessionID)
}

// =============================================================================
// Health and Stats
// =============================================================================

// Stats summarizes runtime state for the health endpoints.
type Stats struct {
	AuditorAvailable bool          `json:"auditor_available"`
	AuditorVersion   string        `json:"auditor_version,omitempty"`
	QueueDepth       int           `json:"queue_depth"`
	QueueRunning     int           `json:"queue_running"`
	Sessions         session.Stats `json:"sessions"`
	LeakedContexts   int           `json:"leaked_contexts"`
}

// Snapshot returns current engine statistics.
func (e *Engine) Snapshot(ctx context.Context) Stats {
	return Stats{
		AuditorAvailable: e.prober.IsAvailable(ctx),
		AuditorVersion:   e.prober.Version(ctx),
		QueueDepth:       e.queue.Depth(),
		QueueRunning:     e.queue.Running(),
		Sessions:         e.sessions.Snapshot(),
		LeakedContexts:   len(e.contexts.Leaks()),
	}
}

// AuditorAvailable reports whether the auditor binary responds.
func (e *Engine) AuditorAvailable(ctx context.Context) bool {
	return e.prober.IsAvailable(ctx)
}

// Close drains the queue and releases resources. Leaked external
// contexts are reported on the way down.
func (e *Engine) Close() error {
	var first error
	if err := e.queue.Close(); err != nil && first == nil {
		first = err
	}
	if err := e.cache.Close(); err != nil && first == nil {
		first = err
	}
	if leaks := e.contexts.Close(); leaks > 0 {
		e.logger.Error("Shutdown with leaked external contexts",
			slog.Int("count", leaks),
		)
	}
	if err := e.iterLog.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// =============================================================================
// Internals
// =============================================================================

// lockFor returns the per-session mutex, creating it on first use.
func (e *Engine) lockFor(sessionID string) *sync.Mutex {
	actual, _ := e.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// effectiveHardStop returns the session's hard-stop cap with any
// inline override applied.
func (e *Engine) effectiveHardStop(sessionID string) int {
	if v, ok := e.hardStops.Load(sessionID); ok {
		return v.(int)
	}
	return e.cfg.Completion.HardStopLoops
}

// thresholdFor picks the per-request target score for the budget.
func (e *Engine) thresholdFor(inline *InlineConfig) int {
	if inline.Threshold > 0 {
		return inline.Threshold
	}
	return e.cfg.Completion.Tier1.Score
}

// candidatesFor picks the per-request candidate count.
func (e *Engine) candidatesFor(inline *InlineConfig) int {
	if inline.Candidates > 0 {
		return inline.Candidates
	}
	return e.cfg.Auditor.Candidates
}
