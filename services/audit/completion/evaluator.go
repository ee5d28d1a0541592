// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package completion implements the tiered terminate/continue policy.
//
// Three (score, loop-cap) tiers plus an absolute hard stop. Higher
// tiers demand higher scores but allow fewer loops; a strong early
// submission finishes fast, a slowly converging one gets more room at
// a lower bar. All comparisons are inclusive.
package completion

import (
	"log/slog"

	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

// Evaluator applies the tiered completion policy.
//
// Thread Safety: Safe for concurrent use; the evaluator is stateless
// beyond its immutable configuration.
type Evaluator struct {
	cfg    config.CompletionConfig
	logger *slog.Logger
}

// New creates an Evaluator. The configuration is assumed validated.
func New(cfg config.CompletionConfig, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "completion_evaluator")),
	}
}

// Overrides carries per-request and per-session policy overrides from
// the inline configuration block.
type Overrides struct {
	// Tier1Score replaces the tier 1 score threshold for this audit
	// when > 0.
	Tier1Score int

	// HardStop replaces the hard-stop loop cap for this session when
	// > 0. Callers clamp it to the server-side ceiling first.
	HardStop int
}

// Evaluate decides whether the session terminates after this audit.
//
// Description:
//
//	Decision order: already-terminal sessions stay terminal;
//	stagnation outranks every tier; tiers are checked strictest
//	first; the hard stop catches everything else at the loop cap.
//	The current loop count includes the iteration just appended.
//
// Inputs:
//
//	session - The session after the current iteration was appended.
//	score - The overall score of the current audit.
//	stagnant - The stagnation detector's advisory flag.
//	ov - Per-request policy overrides; zero values mean none.
//
// Outputs:
//
//	datatypes.CompletionDecision - The verdict with the governing
//	    thresholds.
//
// Thread Safety: Safe for concurrent use.
func (e *Evaluator) Evaluate(session *datatypes.Session, score int, stagnant bool, ov Overrides) datatypes.CompletionDecision {
	loop := session.CurrentLoop
	hardStop := e.cfg.HardStopLoops
	if ov.HardStop > 0 {
		hardStop = ov.HardStop
	}
	tier1Score := e.cfg.Tier1.Score
	if ov.Tier1Score > 0 {
		tier1Score = ov.Tier1Score
	}

	decision := datatypes.CompletionDecision{
		ThresholdScore: tier1Score,
		ThresholdLoops: hardStop,
	}

	switch {
	case session.IsComplete:
		decision.IsComplete = true
		decision.Reason = session.CompletionReason

	case stagnant:
		decision.IsComplete = true
		decision.Reason = datatypes.ReasonStagnation

	case score >= tier1Score && loop <= e.cfg.Tier1.Loops:
		decision.IsComplete = true
		decision.Reason = datatypes.ReasonTier1
		decision.ThresholdScore = tier1Score
		decision.ThresholdLoops = e.cfg.Tier1.Loops

	case score >= e.cfg.Tier2.Score && loop <= e.cfg.Tier2.Loops:
		decision.IsComplete = true
		decision.Reason = datatypes.ReasonTier2
		decision.ThresholdScore = e.cfg.Tier2.Score
		decision.ThresholdLoops = e.cfg.Tier2.Loops

	case score >= e.cfg.Tier3.Score && loop <= e.cfg.Tier3.Loops:
		decision.IsComplete = true
		decision.Reason = datatypes.ReasonTier3
		decision.ThresholdScore = e.cfg.Tier3.Score
		decision.ThresholdLoops = e.cfg.Tier3.Loops

	case loop >= hardStop:
		decision.IsComplete = true
		decision.Reason = datatypes.ReasonHardStop
	}

	if decision.IsComplete {
		e.logger.Info("Session terminal",
			slog.String("session_id", session.ID),
			slog.String("reason", decision.Reason.String()),
			slog.Int("loop", loop),
			slog.Int("score", score),
		)
	}
	return decision
}

// Trend computes the progress trend over the configured window.
//
// Description:
//
//	Improving when the first-to-last score delta across the window is
//	at least +5, declining at -5 or below, stagnant otherwise.
//	Sessions with fewer than two scored iterations report stagnant.
func (e *Evaluator) Trend(session *datatypes.Session) datatypes.ProgressTrend {
	scores := session.RecentScores(e.cfg.TrendWindow)
	if len(scores) < 2 {
		return datatypes.TrendStagnant
	}
	delta := scores[len(scores)-1] - scores[0]
	switch {
	case delta >= 5:
		return datatypes.TrendImproving
	case delta <= -5:
		return datatypes.TrendDeclining
	default:
		return datatypes.TrendStagnant
	}
}

// HardStop returns the effective hard-stop cap given a per-session
// override, clamped to the server-side ceiling.
func (e *Evaluator) HardStop(override int) int {
	if override <= 0 {
		return e.cfg.HardStopLoops
	}
	if override > e.cfg.MaxCyclesCeiling {
		return e.cfg.MaxCyclesCeiling
	}
	return override
}
