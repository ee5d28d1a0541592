// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package feedback assembles the structured feedback payload returned
// to the client after each iteration.
package feedback

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

// Assembler builds FeedbackPayloads bounded by the configured detail
// level.
//
// Thread Safety: Safe for concurrent use; stateless beyond immutable
// configuration.
type Assembler struct {
	cfg    config.FeedbackConfig
	logger *slog.Logger
}

// New creates an Assembler.
func New(cfg config.FeedbackConfig, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "feedback_assembler")),
	}
}

// Input carries everything the assembler needs for one payload.
type Input struct {
	// Session is the session snapshot after the iteration was appended.
	Session *datatypes.Session

	// ThoughtNumber echoes the client's ordinal.
	ThoughtNumber int

	// Audit is the iteration's audit result. Nil when the must-audit
	// gate skipped the auditor.
	Audit *datatypes.AuditResult

	// Decision is the completion evaluator's verdict.
	Decision datatypes.CompletionDecision

	// Trend is the windowed progress trend.
	Trend datatypes.ProgressTrend

	// StagnationDetected mirrors the detector's advisory flag.
	StagnationDetected bool

	// MaxLoops is the effective hard-stop cap for the session.
	MaxLoops int

	// CacheHit marks results served from the fingerprint cache.
	CacheHit bool

	// Gated marks pass-through responses (must-audit gate skipped).
	Gated bool
}

// Build assembles the feedback payload.
//
// Description:
//
//	Always includes the completion block. Includes loop_info once the
//	session has at least two iterations. Includes termination exactly
//	when the decision is terminal; stagnation and hard-stop
//	terminations additionally enumerate the top-K critical inline
//	comments. The audit result is shaped by the configured detail
//	level before inclusion.
//
// Outputs:
//
//	*datatypes.FeedbackPayload - The assembled payload.
//
// Thread Safety: Safe for concurrent use.
func (a *Assembler) Build(in Input) *datatypes.FeedbackPayload {
	payload := &datatypes.FeedbackPayload{
		SessionID:     in.Session.ID,
		ThoughtNumber: in.ThoughtNumber,
		Audit:         a.shapeAudit(in.Audit),
		CacheHit:      in.CacheHit,
		Gated:         in.Gated,
		Completion: datatypes.CompletionStatus{
			IsComplete:  in.Decision.IsComplete,
			CurrentLoop: in.Session.CurrentLoop,
			Threshold:   in.Decision.ThresholdScore,
		},
	}
	if in.Audit != nil {
		payload.Completion.Score = in.Audit.OverallScore
	}
	if in.Decision.IsComplete {
		reason := in.Decision.Reason.String()
		payload.Completion.Reason = &reason
	}

	if len(in.Session.Iterations) >= 2 {
		payload.LoopInfo = &datatypes.LoopInfo{
			CurrentLoop:        in.Session.CurrentLoop,
			MaxLoops:           in.MaxLoops,
			ProgressTrend:      in.Trend,
			StagnationDetected: in.StagnationDetected,
		}
	}

	if in.Decision.IsComplete {
		payload.Termination = a.buildTermination(in)
	}
	return payload
}

// buildTermination synthesizes the terminal block.
func (a *Assembler) buildTermination(in Input) *datatypes.Termination {
	term := &datatypes.Termination{
		Reason:          in.Decision.Reason.String(),
		FinalAssessment: a.finalAssessment(in),
	}

	// Kill-switch terminations enumerate outstanding issues so the
	// client knows what was still wrong when the loop ended.
	switch in.Decision.Reason {
	case datatypes.ReasonStagnation, datatypes.ReasonHardStop:
		term.CriticalIssues = a.criticalIssues(in.Session)
	}
	return term
}

// finalAssessment builds prose from the reason and the last summary.
func (a *Assembler) finalAssessment(in Input) string {
	last := in.Audit
	if last == nil {
		last = in.Session.LastAudit()
	}

	var b strings.Builder
	switch in.Decision.Reason {
	case datatypes.ReasonTier1, datatypes.ReasonTier2, datatypes.ReasonTier3:
		fmt.Fprintf(&b, "Submission met the %s completion threshold (score >= %d within %d loops).",
			in.Decision.Reason, in.Decision.ThresholdScore, in.Decision.ThresholdLoops)
	case datatypes.ReasonStagnation:
		b.WriteString("Session ended because recent revisions were near-identical; further iterations were unlikely to improve the result.")
	case datatypes.ReasonHardStop:
		fmt.Fprintf(&b, "Session reached the absolute loop cap of %d without meeting any completion tier.",
			in.Decision.ThresholdLoops)
	case datatypes.ReasonExternalTerminate:
		b.WriteString("Session was terminated by the client.")
	default:
		b.WriteString("Session is complete.")
	}

	if last != nil && last.Summary != "" {
		b.WriteString(" Final audit: ")
		b.WriteString(last.Summary)
	}
	return b.String()
}

// severityRank orders auditor severities; lower is more critical.
func severityRank(severity string) int {
	switch strings.ToLower(severity) {
	case "security":
		return 0
	case "correctness":
		return 1
	case "perf", "performance":
		return 2
	case "style":
		return 3
	default:
		return 4
	}
}

// criticalIssues returns the top-K inline comments across the
// session's audits, ranked by severity then recency.
func (a *Assembler) criticalIssues(session *datatypes.Session) []string {
	type ranked struct {
		rank      int
		iteration int
		text      string
	}

	var all []ranked
	for idx, rec := range session.Iterations {
		if rec.Audit == nil {
			continue
		}
		for _, c := range rec.Audit.InlineComments {
			text := c.Comment
			if c.Path != "" {
				text = fmt.Sprintf("%s:%d: %s", c.Path, c.Line, c.Comment)
			}
			all = append(all, ranked{rank: severityRank(c.Severity), iteration: idx, text: text})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].rank != all[j].rank {
			return all[i].rank < all[j].rank
		}
		return all[i].iteration > all[j].iteration
	})

	limit := a.cfg.CriticalIssueLimit
	seen := make(map[string]bool)
	var issues []string
	for _, r := range all {
		if seen[r.text] {
			continue
		}
		seen[r.text] = true
		issues = append(issues, r.text)
		if len(issues) >= limit {
			break
		}
	}
	return issues
}

// shapeAudit bounds the audit result per the configured detail level.
// The input is never mutated; trimming copies first.
func (a *Assembler) shapeAudit(audit *datatypes.AuditResult) *datatypes.AuditResult {
	if audit == nil {
		return nil
	}

	switch a.cfg.DetailLevel {
	case datatypes.DetailComprehensive:
		return audit

	case datatypes.DetailDetailed:
		out := *audit
		out.Citations = nil
		return &out

	case datatypes.DetailMinimal:
		return &datatypes.AuditResult{
			OverallScore: audit.OverallScore,
			Verdict:      audit.Verdict,
		}

	default: // standard
		out := *audit
		out.Dimensions = nil
		out.JudgeCards = nil
		out.Citations = nil
		if len(out.InlineComments) > a.cfg.MaxInlineComments {
			out.InlineComments = out.InlineComments[:a.cfg.MaxInlineComments]
		}
		return &out
	}
}
