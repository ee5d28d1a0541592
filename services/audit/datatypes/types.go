// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the core data model shared by the audit
// workflow engine: sessions, iteration records, audit results, and the
// completion/feedback structures assembled into responses.
//
// All enumerations here are closed. New verdicts or completion reasons
// must be added to the constant blocks and to the Valid() switches so
// exhaustiveness stays checkable.
package datatypes

import (
	"fmt"
	"time"
)

// =============================================================================
// Closed Enumerations
// =============================================================================

// Verdict is the auditor's judgement for one submission.
type Verdict string

const (
	// VerdictPass indicates the submission meets the rubric.
	VerdictPass Verdict = "pass"

	// VerdictRevise indicates the submission needs another iteration.
	VerdictRevise Verdict = "revise"

	// VerdictReject indicates the submission is unacceptable as-is.
	VerdictReject Verdict = "reject"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictPass, VerdictRevise, VerdictReject:
		return true
	default:
		return false
	}
}

// String returns the wire representation.
func (v Verdict) String() string { return string(v) }

// CompletionReason identifies why a session terminated.
type CompletionReason string

const (
	// ReasonNone means the session is still in progress.
	ReasonNone CompletionReason = ""

	// ReasonTier1 means the score met tier 1 within its loop cap.
	ReasonTier1 CompletionReason = "tier1"

	// ReasonTier2 means the score met tier 2 within its loop cap.
	ReasonTier2 CompletionReason = "tier2"

	// ReasonTier3 means the score met tier 3 within its loop cap.
	ReasonTier3 CompletionReason = "tier3"

	// ReasonHardStop means the absolute loop cap was reached.
	ReasonHardStop CompletionReason = "hard_stop"

	// ReasonStagnation means recent submissions were near-identical.
	ReasonStagnation CompletionReason = "stagnation"

	// ReasonExternalTerminate means the client killed the session.
	ReasonExternalTerminate CompletionReason = "external_terminate"
)

// Valid reports whether r is a known reason (ReasonNone included).
func (r CompletionReason) Valid() bool {
	switch r {
	case ReasonNone, ReasonTier1, ReasonTier2, ReasonTier3,
		ReasonHardStop, ReasonStagnation, ReasonExternalTerminate:
		return true
	default:
		return false
	}
}

// Terminal reports whether r ends a session.
func (r CompletionReason) Terminal() bool {
	return r != ReasonNone && r.Valid()
}

// String returns the wire representation.
func (r CompletionReason) String() string { return string(r) }

// ProgressTrend describes the score direction over the recent window.
type ProgressTrend string

const (
	// TrendImproving means the windowed score delta is >= +5.
	TrendImproving ProgressTrend = "improving"

	// TrendStagnant means the windowed score delta is within (-5, +5).
	TrendStagnant ProgressTrend = "stagnant"

	// TrendDeclining means the windowed score delta is <= -5.
	TrendDeclining ProgressTrend = "declining"
)

// DetailLevel bounds the size of assembled feedback payloads.
type DetailLevel string

const (
	// DetailMinimal includes score, verdict, and completion only.
	DetailMinimal DetailLevel = "minimal"

	// DetailStandard adds the summary and capped inline comments.
	DetailStandard DetailLevel = "standard"

	// DetailDetailed adds dimensions and judge cards.
	DetailDetailed DetailLevel = "detailed"

	// DetailComprehensive includes everything the auditor returned.
	DetailComprehensive DetailLevel = "comprehensive"
)

// Valid reports whether d is a known detail level.
func (d DetailLevel) Valid() bool {
	switch d {
	case DetailMinimal, DetailStandard, DetailDetailed, DetailComprehensive:
		return true
	default:
		return false
	}
}

// =============================================================================
// Audit Result
// =============================================================================

// Dimension is one scored rubric axis.
type Dimension struct {
	// Name identifies the axis (e.g., "correctness", "security").
	Name string `json:"name"`

	// Score is the axis score in [0, 100].
	Score int `json:"score"`
}

// InlineComment anchors one auditor remark to a file location.
type InlineComment struct {
	// Path is the file path the comment refers to.
	Path string `json:"path"`

	// Line is the 1-indexed line number.
	Line int `json:"line"`

	// Comment is the auditor's remark.
	Comment string `json:"comment"`

	// Severity is an optional auditor-supplied category
	// (security, correctness, perf, style). May be empty.
	Severity string `json:"severity,omitempty"`
}

// JudgeCard records one judge model's contribution to the verdict.
type JudgeCard struct {
	// JudgeID names the judge model.
	JudgeID string `json:"judge_id"`

	// Score is the judge's score in [0, 100].
	Score int `json:"score"`

	// Notes carries optional free-form judge commentary.
	Notes string `json:"notes,omitempty"`
}

// AuditResult is the structured verdict for one submission.
//
// Results are immutable once produced by the driver; the engine and
// cache share them by pointer without copying.
type AuditResult struct {
	// OverallScore is the aggregate score in [0, 100].
	OverallScore int `json:"overall_score"`

	// Verdict is the auditor's judgement.
	Verdict Verdict `json:"verdict"`

	// Dimensions holds the per-axis scores, in rubric order.
	Dimensions []Dimension `json:"dimensions,omitempty"`

	// Summary is the auditor's prose assessment.
	Summary string `json:"summary"`

	// InlineComments anchors remarks to file locations.
	InlineComments []InlineComment `json:"inline_comments,omitempty"`

	// JudgeCards records individual judge contributions.
	JudgeCards []JudgeCard `json:"judge_cards,omitempty"`

	// Citations lists supporting references the auditor emitted.
	Citations []string `json:"citations,omitempty"`

	// RawAuditorID is the auditor's opaque run identifier.
	RawAuditorID string `json:"raw_auditor_id,omitempty"`
}

// Validate checks structural bounds on the result.
//
// Outputs:
//   - error: Non-nil if a score is out of range or the verdict is unknown.
func (r *AuditResult) Validate() error {
	if r.OverallScore < 0 || r.OverallScore > 100 {
		return fmt.Errorf("overall_score %d out of range [0,100]", r.OverallScore)
	}
	if !r.Verdict.Valid() {
		return fmt.Errorf("unknown verdict %q", r.Verdict)
	}
	for _, d := range r.Dimensions {
		if d.Score < 0 || d.Score > 100 {
			return fmt.Errorf("dimension %q score %d out of range [0,100]", d.Name, d.Score)
		}
	}
	return nil
}

// SyntheticTimeoutResult returns the degraded result recorded when the
// auditor could not finish inside its deadline.
func SyntheticTimeoutResult() *AuditResult {
	return &AuditResult{
		OverallScore: 50,
		Verdict:      VerdictRevise,
		Summary:      "Audit could not be completed due to timeout",
	}
}

// SyntheticParseFailureResult returns the degraded result recorded when
// no parse strategy could recover auditor output.
func SyntheticParseFailureResult() *AuditResult {
	return &AuditResult{
		OverallScore: 50,
		Verdict:      VerdictRevise,
		Summary:      "Audit could not be completed due to unparseable auditor output",
	}
}

// =============================================================================
// Rubric and Budget
// =============================================================================

// RubricItem is one weighted scoring dimension handed to the auditor.
type RubricItem struct {
	// Name identifies the dimension.
	Name string `json:"name"`

	// Weight is the relative weight (> 0).
	Weight float64 `json:"weight"`
}

// Budget carries the resource envelope for one auditor invocation.
type Budget struct {
	// MaxCycles is the session's remaining loop allowance.
	MaxCycles int `json:"max_cycles"`

	// ThresholdScore is the score the submission is aiming for.
	ThresholdScore int `json:"threshold_score"`

	// Candidates is the number of candidate evaluations the auditor
	// may run internally.
	Candidates int `json:"candidates"`
}

// =============================================================================
// Session Model
// =============================================================================

// IterationRecord is one submit -> audit -> feedback cycle.
type IterationRecord struct {
	// ThoughtNumber is the client-supplied ordinal for this submission.
	ThoughtNumber int `json:"thought_number"`

	// SubmittedAt is when the iteration was appended (UTC).
	SubmittedAt time.Time `json:"submitted_at"`

	// SubmissionFingerprint is the cache key of the normalized text.
	SubmissionFingerprint string `json:"submission_fingerprint"`

	// Audit is the result, real or synthetic. Nil only when the
	// iteration failed before any result existed.
	Audit *AuditResult `json:"audit,omitempty"`

	// AuditError records a degraded or failed audit (timeout, parse
	// failure, cancellation). Empty for clean audits.
	AuditError string `json:"audit_error,omitempty"`

	// CacheHit marks iterations served from the fingerprint cache.
	CacheHit bool `json:"cache_hit"`
}

// StagnationInfo records the point at which stagnation was detected.
type StagnationInfo struct {
	// DetectedAtLoop is the loop count when detection fired.
	DetectedAtLoop int `json:"detected_at_loop"`

	// Similarity is the maximum pairwise similarity that fired.
	Similarity float64 `json:"similarity"`
}

// Session is the durable per-session improvement trajectory.
//
// Invariants (enforced by Validate and by the session store):
//   - len(Iterations) == CurrentLoop
//   - UpdatedAt >= CreatedAt
//   - IsComplete implies CompletionReason is terminal
//   - ExternalContextActive implies ExternalContextID is non-empty
type Session struct {
	// ID is the opaque session identifier.
	ID string `json:"id"`

	// CreatedAt is the creation time (UTC).
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the last mutation time (UTC).
	UpdatedAt time.Time `json:"updated_at"`

	// CurrentLoop counts appended iterations. Starts at 0.
	CurrentLoop int `json:"current_loop"`

	// Iterations is the ordered iteration log.
	Iterations []IterationRecord `json:"iterations"`

	// IsComplete marks terminal sessions. Absorbing: once true, no
	// further iterations may be appended.
	IsComplete bool `json:"is_complete"`

	// CompletionReason is set exactly when IsComplete is true.
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`

	// StagnationInfo is set when the stagnation detector fired.
	StagnationInfo *StagnationInfo `json:"stagnation_info,omitempty"`

	// ExternalContextActive marks a live external auditor context.
	ExternalContextActive bool `json:"external_context_active"`

	// ExternalContextID is the opaque context handle while active.
	ExternalContextID string `json:"external_context_id,omitempty"`

	// ExternalLoopID is the client-supplied loop correlation id.
	ExternalLoopID string `json:"external_loop_id,omitempty"`
}

// Validate checks the session's structural invariants.
//
// Outputs:
//   - error: Non-nil naming the first violated invariant.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is empty")
	}
	if len(s.Iterations) != s.CurrentLoop {
		return fmt.Errorf("iteration count %d does not match current_loop %d",
			len(s.Iterations), s.CurrentLoop)
	}
	if s.UpdatedAt.Before(s.CreatedAt) {
		return fmt.Errorf("updated_at precedes created_at")
	}
	if s.IsComplete && !s.CompletionReason.Terminal() {
		return fmt.Errorf("complete session missing completion_reason")
	}
	if !s.IsComplete && s.CompletionReason.Terminal() {
		return fmt.Errorf("completion_reason %q set on in-progress session", s.CompletionReason)
	}
	if s.ExternalContextActive && s.ExternalContextID == "" {
		return fmt.Errorf("external context active without context id")
	}
	return nil
}

// LastAudit returns the most recent non-nil audit result, or nil.
func (s *Session) LastAudit() *AuditResult {
	for i := len(s.Iterations) - 1; i >= 0; i-- {
		if s.Iterations[i].Audit != nil {
			return s.Iterations[i].Audit
		}
	}
	return nil
}

// RecentScores returns up to n most recent overall scores, oldest first.
// Iterations without an audit result are skipped.
func (s *Session) RecentScores(n int) []int {
	if n <= 0 {
		return nil
	}
	scores := make([]int, 0, n)
	for i := len(s.Iterations) - 1; i >= 0 && len(scores) < n; i-- {
		if s.Iterations[i].Audit != nil {
			scores = append(scores, s.Iterations[i].Audit.OverallScore)
		}
	}
	// Reverse to oldest-first order.
	for i, j := 0, len(scores)-1; i < j; i, j = i+1, j-1 {
		scores[i], scores[j] = scores[j], scores[i]
	}
	return scores
}

// =============================================================================
// Completion and Feedback
// =============================================================================

// CompletionDecision is the evaluator's terminate/continue verdict.
type CompletionDecision struct {
	// IsComplete is true when the session should terminate.
	IsComplete bool `json:"is_complete"`

	// Reason is the terminal reason, or ReasonNone to continue.
	Reason CompletionReason `json:"reason,omitempty"`

	// ThresholdScore is the score threshold of the tier that fired,
	// or of tier 1 when no tier fired.
	ThresholdScore int `json:"threshold_score"`

	// ThresholdLoops is the loop cap of the tier that fired, or the
	// hard-stop cap when no tier fired.
	ThresholdLoops int `json:"threshold_loops"`
}

// LoopInfo summarizes loop progress for the client.
type LoopInfo struct {
	// CurrentLoop is the session's loop count after this iteration.
	CurrentLoop int `json:"currentLoop"`

	// MaxLoops is the configured hard-stop cap.
	MaxLoops int `json:"maxLoops"`

	// ProgressTrend is the windowed score direction.
	ProgressTrend ProgressTrend `json:"progressTrend"`

	// StagnationDetected mirrors the detector's advisory flag.
	StagnationDetected bool `json:"stagnationDetected"`
}

// Termination carries the final assessment for terminal responses.
type Termination struct {
	// Reason is the terminal completion reason.
	Reason string `json:"reason"`

	// CriticalIssues enumerates the top outstanding issues, ranked by
	// severity. Populated for stagnation and hard-stop terminations.
	CriticalIssues []string `json:"criticalIssues,omitempty"`

	// FinalAssessment is prose synthesized from the reason and the
	// last audit summary.
	FinalAssessment string `json:"finalAssessment"`
}

// CompletionStatus is the wire-level completion block.
type CompletionStatus struct {
	// IsComplete mirrors the evaluator decision.
	IsComplete bool `json:"isComplete"`

	// Reason is the terminal reason, or nil when in progress.
	Reason *string `json:"reason"`

	// CurrentLoop is the loop count after this iteration.
	CurrentLoop int `json:"currentLoop"`

	// Score is the overall score of this iteration's audit.
	Score int `json:"score"`

	// Threshold is the governing score threshold.
	Threshold int `json:"threshold"`
}

// FeedbackPayload is the assembled structured feedback returned after
// each iteration, excluding the JSON-RPC transport envelope.
type FeedbackPayload struct {
	// SessionID identifies the session this feedback belongs to.
	SessionID string `json:"sessionId"`

	// ThoughtNumber echoes the client's submission ordinal.
	ThoughtNumber int `json:"thoughtNumber"`

	// Audit is the audit result, or nil when the must-audit gate
	// skipped the auditor.
	Audit *AuditResult `json:"audit,omitempty"`

	// Completion mirrors the evaluator decision.
	Completion CompletionStatus `json:"completion"`

	// LoopInfo is present once the session has at least two iterations.
	LoopInfo *LoopInfo `json:"loopInfo,omitempty"`

	// Termination is present exactly when Completion.IsComplete.
	Termination *Termination `json:"termination,omitempty"`

	// CacheHit marks feedback served from the fingerprint cache.
	CacheHit bool `json:"cacheHit,omitempty"`

	// Gated marks pass-through responses where the must-audit gate
	// skipped the auditor. Transport omits the audit block entirely.
	Gated bool `json:"-"`
}
