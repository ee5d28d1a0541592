// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package completion

import (
	"testing"
	"time"

	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

func defaultEvaluator() *Evaluator {
	return New(config.Default().Completion, nil)
}

func sessionAtLoop(loop int) *datatypes.Session {
	now := time.Now().UTC()
	s := &datatypes.Session{ID: "s1", CreatedAt: now, UpdatedAt: now}
	for i := 0; i < loop; i++ {
		s.Iterations = append(s.Iterations, datatypes.IterationRecord{ThoughtNumber: i + 1})
	}
	s.CurrentLoop = loop
	return s
}

func sessionWithScores(scores ...int) *datatypes.Session {
	s := sessionAtLoop(0)
	for i, score := range scores {
		s.Iterations = append(s.Iterations, datatypes.IterationRecord{
			ThoughtNumber: i + 1,
			Audit:         &datatypes.AuditResult{OverallScore: score, Verdict: datatypes.VerdictRevise},
		})
	}
	s.CurrentLoop = len(s.Iterations)
	return s
}

func TestEvaluate_TierBoundaries(t *testing.T) {
	// Defaults: tier1 95/10, tier2 90/15, tier3 85/20, hard stop 25.
	tests := []struct {
		name       string
		loop       int
		score      int
		wantDone   bool
		wantReason datatypes.CompletionReason
	}{
		{"tier1 exact score at exact cap", 10, 95, true, datatypes.ReasonTier1},
		{"one below tier1 score falls to tier2", 10, 94, true, datatypes.ReasonTier2},
		{"tier1 score past tier1 cap falls to tier2", 11, 96, true, datatypes.ReasonTier2},
		{"tier2 exact boundaries", 15, 90, true, datatypes.ReasonTier2},
		{"tier2 score past tier2 cap falls to tier3", 16, 92, true, datatypes.ReasonTier3},
		{"tier3 exact boundaries", 20, 85, true, datatypes.ReasonTier3},
		{"tier3 score past tier3 cap continues", 21, 88, false, datatypes.ReasonNone},
		{"below all tiers continues", 5, 84, false, datatypes.ReasonNone},
		{"hard stop at exact cap", 25, 10, true, datatypes.ReasonHardStop},
		{"one before hard stop continues", 24, 10, false, datatypes.ReasonNone},
		{"high score past all tier caps still hard stops", 25, 99, true, datatypes.ReasonHardStop},
	}

	e := defaultEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate(sessionAtLoop(tt.loop), tt.score, false, Overrides{})
			if d.IsComplete != tt.wantDone {
				t.Errorf("IsComplete = %v, want %v", d.IsComplete, tt.wantDone)
			}
			if d.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.wantReason)
			}
		})
	}
}

func TestEvaluate_StagnationOutranksTiers(t *testing.T) {
	e := defaultEvaluator()
	d := e.Evaluate(sessionAtLoop(10), 98, true, Overrides{})
	if !d.IsComplete {
		t.Fatal("stagnant session must terminate")
	}
	if d.Reason != datatypes.ReasonStagnation {
		t.Errorf("Reason = %q, want stagnation even with a tier1-qualifying score", d.Reason)
	}
}

func TestEvaluate_TerminalSessionStaysTerminal(t *testing.T) {
	e := defaultEvaluator()
	s := sessionAtLoop(3)
	s.IsComplete = true
	s.CompletionReason = datatypes.ReasonTier2

	d := e.Evaluate(s, 10, false, Overrides{})
	if !d.IsComplete {
		t.Fatal("terminal session must stay terminal")
	}
	if d.Reason != datatypes.ReasonTier2 {
		t.Errorf("Reason = %q, want the original tier2", d.Reason)
	}
}

func TestEvaluate_ThresholdOverride(t *testing.T) {
	e := defaultEvaluator()

	// Lowered tier1 threshold: 90 now completes as tier1 inside its cap.
	d := e.Evaluate(sessionAtLoop(5), 90, false, Overrides{Tier1Score: 88})
	if !d.IsComplete || d.Reason != datatypes.ReasonTier1 {
		t.Errorf("decision = %+v, want tier1 with lowered threshold", d)
	}
	if d.ThresholdScore != 88 {
		t.Errorf("ThresholdScore = %d, want the override 88", d.ThresholdScore)
	}

	// Raised threshold: 95 no longer qualifies for tier1 but tier2 holds.
	d = e.Evaluate(sessionAtLoop(5), 95, false, Overrides{Tier1Score: 99})
	if d.Reason != datatypes.ReasonTier2 {
		t.Errorf("Reason = %q, want tier2 with raised tier1 threshold", d.Reason)
	}
}

func TestEvaluate_HardStopOverride(t *testing.T) {
	e := defaultEvaluator()

	d := e.Evaluate(sessionAtLoop(5), 10, false, Overrides{HardStop: 5})
	if !d.IsComplete || d.Reason != datatypes.ReasonHardStop {
		t.Errorf("decision = %+v, want hard_stop at the overridden cap", d)
	}
}

func TestHardStop_ClampsToCeiling(t *testing.T) {
	e := defaultEvaluator()

	tests := []struct {
		override int
		want     int
	}{
		{0, 25},   // no override keeps the configured cap
		{-3, 25},  // non-positive is ignored
		{30, 30},  // within ceiling
		{200, 50}, // clamped to MaxCyclesCeiling
	}
	for _, tt := range tests {
		if got := e.HardStop(tt.override); got != tt.want {
			t.Errorf("HardStop(%d) = %d, want %d", tt.override, got, tt.want)
		}
	}
}

func TestTrend(t *testing.T) {
	e := defaultEvaluator()

	tests := []struct {
		name   string
		scores []int
		want   datatypes.ProgressTrend
	}{
		{"no scores", nil, datatypes.TrendStagnant},
		{"single score", []int{50}, datatypes.TrendStagnant},
		{"improving by exactly 5", []int{50, 52, 55}, datatypes.TrendImproving},
		{"declining by exactly 5", []int{55, 53, 50}, datatypes.TrendDeclining},
		{"flat", []int{50, 54, 52}, datatypes.TrendStagnant},
		{"window ignores older scores", []int{10, 80, 81, 82}, datatypes.TrendStagnant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Trend(sessionWithScores(tt.scores...)); got != tt.want {
				t.Errorf("Trend() = %q, want %q", got, tt.want)
			}
		})
	}
}
