// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stagnation detects unproductive loops by measuring textual
// similarity between recent normalized submissions.
//
// Similarity is the mean of trigram Jaccard similarity and normalized
// edit-distance similarity. The detector never fires before the
// activation floor, so early drafts that legitimately resemble each
// other do not end a session prematurely.
package stagnation

import (
	"log/slog"
	"sync"
)

// maxComparedRunes bounds the edit-distance computation. Submissions
// longer than this are compared on their prefix.
const maxComparedRunes = 4096

// Config configures the Detector.
type Config struct {
	// Threshold is the similarity cutoff in (0, 1].
	Threshold float64

	// StartLoop is the activation floor. Detection is disabled while
	// the session's loop count is below it.
	StartLoop int

	// Window is how many prior submissions the current one is
	// compared against.
	Window int
}

// Result is one detector observation.
type Result struct {
	// Stagnant is true when the session should terminate for
	// stagnation.
	Stagnant bool

	// Similarity is the maximum pairwise similarity observed, in
	// [0, 1]. Zero when no prior submissions exist.
	Similarity float64
}

// Detector tracks recent submissions per session and reports
// stagnation.
//
// Thread Safety: Safe for concurrent use.
type Detector struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	recent map[string][]string
}

// New creates a Detector.
func New(config Config, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Window < 1 {
		config.Window = 1
	}
	return &Detector{
		config: config,
		logger: logger.With(slog.String("component", "stagnation_detector")),
		recent: make(map[string][]string),
	}
}

// Observe records one normalized submission and evaluates stagnation.
//
// Description:
//
//	The submission is compared against up to Window prior submissions
//	for the same session. The maximum pairwise similarity is reported
//	regardless of the activation floor; the Stagnant flag additionally
//	requires currentLoop >= StartLoop. The submission is always
//	recorded, so the window advances even below the floor.
//
// Inputs:
//
//	sessionID - The session being observed.
//	currentLoop - The session's loop count before this submission is
//	    appended.
//	normalized - The normalized submission text.
//
// Outputs:
//
//	Result - The stagnation verdict and peak similarity.
//
// Thread Safety: Safe for concurrent use.
func (d *Detector) Observe(sessionID string, currentLoop int, normalized string) Result {
	d.mu.Lock()
	prior := d.recent[sessionID]

	peak := 0.0
	for _, p := range prior {
		if sim := Similarity(p, normalized); sim > peak {
			peak = sim
		}
	}

	window := append(prior, normalized)
	if len(window) > d.config.Window {
		window = window[len(window)-d.config.Window:]
	}
	d.recent[sessionID] = window
	d.mu.Unlock()

	stagnant := currentLoop >= d.config.StartLoop && peak >= d.config.Threshold
	if stagnant {
		d.logger.Warn("Stagnation detected",
			slog.String("session_id", sessionID),
			slog.Int("current_loop", currentLoop),
			slog.Float64("similarity", peak),
			slog.Float64("threshold", d.config.Threshold),
		)
	}
	return Result{Stagnant: stagnant, Similarity: peak}
}

// Forget drops the tracked window for a finished session.
func (d *Detector) Forget(sessionID string) {
	d.mu.Lock()
	delete(d.recent, sessionID)
	d.mu.Unlock()
}

// =============================================================================
// Similarity
// =============================================================================

// Similarity returns the mean of trigram Jaccard similarity and
// normalized edit-distance similarity, in [0, 1]. Identical inputs
// score 1; two empty inputs score 1.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return (trigramJaccard(a, b) + editSimilarity(a, b)) / 2
}

// trigramJaccard computes Jaccard similarity over rune trigrams.
func trigramJaccard(a, b string) float64 {
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for g := range ta {
		if tb[g] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

// trigrams returns the set of rune trigrams in s. Strings shorter than
// three runes contribute themselves as a single gram.
func trigrams(s string) map[string]bool {
	runes := []rune(s)
	set := make(map[string]bool)
	if len(runes) < 3 {
		if len(runes) > 0 {
			set[string(runes)] = true
		}
		return set
	}
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = true
	}
	return set
}

// editSimilarity is 1 - levenshtein(a, b) / max(len(a), len(b)),
// computed over rune prefixes bounded by maxComparedRunes.
func editSimilarity(a, b string) float64 {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) > maxComparedRunes {
		ra = ra[:maxComparedRunes]
	}
	if len(rb) > maxComparedRunes {
		rb = rb[:maxComparedRunes]
	}

	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein computes edit distance with a two-row DP.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
