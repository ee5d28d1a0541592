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
	"regexp"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// languageKeyword matches tokens that strongly suggest source code.
// Word-bounded so prose like "classical" or "importance" does not fire.
var languageKeyword = regexp.MustCompile(
	`(?m)\b(func|def|class|import|package|return|const|struct|interface|impl|` +
		`public|private|void|let|fn|lambda|async|await|elif|typedef|namespace)\b`)

// fencePattern matches an opening code fence.
var fencePattern = regexp.MustCompile("(?m)^\\s*```")

// diffMarker matches unified-diff hunk headers and file headers.
var diffMarker = regexp.MustCompile(`(?m)^(diff --git |--- |\+\+\+ |@@ )`)

// minKeywordHits is how many distinct keyword matches prose-with-jargon
// needs before it counts as code.
const minKeywordHits = 2

// ContainsCode is the must-audit gate heuristic.
//
// Description:
//
//	A submission is code-like when any of the following holds:
//	 - it contains a fenced code block;
//	 - it contains a parseable unified diff (validated with a real
//	   diff parser, so prose dashes do not fire);
//	 - it contains at least two language-keyword tokens.
//
//	Submissions that are pure prose skip the auditor entirely; the
//	session loop still advances.
//
// Inputs:
//
//	text - The raw submission text (config blocks already stripped).
//
// Outputs:
//
//	bool - True when the submission should be audited.
func ContainsCode(text string) bool {
	if fencePattern.MatchString(text) {
		return true
	}

	if diffMarker.MatchString(text) && containsUnifiedDiff(text) {
		return true
	}

	return len(languageKeyword.FindAllString(text, minKeywordHits)) >= minKeywordHits
}

// containsUnifiedDiff confirms marker-bearing text really parses as a
// unified diff.
func containsUnifiedDiff(text string) bool {
	if strings.Contains(text, "diff --git ") {
		return true
	}

	// Find the first file header and hand the remainder to the parser.
	idx := strings.Index(text, "--- ")
	if idx < 0 {
		return false
	}
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(text[idx:]))
	return err == nil && len(fileDiffs) > 0
}
