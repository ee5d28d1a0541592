// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fingerprint implements submission normalization, content
// fingerprinting, and the hash-keyed audit result cache with a per-key
// single-flight gate.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// ConfigFenceTag is the fence language tag that marks an inline
// audit-config block inside a thought. Config blocks are control
// data, not submission content, so normalization drops them.
const ConfigFenceTag = "gan-config"

// Normalize canonicalizes a submission for fingerprinting.
//
// Description:
//
//	Three transformations, applied in order:
//	 1. Inline audit-config fenced blocks are removed entirely.
//	 2. Language tags on remaining code fences are lowercased.
//	 3. Runs of Unicode whitespace collapse to a single space, with
//	    leading/trailing whitespace trimmed.
//
//	Two submissions that differ only in whitespace, fence-tag casing,
//	or their config block therefore share a fingerprint.
//
// Inputs:
//
//	submission - The raw thought text.
//
// Outputs:
//
//	string - The normalized form.
func Normalize(submission string) string {
	stripped := StripConfigBlocks(submission)
	tagged := lowercaseFenceTags(stripped)
	return collapseWhitespace(tagged)
}

// Fingerprint hashes a normalized submission into a cache key.
//
// Inputs:
//
//	normalized - Output of Normalize.
//
// Outputs:
//
//	string - Hex-encoded SHA-256 of the normalized text.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// StripConfigBlocks removes fenced audit-config blocks from text.
//
// A config block is a fenced region whose tag equals ConfigFenceTag
// (case-insensitive). The fences and the enclosed content are removed.
func StripConfigBlocks(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	lines := strings.Split(text, "\n")
	inConfig := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if inConfig {
			if isFence(trimmed) && fenceTag(trimmed) == "" {
				inConfig = false
			}
			continue
		}
		if isFence(trimmed) && strings.EqualFold(fenceTag(trimmed), ConfigFenceTag) {
			inConfig = true
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// ExtractConfigBlock returns the content of the first audit-config
// fenced block, or "" when none is present.
func ExtractConfigBlock(text string) string {
	lines := strings.Split(text, "\n")
	var body []string
	inConfig := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if inConfig {
			if isFence(trimmed) && fenceTag(trimmed) == "" {
				return strings.Join(body, "\n")
			}
			body = append(body, line)
			continue
		}
		if isFence(trimmed) && strings.EqualFold(fenceTag(trimmed), ConfigFenceTag) {
			inConfig = true
		}
	}
	if inConfig {
		// Unterminated block; treat accumulated lines as the body.
		return strings.Join(body, "\n")
	}
	return ""
}

// lowercaseFenceTags lowercases the language tag on every code fence.
func lowercaseFenceTags(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !isFence(trimmed) {
			continue
		}
		tag := fenceTag(trimmed)
		if tag == "" || tag == strings.ToLower(tag) {
			continue
		}
		lines[i] = strings.Replace(line, tag, strings.ToLower(tag), 1)
	}
	return strings.Join(lines, "\n")
}

// collapseWhitespace replaces runs of Unicode whitespace with a single
// space and trims the result.
func collapseWhitespace(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inRun := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inRun = true
			continue
		}
		if inRun && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inRun = false
		b.WriteRune(r)
	}
	return b.String()
}

// isFence reports whether a trimmed line opens or closes a code fence.
func isFence(trimmed string) bool {
	return strings.HasPrefix(trimmed, "```")
}

// fenceTag returns the language tag following the fence markers.
func fenceTag(trimmed string) string {
	return strings.TrimSpace(strings.TrimLeft(trimmed, "`"))
}
