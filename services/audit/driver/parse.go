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
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

// diagnosticTailBytes bounds the raw output preserved in parse errors.
const diagnosticTailBytes = 2048

// ParseResult extracts an AuditResult from auditor stdout.
//
// Description:
//
//	Three strategies, tried in order:
//	 1. Strict: the whole output is a JSON AuditResult, or a JSON-lines
//	    stream whose terminal parseable record is one.
//	 2. Greedy: the longest balanced {...} substring is extracted and
//	    parsed strictly.
//	 3. Repair: unquoted keys, single-quoted strings, and trailing
//	    commas are fixed, then the repaired text is parsed.
//
//	Whatever parses must still pass AuditResult.Validate; a structurally
//	valid JSON document with an out-of-range score is a parse failure.
//
// Inputs:
//
//	output - Raw auditor stdout (possibly truncated).
//
// Outputs:
//
//	*datatypes.AuditResult - The parsed result.
//	error - ErrAuditorParseError (wrapped with a truncated raw tail)
//	        when all strategies fail.
func ParseResult(output string) (*datatypes.AuditResult, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty output", ErrAuditorParseError)
	}

	// Strategy 1: strict, including JSON-lines with a terminal record.
	if result, ok := parseStrict(trimmed); ok {
		return result, nil
	}

	// Strategy 2: greedy balanced-brace extraction.
	if candidate := longestBalancedObject(trimmed); candidate != "" {
		if result, ok := parseStrict(candidate); ok {
			return result, nil
		}

		// Strategy 3: repair pass on the extracted candidate.
		if result, ok := parseStrict(repairJSON(candidate)); ok {
			return result, nil
		}
	}

	// Strategy 3 on the whole output, in case extraction discarded
	// the repairable region.
	if result, ok := parseStrict(repairJSON(trimmed)); ok {
		return result, nil
	}

	return nil, fmt.Errorf("%w: raw tail: %q", ErrAuditorParseError, tail(trimmed, diagnosticTailBytes))
}

// parseStrict attempts strict JSON decoding, accepting either a single
// document or a JSON-lines stream whose last parseable line validates.
func parseStrict(text string) (*datatypes.AuditResult, bool) {
	if result, ok := decodeResult(text); ok {
		return result, true
	}

	// JSON-lines: scan from the end for the terminal record.
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		if result, ok := decodeResult(line); ok {
			return result, true
		}
	}
	return nil, false
}

// decodeResult unmarshals and validates one JSON document.
func decodeResult(text string) (*datatypes.AuditResult, bool) {
	var result datatypes.AuditResult
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&result); err != nil {
		// Retry tolerating unknown fields; auditors may emit extras.
		if err := json.Unmarshal([]byte(text), &result); err != nil {
			return nil, false
		}
	}
	if result.Verdict == "" {
		return nil, false
	}
	if err := result.Validate(); err != nil {
		return nil, false
	}
	return &result, true
}

// longestBalancedObject returns the longest balanced {...} substring,
// respecting string literals and escapes. Empty when none exists.
func longestBalancedObject(text string) string {
	best := ""
	n := len(text)
	for start := 0; start < n; start++ {
		if text[start] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < n; i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					if i-start+1 > len(best) {
						best = text[start : i+1]
					}
					i = n // done with this start
				}
			}
		}
	}
	return best
}

// repairJSON fixes the three malformations the repair pass covers:
// unquoted object keys, single-quoted strings, and trailing commas.
func repairJSON(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inString := false
	singleQuoted := false
	escaped := false
	runes := []rune(text)

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if inString {
			switch {
			case escaped:
				escaped = false
				b.WriteRune(r)
			case r == '\\':
				escaped = true
				b.WriteRune(r)
			case singleQuoted && r == '\'':
				inString = false
				b.WriteByte('"')
			case !singleQuoted && r == '"':
				inString = false
				b.WriteRune(r)
			case singleQuoted && r == '"':
				// Double quote inside single-quoted string: escape it.
				b.WriteString(`\"`)
			default:
				b.WriteRune(r)
			}
			continue
		}

		switch {
		case r == '"':
			inString = true
			singleQuoted = false
			b.WriteRune(r)
		case r == '\'':
			inString = true
			singleQuoted = true
			b.WriteByte('"')
		case r == ',':
			// Trailing comma: drop when the next non-space rune closes
			// the container.
			j := i + 1
			for j < len(runes) && unicode.IsSpace(runes[j]) {
				j++
			}
			if j < len(runes) && (runes[j] == '}' || runes[j] == ']') {
				continue
			}
			b.WriteRune(r)
		case unicode.IsLetter(r) || r == '_':
			// Possible unquoted key: letters/digits/underscores followed
			// by a colon, positioned where a key is legal.
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			k := j
			for k < len(runes) && unicode.IsSpace(runes[k]) {
				k++
			}
			word := string(runes[i:j])
			if k < len(runes) && runes[k] == ':' && !isJSONLiteral(word) {
				b.WriteByte('"')
				b.WriteString(word)
				b.WriteByte('"')
				i = j - 1
				continue
			}
			b.WriteString(word)
			i = j - 1
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isJSONLiteral reports whether word is a bare JSON literal that must
// not be quoted.
func isJSONLiteral(word string) bool {
	switch word {
	case "true", "false", "null":
		return true
	default:
		return false
	}
}

// tail returns the last n bytes of text.
func tail(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[len(text)-n:]
}
