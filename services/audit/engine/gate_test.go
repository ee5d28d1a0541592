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

import "testing"

func TestContainsCode(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{
			"fenced block",
			"here is my fix:\n```go\nx := 1\n```",
			true,
		},
		{
			"fence with leading spaces",
			"  ```python\nprint(1)\n```",
			true,
		},
		{
			"git diff",
			"diff --git a/main.go b/main.go\nindex 1..2 100644\n--- a/main.go\n+++ b/main.go\n@@ -1 +1 @@\n-old\n+new",
			true,
		},
		{
			"bare unified diff",
			"--- a/main.go\n+++ b/main.go\n@@ -1,2 +1,2 @@\n-old line\n+new line\n",
			true,
		},
		{
			"two language keywords",
			"the func parses input and the struct holds results",
			true,
		},
		{
			"raw code without fences",
			"package main\n\nimport \"fmt\"\n\nfunc main() { fmt.Println(1) }",
			true,
		},
		{
			"pure prose",
			"I think we should focus on improving the documentation and tutorials.",
			false,
		},
		{
			"single keyword is not enough",
			"we should return to this topic next sprint",
			false,
		},
		{
			"keywords inside words do not fire",
			"the classical importance of deferred returns in essays",
			false,
		},
		{
			"prose dashes are not a diff",
			"--- my notes ---\nsome thoughts about the design",
			false,
		},
		{
			"empty",
			"",
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsCode(tt.text); got != tt.want {
				t.Errorf("ContainsCode(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
