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

import "errors"

var (
	// ErrAuditorUnavailable means the auditor executable could not be
	// found or executed.
	ErrAuditorUnavailable = errors.New("auditor executable unavailable")

	// ErrAuditorTimeout means the per-audit wall-clock deadline expired
	// before the auditor produced a complete result.
	ErrAuditorTimeout = errors.New("auditor invocation timed out")

	// ErrAuditorParseError means no parse strategy recovered a result
	// from the auditor's output.
	ErrAuditorParseError = errors.New("auditor output unparseable")

	// ErrAuditorCrash means the auditor exited non-zero with no
	// parseable output region.
	ErrAuditorCrash = errors.New("auditor process crashed")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("ctx must not be nil")
)
