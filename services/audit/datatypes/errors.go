// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of machine-readable failure codes that
// cross the service boundary. The kind string is what clients see in
// the JSON-RPC error payload; diagnostics stay in the log stream.
type ErrorKind string

const (
	// KindAuditorUnavailable means the auditor executable could not be
	// found or executed.
	KindAuditorUnavailable ErrorKind = "AuditorUnavailable"

	// KindAuditorTimeout means the per-audit wall-clock deadline expired.
	KindAuditorTimeout ErrorKind = "AuditorTimeout"

	// KindAuditorParseError means no parse strategy recovered a result.
	KindAuditorParseError ErrorKind = "AuditorParseError"

	// KindAuditorCrash means the auditor exited non-zero with no
	// parseable output region.
	KindAuditorCrash ErrorKind = "AuditorCrash"

	// KindQueueTimeout means a job waited past the queue-wait deadline.
	KindQueueTimeout ErrorKind = "QueueTimeout"

	// KindQueueFull means the queue refused admission.
	KindQueueFull ErrorKind = "QueueFull"

	// KindSessionNotFound means the session id is unknown.
	KindSessionNotFound ErrorKind = "SessionNotFound"

	// KindSessionCorrupt means the session file failed validation.
	KindSessionCorrupt ErrorKind = "SessionCorrupt"

	// KindSessionComplete means a mutation targeted a terminal session.
	KindSessionComplete ErrorKind = "SessionComplete"

	// KindSessionLimit means the concurrent-session cap was reached.
	KindSessionLimit ErrorKind = "SessionLimit"

	// KindConfigInvalid means startup configuration validation failed.
	KindConfigInvalid ErrorKind = "ConfigInvalid"

	// KindInputInvalid means the request arguments were malformed.
	KindInputInvalid ErrorKind = "InputInvalid"

	// KindContextLifecycle means an external-context operation failed.
	KindContextLifecycle ErrorKind = "ContextLifecycleError"
)

// Error is a kind-tagged error that crosses the service boundary.
//
// The Kind is stable and machine-readable; Message is for humans.
// Wrapped causes are reachable via errors.Unwrap but never serialized
// to clients.
type Error struct {
	// Kind is the machine-readable failure code.
	Kind ErrorKind

	// Message is the human-readable description.
	Message string

	// cause is the wrapped underlying error, if any.
	cause error
}

// NewError creates a kind-tagged error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates a kind-tagged error wrapping a cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the ErrorKind from err, or empty when err carries
// no kind-tagged error in its chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
