// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcp

import (
	"encoding/json"

	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

// protocolVersion is the MCP protocol revision this server speaks.
const protocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeServerError    = -32000
)

// =============================================================================
// JSON-RPC Envelope
// =============================================================================

// rpcRequest is one incoming JSON-RPC 2.0 message. A nil ID marks a
// notification.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is one outgoing JSON-RPC 2.0 message.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is the JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// errorData carries the machine-readable failure kind to clients.
type errorData struct {
	Kind string `json:"kind"`
}

// =============================================================================
// MCP Method Payloads
// =============================================================================

// initializeResult answers the initialize handshake.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    capabilities   `json:"capabilities"`
	ServerInfo      implementation `json:"serverInfo"`
}

type capabilities struct {
	Tools toolsCapability `json:"tools"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// toolDescriptor is one entry in tools/list.
type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []toolDescriptor `json:"tools"`
}

// callToolParams is the tools/call parameter shape.
type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// callToolResult wraps tool output as MCP content.
type callToolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// =============================================================================
// audit_thought Wire Shapes
// =============================================================================

// auditThoughtArgs is the tool argument shape.
type auditThoughtArgs struct {
	Thought           string `json:"thought"`
	ThoughtNumber     int    `json:"thoughtNumber"`
	TotalThoughts     int    `json:"totalThoughts"`
	NextThoughtNeeded bool   `json:"nextThoughtNeeded"`
	BranchID          string `json:"branchId,omitempty"`
	LoopID            string `json:"loopId,omitempty"`
}

// auditThoughtReply is the JSON document returned in content[0].text.
type auditThoughtReply struct {
	ThoughtNumber     int       `json:"thoughtNumber"`
	TotalThoughts     int       `json:"totalThoughts"`
	NextThoughtNeeded bool      `json:"nextThoughtNeeded"`
	SessionID         string    `json:"sessionId"`
	Gan               *ganBlock `json:"gan,omitempty"`
}

// ganBlock is the audit feedback block, absent when the must-audit
// gate skipped the auditor.
type ganBlock struct {
	Overall          int                         `json:"overall"`
	Verdict          string                      `json:"verdict"`
	Dimensions       []datatypes.Dimension       `json:"dimensions,omitempty"`
	Review           reviewBlock                 `json:"review"`
	JudgeCards       []judgeCardBlock            `json:"judge_cards,omitempty"`
	CompletionStatus datatypes.CompletionStatus  `json:"completionStatus"`
	LoopInfo         *datatypes.LoopInfo         `json:"loopInfo,omitempty"`
	TerminationInfo  *datatypes.Termination      `json:"terminationInfo,omitempty"`
}

type reviewBlock struct {
	Summary   string              `json:"summary"`
	Inline    []inlineReviewEntry `json:"inline"`
	Citations []string            `json:"citations"`
}

type inlineReviewEntry struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Comment string `json:"comment"`
}

type judgeCardBlock struct {
	Model string `json:"model"`
	Score int    `json:"score"`
	Notes string `json:"notes,omitempty"`
}

// auditThoughtSchema is the published JSON schema for the tool.
var auditThoughtSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "thought": {
      "type": "string",
      "description": "The submission to audit; may contain code fences and an inline gan-config block"
    },
    "thoughtNumber": {
      "type": "integer",
      "minimum": 1,
      "description": "Ordinal of this submission within the session"
    },
    "totalThoughts": {
      "type": "integer",
      "minimum": 1,
      "description": "Client's declared plan length"
    },
    "nextThoughtNeeded": {
      "type": "boolean",
      "description": "Whether the client expects to continue"
    },
    "branchId": {
      "type": "string",
      "description": "Session identifier; omit to start a new session"
    },
    "loopId": {
      "type": "string",
      "description": "External loop id enabling the long-lived auditor context"
    }
  },
  "required": ["thought", "thoughtNumber", "totalThoughts", "nextThoughtNeeded"]
}`)

// buildReply converts a feedback payload into the wire document.
func buildReply(args auditThoughtArgs, payload *datatypes.FeedbackPayload) auditThoughtReply {
	reply := auditThoughtReply{
		ThoughtNumber:     args.ThoughtNumber,
		TotalThoughts:     args.TotalThoughts,
		NextThoughtNeeded: !payload.Completion.IsComplete,
		SessionID:         payload.SessionID,
	}
	if payload.Gated {
		return reply
	}

	gan := &ganBlock{
		CompletionStatus: payload.Completion,
		LoopInfo:         payload.LoopInfo,
		TerminationInfo:  payload.Termination,
		Review: reviewBlock{
			Inline:    []inlineReviewEntry{},
			Citations: []string{},
		},
	}
	if audit := payload.Audit; audit != nil {
		gan.Overall = audit.OverallScore
		gan.Verdict = audit.Verdict.String()
		gan.Dimensions = audit.Dimensions
		gan.Review.Summary = audit.Summary
		for _, c := range audit.InlineComments {
			gan.Review.Inline = append(gan.Review.Inline, inlineReviewEntry{
				Path:    c.Path,
				Line:    c.Line,
				Comment: c.Comment,
			})
		}
		if audit.Citations != nil {
			gan.Review.Citations = audit.Citations
		}
		for _, j := range audit.JudgeCards {
			gan.JudgeCards = append(gan.JudgeCards, judgeCardBlock{
				Model: j.JudgeID,
				Score: j.Score,
				Notes: j.Notes,
			})
		}
	}
	reply.Gan = gan
	return reply
}

// rpcErrorFor maps typed service errors onto JSON-RPC error objects.
func rpcErrorFor(err error) *rpcError {
	kind := datatypes.KindOf(err)
	code := codeServerError
	switch kind {
	case datatypes.KindInputInvalid:
		code = codeInvalidParams
	case "":
		code = codeInternalError
	}
	out := &rpcError{Code: code, Message: err.Error()}
	if kind != "" {
		out.Data = errorData{Kind: string(kind)}
	}
	return out
}
