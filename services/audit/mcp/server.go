// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mcp serves the audit engine over JSON-RPC 2.0 on stdio using
// line-delimited framing. One tool is exposed: audit_thought.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
	"github.com/AleutianAI/AleutianAudit/services/audit/engine"
)

// maxLineBytes bounds one inbound JSON-RPC message.
const maxLineBytes = 16 << 20

// serverName identifies this server in the initialize handshake.
const serverName = "aleutian-audit"

// Server dispatches JSON-RPC 2.0 over a reader/writer pair.
//
// Thread Safety: Requests are handled concurrently; writes to the
// output stream are serialized by an internal lock.
type Server struct {
	eng     *engine.Engine
	logger  *slog.Logger
	version string

	writeMu sync.Mutex
	out     io.Writer
}

// NewServer creates a Server bound to the engine.
//
// Inputs:
//
//	eng - The audit engine.
//	version - Server version string for the handshake.
//	logger - Logger for structured logging. If nil, uses slog.Default().
func NewServer(eng *engine.Engine, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		eng:     eng,
		logger:  logger.With(slog.String("component", "mcp_server")),
		version: version,
	}
}

// Serve reads line-delimited JSON-RPC messages from in and writes
// responses to out until EOF or ctx cancellation.
//
// Description:
//
//	tools/call requests are handled on their own goroutines so a slow
//	audit does not block the read loop; responses are written in
//	completion order, which JSON-RPC permits.
//
// Outputs:
//
//	error - Non-nil on a read failure other than EOF.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(rpcResponse{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &rpcError{Code: codeParseError, Message: "parse error"},
			})
			continue
		}

		// Notifications get no response.
		if req.ID == nil {
			s.logger.Debug("Notification received", slog.String("method", req.Method))
			continue
		}

		wg.Add(1)
		go func(req rpcRequest) {
			defer wg.Done()
			s.write(s.dispatch(ctx, req))
		}(req)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdio: %w", err)
	}
	return nil
}

// dispatch routes one request to its handler.
func (s *Server) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		resp.Result = initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    capabilities{Tools: toolsCapability{}},
			ServerInfo:      implementation{Name: serverName, Version: s.version},
		}

	case "tools/list":
		resp.Result = listToolsResult{Tools: []toolDescriptor{{
			Name: "audit_thought",
			Description: "Submit a unit of work (code, diff, or design text) for " +
				"adversarial audit. Returns structured feedback with a score, " +
				"verdict, and completion status for the iterative improvement loop.",
			InputSchema: auditThoughtSchema,
		}}}

	case "tools/call":
		result, rpcErr := s.handleToolCall(ctx, req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}

	case "ping":
		resp.Result = struct{}{}

	default:
		resp.Error = &rpcError{
			Code:    codeMethodNotFound,
			Message: fmt.Sprintf("method %q not found", req.Method),
		}
	}
	return resp
}

// handleToolCall runs the audit_thought tool.
func (s *Server) handleToolCall(ctx context.Context, params json.RawMessage) (*callToolResult, *rpcError) {
	var call callToolParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "malformed tools/call params"}
	}
	if call.Name != "audit_thought" {
		return nil, &rpcError{
			Code:    codeInvalidParams,
			Message: fmt.Sprintf("unknown tool %q", call.Name),
		}
	}

	var args auditThoughtArgs
	raw := call.Arguments
	if raw == nil {
		raw = json.RawMessage("{}")
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&args); err != nil {
		// Unknown argument keys are tolerated; only type errors reject.
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "malformed audit_thought arguments"}
		}
	}

	payload, err := s.eng.AuditAndWait(ctx, engine.Request{
		SessionID:     args.BranchID,
		LoopID:        args.LoopID,
		ThoughtNumber: args.ThoughtNumber,
		TotalThoughts: args.TotalThoughts,
		Thought:       args.Thought,
	})
	if err != nil {
		s.logger.Warn("audit_thought failed",
			slog.String("kind", string(datatypes.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return nil, rpcErrorFor(err)
	}

	reply := buildReply(args, payload)
	text, err := json.Marshal(reply)
	if err != nil {
		return nil, &rpcError{Code: codeInternalError, Message: "failed to encode reply"}
	}
	return &callToolResult{
		Content: []contentBlock{{Type: "text", Text: string(text)}},
	}, nil
}

// write serializes one response to the output stream.
func (s *Server) write(resp rpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal response", slog.String("error", err.Error()))
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		if !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Error("Failed to write response", slog.String("error", err.Error()))
		}
	}
}
