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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
	"github.com/AleutianAI/AleutianAudit/services/audit/driver"
	"github.com/AleutianAI/AleutianAudit/services/audit/engine"
)

// =============================================================================
// Harness
// =============================================================================

type stubRunner struct {
	score int
}

func (s *stubRunner) Run(ctx context.Context, inv driver.Invocation) (*datatypes.AuditResult, error) {
	return &datatypes.AuditResult{
		OverallScore: s.score,
		Verdict:      datatypes.VerdictRevise,
		Summary:      "needs work",
		InlineComments: []datatypes.InlineComment{
			{Path: "main.go", Line: 3, Comment: "handle the error", Severity: "correctness"},
		},
	}, nil
}

type stubProber struct{}

func (stubProber) IsAvailable(ctx context.Context) bool { return true }
func (stubProber) Version(ctx context.Context) string   { return "stub" }

func newTestServer(t *testing.T, score int) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Sessions.StateDir = t.TempDir()
	cfg.Sessions.Persist = false
	cfg.Sessions.SweepInterval = 0
	cfg.LogDir = ""

	eng, err := engine.New(cfg, nil,
		engine.WithRunner(&stubRunner{score: score}),
		engine.WithProber(stubProber{}),
	)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return NewServer(eng, "test", nil)
}

// serve feeds newline-delimited requests through the server and decodes
// every emitted response line.
func serve(t *testing.T, s *Server, lines ...string) []rpcResponseWire {
	t.Helper()
	var out bytes.Buffer
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	if err := s.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	var responses []rpcResponseWire
	scanner := bufio.NewScanner(&out)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	for scanner.Scan() {
		var resp rpcResponseWire
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("unparseable response line %q: %v", scanner.Text(), err)
		}
		responses = append(responses, resp)
	}
	return responses
}

// rpcResponseWire decodes server output without the any-typed Result.
type rpcResponseWire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// byID indexes responses by their request id.
func byID(t *testing.T, responses []rpcResponseWire) map[string]rpcResponseWire {
	t.Helper()
	m := make(map[string]rpcResponseWire, len(responses))
	for _, r := range responses {
		m[string(r.ID)] = r
	}
	return m
}

func callLine(id int, thought string, thoughtNumber int, branchID string) string {
	args := map[string]any{
		"thought":           thought,
		"thoughtNumber":     thoughtNumber,
		"totalThoughts":     thoughtNumber,
		"nextThoughtNeeded": true,
	}
	if branchID != "" {
		args["branchId"] = branchID
	}
	params, _ := json.Marshal(map[string]any{"name": "audit_thought", "arguments": args})
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":%s}`, id, params)
}

// decodeReply unwraps content[0].text into the reply document.
func decodeReply(t *testing.T, resp rpcResponseWire) auditThoughtReply {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected RPC error: %+v", resp.Error)
	}
	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("content = %+v, want one text block", result.Content)
	}
	var reply auditThoughtReply
	if err := json.Unmarshal([]byte(result.Content[0].Text), &reply); err != nil {
		t.Fatalf("decode reply text: %v", err)
	}
	return reply
}

const codeSubmission = "fix:\n```go\nfunc main() { run() }\n```"

// =============================================================================
// Handshake and Discovery
// =============================================================================

func TestServe_Initialize(t *testing.T) {
	s := newTestServer(t, 70)
	responses := serve(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}

	var result initializeResult
	if err := json.Unmarshal(responses[0].Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != protocolVersion {
		t.Errorf("ProtocolVersion = %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != serverName || result.ServerInfo.Version != "test" {
		t.Errorf("ServerInfo = %+v", result.ServerInfo)
	}
}

func TestServe_ToolsList(t *testing.T) {
	s := newTestServer(t, 70)
	responses := serve(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	var result listToolsResult
	if err := json.Unmarshal(responses[0].Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "audit_thought" {
		t.Fatalf("Tools = %+v, want exactly audit_thought", result.Tools)
	}
	if len(result.Tools[0].InputSchema) == 0 {
		t.Error("tool published without an input schema")
	}
}

func TestServe_Ping(t *testing.T) {
	s := newTestServer(t, 70)
	responses := serve(t, s, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	if responses[0].Error != nil {
		t.Errorf("ping error = %+v", responses[0].Error)
	}
}

func TestServe_MethodNotFound(t *testing.T) {
	s := newTestServer(t, 70)
	responses := serve(t, s, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	if responses[0].Error == nil || responses[0].Error.Code != codeMethodNotFound {
		t.Fatalf("Error = %+v, want %d", responses[0].Error, codeMethodNotFound)
	}
}

// =============================================================================
// Framing
// =============================================================================

func TestServe_ParseError(t *testing.T) {
	s := newTestServer(t, 70)
	responses := serve(t, s, `{this is not json`)
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	if string(responses[0].ID) != "null" {
		t.Errorf("ID = %s, want null for unparseable requests", responses[0].ID)
	}
	if responses[0].Error == nil || responses[0].Error.Code != codeParseError {
		t.Errorf("Error = %+v, want %d", responses[0].Error, codeParseError)
	}
}

func TestServe_NotificationGetsNoResponse(t *testing.T) {
	s := newTestServer(t, 70)
	responses := serve(t, s,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
	)
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1 (notifications are silent)", len(responses))
	}
	if string(responses[0].ID) != "1" {
		t.Errorf("ID = %s, want 1", responses[0].ID)
	}
}

func TestServe_EmptyLinesSkipped(t *testing.T) {
	s := newTestServer(t, 70)
	responses := serve(t, s, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, "")
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
}

// =============================================================================
// audit_thought
// =============================================================================

func TestServe_ToolsCall_AuditedSubmission(t *testing.T) {
	s := newTestServer(t, 70)
	responses := serve(t, s, callLine(1, codeSubmission, 1, "sess-1"))
	reply := decodeReply(t, responses[0])

	if reply.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", reply.SessionID)
	}
	if !reply.NextThoughtNeeded {
		t.Error("score 70 must keep the loop going")
	}
	if reply.Gan == nil {
		t.Fatal("audited reply must carry a gan block")
	}
	if reply.Gan.Overall != 70 || reply.Gan.Verdict != "revise" {
		t.Errorf("gan = %d/%s, want 70/revise", reply.Gan.Overall, reply.Gan.Verdict)
	}
	if reply.Gan.Review.Summary != "needs work" {
		t.Errorf("Summary = %q", reply.Gan.Review.Summary)
	}
	if len(reply.Gan.Review.Inline) != 1 || reply.Gan.Review.Inline[0].Path != "main.go" {
		t.Errorf("Inline = %+v", reply.Gan.Review.Inline)
	}
	if reply.Gan.CompletionStatus.IsComplete {
		t.Error("in-progress session reported complete")
	}
}

func TestServe_ToolsCall_GatedSubmissionOmitsGan(t *testing.T) {
	s := newTestServer(t, 70)
	responses := serve(t, s, callLine(1, "just planning my approach for now", 1, "sess-1"))
	reply := decodeReply(t, responses[0])

	if reply.Gan != nil {
		t.Errorf("Gan = %+v, gated replies must omit the block entirely", reply.Gan)
	}
	if !reply.NextThoughtNeeded {
		t.Error("gated submission must keep the loop going")
	}
}

func TestServe_ToolsCall_CompletionStopsLoop(t *testing.T) {
	s := newTestServer(t, 96)
	responses := serve(t, s, callLine(1, codeSubmission, 1, "sess-1"))
	reply := decodeReply(t, responses[0])

	if reply.NextThoughtNeeded {
		t.Error("terminal session must clear nextThoughtNeeded")
	}
	if reply.Gan == nil || reply.Gan.TerminationInfo == nil {
		t.Fatal("terminal reply must carry terminationInfo")
	}
	if reply.Gan.TerminationInfo.Reason != "tier1" {
		t.Errorf("Reason = %q, want tier1", reply.Gan.TerminationInfo.Reason)
	}
	if reply.Gan.CompletionStatus.Reason == nil || *reply.Gan.CompletionStatus.Reason != "tier1" {
		t.Errorf("CompletionStatus.Reason = %v", reply.Gan.CompletionStatus.Reason)
	}
}

func TestServe_ToolsCall_UnknownTool(t *testing.T) {
	s := newTestServer(t, 70)
	responses := serve(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"summon_demon","arguments":{}}}`)
	if responses[0].Error == nil || responses[0].Error.Code != codeInvalidParams {
		t.Fatalf("Error = %+v, want %d", responses[0].Error, codeInvalidParams)
	}
}

func TestServe_ToolsCall_InvalidArguments(t *testing.T) {
	s := newTestServer(t, 70)
	// Missing thought; the engine rejects with a typed input error.
	responses := serve(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"audit_thought","arguments":{"thoughtNumber":1,"totalThoughts":1,"nextThoughtNeeded":true}}}`)

	rpcErr := responses[0].Error
	if rpcErr == nil || rpcErr.Code != codeInvalidParams {
		t.Fatalf("Error = %+v, want %d", rpcErr, codeInvalidParams)
	}
	data, _ := json.Marshal(rpcErr.Data)
	if !strings.Contains(string(data), string(datatypes.KindInputInvalid)) {
		t.Errorf("Data = %s, want kind %s", data, datatypes.KindInputInvalid)
	}
}

func TestServe_ToolsCall_UnknownArgumentKeysTolerated(t *testing.T) {
	s := newTestServer(t, 70)
	responses := serve(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"audit_thought","arguments":{"thought":"fix:\n`+
			"```go\\nfunc f() {}\\n```"+
			`","thoughtNumber":1,"totalThoughts":1,"nextThoughtNeeded":true,"futureField":"ignored"}}}`)
	reply := decodeReply(t, responses[0])
	if reply.Gan == nil {
		t.Error("unknown argument keys must not break the call")
	}
}

func TestServe_ConcurrentCallsAllAnswered(t *testing.T) {
	s := newTestServer(t, 70)
	lines := make([]string, 0, 4)
	for i := 1; i <= 4; i++ {
		lines = append(lines, callLine(i, codeSubmission, 1, fmt.Sprintf("sess-%d", i)))
	}
	responses := serve(t, s, lines...)
	if len(responses) != 4 {
		t.Fatalf("got %d responses, want 4", len(responses))
	}

	m := byID(t, responses)
	for i := 1; i <= 4; i++ {
		resp, ok := m[fmt.Sprintf("%d", i)]
		if !ok {
			t.Fatalf("no response for id %d", i)
		}
		reply := decodeReply(t, resp)
		if reply.SessionID != fmt.Sprintf("sess-%d", i) {
			t.Errorf("id %d answered with session %q", i, reply.SessionID)
		}
	}
}

// =============================================================================
// Error Mapping
// =============================================================================

func TestRPCErrorFor(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{
			"input invalid maps to invalid params",
			datatypes.NewError(datatypes.KindInputInvalid, "bad"),
			codeInvalidParams,
			"InputInvalid",
		},
		{
			"queue full maps to server error",
			datatypes.NewError(datatypes.KindQueueFull, "full"),
			codeServerError,
			"QueueFull",
		},
		{
			"auditor crash maps to server error",
			datatypes.NewError(datatypes.KindAuditorCrash, "boom"),
			codeServerError,
			"AuditorCrash",
		},
		{
			"untyped error maps to internal",
			errors.New("plain failure"),
			codeInternalError,
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rpcErrorFor(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", got.Code, tt.wantCode)
			}
			if tt.wantKind == "" {
				if got.Data != nil {
					t.Errorf("Data = %+v, want none for untyped errors", got.Data)
				}
				return
			}
			data, ok := got.Data.(errorData)
			if !ok || data.Kind != tt.wantKind {
				t.Errorf("Data = %+v, want kind %q", got.Data, tt.wantKind)
			}
		})
	}
}
