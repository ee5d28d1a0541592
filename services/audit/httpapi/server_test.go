// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
	"github.com/AleutianAI/AleutianAudit/services/audit/driver"
	"github.com/AleutianAI/AleutianAudit/services/audit/engine"
)

type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, inv driver.Invocation) (*datatypes.AuditResult, error) {
	return &datatypes.AuditResult{
		OverallScore: 70,
		Verdict:      datatypes.VerdictRevise,
		Summary:      "keep going",
	}, nil
}

type stubProber struct{ available bool }

func (p stubProber) IsAvailable(ctx context.Context) bool { return p.available }
func (p stubProber) Version(ctx context.Context) string   { return "stub" }

func newTestServer(t *testing.T, auditorUp bool) (*Server, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Sessions.StateDir = t.TempDir()
	cfg.Sessions.Persist = false
	cfg.Sessions.SweepInterval = 0

	eng, err := engine.New(cfg, nil,
		engine.WithRunner(stubRunner{}),
		engine.WithProber(stubProber{available: auditorUp}),
	)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return NewServer(eng, "127.0.0.1:0", nil), eng
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

// seedSession runs one audit so a session exists.
func seedSession(t *testing.T, eng *engine.Engine, id string) {
	t.Helper()
	_, err := eng.AuditAndWait(context.Background(), engine.Request{
		SessionID:     id,
		ThoughtNumber: 1,
		TotalThoughts: 1,
		Thought:       "fix:\n```go\nfunc f() {}\n```",
	})
	if err != nil {
		t.Fatalf("seed audit error = %v", err)
	}
}

func TestHealthz(t *testing.T) {
	t.Run("auditor up", func(t *testing.T) {
		s, _ := newTestServer(t, true)
		rec := doRequest(t, s, http.MethodGet, "/healthz")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}

		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body["status"] != "ok" || body["auditor_available"] != true {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("auditor down", func(t *testing.T) {
		s, _ := newTestServer(t, false)
		rec := doRequest(t, s, http.MethodGet, "/healthz")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
	})
}

func TestStats(t *testing.T) {
	s, eng := newTestServer(t, true)
	seedSession(t, eng, "s1")

	rec := doRequest(t, s, http.MethodGet, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var stats engine.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if !stats.AuditorAvailable {
		t.Error("AuditorAvailable = false")
	}
	if stats.Sessions.Loaded != 1 {
		t.Errorf("Sessions.Loaded = %d, want 1", stats.Sessions.Loaded)
	}
}

func TestListSessions(t *testing.T) {
	s, eng := newTestServer(t, true)
	seedSession(t, eng, "s1")
	seedSession(t, eng, "s2")

	rec := doRequest(t, s, http.MethodGet, "/v1/audit/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Sessions []struct {
			ID          string `json:"id"`
			CurrentLoop int    `json:"current_loop"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(body.Sessions))
	}
	for _, sess := range body.Sessions {
		if sess.CurrentLoop != 1 {
			t.Errorf("session %s CurrentLoop = %d, want 1", sess.ID, sess.CurrentLoop)
		}
	}
}

func TestGetSession(t *testing.T) {
	s, eng := newTestServer(t, true)
	seedSession(t, eng, "s1")

	rec := doRequest(t, s, http.MethodGet, "/v1/audit/sessions/s1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var sess datatypes.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatal(err)
	}
	if sess.ID != "s1" || sess.CurrentLoop != 1 {
		t.Errorf("session = %+v", sess)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := doRequest(t, s, http.MethodGet, "/v1/audit/sessions/ghost")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["kind"] != string(datatypes.KindSessionNotFound) {
		t.Errorf("kind = %q", body["kind"])
	}
}

func TestDeleteSession(t *testing.T) {
	s, eng := newTestServer(t, true)
	seedSession(t, eng, "s1")

	rec := doRequest(t, s, http.MethodDelete, "/v1/audit/sessions/s1")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/audit/sessions/s1")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after purge = %d, want 404", rec.Code)
	}
}

func TestKillSession(t *testing.T) {
	s, eng := newTestServer(t, true)
	seedSession(t, eng, "s1")

	rec := doRequest(t, s, http.MethodPost, "/v1/audit/sessions/s1/kill")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var sess datatypes.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatal(err)
	}
	if !sess.IsComplete || sess.CompletionReason != datatypes.ReasonExternalTerminate {
		t.Errorf("session = %+v, want external_terminate", sess)
	}

	// The record survives a kill; only delete removes it.
	rec = doRequest(t, s, http.MethodGet, "/v1/audit/sessions/s1")
	if rec.Code != http.StatusOK {
		t.Errorf("status after kill = %d, want 200", rec.Code)
	}
}

func TestKillSession_NotFound(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := doRequest(t, s, http.MethodPost, "/v1/audit/sessions/ghost/kill")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
