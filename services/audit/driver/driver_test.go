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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
)

// fakeAuditor writes a shell script standing in for the auditor binary
// and returns its path.
func fakeAuditor(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake auditor scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-auditor")
	content := "#!/bin/sh\n" + script + "\n"
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testDriver(t *testing.T, script string, timeout time.Duration) *Driver {
	t.Helper()
	return New(Config{
		Executable:  fakeAuditor(t, script),
		Timeout:     timeout,
		GraceWindow: 500 * time.Millisecond,
	}, nil)
}

func TestRun_Success(t *testing.T) {
	d := testDriver(t, `echo '{"overall_score": 82, "verdict": "revise", "summary": "close"}'`, 5*time.Second)

	result, err := d.Run(context.Background(), Invocation{SubmissionText: "code"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.OverallScore != 82 || result.Verdict != datatypes.VerdictRevise {
		t.Errorf("result = %+v", result)
	}
}

func TestRun_RequestFileContents(t *testing.T) {
	sideFile := filepath.Join(t.TempDir(), "captured.json")
	// $1=audit $2=--request-file $3=path
	d := testDriver(t,
		`cp "$3" `+sideFile+`
echo '{"overall_score": 70, "verdict": "revise", "summary": "ok"}'`, 5*time.Second)

	inv := Invocation{
		SubmissionText: "func main() {}",
		Rubric:         []datatypes.RubricItem{{Name: "correctness", Weight: 1}},
		Budget:         datatypes.Budget{MaxCycles: 7, ThresholdScore: 95, Candidates: 2},
		Task:           "review the entrypoint",
		Scope:          "diff",
	}
	if _, err := d.Run(context.Background(), inv); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, err := os.ReadFile(sideFile)
	if err != nil {
		t.Fatalf("read captured request: %v", err)
	}
	var got Invocation
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("request file is not valid JSON: %v", err)
	}
	if got.SubmissionText != inv.SubmissionText || got.Budget.MaxCycles != 7 || got.Scope != "diff" {
		t.Errorf("captured invocation = %+v, want %+v", got, inv)
	}
}

func TestRun_ContextIDFlag(t *testing.T) {
	sideFile := filepath.Join(t.TempDir(), "args.txt")
	d := testDriver(t,
		`echo "$@" > `+sideFile+`
echo '{"overall_score": 70, "verdict": "revise", "summary": "ok"}'`, 5*time.Second)

	_, err := d.Run(context.Background(), Invocation{SubmissionText: "x", ExternalContextID: "ctx-42"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, _ := os.ReadFile(sideFile)
	if !bytes.Contains(data, []byte("--context-id ctx-42")) {
		t.Errorf("auditor args = %q, want --context-id ctx-42", data)
	}
}

func TestRun_Timeout_SyntheticResult(t *testing.T) {
	d := testDriver(t, `sleep 10`, 200*time.Millisecond)

	start := time.Now()
	result, err := d.Run(context.Background(), Invocation{SubmissionText: "x"})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrAuditorTimeout) {
		t.Fatalf("Run() error = %v, want ErrAuditorTimeout", err)
	}
	if result == nil || result.OverallScore != 50 || result.Verdict != datatypes.VerdictRevise {
		t.Errorf("result = %+v, want synthetic revise/50", result)
	}
	if elapsed > 3*time.Second {
		t.Errorf("Run took %v, the grace window should have bounded the wait", elapsed)
	}
}

func TestRun_Timeout_PartialOutputPreserved(t *testing.T) {
	d := testDriver(t,
		`echo '{"overall_score": 61, "verdict": "revise", "summary": "partial but complete record"}'
sleep 10`, 300*time.Millisecond)

	result, err := d.Run(context.Background(), Invocation{SubmissionText: "x"})
	if !errors.Is(err, ErrAuditorTimeout) {
		t.Fatalf("Run() error = %v, want ErrAuditorTimeout", err)
	}
	if result == nil || result.OverallScore != 61 {
		t.Errorf("result = %+v, want the parsed partial output", result)
	}
}

func TestRun_Crash(t *testing.T) {
	d := testDriver(t, `echo "panic: boom" >&2; exit 3`, 5*time.Second)

	_, err := d.Run(context.Background(), Invocation{SubmissionText: "x"})
	if !errors.Is(err, ErrAuditorCrash) {
		t.Fatalf("Run() error = %v, want ErrAuditorCrash", err)
	}
}

func TestRun_NonZeroExitWithParseableOutput(t *testing.T) {
	d := testDriver(t,
		`echo '{"overall_score": 45, "verdict": "reject", "summary": "bad"}'
exit 1`, 5*time.Second)

	result, err := d.Run(context.Background(), Invocation{SubmissionText: "x"})
	if err != nil {
		t.Fatalf("Run() error = %v, parseable output should win over exit code", err)
	}
	if result.Verdict != datatypes.VerdictReject {
		t.Errorf("Verdict = %q, want reject", result.Verdict)
	}
}

func TestRun_UnparseableOutput(t *testing.T) {
	d := testDriver(t, `echo "no json here at all"`, 5*time.Second)

	_, err := d.Run(context.Background(), Invocation{SubmissionText: "x"})
	if !errors.Is(err, ErrAuditorParseError) {
		t.Fatalf("Run() error = %v, want ErrAuditorParseError", err)
	}
}

func TestRun_ExecutableMissing(t *testing.T) {
	d := New(Config{
		Executable: filepath.Join(t.TempDir(), "does-not-exist"),
		Timeout:    time.Second,
	}, nil)

	_, err := d.Run(context.Background(), Invocation{SubmissionText: "x"})
	if !errors.Is(err, ErrAuditorUnavailable) {
		t.Fatalf("Run() error = %v, want ErrAuditorUnavailable", err)
	}
}

func TestRun_CallerCancellation(t *testing.T) {
	d := testDriver(t, `sleep 10`, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := d.Run(ctx, Invocation{SubmissionText: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRun_NilContext(t *testing.T) {
	d := testDriver(t, `true`, time.Second)
	//lint:ignore SA1012 nil context is the case under test
	_, err := d.Run(nil, Invocation{})
	if !errors.Is(err, ErrNilContext) {
		t.Fatalf("Run() error = %v, want ErrNilContext", err)
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 5}

	n, err := lw.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("Write() = (%d, %v), want (3, nil)", n, err)
	}

	// Crossing the limit truncates storage but reports the full length.
	n, err = lw.Write([]byte("defgh"))
	if err != nil || n != 5 {
		t.Fatalf("Write() = (%d, %v), want (5, nil)", n, err)
	}
	if !lw.truncated {
		t.Error("truncated flag should be set")
	}
	if buf.String() != "abcde" {
		t.Errorf("stored = %q, want %q", buf.String(), "abcde")
	}

	// Past the limit everything is discarded, still no short write.
	n, err = lw.Write([]byte("xyz"))
	if err != nil || n != 3 {
		t.Fatalf("Write() = (%d, %v), want (3, nil)", n, err)
	}
	if buf.String() != "abcde" {
		t.Errorf("stored = %q, want unchanged", buf.String())
	}
}

// =============================================================================
// Prober Tests
// =============================================================================

func TestProber_Available(t *testing.T) {
	exe := fakeAuditor(t, `if [ "$1" = "--version" ]; then echo "gan-auditor 1.4.2"; exit 0; fi; exit 1`)
	p := NewProber(exe, nil)

	if !p.IsAvailable(context.Background()) {
		t.Fatal("IsAvailable() = false, want true")
	}
	if v := p.Version(context.Background()); v != "gan-auditor 1.4.2" {
		t.Errorf("Version() = %q, want gan-auditor 1.4.2", v)
	}
}

func TestProber_Unavailable(t *testing.T) {
	p := NewProber(filepath.Join(t.TempDir(), "missing"), nil)
	if p.IsAvailable(context.Background()) {
		t.Fatal("IsAvailable() = true for a missing executable")
	}
	if v := p.Version(context.Background()); v != "" {
		t.Errorf("Version() = %q, want empty", v)
	}
}

func TestProber_CachesResult(t *testing.T) {
	countFile := filepath.Join(t.TempDir(), "count")
	exe := fakeAuditor(t, `echo x >> `+countFile+`; echo "v1"`)
	p := NewProber(exe, nil)

	for i := 0; i < 5; i++ {
		if !p.IsAvailable(context.Background()) {
			t.Fatal("IsAvailable() = false")
		}
	}

	data, err := os.ReadFile(countFile)
	if err != nil {
		t.Fatal(err)
	}
	if got := bytes.Count(data, []byte("x")); got != 1 {
		t.Errorf("probe ran %d times, want 1 (cached)", got)
	}
}
