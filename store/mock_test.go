// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"

	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/storepath"
)

type fakeReporter struct {
	t        *testing.T
	failures []string
}

func (r *fakeReporter) Errorf(format string, args ...any) {
	r.failures = append(r.failures, r.t.Name())
	r.t.Logf("mock reported failure: "+format, args...)
}

func TestMockScriptedCallSucceeds(t *testing.T) {
	r := &fakeReporter{t: t}
	m := NewMock(r)
	path := storepath.Path("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1")
	m.Expect("IsValidPath", []any{path}, nil, true, nil)

	rl := m.IsValidPath(context.Background(), path)
	got, err := rl.Drain(context.Background())
	if err != nil {
		t.Fatalf("IsValidPath: %v", err)
	}
	if !got {
		t.Errorf("IsValidPath = false; want true")
	}
	m.Done()
	if len(r.failures) != 0 {
		t.Errorf("unexpected reported failures: %v", r.failures)
	}
}

func TestMockOutOfOrderCallIsReported(t *testing.T) {
	r := &fakeReporter{t: t}
	m := NewMock(r)
	path := storepath.Path("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1")
	m.Expect("QueryAllValidPaths", nil, nil, []storepath.Path{path}, nil)

	rl := m.IsValidPath(context.Background(), path)
	rl.Drain(context.Background())
	if len(r.failures) == 0 {
		t.Error("expected a reported failure for a call-order mismatch, got none")
	}
	// The mismatched call already consumed the scripted step; clear the
	// script anyway so Done has nothing further to report.
	m.steps = nil
}

func TestMockUnconsumedStepIsReportedByDone(t *testing.T) {
	r := &fakeReporter{t: t}
	m := NewMock(r)
	m.Expect("OptimiseStore", nil, nil, struct{}{}, nil)
	m.Done()
	if len(r.failures) != 1 {
		t.Errorf("Done() reported %d failures; want 1", len(r.failures))
	}
}

func TestMockDeliversScriptedLogsBeforeResult(t *testing.T) {
	r := &fakeReporter{t: t}
	m := NewMock(r)
	logs := []daemon.LogMessage{{Type: daemon.LogNext, Text: "optimising"}}
	m.Expect("OptimiseStore", nil, logs, struct{}{}, nil)

	rl := m.OptimiseStore(context.Background())
	var seen []string
	for msg := range rl.Logs() {
		seen = append(seen, msg.Text)
	}
	if len(seen) != 1 || seen[0] != "optimising" {
		t.Errorf("logs before result = %q; want [\"optimising\"]", seen)
	}
	if _, err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("OptimiseStore: %v", err)
	}
	m.Done()
}
