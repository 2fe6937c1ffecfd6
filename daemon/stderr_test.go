// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"bytes"
	"testing"

	"go.nixrs.dev/nixrs/wire"
)

func TestWriteReadLogMessageRoundTrip(t *testing.T) {
	tests := []LogMessage{
		{Type: LogNext, Text: "building foo"},
		{Type: LogStartActivity, Activity: &Activity{
			ID:     7,
			Level:  VerbInfo,
			Type:   ActBuild,
			Text:   "building",
			Fields: []LogField{{String: "pkg"}, {IsInt: true, Int: 3}},
			Parent: 1,
		}},
		{Type: LogStopActivity, ActivityID: 7},
		{Type: LogResult, Result: &ActivityResult{
			ID:     7,
			Type:   ResultType(1),
			Fields: []LogField{{IsInt: true, Int: 99}},
		}},
	}

	for _, version := range []wire.ProtocolVersion{wire.MinProtocolVersion, wire.MaxProtocolVersion} {
		for _, msg := range tests {
			var buf bytes.Buffer
			w := wire.NewWriter(&buf)
			if err := WriteLogMessage(w, msg); err != nil {
				t.Fatalf("WriteLogMessage(%+v): %v", msg, err)
			}
			if err := w.Flush(); err != nil {
				t.Fatalf("Flush: %v", err)
			}

			r := wire.NewReader(&buf)
			got, err := readLogMessage(r, version)
			if err != nil {
				t.Fatalf("readLogMessage: %v", err)
			}
			if got.Type != msg.Type {
				t.Errorf("Type = %v; want %v", got.Type, msg.Type)
			}
		}
	}
}

func TestWriteErrorRoundTripsThroughProcessStderr(t *testing.T) {
	for _, version := range []wire.ProtocolVersion{wire.MinProtocolVersion, wire.MaxProtocolVersion} {
		var buf bytes.Buffer
		w := wire.NewWriter(&buf)
		if err := WriteError(w, version, "build failed"); err != nil {
			t.Fatalf("WriteError: %v", err)
		}
		if err := w.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}

		r := wire.NewReader(&buf)
		err := processStderr(r, version, nil)
		var remote *RemoteError
		if !asRemoteError(err, &remote) {
			t.Fatalf("processStderr returned %v (%T); want *RemoteError", err, err)
		}
		if remote.Msg != "build failed" {
			t.Errorf("RemoteError.Msg = %q; want %q", remote.Msg, "build failed")
		}
	}
}

func asRemoteError(err error, out **RemoteError) bool {
	re, ok := err.(*RemoteError)
	if !ok {
		return false
	}
	*out = re
	return true
}

func TestProcessStderrForwardsLogNextToSink(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	if err := WriteLogMessage(w, LogMessage{Type: LogNext, Text: "hello"}); err != nil {
		t.Fatalf("WriteLogMessage: %v", err)
	}
	if err := WriteLast(w); err != nil {
		t.Fatalf("WriteLast: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var got []string
	sink := LogSinkFunc(func(msg LogMessage) { got = append(got, msg.Text) })
	r := wire.NewReader(&buf)
	if err := processStderr(r, wire.MaxProtocolVersion, sink); err != nil {
		t.Fatalf("processStderr: %v", err)
	}
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("forwarded = %v; want [\"hello\"]", got)
	}
}
