// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/storepath"
)

var errUnreachableSubstituter = errors.New("substituter unreachable")

// pipeConn adapts a net.Conn half of net.Pipe to daemon.Deadliner; the
// in-memory pipe net.Pipe returns already satisfies SetDeadline, but
// wrapping here documents that Serve/Dial only ever need this subset.
type pipeConn struct{ net.Conn }

func dialAndServe(t *testing.T, s DaemonStore) (*daemon.Client, func()) {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	srvDone := make(chan error, 1)
	go func() {
		conn, store, err := HandshakeDaemonStore(serverSide, daemon.TrustUnknown, "2.18.0", s)
		if err != nil {
			srvDone <- err
			return
		}
		srvDone <- Serve(context.Background(), conn, store)
	}()

	cl, err := daemon.Dial(pipeConn{clientSide})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	cleanup := func() {
		cl.Close()
		select {
		case <-srvDone:
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after client closed")
		}
	}
	return cl, cleanup
}

func TestServeIsValidPathRoundTrip(t *testing.T) {
	r := &fakeReporter{t: t}
	m := NewMock(r)
	path := storepath.Path("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1")
	m.Expect("IsValidPath", []any{path}, nil, true, nil)

	cl, cleanup := dialAndServe(t, m)
	defer cleanup()

	valid, err := cl.IsValidPath(context.Background(), daemon.DiscardLogSink, path)
	if err != nil {
		t.Fatalf("IsValidPath: %v", err)
	}
	if !valid {
		t.Error("IsValidPath = false; want true")
	}
	m.Done()
	if len(r.failures) != 0 {
		t.Errorf("unexpected reported failures: %v", r.failures)
	}
}

func TestServeQueryAllValidPathsStreamsLogs(t *testing.T) {
	r := &fakeReporter{t: t}
	m := NewMock(r)
	paths := []storepath.Path{
		"/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1",
		"/nix/store/04yfmxgybcdz51nwnx2kw8gc59r7n556-glibc-2.37",
	}
	logs := []daemon.LogMessage{
		{Type: daemon.LogNext, Text: "scanning store"},
	}
	m.Expect("QueryAllValidPaths", nil, logs, paths, nil)

	cl, cleanup := dialAndServe(t, m)
	defer cleanup()

	var seen []string
	sink := daemon.LogSinkFunc(func(msg daemon.LogMessage) { seen = append(seen, msg.Text) })
	got, err := cl.QueryAllValidPaths(context.Background(), sink)
	if err != nil {
		t.Fatalf("QueryAllValidPaths: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("QueryAllValidPaths = %v; want 2 paths", got)
	}
	if len(seen) != 1 || seen[0] != "scanning store" {
		t.Errorf("forwarded log messages = %v; want [\"scanning store\"]", seen)
	}
	m.Done()
	if len(r.failures) != 0 {
		t.Errorf("unexpected reported failures: %v", r.failures)
	}
}

func TestServeReportsSemanticErrorWithoutClosingConnection(t *testing.T) {
	r := &fakeReporter{t: t}
	m := NewMock(r)
	path := storepath.Path("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1")
	m.Expect("EnsurePath", []any{path}, nil, struct{}{}, errUnreachableSubstituter)
	m.Expect("IsValidPath", []any{path}, nil, false, nil)

	cl, cleanup := dialAndServe(t, m)
	defer cleanup()

	if err := cl.EnsurePath(context.Background(), daemon.DiscardLogSink, path); err == nil {
		t.Error("EnsurePath succeeded; want the scripted error")
	}

	valid, err := cl.IsValidPath(context.Background(), daemon.DiscardLogSink, path)
	if err != nil {
		t.Fatalf("IsValidPath after a failed op: %v", err)
	}
	if valid {
		t.Error("IsValidPath = true; want false")
	}
	m.Done()
	if len(r.failures) != 0 {
		t.Errorf("unexpected reported failures: %v", r.failures)
	}
}
