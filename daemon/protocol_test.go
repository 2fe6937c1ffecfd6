// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"net"
	"testing"

	"go.nixrs.dev/nixrs/wire"
)

func TestHandshakeNegotiatesMaxVersionOnBothSides(t *testing.T) {
	clientSide, serverSide := net.Pipe()

	type serverResult struct {
		conn *Conn
		err  error
	}
	done := make(chan serverResult, 1)
	go func() {
		conn, err := ServerHandshake(serverSide, TrustTrusted, "2.18.0")
		done <- serverResult{conn, err}
	}()

	cconn, err := ClientHandshake(clientSide)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	sres := <-done
	if sres.err != nil {
		t.Fatalf("ServerHandshake: %v", sres.err)
	}
	if cconn.Version != sres.conn.Version {
		t.Errorf("negotiated versions differ: client %s, server %s", cconn.Version, sres.conn.Version)
	}
	if cconn.Version != wire.MaxProtocolVersion {
		t.Errorf("negotiated version = %s; want max %s (both sides support it)", cconn.Version, wire.MaxProtocolVersion)
	}
}

func TestServerHandshakeRejectsWrongMagic(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(serverSide, TrustTrusted, "2.18.0")
		done <- err
	}()

	w := wire.NewWriter(clientSide)
	if err := w.Uint64(0xdeadbeef); err != nil {
		t.Fatalf("write bogus magic: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	clientSide.Close()

	if err := <-done; err == nil {
		t.Error("ServerHandshake accepted a bogus client magic")
	}
}
