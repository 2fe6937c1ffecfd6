// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"fmt"
	"io"

	"go.nixrs.dev/nixrs/wire"
)

// ProtocolError reports a malformed or incompatible handshake.
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string { return "daemon: " + e.msg }

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}

// Conn is one end of an established daemon connection: a framed reader
// and writer sharing a negotiated protocol version.
type Conn struct {
	R       *wire.Reader
	W       *wire.Writer
	Raw     io.ReadWriter
	Version wire.ProtocolVersion
}

// ClientHandshake performs the client side of the handshake over rw and
// returns the established connection. The daemon's version string and
// trust level, sent at newer protocol versions, are read and discarded;
// callers read Conn.Version to decide which later messages to send.
func ClientHandshake(rw io.ReadWriter) (*Conn, error) {
	w := wire.NewWriter(rw)

	if err := w.Uint64(ClientMagic); err != nil {
		return nil, fmt.Errorf("daemon: send client magic: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("daemon: send client magic: %w", err)
	}

	r := wire.NewReader(rw)
	magic, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("daemon: read server magic: %w", err)
	}
	if magic != ServerMagic {
		return nil, protocolErrorf("unexpected server magic %#x", magic)
	}

	serverVersionRaw, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("daemon: read server version: %w", err)
	}
	serverVersion := wire.ProtocolVersion(serverVersionRaw)

	if err := w.Uint64(uint64(wire.MaxProtocolVersion)); err != nil {
		return nil, fmt.Errorf("daemon: send client version: %w", err)
	}

	negotiated := serverVersion
	if wire.MaxProtocolVersion < negotiated {
		negotiated = wire.MaxProtocolVersion
	}
	if !negotiated.Supported() {
		return nil, protocolErrorf("unsupported protocol version %s", negotiated)
	}

	if negotiated.Minor() >= 14 {
		if err := w.Uint64(0); err != nil { // cpu affinity, obsolete
			return nil, err
		}
	}
	if negotiated.Minor() >= 11 {
		if err := w.Uint64(0); err != nil { // reserve space, obsolete
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	if negotiated.Minor() >= 33 {
		if _, err := r.String(); err != nil { // nix version string
			return nil, fmt.Errorf("daemon: read nix version: %w", err)
		}
	}
	if negotiated.Minor() >= 35 {
		if _, err := r.Uint64(); err != nil { // server trust level, informational
			return nil, fmt.Errorf("daemon: read trust: %w", err)
		}
	}

	return &Conn{R: r, W: w, Raw: rw, Version: negotiated}, nil
}

// ServerHandshake performs the server side of the handshake over rw,
// reporting trustLevel and nixVersion to the client.
func ServerHandshake(rw io.ReadWriter, trustLevel TrustLevel, nixVersion string) (*Conn, error) {
	r := wire.NewReader(rw)
	magic, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("daemon: read client magic: %w", err)
	}
	if magic != ClientMagic {
		return nil, protocolErrorf("unexpected client magic %#x", magic)
	}

	w := wire.NewWriter(rw)
	if err := w.Uint64(ServerMagic); err != nil {
		return nil, err
	}
	if err := w.Uint64(uint64(wire.MaxProtocolVersion)); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	clientVersionRaw, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("daemon: read client version: %w", err)
	}
	clientVersion := wire.ProtocolVersion(clientVersionRaw)
	negotiated := clientVersion
	if wire.MaxProtocolVersion < negotiated {
		negotiated = wire.MaxProtocolVersion
	}
	if !negotiated.Supported() {
		return nil, protocolErrorf("unsupported protocol version %s", negotiated)
	}

	if negotiated.Minor() >= 14 {
		if _, err := r.Uint64(); err != nil {
			return nil, err
		}
	}
	if negotiated.Minor() >= 11 {
		if _, err := r.Uint64(); err != nil {
			return nil, err
		}
	}

	if negotiated.Minor() >= 33 {
		if err := w.String(nixVersion); err != nil {
			return nil, err
		}
	}
	if negotiated.Minor() >= 35 {
		if err := w.Uint64(uint64(trustLevel)); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	return &Conn{R: r, W: w, Raw: rw, Version: negotiated}, nil
}
