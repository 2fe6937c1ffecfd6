// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

//go:build linux

package main

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// peerTrust inspects the SO_PEERCRED credentials of a Unix domain
// socket connection to decide whether the connecting process should be
// treated as trusted: the daemon's own UID, and root, are trusted
// regardless of the trustClients config setting.
func peerTrust(conn net.Conn, defaultTrusted bool) bool {
	if defaultTrusted {
		return true
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil || cred == nil {
		return false
	}
	return cred.Uid == 0 || int(cred.Uid) == os.Getuid()
}
