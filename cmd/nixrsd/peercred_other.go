// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package main

import "net"

// peerTrust falls back to the configured default on platforms where
// SO_PEERCRED isn't available.
func peerTrust(conn net.Conn, defaultTrusted bool) bool {
	return defaultTrusted
}
