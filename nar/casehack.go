// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package nar

import (
	"strconv"
	"strings"
)

// CaseHackSuffix is the marker the case-hack convention places between a
// directory entry's real name and its disambiguating index.
const CaseHackSuffix = "~nix~case~hack~"

// EncodeCaseHack returns the on-disk name to use for a NAR entry called
// name when it is the nth (1-indexed) entry in its directory that
// collides with another entry under case-insensitive comparison. A
// non-colliding entry (n == 0) is returned unchanged.
//
// This mirrors the reference daemon's accommodation for case-insensitive
// host file systems (notably macOS's default HFS+/APFS configuration):
// since a NAR can legally contain two entries like "Foo" and "foo" in the
// same directory, restoring it to a case-insensitive file system must
// rename one of them to avoid a collision, while recording enough
// information to reconstruct the original name.
func EncodeCaseHack(name string, n int) string {
	if n <= 0 {
		return name
	}
	return name + CaseHackSuffix + strconv.Itoa(n)
}

// DecodeCaseHack splits a case-hacked on-disk name back into its original
// name and disambiguating index. It returns ok == false if name does not
// carry a case-hack suffix, in which case base == name.
func DecodeCaseHack(name string) (base string, n int, ok bool) {
	i := strings.LastIndex(name, CaseHackSuffix)
	if i < 0 {
		return name, 0, false
	}
	v, err := strconv.Atoi(name[i+len(CaseHackSuffix):])
	if err != nil || v <= 0 {
		return name, 0, false
	}
	return name[:i], v, true
}
