// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Package storepath implements Nix store path identifiers: a 20-byte hash
// plus a printable name, rendered as "<base32(hash)>-<name>" relative to a
// store directory.
package storepath

import (
	"fmt"
	"path"
	"strings"

	"go.nixrs.dev/nixrs/nixbase32"
)

// HashSize is the number of raw bytes in a store path's digest.
const HashSize = 20

// nameDigestLen is the length in characters of the base32-encoded digest
// that prefixes every store path name.
const nameDigestLen = 32 // nixbase32.EncodedLen(HashSize)

// MaxNameLen is the maximum length in bytes of the name portion of a store
// path (excluding the digest and separator).
const MaxNameLen = 211

// DerivationExt is the file extension used by store paths that name a
// derivation.
const DerivationExt = ".drv"

// Dir is the absolute POSIX path of a Nix store, e.g. "/nix/store".
// It never has a trailing slash.
type Dir string

// DefaultDir is the directory used by the reference daemon when none is
// configured.
const DefaultDir Dir = "/nix/store"

// Clean cleans dir as an absolute POSIX path store directory.
func Clean(dir string) (Dir, error) {
	if !path.IsAbs(dir) {
		return "", fmt.Errorf("store directory %q is not absolute", dir)
	}
	return Dir(path.Clean(dir)), nil
}

// Join joins elem to the store directory using the store directory's
// separator.
func (dir Dir) Join(elem ...string) string {
	return path.Join(append([]string{string(dir)}, elem...)...)
}

// Path returns the store path for name within dir.
func (dir Dir) Path(name string) (Path, error) {
	return Parse(dir.Join(name))
}

// Hash is the 20-byte digest portion of a [Path].
type Hash [HashSize]byte

// String returns the nix-base32 encoding of h.
func (h Hash) String() string {
	return nixbase32.EncodeToString(h[:])
}

// Compare orders hashes the way store paths are ordered: lexicographically
// on the *reversed* digest bytes, so that the base32 text form of the
// digest sorts the same way. This matches the reference implementation's
// choice to hash-order paths by their last (most-significant in base32)
// characters first.
func (h Hash) Compare(other Hash) int {
	for i := HashSize - 1; i >= 0; i-- {
		if h[i] != other[i] {
			if h[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ParseHash decodes the 32-character nix-base32 digest s.
func ParseHash(s string) (Hash, error) {
	if len(s) != nameDigestLen {
		return Hash{}, fmt.Errorf("parse store path hash %q: wrong length", s)
	}
	var h Hash
	if err := nixbase32.Decode(h[:], s); err != nil {
		return Hash{}, fmt.Errorf("parse store path hash %q: %w", s, err)
	}
	return h, nil
}

// Path is a Nix store path: the absolute path of a store object in the
// filesystem, e.g. "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1".
type Path string

// New constructs the store path with the given digest and name in dir.
func New(dir Dir, hash Hash, name string) (Path, error) {
	if err := validateName(name); err != nil {
		return "", fmt.Errorf("construct store path: %w", err)
	}
	return Path(dir.Join(hash.String() + "-" + name)), nil
}

// Parse parses an absolute path as an immediate child of a store directory.
func Parse(p string) (Path, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("parse store path %q: not absolute", p)
	}
	cleaned := path.Clean(p)
	_, base := path.Split(cleaned)
	if err := validateBase(base); err != nil {
		return "", fmt.Errorf("parse store path %q: %w", p, err)
	}
	return Path(cleaned), nil
}

func validateBase(base string) error {
	if len(base) < nameDigestLen+len("-")+1 {
		return fmt.Errorf("%q is too short", base)
	}
	if len(base) > nameDigestLen+1+MaxNameLen {
		return fmt.Errorf("%q is too long", base)
	}
	if base[nameDigestLen] != '-' {
		return fmt.Errorf("digest not separated by dash in %q", base)
	}
	if err := nixbase32.ValidateString(base[:nameDigestLen]); err != nil {
		return err
	}
	return validateName(base[nameDigestLen+1:])
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("name %q exceeds %d bytes", name, MaxNameLen)
	}
	for i := 0; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return fmt.Errorf("name %q contains illegal character %q at offset %d", name, name[i], i)
		}
	}
	return nil
}

func isNameChar(c byte) bool {
	return 'a' <= c && c <= 'z' ||
		'A' <= c && c <= 'Z' ||
		'0' <= c && c <= '9' ||
		c == '+' || c == '-' || c == '.' || c == '_' || c == '?' || c == '='
}

// Dir returns the store directory containing p.
func (p Path) Dir() Dir {
	return Dir(path.Dir(string(p)))
}

// Base returns the final path component: "<digest>-<name>".
func (p Path) Base() string {
	if p == "" {
		return ""
	}
	return path.Base(string(p))
}

// Digest returns the base32-encoded digest portion of the path's name.
func (p Path) Digest() string {
	base := p.Base()
	if len(base) < nameDigestLen {
		return ""
	}
	return base[:nameDigestLen]
}

// Hash decodes and returns the digest portion of the path's name.
func (p Path) Hash() (Hash, error) {
	return ParseHash(p.Digest())
}

// Name returns the part of the final path component after the digest and
// dash separator.
func (p Path) Name() string {
	base := p.Base()
	if len(base) <= nameDigestLen+1 {
		return ""
	}
	return base[nameDigestLen+1:]
}

// IsDerivation reports whether p names a derivation ("*.drv").
func (p Path) IsDerivation() bool {
	return strings.HasSuffix(p.Name(), DerivationExt)
}

// NameFromDerivation strips the trailing ".drv" extension from the path's
// name, or returns the name unchanged if it is not a derivation.
func (p Path) NameFromDerivation() string {
	return strings.TrimSuffix(p.Name(), DerivationExt)
}

// Compare orders p the way the reference daemon orders store paths: by
// reversed digest bytes, then by name. This is consistent with comparing
// the base32 text forms directly.
func (p Path) Compare(other Path) int {
	h1, err1 := p.Hash()
	h2, err2 := other.Hash()
	if err1 == nil && err2 == nil {
		if c := h1.Compare(h2); c != 0 {
			return c
		}
	} else if c := strings.Compare(p.Digest(), other.Digest()); c != 0 {
		return c
	}
	return strings.Compare(p.Name(), other.Name())
}

// MarshalText implements [encoding.TextMarshaler].
func (p Path) MarshalText() ([]byte, error) {
	if p == "" {
		return nil, fmt.Errorf("marshal store path: empty")
	}
	return []byte(p), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *Path) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
