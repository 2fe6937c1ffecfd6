// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Package nixhash provides algorithm-tagged hash values in the encodings
// used throughout the Nix store daemon protocol: lowercase hex, nix-base32,
// standard base64, and SRI.
package nixhash

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"go.nixrs.dev/nixrs/nixbase32"
)

// Algorithm identifies a hash function supported by the protocol.
type Algorithm int8

// The hash algorithms recognized by the protocol.
const (
	MD5 Algorithm = 1 + iota
	SHA1
	SHA256
	SHA512
)

// String returns the lowercase name of the algorithm as used on the wire
// and in fingerprint strings (e.g. "sha256").
func (a Algorithm) String() string {
	switch a {
	case MD5:
		return "md5"
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	case SHA512:
		return "sha512"
	default:
		return fmt.Sprintf("Algorithm(%d)", int8(a))
	}
}

// Size returns the number of raw bytes a digest of this algorithm occupies.
func (a Algorithm) Size() int {
	switch a {
	case MD5:
		return md5.Size
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

// ParseAlgorithm parses a hash algorithm name such as "sha256".
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "md5":
		return MD5, nil
	case "sha1":
		return SHA1, nil
	case "sha256":
		return SHA256, nil
	case "sha512":
		return SHA512, nil
	default:
		return 0, fmt.Errorf("parse hash algorithm: unknown algorithm %q", s)
	}
}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	case SHA512:
		return sha512.New()
	default:
		panic("nixhash: unknown algorithm")
	}
}

// Hash is an algorithm-tagged, fixed-width digest.
// The zero value is not a valid Hash; use [Hash.IsZero] to detect it.
type Hash struct {
	algo   Algorithm
	digest [sha512.Size]byte
}

// New returns a new Hash for the given algorithm from raw digest bytes.
// It panics if len(digest) does not match algo's size.
func New(algo Algorithm, digest []byte) Hash {
	if len(digest) != algo.Size() {
		panic(fmt.Sprintf("nixhash.New: digest length %d does not match %v", len(digest), algo))
	}
	h := Hash{algo: algo}
	copy(h.digest[:], digest)
	return h
}

// IsZero reports whether h is the zero Hash (no algorithm set).
func (h Hash) IsZero() bool {
	return h.algo == 0
}

// Algorithm returns the hash's algorithm.
func (h Hash) Algorithm() Algorithm {
	return h.algo
}

// Bytes returns the raw digest bytes.
func (h Hash) Bytes() []byte {
	if h.IsZero() {
		return nil
	}
	b := make([]byte, h.algo.Size())
	copy(b, h.digest[:])
	return b
}

// Equal reports whether h and other represent the same algorithm and digest,
// comparing digest bytes in constant time.
func (h Hash) Equal(other Hash) bool {
	if h.algo != other.algo {
		return false
	}
	if h.IsZero() {
		return true
	}
	n := h.algo.Size()
	return subtle.ConstantTimeCompare(h.digest[:n], other.digest[:n]) == 1
}

// Base16 returns the lowercase hexadecimal encoding of the digest.
func (h Hash) Base16() string {
	return hex.EncodeToString(h.digest[:h.algo.Size()])
}

// Base32 returns the nix-base32 encoding of the digest.
func (h Hash) Base32() string {
	return nixbase32.EncodeToString(h.digest[:h.algo.Size()])
}

// Base64 returns the standard base64 encoding of the digest.
func (h Hash) Base64() string {
	return base64.StdEncoding.EncodeToString(h.digest[:h.algo.Size()])
}

// SRI returns the Subresource Integrity string form: "<algo>-<base64>".
func (h Hash) SRI() string {
	return h.algo.String() + "-" + h.Base64()
}

// String implements [fmt.Stringer] by returning "<algo>:<hex>", the
// algorithm name followed by the base-16 digest.
func (h Hash) String() string {
	if h.IsZero() {
		return ""
	}
	return h.algo.String() + ":" + h.Base16()
}

// MarshalText implements [encoding.TextMarshaler].
func (h Hash) MarshalText() ([]byte, error) {
	if h.IsZero() {
		return nil, fmt.Errorf("marshal hash: zero value")
	}
	return []byte(h.SRI()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler] by calling
// [ParseAny] with no algorithm hint.
func (h *Hash) UnmarshalText(data []byte) error {
	parsed, err := ParseAny(string(data), 0)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseAny parses s, which may be in hex, nix-base32, base64, or SRI form,
// optionally prefixed with "<algo>:" or "<algo>-". If s does not carry an
// explicit algorithm prefix, hint is used to determine both the algorithm
// and the expected length of a bare (unprefixed) encoding; hint may be zero
// if s is always expected to carry a prefix.
func ParseAny(s string, hint Algorithm) (Hash, error) {
	algo := hint
	rest := s
	if i := strings.IndexAny(s, ":-"); i >= 0 {
		if parsedAlgo, err := ParseAlgorithm(s[:i]); err == nil {
			algo = parsedAlgo
			rest = s[i+1:]
		}
	}
	if algo == 0 {
		return Hash{}, fmt.Errorf("parse hash %q: no algorithm specified", s)
	}
	digest, err := decodeDigest(rest, algo.Size())
	if err != nil {
		return Hash{}, fmt.Errorf("parse hash %q: %w", s, err)
	}
	return New(algo, digest), nil
}

// decodeDigest tries hex, nix-base32, and base64 in turn, accepting
// whichever one produces exactly wantLen bytes. Nix disambiguates encodings
// purely by length, since hex, base32, and base64 encodings of a fixed-width
// digest never collide in length for the algorithms this package supports.
func decodeDigest(s string, wantLen int) ([]byte, error) {
	switch len(s) {
	case hex.EncodedLen(wantLen):
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return b, nil
	case nixbase32Len(wantLen):
		b, err := nixbase32.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base32: %w", err)
		}
		return b, nil
	default:
		b, err := base64.StdEncoding.DecodeString(s)
		if err == nil && len(b) == wantLen {
			return b, nil
		}
		if b2, err2 := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err2 == nil && len(b2) == wantLen {
			return b2, nil
		}
		return nil, fmt.Errorf("encoded length %d does not match any known encoding of a %d-byte digest", len(s), wantLen)
	}
}

func nixbase32Len(n int) int {
	return nixbase32.EncodedLen(n)
}

// Context is a streaming hash accumulator; its zero value is not usable,
// use [NewContext].
type Context struct {
	algo Algorithm
	h    hash.Hash
}

// NewContext returns a new [Context] for the given algorithm.
func NewContext(algo Algorithm) *Context {
	return &Context{algo: algo, h: algo.newHash()}
}

// Write implements [io.Writer].
func (c *Context) Write(p []byte) (int, error) {
	return c.h.Write(p)
}

// WriteString writes the bytes of s to the hash.
func (c *Context) WriteString(s string) (int, error) {
	return c.h.Write([]byte(s))
}

// Sum returns the accumulated [Hash]. The Context may continue to be
// written to and summed again, like [hash.Hash.Sum].
func (c *Context) Sum() Hash {
	return New(c.algo, c.h.Sum(nil))
}

// A Sink wraps a [Context] as an [io.Writer] that additionally counts the
// total number of bytes written, matching the daemon's HashSink used when
// hashing a NAR stream as it is written to disk.
type Sink struct {
	ctx *Context
	n   int64
}

// NewSink returns a new [Sink] for the given algorithm.
func NewSink(algo Algorithm) *Sink {
	return &Sink{ctx: NewContext(algo)}
}

// Write implements [io.Writer].
func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.ctx.Write(p)
	s.n += int64(n)
	return n, err
}

// Sum returns the accumulated hash.
func (s *Sink) Sum() Hash {
	return s.ctx.Sum()
}

// Size returns the total number of bytes written to the sink so far.
func (s *Sink) Size() int64 {
	return s.n
}
