// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Package contentaddress computes Nix content-addressed store paths: the
// fingerprint strings and hash compression function that turn a store
// object's content hash into the 20-byte digest embedded in its store path.
package contentaddress

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
)

// Method identifies how a store object's contents were hashed to produce a
// content address.
type Method int8

// The content-addressing methods recognized by the protocol.
const (
	// Text addresses a single regular file by the sha256 hash of its bytes;
	// used only for derivations' own ".drv" text and similar generated text.
	Text Method = 1 + iota
	// Flat addresses a single regular file by a plain hash of its bytes.
	Flat
	// Recursive addresses a full file system tree by the hash of its NAR
	// serialization.
	Recursive
)

// String returns the method's prefix as used in fingerprint strings:
// "text", "" (flat), or "r" (recursive).
func (m Method) String() string {
	switch m {
	case Text:
		return "text"
	case Flat:
		return ""
	case Recursive:
		return "r"
	default:
		return fmt.Sprintf("Method(%d)", int8(m))
	}
}

// ContentAddress identifies a content-addressing method together with the
// hash it produced.
type ContentAddress struct {
	method Method
	hash   nixhash.Hash
}

// NewText returns the content address of a text file hashed with hash,
// which must be a SHA-256 hash.
func NewText(hash nixhash.Hash) ContentAddress {
	if hash.Algorithm() != nixhash.SHA256 {
		panic("contentaddress.NewText: hash must be sha256")
	}
	return ContentAddress{method: Text, hash: hash}
}

// NewFlat returns the content address of a single file hashed flatly.
func NewFlat(hash nixhash.Hash) ContentAddress {
	return ContentAddress{method: Flat, hash: hash}
}

// NewRecursive returns the content address of a file system tree hashed via
// its NAR serialization.
func NewRecursive(hash nixhash.Hash) ContentAddress {
	return ContentAddress{method: Recursive, hash: hash}
}

// IsZero reports whether ca is the zero ContentAddress.
func (ca ContentAddress) IsZero() bool {
	return ca.hash.IsZero()
}

// Method returns ca's content-addressing method.
func (ca ContentAddress) Method() Method {
	return ca.method
}

// Hash returns ca's underlying hash.
func (ca ContentAddress) Hash() nixhash.Hash {
	return ca.hash
}

// methodAlgorithmString renders the "<method>:<algo>" prefix used both
// inside a ContentAddress's own string form and, doubled, inside the
// "fixed:out:..." fingerprint used for non-text, non-source store outputs.
func (ca ContentAddress) methodAlgorithmString() string {
	algo := ca.hash.Algorithm().String()
	switch ca.method {
	case Text:
		return "text:" + algo
	case Recursive:
		return "r:" + algo
	default:
		return algo
	}
}

// String renders ca the way the daemon prints it in "nix show-derivation"
// and similar tooling: "text:sha256:<base32>", "fixed:<algo>:<base32>" or
// "fixed:r:<algo>:<base32>".
func (ca ContentAddress) String() string {
	if ca.IsZero() {
		return ""
	}
	if ca.method == Text {
		return "text:" + ca.hash.Algorithm().String() + ":" + ca.hash.Base32()
	}
	return "fixed:" + ca.methodAlgorithmString() + ":" + ca.hash.Base32()
}

// fingerprint builds the string that is SHA-256 hashed and compressed to
// produce a store path's digest, per the reference implementation's
// make_store_path_from_ca.
//
// Three shapes exist:
//   - "text:sha256:<hex>:<dir>:<name>" for [Text].
//   - "source:sha256:<hex>:<dir>:<name>" for [Recursive] with a sha256 hash
//     (the common "source" case produced by dumping a directory tree).
//   - "output:out:<algo>:<hex>:<dir>:<name>" for every other case ([Flat],
//     or [Recursive] with a non-sha256 hash), where <hex> is the sha256 of
//     an inner "fixed:out:[r:]<algo>:<hex>" fingerprint.
func fingerprint(ca ContentAddress, dir storepath.Dir, name string) string {
	switch {
	case ca.method == Text:
		return fmt.Sprintf("text:%s:%s:%s:%s", ca.hash.Algorithm(), ca.hash.Base16(), dir, name)
	case ca.method == Recursive && ca.hash.Algorithm() == nixhash.SHA256:
		return fmt.Sprintf("source:%s:%s:%s:%s", ca.hash.Algorithm(), ca.hash.Base16(), dir, name)
	default:
		inner := fmt.Sprintf("fixed:out:%s:%s", ca.methodAlgorithmPrefixForOutput(), ca.hash.Base16())
		sum := sha256.Sum256([]byte(inner))
		return fmt.Sprintf("output:out:sha256:%s:%s:%s", hexString(sum[:]), dir, name)
	}
}

// methodAlgorithmPrefixForOutput renders the "[r:]<algo>" portion of the
// inner "fixed:out:..." fingerprint used by the "output" case. Unlike
// methodAlgorithmString, the text method never appears here because Text
// addresses always take the dedicated "text:" fingerprint shape above.
func (ca ContentAddress) methodAlgorithmPrefixForOutput() string {
	if ca.method == Recursive {
		return "r:" + ca.hash.Algorithm().String()
	}
	return ca.hash.Algorithm().String()
}

func hexString(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

// compressHash folds the bytes of in down to exactly size bytes by XORing
// each input byte into the output at index (i % size). This is the digest
// compression step used to shrink a 32-byte SHA-256 fingerprint hash down to
// a store path's 20-byte digest.
func compressHash(in []byte, size int) []byte {
	out := make([]byte, size)
	for i, b := range in {
		out[i%size] ^= b
	}
	return out
}

// MakeStorePath computes the store path for a content-addressed store
// object named name in dir, given the content address ca of its contents.
func MakeStorePath(dir storepath.Dir, ca ContentAddress, name string) (storepath.Path, error) {
	finger := fingerprint(ca, dir, name)
	sum := sha256.Sum256([]byte(finger))
	compressed := compressHash(sum[:], storepath.HashSize)
	var h storepath.Hash
	copy(h[:], compressed)
	return storepath.New(dir, h, name)
}

// FixedOutputPath computes the store path of a fixed-output derivation's
// single output, addressed by the given method and hash. This is an alias
// of [MakeStorePath] provided for call sites that think in terms of
// derivation outputs rather than raw content addresses.
func FixedOutputPath(dir storepath.Dir, method Method, hash nixhash.Hash, name string) (storepath.Path, error) {
	return MakeStorePath(dir, ContentAddress{method: method, hash: hash}, name)
}

// Parse parses the text form of a ContentAddress, e.g. "text:sha256:<base32>"
// or "fixed:r:sha256:<base32>".
func Parse(s string) (ContentAddress, error) {
	if rest, ok := strings.CutPrefix(s, "text:"); ok {
		algo, hex, ok := strings.Cut(rest, ":")
		if !ok || algo != "sha256" {
			return ContentAddress{}, fmt.Errorf("parse content address %q: text method requires sha256", s)
		}
		h, err := nixhash.ParseAny(hex, nixhash.SHA256)
		if err != nil {
			return ContentAddress{}, fmt.Errorf("parse content address %q: %w", s, err)
		}
		return NewText(h), nil
	}
	rest, ok := strings.CutPrefix(s, "fixed:")
	if !ok {
		return ContentAddress{}, fmt.Errorf("parse content address %q: unrecognized prefix", s)
	}
	method := Flat
	if r, ok := strings.CutPrefix(rest, "r:"); ok {
		method = Recursive
		rest = r
	}
	algoStr, hexStr, ok := strings.Cut(rest, ":")
	if !ok {
		return ContentAddress{}, fmt.Errorf("parse content address %q: missing hash", s)
	}
	algo, err := nixhash.ParseAlgorithm(algoStr)
	if err != nil {
		return ContentAddress{}, fmt.Errorf("parse content address %q: %w", s, err)
	}
	h, err := nixhash.ParseAny(hexStr, algo)
	if err != nil {
		return ContentAddress{}, fmt.Errorf("parse content address %q: %w", s, err)
	}
	return ContentAddress{method: method, hash: h}, nil
}

// MarshalText implements [encoding.TextMarshaler].
func (ca ContentAddress) MarshalText() ([]byte, error) {
	if ca.IsZero() {
		return nil, fmt.Errorf("marshal content address: zero value")
	}
	return []byte(ca.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (ca *ContentAddress) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*ca = parsed
	return nil
}
