// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Package narinfo parses and serializes the `.narinfo` text format
// substituters exchange over HTTP to describe a cached store object.
package narinfo

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/dsnet/compress/xz"

	"go.nixrs.dev/nixrs/contentaddress"
	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
)

// CompressionType names the codec a .narinfo's URL field was compressed
// with.
type CompressionType string

// The compression types Nix itself produces. Any other value parses
// successfully as an opaque passthrough (IsKnown reports false), so an
// unrecognized codec never fails parsing, only decompression.
const (
	NoCompression CompressionType = "none"
	Bzip2         CompressionType = "bzip2"
	XZ            CompressionType = "xz"
)

// IsKnown reports whether this module can decompress c.
func (c CompressionType) IsKnown() bool {
	switch c {
	case NoCompression, Bzip2, XZ:
		return true
	default:
		return false
	}
}

// NewReader wraps r to decompress data compressed with c. It supports
// none (or empty), bzip2 and xz, and returns an error for any other
// codec.
func (c CompressionType) NewReader(r io.Reader) (io.Reader, error) {
	switch c {
	case NoCompression, "":
		return r, nil
	case Bzip2:
		return bzip2.NewReader(r, nil)
	case XZ:
		return xz.NewReader(r, nil)
	default:
		return nil, fmt.Errorf("narinfo: unsupported compression %q", c)
	}
}

// Signature is a detached Ed25519 signature over a store object's
// fingerprint (see [Info.Fingerprint]), in Nix's "name:base64sig" text
// form.
type Signature struct {
	Name string
	Sig  []byte // ed25519.SignatureSize bytes
}

// String renders the signature in its text form.
func (s Signature) String() string {
	return s.Name + ":" + base64.StdEncoding.EncodeToString(s.Sig)
}

// ParseSignature parses a signature in "name:base64sig" form.
func ParseSignature(s string) (Signature, error) {
	name, b64, ok := strings.Cut(s, ":")
	if !ok {
		return Signature{}, fmt.Errorf("narinfo: signature %q missing ':'", s)
	}
	sig, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Signature{}, fmt.Errorf("narinfo: signature %q: %w", s, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return Signature{}, fmt.Errorf("narinfo: signature %q: want %d bytes, got %d", s, ed25519.SignatureSize, len(sig))
	}
	return Signature{Name: name, Sig: sig}, nil
}

// Verify reports whether s is a valid signature over fingerprint by the
// given public key.
func (s Signature) Verify(pub ed25519.PublicKey, fingerprint []byte) bool {
	return ed25519.Verify(pub, fingerprint, s.Sig)
}

// Sign produces a Signature named name over fingerprint using priv.
func Sign(name string, priv ed25519.PrivateKey, fingerprint []byte) Signature {
	return Signature{Name: name, Sig: ed25519.Sign(priv, fingerprint)}
}

// Info is a parsed .narinfo document, the metadata a binary cache serves
// about one store object alongside its NAR content.
type Info struct {
	StorePath   storepath.Path
	URL         string
	Compression CompressionType
	FileHash    nixhash.Hash // zero if not present
	FileSize    uint64
	NARHash     nixhash.Hash
	NARSize     uint64
	References  []storepath.Path
	Deriver     storepath.Path // zero if unknown
	System      string
	Sig         []Signature
	CA          contentaddress.ContentAddress // zero if not content-addressed
}

// Fingerprint returns the string Nix signs: the version field "1", the
// store path, NAR hash, NAR size, and sorted deduplicated references
// (full store paths separated by ','), joined by ';'.
func (info *Info) Fingerprint() string {
	refs := append([]storepath.Path(nil), info.References...)
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	var b strings.Builder
	b.WriteString("1;")
	b.WriteString(string(info.StorePath))
	b.WriteByte(';')
	b.WriteString(info.NARHash.String())
	b.WriteByte(';')
	b.WriteString(strconv.FormatUint(info.NARSize, 10))
	b.WriteByte(';')
	for i, ref := range refs {
		if i > 0 {
			if ref == refs[i-1] {
				continue
			}
			b.WriteByte(',')
		}
		b.WriteString(string(ref))
	}
	return b.String()
}

// requiredKeys are the narinfo keys Parse refuses to proceed without.
var requiredKeys = []string{"StorePath", "URL", "NarHash", "NarSize"}

// Parse decodes a .narinfo document. It tolerates unknown trailing keys
// and missing optional keys, but is strict about the required keys
// (StorePath, URL, NarHash, NarSize).
func Parse(data []byte) (*Info, error) {
	info := &Info{}
	have := make(map[string]bool)
	for lineno, line := range splitLines(data) {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("narinfo: line %d: missing \": \"", lineno+1)
		}
		have[key] = true
		if err := info.setField(key, value); err != nil {
			return nil, fmt.Errorf("narinfo: line %d: %w", lineno+1, err)
		}
	}
	for _, k := range requiredKeys {
		if !have[k] {
			return nil, fmt.Errorf("narinfo: missing required key %q", k)
		}
	}
	if info.Compression == "" {
		info.Compression = Bzip2
	}
	return info, nil
}

func splitLines(data []byte) []string {
	text := string(bytes.TrimRight(data, "\n"))
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func (info *Info) setField(key, value string) error {
	switch key {
	case "StorePath":
		p, err := storepath.Parse(value)
		if err != nil {
			return fmt.Errorf("StorePath: %w", err)
		}
		info.StorePath = p
	case "URL":
		info.URL = value
	case "Compression":
		info.Compression = CompressionType(value)
	case "FileHash":
		h, err := nixhash.ParseAny(value, nixhash.SHA256)
		if err != nil {
			return fmt.Errorf("FileHash: %w", err)
		}
		info.FileHash = h
	case "FileSize":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("FileSize: %w", err)
		}
		info.FileSize = n
	case "NarHash":
		h, err := nixhash.ParseAny(value, nixhash.SHA256)
		if err != nil {
			return fmt.Errorf("NarHash: %w", err)
		}
		info.NARHash = h
	case "NarSize":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("NarSize: %w", err)
		}
		info.NARSize = n
	case "References":
		// Unlike StorePath, References lists bare "<digest>-<name>"
		// bases, not full paths, so they must be joined against the
		// directory StorePath was parsed under.
		if info.StorePath == "" {
			return fmt.Errorf("References: StorePath must precede References")
		}
		fields := strings.Fields(value)
		info.References = make([]storepath.Path, 0, len(fields))
		for _, f := range fields {
			p, err := info.StorePath.Dir().Path(f)
			if err != nil {
				return fmt.Errorf("References: %w", err)
			}
			info.References = append(info.References, p)
		}
	case "Deriver":
		if info.StorePath == "" {
			return fmt.Errorf("Deriver: StorePath must precede Deriver")
		}
		p, err := info.StorePath.Dir().Path(value)
		if err != nil {
			return fmt.Errorf("Deriver: %w", err)
		}
		info.Deriver = p
	case "System":
		info.System = value
	case "Sig":
		sig, err := ParseSignature(value)
		if err != nil {
			return fmt.Errorf("Sig: %w", err)
		}
		info.Sig = append(info.Sig, sig)
	case "CA":
		ca, err := contentaddress.Parse(value)
		if err != nil {
			return fmt.Errorf("CA: %w", err)
		}
		info.CA = ca
	}
	return nil
}

// MarshalText encodes info as a .narinfo document, in the exact
// key-ordered form substituters exchange.
func (info *Info) MarshalText() ([]byte, error) {
	if info.StorePath == "" {
		return nil, fmt.Errorf("narinfo: marshal: StorePath is required")
	}
	if info.NARHash.IsZero() {
		return nil, fmt.Errorf("narinfo: marshal: NarHash is required")
	}
	if info.NARSize == 0 {
		return nil, fmt.Errorf("narinfo: marshal: NarSize is required")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "StorePath: %s\n", info.StorePath)
	fmt.Fprintf(&b, "URL: %s\n", info.URL)
	compression := info.Compression
	if compression == "" {
		compression = Bzip2
	}
	fmt.Fprintf(&b, "Compression: %s\n", compression)
	if !info.FileHash.IsZero() {
		fmt.Fprintf(&b, "FileHash: %s\n", info.FileHash.String())
	}
	if info.FileSize != 0 {
		fmt.Fprintf(&b, "FileSize: %d\n", info.FileSize)
	}
	fmt.Fprintf(&b, "NarHash: %s\n", info.NARHash.String())
	fmt.Fprintf(&b, "NarSize: %d\n", info.NARSize)
	if len(info.References) > 0 {
		b.WriteString("References:")
		for _, ref := range info.References {
			b.WriteByte(' ')
			b.WriteString(ref.Base())
		}
		b.WriteByte('\n')
	}
	if info.Deriver != "" {
		fmt.Fprintf(&b, "Deriver: %s\n", info.Deriver.Base())
	}
	if info.System != "" {
		fmt.Fprintf(&b, "System: %s\n", info.System)
	}
	for _, sig := range info.Sig {
		fmt.Fprintf(&b, "Sig: %s\n", sig.String())
	}
	if !info.CA.IsZero() {
		fmt.Fprintf(&b, "CA: %s\n", info.CA.String())
	}
	return []byte(b.String()), nil
}
