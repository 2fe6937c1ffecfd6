// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Package wire implements the primitive encodings of the Nix store daemon
// wire protocol: little-endian u64 integers, booleans encoded as a u64,
// length-prefixed byte strings padded to an 8-byte boundary, and the
// string-list and string-to-string-map collections built from them.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"go.nixrs.dev/nixrs/wireio"
)

// MaxStringSize bounds the length of any single string or byte field this
// module will read from the wire, guarding against a corrupt or hostile
// peer claiming an enormous length and exhausting memory before any data
// has even arrived.
const MaxStringSize = 256 * 1024 * 1024

// A Reader reads the primitive encodings of the daemon wire protocol from
// an underlying byte stream.
type Reader struct {
	r   *wireio.Reader
	buf [8]byte
}

// NewReader returns a new [Reader] that reads from r.
func NewReader(r io.Reader) *Reader {
	if wr, ok := r.(*wireio.Reader); ok {
		return &Reader{r: wr}
	}
	return &Reader{r: wireio.NewReader(r)}
}

// Read reads raw, unframed bytes directly from the underlying buffered
// stream, bypassing the length-prefix and padding [Reader.Bytes]
// expects. It is used for framed-chunk payloads and for the legacy raw
// (unframed) NAR transmission, both of which carry their own framing
// one level up or none at all.
func (r *Reader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

// Uint64 reads a little-endian 64-bit unsigned integer.
func (r *Reader) Uint64() (uint64, error) {
	if _, err := wireio.ReadFull(r.r, r.buf[:8]); err != nil {
		return 0, fmt.Errorf("read uint64: %w", err)
	}
	return binary.LittleEndian.Uint64(r.buf[:8]), nil
}

// Int64 reads a little-endian 64-bit signed integer.
func (r *Reader) Int64() (int64, error) {
	u, err := r.Uint64()
	return int64(u), err
}

// Bool reads a boolean, encoded on the wire as a u64 that is zero for
// false and nonzero for true.
func (r *Reader) Bool() (bool, error) {
	u, err := r.Uint64()
	if err != nil {
		return false, fmt.Errorf("read bool: %w", err)
	}
	return u != 0, nil
}

// Bytes reads a length-prefixed, zero-padded byte string.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("read bytes: %w", err)
	}
	if n > MaxStringSize {
		return nil, fmt.Errorf("read bytes: length %d exceeds maximum %d", n, MaxStringSize)
	}
	buf := make([]byte, n)
	pr := wireio.NewPaddedReader(r.r, n)
	if _, err := wireio.ReadFull(pr, buf); err != nil {
		return nil, fmt.Errorf("read bytes: %w", err)
	}
	if err := pr.DrainTo(io.Discard); err != nil {
		return nil, fmt.Errorf("read bytes: %w", err)
	}
	return buf, nil
}

// String reads a length-prefixed, zero-padded string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// StringList reads a Nix-encoded list of strings: a u64 count followed by
// that many length-prefixed strings.
func (r *Reader) StringList() ([]string, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("read string list: %w", err)
	}
	out := make([]string, 0, capHint(n, 4096))
	for i := uint64(0); i < n; i++ {
		s, err := r.String()
		if err != nil {
			return nil, fmt.Errorf("read string list: element %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// StringMap reads a Nix-encoded string-to-string map: a u64 count followed
// by that many key/value string pairs.
func (r *Reader) StringMap() (map[string]string, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, fmt.Errorf("read string map: %w", err)
	}
	out := make(map[string]string, capHint(n, 4096))
	for i := uint64(0); i < n; i++ {
		k, err := r.String()
		if err != nil {
			return nil, fmt.Errorf("read string map: entry %d key: %w", i, err)
		}
		v, err := r.String()
		if err != nil {
			return nil, fmt.Errorf("read string map: entry %d value: %w", i, err)
		}
		out[k] = v
	}
	return out, nil
}

// capHint returns a to use as a preallocation hint, bounded by b so a
// corrupt or hostile peer's claimed element count cannot force an
// oversized allocation before any elements have actually been read.
func capHint(a uint64, b int) int {
	if a < uint64(b) {
		return int(a)
	}
	return b
}

// A Writer writes the primitive encodings of the daemon wire protocol to
// an underlying byte stream. Writes are buffered; call [Writer.Flush]
// once a full request or response has been written.
type Writer struct {
	w   *bufio.Writer
	buf [8]byte
}

// NewWriter returns a new [Writer] that writes to w.
func NewWriter(w io.Writer) *Writer {
	if bw, ok := w.(*bufio.Writer); ok {
		return &Writer{w: bw}
	}
	return &Writer{w: bufio.NewWriterSize(w, wireio.DefaultBufferSize)}
}

// Flush writes any buffered data to the underlying stream.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Write writes raw, unframed bytes, bypassing the length-prefix and
// padding that [Writer.Bytes] applies. It is used for framed-chunk
// payloads, which carry their own length prefix one level up.
func (w *Writer) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

// Uint64 writes a little-endian 64-bit unsigned integer.
func (w *Writer) Uint64(v uint64) error {
	binary.LittleEndian.PutUint64(w.buf[:8], v)
	if _, err := w.w.Write(w.buf[:8]); err != nil {
		return fmt.Errorf("write uint64: %w", err)
	}
	return nil
}

// Int64 writes a little-endian 64-bit signed integer.
func (w *Writer) Int64(v int64) error {
	return w.Uint64(uint64(v))
}

// Bool writes a boolean as a u64: 1 for true, 0 for false.
func (w *Writer) Bool(v bool) error {
	if v {
		return w.Uint64(1)
	}
	return w.Uint64(0)
}

var zeroPad [8]byte

// Bytes writes b as a length-prefixed byte string, zero-padded to the next
// 8-byte boundary.
func (w *Writer) Bytes(b []byte) error {
	if err := w.Uint64(uint64(len(b))); err != nil {
		return fmt.Errorf("write bytes: %w", err)
	}
	if _, err := w.w.Write(b); err != nil {
		return fmt.Errorf("write bytes: %w", err)
	}
	if pad := padLen(len(b)); pad > 0 {
		if _, err := w.w.Write(zeroPad[:pad]); err != nil {
			return fmt.Errorf("write bytes: padding: %w", err)
		}
	}
	return nil
}

func padLen(n int) int {
	return (-n) & 7
}

// String writes s as a length-prefixed, zero-padded string.
func (w *Writer) String(s string) error {
	return w.Bytes([]byte(s))
}

// StringList writes a slice of strings as a Nix string list.
func (w *Writer) StringList(ss []string) error {
	if err := w.Uint64(uint64(len(ss))); err != nil {
		return fmt.Errorf("write string list: %w", err)
	}
	for i, s := range ss {
		if err := w.String(s); err != nil {
			return fmt.Errorf("write string list: element %d: %w", i, err)
		}
	}
	return nil
}

// StringMap writes m as a Nix string-to-string map. Entries are written
// in Go map iteration order, which is random, so the byte output for a
// map with more than one entry varies between calls.
func (w *Writer) StringMap(m map[string]string) error {
	if err := w.Uint64(uint64(len(m))); err != nil {
		return fmt.Errorf("write string map: %w", err)
	}
	for k, v := range m {
		if err := w.String(k); err != nil {
			return fmt.Errorf("write string map: key: %w", err)
		}
		if err := w.String(v); err != nil {
			return fmt.Errorf("write string map: value for %q: %w", k, err)
		}
	}
	return nil
}
