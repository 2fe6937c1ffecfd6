// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Package nar implements the Nix Archive (NAR) format: a deterministic,
// self-describing binary serialization of a single file, symlink, or
// directory tree. NAR is the format store objects are hashed and
// transferred in; it uses the same length-prefixed, zero-padded string
// encoding as the rest of the daemon wire protocol (see package
// go.nixrs.dev/nixrs/wire), so the token reader/writer here is built
// directly on top of it.
package nar

import (
	"fmt"
	"io"

	"go.nixrs.dev/nixrs/wire"
)

// Magic is the fixed string that begins every NAR stream.
const Magic = "nix-archive-1"

// EntryType identifies the kind of file system object a NAR node
// describes.
type EntryType int8

// The kinds of file system object NAR can represent.
const (
	TypeRegular EntryType = 1 + iota
	TypeSymlink
	TypeDirectory
)

// String returns the wire token for t: "regular", "symlink", or
// "directory".
func (t EntryType) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeSymlink:
		return "symlink"
	case TypeDirectory:
		return "directory"
	default:
		return fmt.Sprintf("EntryType(%d)", int8(t))
	}
}

// Metadata describes a single node in a NAR tree, without its content.
type Metadata struct {
	Type       EntryType
	Executable bool   // valid only when Type == TypeRegular
	Size       uint64 // valid only when Type == TypeRegular; length of content in bytes
	Target     string // valid only when Type == TypeSymlink
}

// EncodedSize returns the number of bytes the NAR serialization of a node
// with the given metadata occupies, not including any nested directory
// entries. For a directory this is the size of its opening and closing
// tokens only; callers summing a whole tree must add each entry's overhead
// and each child's EncodedSize.
func (m Metadata) EncodedSize() uint64 {
	size := tokenSize(len(tok1)) + tokenSize(len(tokType))
	switch m.Type {
	case TypeRegular:
		size += tokenSize(len(tokRegular))
		if m.Executable {
			size += tokenSize(len(tokExecutable)) + tokenSize(0)
		}
		size += tokenSize(len(tokContents)) + 8 + padUp(m.Size)
	case TypeSymlink:
		size += tokenSize(len(tokSymlink)) + tokenSize(len(tokTarget)) + tokenSize(len(m.Target))
	case TypeDirectory:
		size += tokenSize(len(tokDirectory))
	}
	size += tokenSize(len(tok2))
	return size
}

func padUp(n uint64) uint64 {
	return (n + 7) &^ 7
}

// tokenSize returns the encoded size of a length-prefixed, padded string
// of n content bytes: an 8-byte length prefix plus the content rounded up
// to the next 8-byte boundary.
func tokenSize(n int) uint64 {
	return 8 + padUp(uint64(n))
}

// The fixed tokens used by the NAR grammar.
const (
	tok1          = "("
	tok2          = ")"
	tokType       = "type"
	tokRegular    = "regular"
	tokSymlink    = "symlink"
	tokDirectory  = "directory"
	tokExecutable = "executable"
	tokContents   = "contents"
	tokTarget     = "target"
	tokEntry      = "entry"
	tokName       = "name"
	tokNode       = "node"
)

// writeToken writes s as a wire string, i.e. the same encoding used for
// daemon RPC strings: an 8-byte little-endian length followed by the bytes
// of s zero-padded to the next multiple of 8.
func writeToken(w *wire.Writer, s string) error {
	return w.String(s)
}

// expectToken reads a wire string and returns an error if it does not
// equal want.
func expectToken(r *wire.Reader, want string) error {
	got, err := r.String()
	if err != nil {
		return fmt.Errorf("nar: read token: %w", err)
	}
	if got != want {
		return fmt.Errorf("nar: expected %q, got %q", want, got)
	}
	return nil
}

// A Writer serializes a stream of NAR nodes. Callers typically do not use
// Writer directly; see [Dump] for serializing a whole file system tree
// from a source, or use Writer directly for streaming a single
// already-known-size file without buffering it in memory. Writes are
// buffered; call [Writer.Flush] once the stream is complete.
type Writer struct {
	w *wire.Writer
}

// NewWriter returns a Writer that writes a NAR stream to w, including the
// leading magic.
func NewWriter(w io.Writer) (*Writer, error) {
	ww := wire.NewWriter(w)
	if err := writeToken(ww, Magic); err != nil {
		return nil, fmt.Errorf("nar: write header: %w", err)
	}
	return &Writer{w: ww}, nil
}

// Flush writes any buffered data to the underlying stream. It must be
// called once after the top-level node has been fully written.
func (nw *Writer) Flush() error {
	return nw.w.Flush()
}

// WriteRegular writes a regular file node whose content is read from r,
// which must produce exactly size bytes.
func (nw *Writer) WriteRegular(executable bool, size uint64, r io.Reader) error {
	w := nw.w
	if err := writeToken(w, tok1); err != nil {
		return err
	}
	if err := writeToken(w, tokType); err != nil {
		return err
	}
	if err := writeToken(w, tokRegular); err != nil {
		return err
	}
	if executable {
		if err := writeToken(w, tokExecutable); err != nil {
			return err
		}
		if err := writeToken(w, ""); err != nil {
			return err
		}
	}
	if err := writeToken(w, tokContents); err != nil {
		return err
	}
	if err := w.Uint64(size); err != nil {
		return fmt.Errorf("nar: write contents length: %w", err)
	}
	n, err := io.CopyN(w, r, int64(size))
	if err != nil {
		return fmt.Errorf("nar: write contents: %w", err)
	}
	if uint64(n) != size {
		return fmt.Errorf("nar: short content write: wrote %d of %d bytes", n, size)
	}
	if pad := padLen(size); pad > 0 {
		var zero [8]byte
		if _, err := w.Write(zero[:pad]); err != nil {
			return fmt.Errorf("nar: write content padding: %w", err)
		}
	}
	return writeToken(w, tok2)
}

func padLen(n uint64) int {
	return int((-n) & 7)
}

// WriteSymlink writes a symlink node pointing at target.
func (nw *Writer) WriteSymlink(target string) error {
	w := nw.w
	for _, tok := range []string{tok1, tokType, tokSymlink, tokTarget} {
		if err := writeToken(w, tok); err != nil {
			return err
		}
	}
	if err := writeToken(w, target); err != nil {
		return err
	}
	return writeToken(w, tok2)
}

// BeginDirectory begins a directory node. Each child must be written with
// [Writer.BeginDirectoryEntry] and its node, and the directory closed with
// [Writer.EndDirectory].
func (nw *Writer) BeginDirectory() error {
	w := nw.w
	for _, tok := range []string{tok1, tokType, tokDirectory} {
		if err := writeToken(w, tok); err != nil {
			return err
		}
	}
	return nil
}

// BeginDirectoryEntry begins a directory entry named name. The entry's
// node must immediately follow (a call to WriteRegular, WriteSymlink,
// BeginDirectory/EndDirectory, or nested entries).
func (nw *Writer) BeginDirectoryEntry(name string) error {
	w := nw.w
	for _, tok := range []string{tokEntry, tok1, tokName} {
		if err := writeToken(w, tok); err != nil {
			return err
		}
	}
	if err := writeToken(w, name); err != nil {
		return err
	}
	return writeToken(w, tokNode)
}

// EndDirectoryEntry closes a directory entry opened with
// BeginDirectoryEntry.
func (nw *Writer) EndDirectoryEntry() error {
	return writeToken(nw.w, tok2)
}

// EndDirectory closes a directory node opened with BeginDirectory.
func (nw *Writer) EndDirectory() error {
	return writeToken(nw.w, tok2)
}
