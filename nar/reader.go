// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package nar

import (
	"fmt"
	"io"
	"path"

	"go.nixrs.dev/nixrs/wireio"
)

// A Visitor receives the nodes of a NAR tree in preorder as [Parse] walks
// it. p is the node's slash-separated path relative to the root ("" for
// the root itself).
//
// OnFile's r is only valid for the duration of the call. Content that
// OnFile leaves unread is read and discarded by the parser after OnFile
// returns.
type Visitor interface {
	OnFile(p string, executable bool, size uint64, r io.Reader) error
	OnSymlink(p string, target string) error
	OnDirectory(p string) error
}

// Parse reads a NAR stream from r, checks its magic header, and invokes v
// for every node in the tree in preorder.
func Parse(r io.Reader, v Visitor) error {
	wr := wireio.NewReader(r)
	tr := newTokenReader(wr)
	if err := expectString(tr, Magic); err != nil {
		return fmt.Errorf("nar: bad header: %w", err)
	}
	if err := parseNode(tr, "", v); err != nil {
		return err
	}
	return nil
}

// tokenReader wraps the wire string-reading primitives over a raw byte
// stream so the NAR parser can read tokens directly without going through
// package wire's Reader (which buffers independently); it is intentionally
// thin since the encodings are identical.
type tokenReader struct {
	r *wireio.Reader
}

func newTokenReader(r *wireio.Reader) *tokenReader {
	return &tokenReader{r: r}
}

func (t *tokenReader) uint64() (uint64, error) {
	var buf [8]byte
	if _, err := wireio.ReadFull(t.r, buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

func (t *tokenReader) string() (string, error) {
	n, err := t.uint64()
	if err != nil {
		return "", err
	}
	if n > MaxTokenSize {
		return "", fmt.Errorf("nar: token length %d exceeds maximum %d", n, MaxTokenSize)
	}
	buf := make([]byte, n)
	pr := wireio.NewPaddedReader(t.r, n)
	if _, err := wireio.ReadFull(pr, buf); err != nil {
		return "", err
	}
	if err := pr.DrainTo(io.Discard); err != nil {
		return "", err
	}
	return string(buf), nil
}

// MaxTokenSize bounds the length of any single NAR token (a name, target,
// or structural keyword; not file content, which is read separately).
const MaxTokenSize = 64 * 1024

func expectString(t *tokenReader, want string) error {
	got, err := t.string()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("nar: expected %q, got %q", want, got)
	}
	return nil
}

func parseNode(t *tokenReader, p string, v Visitor) error {
	if err := expectString(t, tok1); err != nil {
		return fmt.Errorf("nar: node %q: %w", p, err)
	}
	if err := expectString(t, tokType); err != nil {
		return fmt.Errorf("nar: node %q: %w", p, err)
	}
	kind, err := t.string()
	if err != nil {
		return fmt.Errorf("nar: node %q: read type: %w", p, err)
	}
	switch kind {
	case tokRegular:
		return parseRegular(t, p, v)
	case tokSymlink:
		return parseSymlink(t, p, v)
	case tokDirectory:
		return parseDirectory(t, p, v)
	default:
		return fmt.Errorf("nar: node %q: unknown type %q", p, kind)
	}
}

func parseRegular(t *tokenReader, p string, v Visitor) error {
	executable := false
	tok, err := t.string()
	if err != nil {
		return fmt.Errorf("nar: node %q: %w", p, err)
	}
	if tok == tokExecutable {
		executable = true
		if err := expectString(t, ""); err != nil {
			return fmt.Errorf("nar: node %q: %w", p, err)
		}
		tok, err = t.string()
		if err != nil {
			return fmt.Errorf("nar: node %q: %w", p, err)
		}
	}
	if tok != tokContents {
		return fmt.Errorf("nar: node %q: expected %q, got %q", p, tokContents, tok)
	}
	size, err := t.uint64()
	if err != nil {
		return fmt.Errorf("nar: node %q: read content length: %w", p, err)
	}
	pr := wireio.NewPaddedReader(t.r, size)
	if err := v.OnFile(p, executable, size, pr); err != nil {
		return fmt.Errorf("nar: node %q: %w", p, err)
	}
	if err := pr.DrainTo(io.Discard); err != nil {
		return fmt.Errorf("nar: node %q: content: %w", p, err)
	}
	return expectString(t, tok2)
}

func parseSymlink(t *tokenReader, p string, v Visitor) error {
	if err := expectString(t, tokTarget); err != nil {
		return fmt.Errorf("nar: node %q: %w", p, err)
	}
	target, err := t.string()
	if err != nil {
		return fmt.Errorf("nar: node %q: read target: %w", p, err)
	}
	if err := v.OnSymlink(p, target); err != nil {
		return fmt.Errorf("nar: node %q: %w", p, err)
	}
	return expectString(t, tok2)
}

func parseDirectory(t *tokenReader, p string, v Visitor) error {
	if err := v.OnDirectory(p); err != nil {
		return fmt.Errorf("nar: node %q: %w", p, err)
	}
	prevName := ""
	for {
		tok, err := t.string()
		if err != nil {
			return fmt.Errorf("nar: node %q: %w", p, err)
		}
		if tok == tok2 {
			return nil
		}
		if tok != tokEntry {
			return fmt.Errorf("nar: node %q: expected %q or %q, got %q", p, tokEntry, tok2, tok)
		}
		if err := expectString(t, tok1); err != nil {
			return fmt.Errorf("nar: node %q: entry: %w", p, err)
		}
		if err := expectString(t, tokName); err != nil {
			return fmt.Errorf("nar: node %q: entry: %w", p, err)
		}
		name, err := t.string()
		if err != nil {
			return fmt.Errorf("nar: node %q: entry: read name: %w", p, err)
		}
		if err := validateEntryName(name); err != nil {
			return fmt.Errorf("nar: node %q: %w", p, err)
		}
		if prevName != "" && name <= prevName {
			return fmt.Errorf("nar: node %q: entry %q is out of order after %q", p, name, prevName)
		}
		prevName = name
		if err := expectString(t, tokNode); err != nil {
			return fmt.Errorf("nar: node %q: entry %q: %w", p, name, err)
		}
		if err := parseNode(t, path.Join(p, name), v); err != nil {
			return err
		}
		if err := expectString(t, tok2); err != nil {
			return fmt.Errorf("nar: node %q: entry %q: %w", p, name, err)
		}
	}
}

func validateEntryName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid entry name %q", name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return fmt.Errorf("invalid entry name %q", name)
		}
	}
	return nil
}
