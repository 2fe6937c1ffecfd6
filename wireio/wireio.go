// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Package wireio provides the low-level byte-stream primitives the daemon
// wire protocol is built on: a reader that exposes its internal buffer
// directly (avoiding a copy for the common case of consuming a
// length-prefixed field in one shot), and a reader that transparently
// skips the zero padding Nix appends to align strings to 8 bytes.
package wireio

import (
	"fmt"
	"io"
)

// DefaultBufferSize is the buffer size used by [NewReader].
const DefaultBufferSize = 64 * 1024

// A Reader is a buffered reader that can hand out its internal buffer
// directly to callers that only need to look at the next few bytes, the
// way [bufio.Reader.Peek] does, but can also be told to advance past data
// it never buffered (for large reads that bypass the buffer entirely).
//
// It is not safe for concurrent use.
type Reader struct {
	r   io.Reader
	buf []byte
	r0  int // start of unread data in buf
	w   int // end of unread data in buf
	err error
}

// NewReader returns a new [Reader] reading from r with the default buffer
// size.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultBufferSize)
}

// NewReaderSize returns a new [Reader] reading from r with the given
// initial buffer size.
func NewReaderSize(r io.Reader, size int) *Reader {
	if size < 1 {
		size = DefaultBufferSize
	}
	return &Reader{r: r, buf: make([]byte, size)}
}

func (b *Reader) buffered() int { return b.w - b.r0 }

// fill reads more data into the buffer, compacting first if needed.
func (b *Reader) fill() {
	if b.r0 > 0 {
		copy(b.buf, b.buf[b.r0:b.w])
		b.w -= b.r0
		b.r0 = 0
	}
	if b.w >= len(b.buf) {
		panic("wireio: tried to fill full buffer")
	}
	for i := 0; i < 100; i++ {
		n, err := b.r.Read(b.buf[b.w:])
		if n < 0 {
			panic("wireio: reader returned negative count")
		}
		b.w += n
		if err != nil {
			b.err = err
			return
		}
		if n > 0 {
			return
		}
	}
	b.err = io.ErrNoProgress
}

func (b *Reader) readErr() error {
	err := b.err
	b.err = nil
	return err
}

// FillBuf returns the currently buffered bytes without copying, reading
// more from the underlying reader only if the buffer is empty. The
// returned slice is invalidated by the next call to FillBuf, ForceFillBuf,
// or Consume.
func (b *Reader) FillBuf() ([]byte, error) {
	if b.buffered() == 0 {
		if b.err != nil {
			return nil, b.readErr()
		}
		b.fill()
	}
	return b.buf[b.r0:b.w], b.err
}

// ForceFillBuf behaves like FillBuf, but guarantees a non-empty result
// unless the underlying reader is at EOF, growing the internal buffer if
// necessary to accommodate at least one more read.
func (b *Reader) ForceFillBuf() ([]byte, error) {
	for b.buffered() == 0 && b.err == nil {
		if b.w >= len(b.buf) {
			b.grow()
		}
		b.fill()
	}
	if b.buffered() == 0 {
		return nil, b.readErr()
	}
	return b.buf[b.r0:b.w], nil
}

func (b *Reader) grow() {
	newBuf := make([]byte, 2*len(b.buf))
	copy(newBuf, b.buf[b.r0:b.w])
	b.w -= b.r0
	b.r0 = 0
	b.buf = newBuf
}

// Consume discards n bytes that were previously returned by FillBuf or
// ForceFillBuf. It panics if n exceeds the number of buffered bytes.
func (b *Reader) Consume(n int) {
	if n < 0 {
		panic("wireio: negative Consume")
	}
	if n > b.buffered() {
		panic("wireio: Consume past buffered data")
	}
	b.r0 += n
}

// MaxBufSize returns the current capacity of the internal buffer.
func (b *Reader) MaxBufSize() int {
	return len(b.buf)
}

// Read implements [io.Reader], first draining the internal buffer.
func (b *Reader) Read(p []byte) (int, error) {
	if b.buffered() == 0 {
		if b.err != nil {
			return 0, b.readErr()
		}
		if len(p) >= len(b.buf) {
			// Bypass the buffer for large reads.
			n, err := b.r.Read(p)
			if n < 0 {
				panic("wireio: reader returned negative count")
			}
			return n, err
		}
		b.fill()
		if b.buffered() == 0 {
			return 0, b.readErr()
		}
	}
	n := copy(p, b.buf[b.r0:b.w])
	b.r0 += n
	return n, nil
}

// ReadByte reads and returns a single byte.
func (b *Reader) ReadByte() (byte, error) {
	buf, err := b.FillBuf()
	if len(buf) == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	c := buf[0]
	b.Consume(1)
	return c, nil
}

// ReadFull reads exactly len(p) bytes, bypassing the internal buffer for
// the portion not already buffered. It is equivalent to [io.ReadFull], but
// converts a clean EOF into [io.ErrUnexpectedEOF] since a wire-protocol
// field is never allowed to end early.
func ReadFull(r io.Reader, p []byte) (int, error) {
	n, err := io.ReadFull(r, p)
	if err == io.EOF && n == 0 && len(p) > 0 {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

// PaddedReader wraps a reader that is known to produce exactly n bytes of
// content followed by zero-padding out to the next 8-byte boundary, and
// presents only the content bytes to callers, transparently reading and
// validating the padding once the content is exhausted.
//
// This implements the framing used for Nix wire strings and NAR byte
// blobs, both of which always round a length up to a multiple of 8 with
// zero bytes.
type PaddedReader struct {
	r       io.Reader
	remain  uint64
	padLeft int // remaining padding bytes not yet read and validated
}

// NewPaddedReader returns a reader over the next n content bytes of r,
// followed by its alignment padding.
func NewPaddedReader(r io.Reader, n uint64) *PaddedReader {
	return &PaddedReader{
		r:       r,
		remain:  n,
		padLeft: padLen(n),
	}
}

func padLen(n uint64) int {
	return int(-n & 7)
}

// Read implements [io.Reader].
func (p *PaddedReader) Read(buf []byte) (int, error) {
	if p.remain > 0 {
		limit := p.remain
		if uint64(len(buf)) < limit {
			limit = uint64(len(buf))
		}
		n, err := p.r.Read(buf[:limit])
		p.remain -= uint64(n)
		if err == io.EOF && p.remain > 0 {
			err = io.ErrUnexpectedEOF
		}
		return n, err
	}
	if p.padLeft > 0 {
		if err := p.consumePadding(); err != nil {
			return 0, err
		}
	}
	return 0, io.EOF
}

func (p *PaddedReader) consumePadding() error {
	var pad [8]byte
	n, err := ReadFull(p.r, pad[:p.padLeft])
	p.padLeft -= n
	if err != nil {
		return fmt.Errorf("wireio: read padding: %w", err)
	}
	for _, c := range pad[:n] {
		if c != 0 {
			return fmt.Errorf("wireio: non-zero padding byte %#x", c)
		}
	}
	return nil
}

// DrainTo reads and discards any remaining content and padding,
// validating the padding bytes.
func (p *PaddedReader) DrainTo(discard io.Writer) error {
	if p.remain > 0 {
		n, err := io.CopyN(discard, p.r, int64(p.remain))
		p.remain -= uint64(n)
		if err != nil {
			return fmt.Errorf("wireio: drain content: %w", err)
		}
	}
	return p.consumePadding()
}
