// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"io"

	"go.nixrs.dev/nixrs/storepath"
	"go.nixrs.dev/nixrs/wire"
)

// The following exported wrappers give package store (and any other
// dispatcher built on top of this one) access to the same wire codecs
// Client uses, so request and response framing stay identical on both
// ends of a connection without duplicating the encoding logic.

// WriteStorePath writes p in its text form.
func WriteStorePath(w *wire.Writer, p storepath.Path) error { return writeStorePath(w, p) }

// ReadStorePath reads and parses a store path in its text form.
func ReadStorePath(r *wire.Reader) (storepath.Path, error) { return readStorePath(r) }

// WriteStorePathList writes paths as a Nix string list of their text
// forms.
func WriteStorePathList(w *wire.Writer, paths []storepath.Path) error {
	return writeStorePathList(w, paths)
}

// ReadStorePathList reads a Nix string list and parses each element as a
// store path.
func ReadStorePathList(r *wire.Reader) ([]storepath.Path, error) { return readStorePathList(r) }

// WriteValidPathInfo writes vpi's fields in QueryPathInfo response order
// (the path itself is carried out of band by the operation).
func WriteValidPathInfo(w *wire.Writer, vpi ValidPathInfo) error { return writeValidPathInfo(w, vpi) }

// ReadValidPathInfo reads a ValidPathInfo whose Path is already known
// (QueryPathInfo's response never repeats the path it was asked about).
func ReadValidPathInfo(r *wire.Reader, path storepath.Path) (ValidPathInfo, error) {
	return readValidPathInfo(r, path)
}

// WriteBuildResult writes br in BuildResult wire order.
func WriteBuildResult(w *wire.Writer, br BuildResult) error {
	if err := w.Uint64(uint64(br.Status)); err != nil {
		return err
	}
	if err := w.String(br.ErrorMsg); err != nil {
		return err
	}
	if err := w.Uint64(br.TimesBuilt); err != nil {
		return err
	}
	if err := w.Bool(br.IsNonDeterministic); err != nil {
		return err
	}
	if err := w.Int64(br.StartTime); err != nil {
		return err
	}
	if err := w.Int64(br.StopTime); err != nil {
		return err
	}
	if err := w.Uint64(uint64(len(br.BuiltOutputs))); err != nil {
		return err
	}
	for id, r := range br.BuiltOutputs {
		if err := w.String(id); err != nil {
			return err
		}
		if err := writeStorePath(w, r.OutPath); err != nil {
			return err
		}
	}
	return nil
}

// ReadBuildResult reads a BuildResult in the order WriteBuildResult
// writes it.
func ReadBuildResult(r *wire.Reader) (BuildResult, error) { return readBuildResult(r) }

// CopyFramed copies a sequence of length-prefixed chunks terminated by a
// zero-length chunk from r into w, as used for framed NAR and log
// transmission from protocol 1.23 onward.
func CopyFramed(w io.Writer, r *wire.Reader) error { return copyFramed(w, r) }

// WriteFramed writes src to w as a sequence of length-prefixed chunks
// terminated by a zero-length chunk.
func WriteFramed(w *wire.Writer, src io.Reader, chunkSize int) error {
	return writeFramed(w, src, chunkSize)
}

// CopyRawNar copies a legacy, unframed NAR stream from r into w. See the
// note on the unexported copyRawNar for why this relies on the shared
// reader's buffering.
func CopyRawNar(w io.Writer, r *wire.Reader) error { return copyRawNar(w, r) }

// DefaultFrameSize is the chunk size Client uses for outgoing framed
// transmissions; dispatchers use the same size so log/NAR framing looks
// identical regardless of which side initiated it.
const DefaultFrameSize = defaultFrameSize

// CapHint exposes the same bounded-preallocation hint Client uses when
// decoding peer-supplied counts.
func CapHint(n uint64) int { return capHintFields(n) }
