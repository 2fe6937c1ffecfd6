// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package nar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Restore reads a NAR stream from r and recreates it as files, symlinks,
// and directories rooted at dir, which must not already exist (except as
// an empty directory when the stream's root node is itself a directory).
func Restore(dir string, r io.Reader) error {
	rv := &restoreVisitor{root: dir}
	if err := Parse(r, rv); err != nil {
		return fmt.Errorf("nar: restore to %q: %w", dir, err)
	}
	return nil
}

type restoreVisitor struct {
	root string
}

func (rv *restoreVisitor) path(p string) string {
	if p == "" {
		return rv.root
	}
	return filepath.Join(rv.root, filepath.FromSlash(p))
}

func (rv *restoreVisitor) OnDirectory(p string) error {
	return os.MkdirAll(rv.path(p), 0o777)
}

func (rv *restoreVisitor) OnSymlink(p, target string) error {
	return os.Symlink(target, rv.path(p))
}

func (rv *restoreVisitor) OnFile(p string, executable bool, size uint64, r io.Reader) error {
	mode := os.FileMode(0o666)
	if executable {
		mode = 0o777
	}
	f, err := os.OpenFile(rv.path(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return err
	}
	return f.Close()
}
