// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package nar

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
)

// Dump serializes the file, symlink, or directory tree rooted at name
// within fsys as a NAR stream written to w.
func Dump(w io.Writer, fsys fs.FS, name string) error {
	nw, err := NewWriter(w)
	if err != nil {
		return fmt.Errorf("nar: dump %q: %w", name, err)
	}
	if err := dumpNode(nw, fsys, name); err != nil {
		return fmt.Errorf("nar: dump %q: %w", name, err)
	}
	if err := nw.Flush(); err != nil {
		return fmt.Errorf("nar: dump %q: %w", name, err)
	}
	return nil
}

func dumpNode(nw *Writer, fsys fs.FS, name string) error {
	info, err := fs.Lstat(fsys, name)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := readLink(fsys, name)
		if err != nil {
			return err
		}
		return nw.WriteSymlink(target)
	case info.IsDir():
		entries, err := fs.ReadDir(fsys, name)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		if err := nw.BeginDirectory(); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := nw.BeginDirectoryEntry(entry.Name()); err != nil {
				return err
			}
			childName := name + "/" + entry.Name()
			if name == "." {
				childName = entry.Name()
			}
			if err := dumpNode(nw, fsys, childName); err != nil {
				return fmt.Errorf("%s: %w", entry.Name(), err)
			}
			if err := nw.EndDirectoryEntry(); err != nil {
				return err
			}
		}
		return nw.EndDirectory()
	case info.Mode().IsRegular():
		f, err := fsys.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		executable := info.Mode()&0o100 != 0
		return nw.WriteRegular(executable, uint64(info.Size()), f)
	default:
		return fmt.Errorf("unsupported file type %v", info.Mode())
	}
}

// readLinker is implemented by file systems that support symlinks, such as
// [os.DirFS]'s result as of Go 1.25 via [fs.ReadLinkFS].
type readLinker interface {
	ReadLink(name string) (string, error)
}

func readLink(fsys fs.FS, name string) (string, error) {
	if rl, ok := fsys.(readLinker); ok {
		return rl.ReadLink(name)
	}
	return "", fmt.Errorf("%s: file system does not support reading symlinks", path.Clean(name))
}
