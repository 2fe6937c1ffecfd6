// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package sqlitestore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.nixrs.dev/nixrs/contentaddress"
	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(storepath.DefaultDir, filepath.Join(dir, "db.sqlite"), Options{
		RealDir: filepath.Join(dir, "objects"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func drain[T any](t *testing.T, rl *daemon.ResultLog[T]) T {
	t.Helper()
	for range rl.Logs() {
	}
	val, err := rl.Wait(context.Background())
	if err != nil {
		t.Fatalf("ResultLog.Wait: %v", err)
	}
	return val
}

func addObject(t *testing.T, s *Store, name, content string) storepath.Path {
	t.Helper()
	ctx := context.Background()
	h := nixhash.NewContext(nixhash.SHA256)
	h.WriteString(content)
	ca := contentaddress.NewFlat(h.Sum())
	path, err := contentaddress.MakeStorePath(storepath.DefaultDir, ca, name)
	if err != nil {
		t.Fatalf("MakeStorePath: %v", err)
	}
	info := daemon.ValidPathInfo{
		Path:    path,
		NARHash: h.Sum(),
		NARSize: uint64(len(content)),
		CA:      ca,
	}
	rl := s.AddToStoreNar(ctx, info, bytes.NewReader([]byte(content)), false)
	drain(t, rl)
	return path
}

func TestAddToStoreNarThenQueryPathInfo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := addObject(t, s, "hello", "Hello, world!")

	if !drain(t, s.IsValidPath(ctx, path)) {
		t.Fatal("IsValidPath = false after AddToStoreNar")
	}

	info := drain(t, s.QueryPathInfo(ctx, path))
	if info.Path != path {
		t.Errorf("QueryPathInfo.Path = %q; want %q", info.Path, path)
	}
	if info.NARSize != uint64(len("Hello, world!")) {
		t.Errorf("QueryPathInfo.NARSize = %d", info.NARSize)
	}

	var buf bytes.Buffer
	drain(t, s.NarFromPath(ctx, path, &buf))
	if buf.String() != "Hello, world!" {
		t.Errorf("NarFromPath round trip = %q", buf.String())
	}
}

func TestQueryAllValidPathsAndHashPart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p1 := addObject(t, s, "a", "aaa")
	p2 := addObject(t, s, "b", "bbb")

	all := drain(t, s.QueryAllValidPaths(ctx))
	if len(all) != 2 {
		t.Fatalf("QueryAllValidPaths = %v; want 2 entries", all)
	}

	hashPart := p1.Digest()
	got := drain(t, s.QueryPathFromHashPart(ctx, hashPart))
	if got != p1 {
		t.Errorf("QueryPathFromHashPart(%q) = %q; want %q", hashPart, got, p1)
	}

	missing := drain(t, s.QueryPathFromHashPart(ctx, "nonexistenthashpartxxxxxxxxxxxx"))
	if missing != "" {
		t.Errorf("QueryPathFromHashPart(unknown) = %q; want empty", missing)
	}
	_ = p2
}

func TestReferencesAndReferrers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dep := addObject(t, s, "dep", "dep-contents")

	h := nixhash.NewContext(nixhash.SHA256)
	h.WriteString("root-contents")
	ca := contentaddress.NewFlat(h.Sum())
	rootPath, err := contentaddress.MakeStorePath(storepath.DefaultDir, ca, "root")
	if err != nil {
		t.Fatalf("MakeStorePath: %v", err)
	}
	info := daemon.ValidPathInfo{
		Path:       rootPath,
		NARHash:    h.Sum(),
		NARSize:    uint64(len("root-contents")),
		CA:         ca,
		References: []storepath.Path{dep},
	}
	drain(t, s.AddToStoreNar(ctx, info, bytes.NewReader([]byte("root-contents")), false))

	refs := drain(t, s.QueryPathInfo(ctx, rootPath)).References
	if len(refs) != 1 || refs[0] != dep {
		t.Errorf("References = %v; want [%v]", refs, dep)
	}

	referrers := drain(t, s.QueryReferrers(ctx, dep))
	if len(referrers) != 1 || referrers[0] != rootPath {
		t.Errorf("QueryReferrers(%v) = %v; want [%v]", dep, referrers, rootPath)
	}
}

func TestVerifyStoreDetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := addObject(t, s, "hello", "Hello, world!")

	if ok := drain(t, s.VerifyStore(ctx, true, false)); !ok {
		t.Fatal("VerifyStore reported corruption on an untouched store")
	}

	if err := (func() error {
		var buf bytes.Buffer
		return s.writeObject(path, &buf) // truncate the object to zero bytes
	})(); err != nil {
		t.Fatalf("corrupt object: %v", err)
	}

	if ok := drain(t, s.VerifyStore(ctx, true, false)); ok {
		t.Error("VerifyStore did not detect truncated object contents")
	}
}

func TestBuildOperationsReturnNotSupported(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.BuildPaths(ctx, nil, daemon.BuildModeNormal).Wait(ctx); !errors.Is(err, ErrNotSupported) {
		t.Errorf("BuildPaths error = %v; want ErrNotSupported", err)
	}
	if _, err := s.CollectGarbage(ctx, daemon.GCOptions{}).Wait(ctx); !errors.Is(err, ErrNotSupported) {
		t.Errorf("CollectGarbage error = %v; want ErrNotSupported", err)
	}
	if _, err := s.OptimiseStore(ctx).Wait(ctx); !errors.Is(err, ErrNotSupported) {
		t.Errorf("OptimiseStore error = %v; want ErrNotSupported", err)
	}
}

func TestRegisterDrvOutputAndQueryRealisation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	out := addObject(t, s, "out", "built-output")

	r := daemon.Realisation{
		ID:      "sha256:deadbeef!out",
		OutPath: out,
	}
	drain(t, s.RegisterDrvOutput(ctx, r))

	got := drain(t, s.QueryRealisation(ctx, r.ID))
	if got == nil || got.OutPath != out {
		t.Errorf("QueryRealisation = %+v; want OutPath %v", got, out)
	}
}

func TestAddPermRootAndFindRoots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := addObject(t, s, "root-target", "contents")

	drain(t, s.AddPermRoot(ctx, path, "/run/nixrs/gcroots/example"))

	roots := drain(t, s.FindRoots(ctx))
	if roots["/run/nixrs/gcroots/example"] != path {
		t.Errorf("FindRoots = %v; want entry for %v", roots, path)
	}
}
