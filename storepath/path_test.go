// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package storepath

import (
	"encoding/hex"
	"testing"
)

func mustHash(s string) Hash {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	var h Hash
	copy(h[:], b)
	return h
}

func TestNewAndParse(t *testing.T) {
	h := mustHash("b4a70e05c8a7e2ba6c73e0b41e5e2c4e8a8f9c91")
	p, err := New(DefaultDir, h, "hello-2.12.1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p2, err := Parse(string(p))
	if err != nil {
		t.Fatalf("Parse(%q): %v", p, err)
	}
	if p != p2 {
		t.Errorf("Parse(New(...)) = %q; want %q", p2, p)
	}
	if got := p.Name(); got != "hello-2.12.1" {
		t.Errorf("Name() = %q; want %q", got, "hello-2.12.1")
	}
	if got := p.Dir(); got != DefaultDir {
		t.Errorf("Dir() = %q; want %q", got, DefaultDir)
	}
	gotHash, err := p.Hash()
	if err != nil {
		t.Fatalf("Hash(): %v", err)
	}
	if gotHash != h {
		t.Errorf("Hash() = %x; want %x", gotHash, h)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []string{
		"relative/path",
		"/nix/store/short-hello",
		"/nix/store/" + "0000000000000000000000000000000" + "-",
		"/nix/store/x0xf8v9fxf3jk8zln1cwlsrmhqvp0f88-bad name",
	}
	for _, test := range tests {
		if _, err := Parse(test); err == nil {
			t.Errorf("Parse(%q) succeeded; want error", test)
		}
	}
}

func TestIsDerivation(t *testing.T) {
	h := mustHash("b4a70e05c8a7e2ba6c73e0b41e5e2c4e8a8f9c91")
	p, err := New(DefaultDir, h, "hello-2.12.1.drv")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !p.IsDerivation() {
		t.Errorf("%q.IsDerivation() = false; want true", p)
	}
	if got := p.NameFromDerivation(); got != "hello-2.12.1" {
		t.Errorf("NameFromDerivation() = %q; want %q", got, "hello-2.12.1")
	}
}

func TestHashCompareReversed(t *testing.T) {
	// Differ only in the last byte: since comparison walks from the end,
	// this must dominate the ordering even though the first bytes are equal.
	a := mustHash("000000000000000000000000000000000000000a")
	b := mustHash("000000000000000000000000000000000000000b")
	if a.Compare(b) >= 0 {
		t.Errorf("a.Compare(b) = %d; want negative", a.Compare(b))
	}
	if b.Compare(a) <= 0 {
		t.Errorf("b.Compare(a) = %d; want positive", b.Compare(a))
	}
	if a.Compare(a) != 0 {
		t.Errorf("a.Compare(a) = %d; want 0", a.Compare(a))
	}
}

func TestGoldenStorePath(t *testing.T) {
	// From the specification's worked content-addressing examples.
	const want = "aidi01pgcl6i79fkw737qzx06kjl930m-konsole-18.12.3"
	p, err := Parse(DefaultDir.Join(want))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := p.Base(); got != want {
		t.Errorf("Base() = %q; want %q", got, want)
	}
}
