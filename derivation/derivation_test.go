// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package derivation

import (
	"testing"

	"go.nixrs.dev/nixrs/contentaddress"
	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
)

const testDir = storepath.Dir("/nix/store")

func mustParseAny(t *testing.T, s string, algo nixhash.Algorithm) nixhash.Hash {
	t.Helper()
	h, err := nixhash.ParseAny(s, algo)
	if err != nil {
		t.Fatalf("ParseAny(%q): %v", s, err)
	}
	return h
}

func simpleDerivation(t *testing.T) *Derivation {
	t.Helper()
	h := mustParseAny(t, "1b8c5a9f6e9e1c6b9b9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d", nixhash.SHA256)
	drv := &Derivation{
		Dir:     testDir,
		Name:    "hello",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Args:    []string{"-c", "true"},
		Env: map[string]string{
			"out": "",
		},
		Outputs: map[string]Output{
			"out": {Fixed: contentaddress.NewFlat(h)},
		},
	}
	drv.InputSources.Add("/nix/store/00000000000000000000000000000000-script.sh")
	return drv
}

func TestDerivationMarshalParseRoundTrip(t *testing.T) {
	drv := simpleDerivation(t)
	text, err := drv.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}

	got, err := ParseText(testDir, drv.Name, text)
	if err != nil {
		t.Fatalf("ParseText(%s): %v", text, err)
	}
	if got.System != drv.System || got.Builder != drv.Builder {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if len(got.Args) != len(drv.Args) {
		t.Errorf("Args = %v; want %v", got.Args, drv.Args)
	}
	if _, ok := got.Outputs["out"]; !ok {
		t.Errorf("Outputs missing \"out\": %+v", got.Outputs)
	}
	if got.InputSources.Len() != 1 {
		t.Errorf("InputSources = %v; want 1 entry", got.InputSources)
	}
}

func TestDerivationPathIsDeterministic(t *testing.T) {
	drv := simpleDerivation(t)
	p1, _, err := drv.Path()
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	p2, _, err := drv.Path()
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if p1 != p2 {
		t.Errorf("Path() not deterministic: %q != %q", p1, p2)
	}
	if !p1.IsDerivation() {
		t.Errorf("Path() = %q; want a .drv path", p1)
	}
}

func TestParseDerivedPath(t *testing.T) {
	tests := []struct {
		in   string
		want DerivedPath
	}{
		{"/nix/store/00000000000000000000000000000000-a", Opaque("/nix/store/00000000000000000000000000000000-a")},
		{"/nix/store/00000000000000000000000000000000-a.drv!out", Built("/nix/store/00000000000000000000000000000000-a.drv", "out")},
		{"/nix/store/00000000000000000000000000000000-a.drv!out,dev", Built("/nix/store/00000000000000000000000000000000-a.drv", "out", "dev")},
		{"/nix/store/00000000000000000000000000000000-a.drv!*", BuiltAll("/nix/store/00000000000000000000000000000000-a.drv")},
	}
	for _, tt := range tests {
		got, err := ParseDerivedPath(tt.in)
		if err != nil {
			t.Errorf("ParseDerivedPath(%q): %v", tt.in, err)
			continue
		}
		if got.String() != tt.want.String() {
			t.Errorf("ParseDerivedPath(%q) = %+v; want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseDerivedPathRejectsEmptyOutputs(t *testing.T) {
	if _, err := ParseDerivedPath("/nix/store/00000000000000000000000000000000-a.drv!"); err == nil {
		t.Error("ParseDerivedPath accepted an empty output list")
	}
}

func TestHashPlaceholderIsStableAndDistinct(t *testing.T) {
	out := HashPlaceholder("out")
	dev := HashPlaceholder("dev")
	if out == dev {
		t.Error("HashPlaceholder(\"out\") == HashPlaceholder(\"dev\")")
	}
	if out != HashPlaceholder("out") {
		t.Error("HashPlaceholder is not deterministic")
	}
}

func TestOutputClassification(t *testing.T) {
	h := mustParseAny(t, "1b8c5a9f6e9e1c6b9b9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d", nixhash.SHA256)
	fixed := Output{Fixed: contentaddress.NewFlat(h)}
	if !fixed.IsFixed() || fixed.IsFloating() || fixed.IsInputAddressed() {
		t.Errorf("fixed output misclassified: %+v", fixed)
	}
	floating := Output{FloatingMethod: contentaddress.Recursive, FloatingAlgo: nixhash.SHA256}
	if !floating.IsFloating() || floating.IsFixed() || floating.IsInputAddressed() {
		t.Errorf("floating output misclassified: %+v", floating)
	}
	inputAddressed := Output{}
	if !inputAddressed.IsInputAddressed() || inputAddressed.IsFixed() || inputAddressed.IsFloating() {
		t.Errorf("input-addressed output misclassified: %+v", inputAddressed)
	}
}
