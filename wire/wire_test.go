// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"bytes"
	"testing"
)

func TestUint64RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	values := []uint64{0, 1, 255, 256, 1 << 40, ^uint64(0)}
	for _, v := range values {
		if err := w.Uint64(v); err != nil {
			t.Fatalf("Uint64(%d): %v", v, err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	r := NewReader(&buf)
	for _, want := range values {
		got, err := r.Uint64()
		if err != nil {
			t.Fatalf("Uint64(): %v", err)
		}
		if got != want {
			t.Errorf("Uint64() = %d; want %d", got, want)
		}
	}
}

func TestBoolRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Bool(true); err != nil {
		t.Fatal(err)
	}
	if err := w.Bool(false); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	r := NewReader(&buf)
	got, err := r.Bool()
	if err != nil || got != true {
		t.Errorf("Bool() = %v, %v; want true, nil", got, err)
	}
	got, err = r.Bool()
	if err != nil || got != false {
		t.Errorf("Bool() = %v, %v; want false, nil", got, err)
	}
}

func TestStringRoundTripAndPadding(t *testing.T) {
	tests := []string{"", "a", "1234567", "12345678", "123456789"}
	for _, s := range tests {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		if err := w.String(s); err != nil {
			t.Fatalf("String(%q): %v", s, err)
		}
		if err := w.Flush(); err != nil {
			t.Fatal(err)
		}
		// Total length must be 8 (length prefix) + content rounded up to 8.
		wantLen := 8 + (len(s)+7)/8*8
		if buf.Len() != wantLen {
			t.Errorf("String(%q) wrote %d bytes; want %d", s, buf.Len(), wantLen)
		}
		r := NewReader(&buf)
		got, err := r.String()
		if err != nil {
			t.Fatalf("String() round trip of %q: %v", s, err)
		}
		if got != s {
			t.Errorf("String() round trip = %q; want %q", got, s)
		}
	}
}

func TestStringListRoundTrip(t *testing.T) {
	want := []string{"foo", "bar", "", "a very long element indeed"}
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.StringList(want); err != nil {
		t.Fatalf("StringList: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	r := NewReader(&buf)
	got, err := r.StringList()
	if err != nil {
		t.Fatalf("StringList(): %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("StringList() = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("StringList()[%d] = %q; want %q", i, got[i], want[i])
		}
	}
}

func TestStringMapRoundTrip(t *testing.T) {
	want := map[string]string{"a": "1", "b": "2"}
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.StringMap(want); err != nil {
		t.Fatalf("StringMap: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	r := NewReader(&buf)
	got, err := r.StringMap()
	if err != nil {
		t.Fatalf("StringMap(): %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("StringMap() = %v; want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("StringMap()[%q] = %q; want %q", k, got[k], v)
		}
	}
}

func TestProtocolVersion(t *testing.T) {
	v := NewProtocolVersion(1, 37)
	if v.Major() != 1 || v.Minor() != 37 {
		t.Errorf("Major/Minor = %d/%d; want 1/37", v.Major(), v.Minor())
	}
	if got := v.String(); got != "1.37" {
		t.Errorf("String() = %q; want %q", got, "1.37")
	}
	if !v.Supported() {
		t.Error("1.37 reported unsupported")
	}
	if NewProtocolVersion(1, 10).Supported() {
		t.Error("1.10 reported supported; want below minimum")
	}
	if NewProtocolVersion(2, 0).Supported() {
		t.Error("2.0 reported supported; want above maximum")
	}
}
