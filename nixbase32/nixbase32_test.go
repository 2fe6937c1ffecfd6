// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package nixbase32

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func TestEncodeToString(t *testing.T) {
	tests := []struct {
		input []byte
		want  string
	}{
		{nil, ""},
		{mustHex("00"), "00"},
		{mustHex("1f"), "0z"},
		{mustHex("1f2f"), "0bqz"},
		{mustHex("0300ff"), "gy003"},
		{mustHex("04001234"), "0s14004"},
	}
	for _, test := range tests {
		got := EncodeToString(test.input)
		if got != test.want {
			t.Errorf("EncodeToString(%x) = %q; want %q", test.input, got, test.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := [][]byte{
		nil,
		mustHex("00"),
		mustHex("1234"),
		mustHex("0839703786356bca59b0f4a32987eb2e6de43ae8"),
		bytes.Repeat([]byte{0xAB}, 32),
		bytes.Repeat([]byte{0xFF}, 64),
	}
	for _, input := range inputs {
		enc := EncodeToString(input)
		if got := EncodedLen(len(input)); got != len(enc) {
			t.Errorf("EncodedLen(%d) = %d; len(encode(...)) = %d", len(input), got, len(enc))
		}
		dec, err := DecodeString(enc)
		if err != nil {
			t.Errorf("DecodeString(%q) error: %v", enc, err)
			continue
		}
		if !bytes.Equal(dec, input) {
			t.Errorf("round trip of %x = %x", input, dec)
		}
	}
}

// S1: base32 golden vector from the specification.
func TestGoldenVector(t *testing.T) {
	input := mustHex("083970378635" + "6bca59b0f4a3" + "2987eb2e6de4" + "3ae8")
	const want = "x0xf8v9fxf3jk8zln1cwlsrmhqvp0f88"
	got := EncodeToString(input)
	if got != want {
		t.Errorf("EncodeToString(%x) = %q; want %q", input, got, want)
	}
	dec, err := DecodeString(want)
	if err != nil {
		t.Fatalf("DecodeString(%q): %v", want, err)
	}
	if !bytes.Equal(dec, input) {
		t.Errorf("DecodeString(%q) = %x; want %x", want, dec, input)
	}
}

func TestDecodeInvalidCharacter(t *testing.T) {
	if _, err := DecodeString("0e"); err == nil {
		t.Error("DecodeString(\"0e\") succeeded; want error (e not in alphabet)")
	}
}

func TestDecodeInvalidLength(t *testing.T) {
	if _, err := DecodeString("0"); err == nil {
		t.Error("DecodeString(\"0\") succeeded; want error (invalid length)")
	}
}

func TestValidateString(t *testing.T) {
	if err := ValidateString("0bqz"); err != nil {
		t.Errorf("ValidateString(\"0bqz\") = %v; want nil", err)
	}
	if err := ValidateString("0euz"); err == nil {
		t.Error("ValidateString(\"0euz\") = nil; want error")
	}
}
