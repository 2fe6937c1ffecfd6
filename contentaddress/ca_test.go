// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package contentaddress

import (
	"encoding/hex"
	"testing"

	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
)

func mustSHA256(hexDigest string) nixhash.Hash {
	b, err := hex.DecodeString(hexDigest)
	if err != nil {
		panic(err)
	}
	return nixhash.New(nixhash.SHA256, b)
}

func mustSHA1(hexDigest string) nixhash.Hash {
	b, err := hex.DecodeString(hexDigest)
	if err != nil {
		panic(err)
	}
	return nixhash.New(nixhash.SHA1, b)
}

// These four cases are the worked content-addressing examples from the
// specification, all using the name "konsole-18.12.3" in the default store
// directory.
func TestMakeStorePathFromCA(t *testing.T) {
	const name = "konsole-18.12.3"
	tests := []struct {
		desc string
		ca   ContentAddress
		want string
	}{
		{
			desc: "text",
			ca:   NewText(mustSHA256("248d6a61d20638b8e5c026930c3e6039a33ce45964ff2167f6ecedd419db06c1")),
			want: "aidi01pgcl6i79fkw737qzx06kjl930m-konsole-18.12.3",
		},
		{
			desc: "source",
			ca:   NewRecursive(mustSHA256("248d6a61d20638b8e5c026930c3e6039a33ce45964ff2167f6ecedd419db06c1")),
			want: "1w01xxn8f7s9s4n65ry6rwd7x9awf04s-konsole-18.12.3",
		},
		{
			desc: "output",
			ca:   NewRecursive(mustSHA1("84983e441c3bd26ebaae4aa1f95129e5e54670f1")),
			want: "ag0y7g6rci9zsdz9nxcq5l1qllx3r99x-konsole-18.12.3",
		},
		{
			desc: "flat_output",
			ca:   NewFlat(mustSHA256("248d6a61d20638b8e5c026930c3e6039a33ce45964ff2167f6ecedd419db06c1"[:64])),
			want: "g9ngnw4w5vr9y3xkb7k2awl3mp95abrb-konsole-18.12.3",
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			got, err := MakeStorePath(storepath.DefaultDir, test.ca, name)
			if err != nil {
				t.Fatalf("MakeStorePath: %v", err)
			}
			if string(got) != storepath.DefaultDir.Join(test.want) {
				t.Errorf("MakeStorePath(%s) = %q; want %q", test.desc, got, storepath.DefaultDir.Join(test.want))
			}
		})
	}
}

func TestContentAddressStringRoundTrip(t *testing.T) {
	tests := []ContentAddress{
		NewText(mustSHA256("248d6a61d20638b8e5c026930c3e6039a33ce45964ff2167f6ecedd419db06c1")),
		NewFlat(mustSHA1("84983e441c3bd26ebaae4aa1f95129e5e54670f1")),
		NewRecursive(mustSHA256("248d6a61d20638b8e5c026930c3e6039a33ce45964ff2167f6ecedd419db06c1")),
	}
	for _, ca := range tests {
		s := ca.String()
		got, err := Parse(s)
		if err != nil {
			t.Errorf("Parse(%q): %v", s, err)
			continue
		}
		if got.String() != s {
			t.Errorf("Parse(%q).String() = %q", s, got.String())
		}
	}
}

func TestCompressHash(t *testing.T) {
	in := make([]byte, 32)
	for i := range in {
		in[i] = byte(i)
	}
	out := compressHash(in, 20)
	if len(out) != 20 {
		t.Fatalf("len(compressHash(...)) = %d; want 20", len(out))
	}
	// byte 0 of output receives input bytes 0 and 20 XORed together.
	want0 := in[0] ^ in[20]
	if out[0] != want0 {
		t.Errorf("out[0] = %#x; want %#x", out[0], want0)
	}
}
