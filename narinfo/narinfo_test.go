// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package narinfo

import (
	"strings"
	"testing"

	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
)

func mustHash(t *testing.T, s string) nixhash.Hash {
	t.Helper()
	h, err := nixhash.ParseAny(s, nixhash.SHA256)
	if err != nil {
		t.Fatalf("ParseAny(%q): %v", s, err)
	}
	return h
}

func TestParseAndMarshalRoundTrip(t *testing.T) {
	const doc = `StorePath: /nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1
URL: nar/0i2jd68mp5w30m1kvb1jq7k6j5n0ygpb62nhpjmhdqhqxmyf6xpc.nar.xz
Compression: xz
FileHash: sha256:1b8c5a9f6e9e1c6b9b9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d
FileSize: 12345
NarHash: sha256:1b8c5a9f6e9e1c6b9b9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d
NarSize: 54321
References: s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1 04yfmxgybcdz51nwnx2kw8gc59r7n556-glibc-2.37
Deriver: fb4vgcg8lxwq4yxvz5v86r4hs9xwsxf9-hello-2.12.1.drv
Sig: cache.example.org-1:AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8gISIjJCUmJygpKissLS4vMDEyMzQ1Njc4OTo7PD0+Pw==
`
	info, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if info.StorePath != "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1" {
		t.Errorf("StorePath = %q", info.StorePath)
	}
	if info.Compression != XZ {
		t.Errorf("Compression = %q; want xz", info.Compression)
	}
	if len(info.References) != 2 {
		t.Fatalf("References = %v; want 2 entries", info.References)
	}
	if info.Deriver.Base() != "fb4vgcg8lxwq4yxvz5v86r4hs9xwsxf9-hello-2.12.1.drv" {
		t.Errorf("Deriver = %q", info.Deriver)
	}
	if len(info.Sig) != 1 || info.Sig[0].Name != "cache.example.org-1" {
		t.Errorf("Sig = %+v", info.Sig)
	}

	out, err := info.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	reparsed, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse(MarshalText()): %v\n%s", err, out)
	}
	if reparsed.StorePath != info.StorePath || reparsed.NARSize != info.NARSize {
		t.Errorf("round trip mismatch: got %+v; want %+v", reparsed, info)
	}
}

func TestParseRequiresRequiredKeys(t *testing.T) {
	const doc = "URL: nar/x.nar\n"
	if _, err := Parse([]byte(doc)); err == nil {
		t.Error("Parse succeeded without StorePath/NarHash/NarSize; want error")
	}
}

func TestParseToleratesUnknownKeys(t *testing.T) {
	const doc = `StorePath: /nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1
URL: nar/x.nar
NarHash: sha256:1b8c5a9f6e9e1c6b9b9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d
NarSize: 1
FutureField: something a future Nix might add
`
	info, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if info.URL != "nar/x.nar" {
		t.Errorf("URL = %q", info.URL)
	}
}

func TestCompressionIsKnown(t *testing.T) {
	for _, c := range []CompressionType{NoCompression, Bzip2, XZ} {
		if !c.IsKnown() {
			t.Errorf("%q.IsKnown() = false", c)
		}
	}
	if CompressionType("zstd").IsKnown() {
		t.Error(`"zstd".IsKnown() = true; want false (not in this module's codec set)`)
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	sig := Signature{Name: "cache.example.org-1", Sig: make([]byte, 64)}
	for i := range sig.Sig {
		sig.Sig[i] = byte(i)
	}
	text := sig.String()
	got, err := ParseSignature(text)
	if err != nil {
		t.Fatalf("ParseSignature(%q): %v", text, err)
	}
	if got.Name != sig.Name || string(got.Sig) != string(sig.Sig) {
		t.Errorf("ParseSignature round trip = %+v; want %+v", got, sig)
	}
}

func TestFingerprintDeduplicatesAndSortsReferences(t *testing.T) {
	info := &Info{
		StorePath:  "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1",
		NARHash:    mustHash(t, "sha256:1b8c5a9f6e9e1c6b9b9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d"),
		NARSize:    100,
		References: []storepath.Path{"/nix/store/zzz-b", "/nix/store/aaa-a", "/nix/store/aaa-a"},
	}
	fp := info.Fingerprint()
	if !strings.Contains(fp, "/nix/store/aaa-a,/nix/store/zzz-b") {
		t.Errorf("Fingerprint() = %q; want sorted deduplicated references", fp)
	}
}
