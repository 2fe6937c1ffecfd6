// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package aterm

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// quoteTests pairs raw strings a derivation might embed (a store path, an
// env var value with embedded whitespace or control characters, ...) with
// the ATerm text derivation/derivation.go's MarshalText/ParseText actually
// read and write for them.
var quoteTests = []struct {
	s     string
	aterm string
}{
	{"", `""`},
	{"/nix/store/00000000000000000000000000000000-hello", `"/nix/store/00000000000000000000000000000000-hello"`},
	{"out", `"out"`},
	{"line one\nline two", `"line one\nline two"`},
	{"a\tb", `"a\tb"`},
	{"carriage\rreturn", `"carriage\rreturn"`},
	{`C:\builder.exe`, `"C:\\builder.exe"`},
	{`say "hi"`, `"say \"hi\""`},
}

// TestAppendString checks that AppendString produces the quoted form a
// ".drv" file uses for each output name, store path, and env value in a
// derivation, matching derivation.go's MarshalText call sites.
func TestAppendString(t *testing.T) {
	for _, test := range quoteTests {
		got := string(AppendString(nil, test.s))
		if got != test.aterm {
			t.Errorf("AppendString(nil, %q) = %q; want %q", test.s, got, test.aterm)
		}
	}
}

// TestScannerReadsDerivationShape exercises the Scanner against the
// "(string,[string,...])"-shaped fragments a serialized Derivation is
// built from (an input derivation's path paired with its output names,
// an env var's key/value tuple), the same shapes derivation.ParseText
// walks token by token.
func TestScannerReadsDerivationShape(t *testing.T) {
	type scannerTest struct {
		aterm string
		want  []Token
		err   bool
		tail  string
	}

	tests := []scannerTest{
		{
			// An input derivation entry: (drvPath,[outputNames...]).
			aterm: `("/nix/store/aaa-dep.drv",["out","dev"])`,
			want: []Token{
				{Kind: LParen},
				{Kind: String, Value: "/nix/store/aaa-dep.drv"},
				{Kind: LBracket},
				{Kind: String, Value: "out"},
				{Kind: String, Value: "dev"},
				{Kind: RBracket},
				{Kind: RParen},
			},
		},
		{
			// An env var entry: (name,value).
			aterm: `("PATH","/bin:/usr/bin")`,
			want: []Token{
				{Kind: LParen},
				{Kind: String, Value: "PATH"},
				{Kind: String, Value: "/bin:/usr/bin"},
				{Kind: RParen},
			},
		},
		{
			aterm: `[]`,
			want: []Token{
				{Kind: LBracket},
				{Kind: RBracket},
			},
		},
		{
			// A missing comma between an input derivation's two fields is
			// malformed ATerm and must be rejected, not silently skipped.
			aterm: `("x" "y")`,
			want: []Token{
				{Kind: LParen},
				{Kind: String, Value: "x"},
			},
			tail: `"y")`,
			err:  true,
		},
		{
			// A doubled comma likewise has no value between its fields.
			aterm: `("x",,"y")`,
			want: []Token{
				{Kind: LParen},
				{Kind: String, Value: "x"},
			},
			err:  true,
			tail: `"y")`,
		},
		{
			aterm: `("x"]`,
			want: []Token{
				{Kind: LParen},
				{Kind: String, Value: "x"},
			},
			err: true,
		},
		{
			aterm: `[)`,
			want: []Token{
				{Kind: LBracket},
			},
			err: true,
		},
		{
			aterm: `)`,
			want:  []Token{},
			err:   true,
		},
		{
			aterm: `[`,
			want: []Token{
				{Kind: LBracket},
			},
			err: true,
		},
	}
	for _, test := range quoteTests {
		tests = append(tests, scannerTest{
			aterm: test.aterm,
			want: []Token{
				{Kind: String, Value: test.s},
			},
		})
	}

	for _, test := range tests {
		r := strings.NewReader(test.aterm)
		s := NewScanner(r)
		var got []Token
		for {
			tok, err := s.ReadToken()
			if err != nil {
				if !test.err && err != io.EOF {
					t.Errorf("While scanning %s: %v", test.aterm, err)
				}
				if test.err && err == io.EOF {
					t.Errorf("Scanning %s did not result in an error", test.aterm)
				}
				break
			}
			got = append(got, tok)
		}
		if diff := cmp.Diff(test.want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("tokens for %s (-want +got):\n%s", test.aterm, diff)
		}
		if got := test.aterm[len(test.aterm)-r.Len():]; got != test.tail {
			t.Errorf("after scanning %s, remaining data = %q; want %q", test.aterm, got, test.tail)
		}
	}
}

// FuzzDerivationFieldRoundTrip mirrors what derivation.go does with every
// output name, store path, and env value: append it with AppendString,
// then read it back with a Scanner, the way ParseText re-derives a
// Derivation's fields from its ATerm text.
func FuzzDerivationFieldRoundTrip(f *testing.F) {
	for _, test := range quoteTests {
		f.Add(test.s)
	}

	f.Fuzz(func(t *testing.T, s string) {
		if len(s) > maxStringLength {
			// Oversized fields are rejected by parseString; not this test's concern.
			return
		}

		encoded := AppendString(nil, s)
		r := bytes.NewReader(encoded)
		scanner := NewScanner(r)
		got, err := scanner.ReadToken()
		if err != nil {
			t.Fatal(err)
		}
		want := Token{Kind: String, Value: s}
		if got != want {
			t.Errorf("got %v; want %v", got, want)
		}
		if r.Len() > 0 {
			t.Errorf("trailing data %q", s[len(s)-r.Len():])
		}
		if got, err := scanner.ReadToken(); err != io.EOF {
			t.Errorf("ReadToken() #2 = %v, %v; want _, %v", got, err, io.EOF)
		}
	})
}
