// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

// Package nixbase32 implements the variant of base32 used by the Nix store
// daemon to render hashes in store paths and narinfo signatures.
//
// It differs from [RFC 4648] base32 in three ways: it uses a truncated
// alphabet that omits the letters e, o, u, and t to avoid accidentally
// spelling words; it treats the input as a little-endian bit stream rather
// than big-endian; and the resulting characters are emitted in reverse
// order. The net effect is that encoding and decoding must be done a fixed
// number of characters at a time rather than incrementally, unlike
// RFC 4648 base32.
//
// [RFC 4648]: https://www.rfc-editor.org/rfc/rfc4648
package nixbase32

import "fmt"

const alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

var reverseAlphabet [256]int8

func init() {
	for i := range reverseAlphabet {
		reverseAlphabet[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		reverseAlphabet[alphabet[i]] = int8(i)
	}
}

// EncodedLen returns the length in bytes of the base32 encoding of an input
// buffer of length n.
func EncodedLen(n int) int {
	if n == 0 {
		return 0
	}
	return (8*n + 4) / 5
}

// DecodedLen returns the length in bytes that decoding an encoded buffer of
// length n will produce. It returns -1 if n is not a valid encoded length.
func DecodedLen(n int) int {
	trail := (n * 5) % 8
	ilen := n - trail/5
	if ilen != n {
		return -1
	}
	return (5 * n) / 8
}

// EncodeToString returns the nix-base32 encoding of src.
func EncodeToString(src []byte) string {
	dst := make([]byte, EncodedLen(len(src)))
	Encode(dst, src)
	return string(dst)
}

// Encode encodes src using nix-base32 encoding, writing
// [EncodedLen](len(src)) bytes to dst. It panics if dst is not exactly that
// length.
func Encode(dst, src []byte) {
	n := EncodedLen(len(src))
	if len(dst) != n {
		panic("nixbase32: bad destination length")
	}
	// The output is produced from the most significant character (index 0)
	// to the least significant (index n-1), but each character only depends
	// on the bits of its own 5-bit group, so we can compute it directly.
	for i := 0; i < n; i++ {
		bit := (n - 1 - i) * 5
		byteIdx := bit / 8
		bitOff := uint(bit % 8)
		var b uint16
		if byteIdx < len(src) {
			b = uint16(src[byteIdx])
		}
		if bitOff+5 > 8 && byteIdx+1 < len(src) {
			b |= uint16(src[byteIdx+1]) << 8
		}
		dst[i] = alphabet[(b>>bitOff)&0x1f]
	}
}

// DecodeError reports a problem with a nix-base32 encoded string.
type DecodeError struct {
	// Input is the string that failed to decode.
	Input string
	// Offset is the byte offset into Input of the offending character,
	// counted from the end of the string (least-significant character
	// first), matching the bit order of the encoding.
	Offset int
	msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode nix-base32 %q: %s at offset %d", e.Input, e.msg, e.Offset)
}

// DecodeString returns the bytes represented by the nix-base32 string s.
func DecodeString(s string) ([]byte, error) {
	n := DecodedLen(len(s))
	if n < 0 {
		return nil, &DecodeError{Input: s, msg: "invalid length"}
	}
	dst := make([]byte, n)
	if err := Decode(dst, s); err != nil {
		return nil, err
	}
	return dst, nil
}

// Decode decodes the nix-base32 string src, writing
// [DecodedLen](len(src)) bytes to dst. It returns an error if src contains
// characters outside the alphabet or has nonzero trailing bits that cannot
// correspond to any byte sequence.
func Decode(dst []byte, src string) error {
	n := DecodedLen(len(src))
	if n < 0 || len(dst) != n {
		return &DecodeError{Input: src, msg: "invalid destination length"}
	}
	for i := range dst {
		dst[i] = 0
	}
	for i := 0; i < len(src); i++ {
		c := src[len(src)-1-i]
		v := reverseAlphabet[c]
		if v < 0 {
			return &DecodeError{Input: src, Offset: i, msg: fmt.Sprintf("invalid character %q", c)}
		}
		bit := i * 5
		byteIdx := bit / 8
		bitOff := uint(bit % 8)
		x := uint16(v) << bitOff
		if byteIdx < len(dst) {
			dst[byteIdx] |= byte(x)
		} else if x != 0 {
			return &DecodeError{Input: src, Offset: i, msg: "trailing bits set beyond output length"}
		}
		if hi := byte(x >> 8); hi != 0 {
			if byteIdx+1 < len(dst) {
				dst[byteIdx+1] |= hi
			} else {
				return &DecodeError{Input: src, Offset: i, msg: "nonzero trailing bits"}
			}
		}
	}
	return nil
}

// ValidateString reports whether s contains only characters in the
// nix-base32 alphabet. It does not check length or trailing bits.
func ValidateString(s string) error {
	for i := 0; i < len(s); i++ {
		if reverseAlphabet[s[i]] < 0 {
			return &DecodeError{Input: s, Offset: len(s) - 1 - i, msg: fmt.Sprintf("invalid character %q", s[i])}
		}
	}
	return nil
}
