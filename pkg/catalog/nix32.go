package catalog

import (
	"fmt"
	"strings"
)

// nix32Alphabet is Nix's own base32 variant: no `e`, `o`, `u`, `t`, chosen
// so the resulting strings never contain accidental English words and
// stay path/shell safe.
const nix32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

var nix32Index [256]int8

func init() {
	for i := range nix32Index {
		nix32Index[i] = -1
	}
	for i, c := range nix32Alphabet {
		nix32Index[byte(c)] = int8(i)
	}
}

// nix32EncodedLen returns the number of nix32 characters needed to encode
// n raw bytes, matching Nix's ceil(n*8/5) rule.
func nix32EncodedLen(n int) int {
	if n == 0 {
		return 0
	}
	return (n*8 + 4) / 5
}

// encodeNix32 renders data using Nix's base32 variant, most-significant
// digit first (the opposite bit order from RFC 4648 base32).
func encodeNix32(data []byte) string {
	length := nix32EncodedLen(len(data))
	out := make([]byte, length)
	for n := 0; n < length; n++ {
		b := n * 5
		byteIdx := b / 8
		bitIdx := uint(b % 8)

		var value uint16
		if byteIdx < len(data) {
			value = uint16(data[byteIdx]) >> bitIdx
		}
		if byteIdx+1 < len(data) {
			value |= uint16(data[byteIdx+1]) << (8 - bitIdx)
		}
		out[length-1-n] = nix32Alphabet[value&0x1f]
	}
	return string(out)
}

// decodeNix32 parses a nix32 string back into raw bytes; decodedLen is the
// expected output length in bytes (callers always know this up front,
// e.g. 20 for the 160-bit store-path hash, 32 for a sha256 digest).
func decodeNix32(s string, decodedLen int) ([]byte, error) {
	if len(s) != nix32EncodedLen(decodedLen) {
		return nil, fmt.Errorf("nix32: wrong length %d, want %d", len(s), nix32EncodedLen(decodedLen))
	}

	out := make([]byte, decodedLen)
	for n := 0; n < len(s); n++ {
		c := s[len(s)-1-n]
		v := nix32Index[c]
		if v < 0 {
			return nil, fmt.Errorf("nix32: invalid character %q", c)
		}

		b := n * 5
		byteIdx := b / 8
		bitIdx := uint(b % 8)

		out[byteIdx] |= byte(v) << bitIdx
		if byteIdx+1 < len(out) {
			out[byteIdx+1] |= byte(uint16(v) >> (8 - bitIdx))
		}
	}
	return out, nil
}

// isValidNix32 reports whether s consists only of nix32 alphabet
// characters (used for cheap shape validation before attempting a decode).
func isValidNix32(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return r > 255 || nix32Index[byte(r)] < 0
	}) == -1
}
