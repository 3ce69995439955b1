package catalog

import (
	"bytes"
	"testing"
)

func TestNix32RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0xff},
		bytes.Repeat([]byte{0xab}, 20),
		bytes.Repeat([]byte{0x01, 0x02, 0x03}, 11),
	}
	for _, raw := range cases {
		enc := encodeNix32(raw)
		dec, err := decodeNix32(enc, len(raw))
		if err != nil {
			t.Fatalf("decode(%q): %v", enc, err)
		}
		if !bytes.Equal(dec, raw) {
			t.Fatalf("round trip mismatch: got %x, want %x", dec, raw)
		}
	}
}

func TestIsValidNix32RejectsExcludedLetters(t *testing.T) {
	for _, bad := range []string{"e", "o", "u", "t", "E", "!"} {
		if isValidNix32(bad) {
			t.Fatalf("expected %q to be invalid nix32", bad)
		}
	}
}

func TestDecodeNix32WrongLength(t *testing.T) {
	if _, err := decodeNix32("00", 20); err == nil {
		t.Fatalf("expected error for wrong-length input")
	}
}
