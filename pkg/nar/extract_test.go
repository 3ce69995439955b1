package nar

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/nixless-agent/pkg/cache"
	"github.com/cuemby/nixless-agent/pkg/catalog"
)

func buildSimpleNar(t *testing.T) []byte {
	t.Helper()
	var b testBuilder
	b.str(magic)
	b.str("(")
	b.str("type")
	b.str("directory")
	b.entry("hello.txt", func() {
		b.regular(false, "hi")
	})
	b.str(")")
	return b.buf.Bytes()
}

func TestExtractRoundTrip(t *testing.T) {
	narBytes := buildSimpleNar(t)

	narHash := sha256.Sum256(narBytes)
	fileHash := sha256.Sum256(narBytes) // compression "none": file bytes == nar bytes

	fh, _ := catalog.NewSha256Hash(fileHash[:])
	nh, _ := catalog.NewSha256Hash(narHash[:])

	info := &cache.Narinfo{
		StorePath:   "/nix/store/0123456789abcdfghijklmnpqrsvwxyz-foo",
		Compression: cache.CompressionNone,
		FileHash:    fh,
		FileSize:    int64(len(narBytes)),
		NarHash:     nh,
		NarSize:     int64(len(narBytes)),
	}

	dir := filepath.Join(t.TempDir(), "foo.partial")
	if err := Extract(bytes.NewReader(narBytes), info, dir); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(data) != "hi" {
		t.Fatalf("unexpected file contents: %q", data)
	}
}

func TestExtractRejectsHashMismatch(t *testing.T) {
	narBytes := buildSimpleNar(t)

	badHash := sha256.Sum256([]byte("not the real content"))
	fh, _ := catalog.NewSha256Hash(badHash[:])
	nh, _ := catalog.NewSha256Hash(badHash[:])

	info := &cache.Narinfo{
		StorePath:   "/nix/store/0123456789abcdfghijklmnpqrsvwxyz-foo",
		Compression: cache.CompressionNone,
		FileHash:    fh,
		FileSize:    int64(len(narBytes)),
		NarHash:     nh,
		NarSize:     int64(len(narBytes)),
	}

	dir := filepath.Join(t.TempDir(), "foo.partial")
	if err := Extract(bytes.NewReader(narBytes), info, dir); err == nil {
		t.Fatalf("expected integrity failure")
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Fatalf("expected staging dir to be removed after failure")
	}
}
