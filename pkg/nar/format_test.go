package nar

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// testBuilder assembles a minimal NAR byte stream for exercising Reader,
// mirroring the encoding Reader decodes (there is no production encoder:
// this agent only ever consumes NARs from the cache).
type testBuilder struct {
	buf bytes.Buffer
}

func (b *testBuilder) str(s string) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	b.buf.Write(lenBuf[:])
	b.buf.WriteString(s)
	if pad := padLen(int64(len(s))); pad > 0 {
		b.buf.Write(make([]byte, pad))
	}
}

func (b *testBuilder) regular(executable bool, contents string) {
	b.str("(")
	b.str("type")
	b.str("regular")
	if executable {
		b.str("executable")
		b.str("")
	}
	b.str("contents")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(contents)))
	b.buf.Write(lenBuf[:])
	b.buf.WriteString(contents)
	if pad := padLen(int64(len(contents))); pad > 0 {
		b.buf.Write(make([]byte, pad))
	}
	b.str(")")
}

func (b *testBuilder) symlink(target string) {
	b.str("(")
	b.str("type")
	b.str("symlink")
	b.str("target")
	b.str(target)
	b.str(")")
}

func (b *testBuilder) entry(name string, writeNode func()) {
	b.str("entry")
	b.str("(")
	b.str("name")
	b.str(name)
	b.str("node")
	writeNode()
	b.str(")")
}

func TestReaderSingleRegularFile(t *testing.T) {
	var b testBuilder
	b.str(magic)
	b.regular(false, "hello world")

	r := NewReader(&b.buf)
	hdr, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if hdr.Type != TypeRegular || hdr.Path != "" || hdr.Size != int64(len("hello world")) {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading contents: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected contents: %q", data)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReaderDirectoryTree(t *testing.T) {
	var b testBuilder
	b.str(magic)
	b.str("(")
	b.str("type")
	b.str("directory")
	b.entry("bin", func() {
		b.str("(")
		b.str("type")
		b.str("regular")
		b.str("executable")
		b.str("")
		b.str("contents")
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], 4)
		b.buf.Write(lenBuf[:])
		b.buf.WriteString("exec")
		b.buf.Write(make([]byte, padLen(4)))
		b.str(")")
	})
	b.entry("lib", func() {
		b.str("(")
		b.str("type")
		b.str("directory")
		b.entry("link", func() {
			b.symlink("/nix/store/0123456789abcdfghijklmnpqrsvwxyz-dep")
		})
		b.str(")")
	})
	b.str(")")

	r := NewReader(&b.buf)

	var paths []string
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		paths = append(paths, hdr.Path)
		if hdr.Type == TypeRegular {
			data, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("reading contents: %v", err)
			}
			if string(data) != "exec" {
				t.Fatalf("unexpected contents: %q", data)
			}
			if !hdr.Executable {
				t.Fatalf("expected executable bit set")
			}
		}
	}

	want := []string{"", "/bin", "/lib", "/lib/link"}
	if len(paths) != len(want) {
		t.Fatalf("got paths %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("path[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestReaderRejectsUnsafeEntryName(t *testing.T) {
	var b testBuilder
	b.str(magic)
	b.str("(")
	b.str("type")
	b.str("directory")
	b.entry("..", func() {
		b.symlink("/nix/store/x")
	})
	b.str(")")

	r := NewReader(&b.buf)
	if _, err := r.Next(); err != nil {
		t.Fatalf("unexpected error on directory header: %v", err)
	}
	if _, err := r.Next(); err == nil {
		t.Fatalf("expected error for unsafe entry name")
	}
}
