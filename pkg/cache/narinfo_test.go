package cache

import "testing"

const sampleNarinfo = `StorePath: /nix/store/0123456789abcdfghijklmnpqrsvwxyz-foo-1.0
URL: nar/abc123.nar.xz
Compression: xz
FileHash: sha256:0123456789abcdfghijklmnpqrsvwxyz0123456789abcdfghijk
FileSize: 1024
NarHash: sha256:0123456789abcdfghijklmnpqrsvwxyz0123456789abcdfghijk
NarSize: 2048
References: 0123456789abcdfghijklmnpqrsvwxyz-bar-2.0
Deriver: 0123456789abcdfghijklmnpqrsvwxyz-foo-1.0.drv
Sig: cache:c2lnbmF0dXJlYnl0ZXM=
`

func TestParseNarinfo(t *testing.T) {
	n, err := ParseNarinfo([]byte(sampleNarinfo))
	if err != nil {
		t.Fatalf("ParseNarinfo: %v", err)
	}
	if n.StorePath != "/nix/store/0123456789abcdfghijklmnpqrsvwxyz-foo-1.0" {
		t.Fatalf("unexpected StorePath: %s", n.StorePath)
	}
	if n.Compression != CompressionXZ {
		t.Fatalf("unexpected Compression: %s", n.Compression)
	}
	if n.FileSize != 1024 || n.NarSize != 2048 {
		t.Fatalf("unexpected sizes: %d %d", n.FileSize, n.NarSize)
	}
	if len(n.References) != 1 || n.References[0] != "0123456789abcdfghijklmnpqrsvwxyz-bar-2.0" {
		t.Fatalf("unexpected References: %v", n.References)
	}
	if len(n.Sig) != 1 {
		t.Fatalf("unexpected Sig count: %v", n.Sig)
	}
}

func TestParseNarinfoMissingField(t *testing.T) {
	broken := `StorePath: /nix/store/x
URL: nar/x.nar
`
	if _, err := ParseNarinfo([]byte(broken)); err == nil {
		t.Fatalf("expected error for missing required fields")
	}
}

func TestFingerprint(t *testing.T) {
	n, err := ParseNarinfo([]byte(sampleNarinfo))
	if err != nil {
		t.Fatalf("ParseNarinfo: %v", err)
	}
	fp := n.Fingerprint()
	want := "1;/nix/store/0123456789abcdfghijklmnpqrsvwxyz-foo-1.0;sha256:0123456789abcdfghijklmnpqrsvwxyz0123456789abcdfghijk;2048;0123456789abcdfghijklmnpqrsvwxyz-bar-2.0"
	if fp != want {
		t.Fatalf("got %q, want %q", fp, want)
	}
}
