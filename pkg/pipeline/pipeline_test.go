package pipeline

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/nixless-agent/pkg/cache"
	"github.com/cuemby/nixless-agent/pkg/catalog"
	"github.com/cuemby/nixless-agent/pkg/materializer"
)

// buildNar assembles a one-regular-file NAR byte stream, matching the
// encoding pkg/nar's Reader decodes.
func buildNar(contents string) []byte {
	var buf []byte
	writeStr := func(s string) {
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, s...)
		if pad := (8 - len(s)%8) % 8; pad > 0 {
			buf = append(buf, make([]byte, pad)...)
		}
	}
	writeStr("nix-archive-1")
	writeStr("(")
	writeStr("type")
	writeStr("regular")
	writeStr("contents")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(contents)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, contents...)
	if pad := (8 - len(contents)%8) % 8; pad > 0 {
		buf = append(buf, make([]byte, pad)...)
	}
	writeStr(")")
	return buf
}

func TestFetchClosureDownloadsMissingPackages(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	narBytes := buildNar("hello")
	narHash := sha256.Sum256(narBytes)
	fh, _ := catalog.NewSha256Hash(narHash[:])

	id := "0123456789abcdfghijklmnpqrsvwxyz-foo"
	storePath := "/nix/store/" + id

	info := &cache.Narinfo{
		StorePath:   storePath,
		URL:         "nar/foo.nar",
		Compression: cache.CompressionNone,
		FileHash:    fh,
		FileSize:    int64(len(narBytes)),
		NarHash:     fh,
		NarSize:     int64(len(narBytes)),
	}
	sig := ed25519.Sign(priv, []byte(info.Fingerprint()))
	info.Sig = []string{"test:" + base64.StdEncoding.EncodeToString(sig)}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+catalogHashOf(id)+".narinfo", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "StorePath: %s\n", info.StorePath)
		fmt.Fprintf(w, "URL: %s\n", info.URL)
		fmt.Fprintf(w, "Compression: %s\n", info.Compression)
		fmt.Fprintf(w, "FileHash: %s\n", info.FileHash.String())
		fmt.Fprintf(w, "FileSize: %d\n", info.FileSize)
		fmt.Fprintf(w, "NarHash: %s\n", info.NarHash.String())
		fmt.Fprintf(w, "NarSize: %d\n", info.NarSize)
		fmt.Fprintf(w, "Sig: %s\n", info.Sig[0])
	})
	mux.HandleFunc("/nar/foo.nar", func(w http.ResponseWriter, r *http.Request) {
		w.Write(narBytes)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	keySpec := "test:" + base64.StdEncoding.EncodeToString(pub)
	client, err := cache.NewClient(srv.URL, keySpec, cache.DefaultRetryConfig)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	root := t.TempDir()
	storeRoot := filepath.Join(root, "store")
	os.MkdirAll(storeRoot, 0o755)
	cat := catalog.New(storeRoot)
	mat := materializer.New(storeRoot)
	tempDir := filepath.Join(root, "downloads")

	p := New(client, cat, mat, tempDir, 2)

	var events []int64
	err = p.FetchClosure(t.Context(), []string{id}, func(gotID string, done, total int64) {
		if gotID != id {
			t.Errorf("progress for unexpected id %q", gotID)
		}
		events = append(events, done)
	})
	if err != nil {
		t.Fatalf("FetchClosure: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected at least one progress callback")
	}

	data, err := os.ReadFile(cat.IDToPath(id))
	if err != nil {
		t.Fatalf("reading materialized package: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected contents: %q", data)
	}
}

func TestFetchClosureSkipsAlreadyPresent(t *testing.T) {
	root := t.TempDir()
	storeRoot := filepath.Join(root, "store")
	id := "0123456789abcdfghijklmnpqrsvwxyz-foo"
	os.MkdirAll(filepath.Join(storeRoot, id), 0o755)

	cat := catalog.New(storeRoot)
	mat := materializer.New(storeRoot)
	p := New(nil, cat, mat, filepath.Join(root, "downloads"), 1)

	// Cache is nil: if fetchOne tried to use it for this already-present
	// id, it would nil-deref. Success here proves the skip path is taken.
	if err := p.FetchClosure(t.Context(), []string{id}, nil); err != nil {
		t.Fatalf("FetchClosure: %v", err)
	}
}

func catalogHashOf(id string) string {
	hash, _, err := catalog.SplitID(id)
	if err != nil {
		panic(err)
	}
	return hash
}
