package materializer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCommitMovesTreeIntoStore(t *testing.T) {
	root := t.TempDir()
	store := filepath.Join(root, "store")
	if err := os.Mkdir(store, 0o755); err != nil {
		t.Fatalf("mkdir store: %v", err)
	}

	partial := filepath.Join(root, "downloads", "pkg.partial")
	if err := os.MkdirAll(partial, 0o755); err != nil {
		t.Fatalf("mkdir partial: %v", err)
	}
	if err := os.WriteFile(filepath.Join(partial, "file.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	m := New(store)
	if err := m.Commit(partial, "pkg-id"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(store, "pkg-id", "file.txt"))
	if err != nil {
		t.Fatalf("reading materialized file: %v", err)
	}
	if string(data) != "hi" {
		t.Fatalf("unexpected contents: %q", data)
	}

	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatalf("expected partial dir to be gone after rename")
	}
}

func TestCommitIsIdempotentOnRaceLoss(t *testing.T) {
	root := t.TempDir()
	store := filepath.Join(root, "store")
	if err := os.Mkdir(store, 0o755); err != nil {
		t.Fatalf("mkdir store: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(store, "pkg-id"), 0o755); err != nil {
		t.Fatalf("mkdir existing dest: %v", err)
	}

	partial := filepath.Join(root, "downloads", "pkg.partial")
	if err := os.MkdirAll(partial, 0o755); err != nil {
		t.Fatalf("mkdir partial: %v", err)
	}

	m := New(store)
	if err := m.Commit(partial, "pkg-id"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatalf("expected partial dir to be removed when destination already exists")
	}
}
