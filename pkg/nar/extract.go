// extract.go composes the pipeline's four streaming stages (network read,
// decompress, dual hash, extract) over a single package fetch.
package nar

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/nixless-agent/pkg/cache"
	"github.com/cuemby/nixless-agent/pkg/catalog"
	"github.com/cuemby/nixless-agent/pkg/errkind"
)

// boundedHashReader wraps r, hashing every byte read and erroring once
// more than limit bytes have passed through — enforcing the narinfo's
// declared length as a hard upper bound while streaming.
type boundedHashReader struct {
	r     io.Reader
	h     hash.Hash
	limit int64
	read  int64
}

func newBoundedHashReader(r io.Reader, limit int64) *boundedHashReader {
	return &boundedHashReader{r: r, h: sha256.New(), limit: limit}
}

func (b *boundedHashReader) Read(p []byte) (int, error) {
	if len(p) > 0 && b.read >= b.limit {
		var probe [1]byte
		n, err := b.r.Read(probe[:])
		if n > 0 {
			return 0, errkind.New(errkind.IntegrityFailure, "declared length exceeded while streaming")
		}
		return 0, err
	}
	if int64(len(p))+b.read > b.limit {
		p = p[:b.limit-b.read]
	}
	n, err := b.r.Read(p)
	if n > 0 {
		b.h.Write(p[:n])
		b.read += int64(n)
	}
	return n, err
}

func (b *boundedHashReader) sum() catalog.Hash {
	h, _ := catalog.NewSha256Hash(b.h.Sum(nil))
	return h
}

// ExtractResult reports which hash failed verification, if any.
type ExtractResult struct {
	FileHashOK bool
	NarHashOK  bool
}

// Extract runs compressed network bytes from src through decompression,
// dual hashing, and NAR extraction into destDir, which must not already
// exist. On any failure destDir is removed before returning.
func Extract(src io.Reader, info *cache.Narinfo, destDir string) error {
	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return errkind.Wrap(errkind.Filesystem, "creating staging parent directory", err)
	}

	fileHasher := newBoundedHashReader(src, info.FileSize)

	decomp, err := NewDecompressor(info.Compression, fileHasher)
	if err != nil {
		os.RemoveAll(destDir)
		return errkind.Wrap(errkind.Malformed, "selecting decompressor", err)
	}
	defer decomp.Close()

	narHasher := newBoundedHashReader(decomp, info.NarSize)

	if err := extractTree(narHasher, destDir); err != nil {
		os.RemoveAll(destDir)
		return err
	}

	// Drain any straggler bytes so both hashes cover exactly what the
	// server declared, even if the NAR reader stopped short.
	if _, err := io.Copy(io.Discard, narHasher); err != nil {
		os.RemoveAll(destDir)
		return err
	}
	if _, err := io.Copy(io.Discard, fileHasher); err != nil {
		os.RemoveAll(destDir)
		return err
	}

	if !fileHasher.sum().Equal(info.FileHash) {
		os.RemoveAll(destDir)
		return errkind.New(errkind.IntegrityFailure, fmt.Sprintf("%s: compressed NAR hash mismatch", info.StorePath))
	}
	if !narHasher.sum().Equal(info.NarHash) {
		os.RemoveAll(destDir)
		return errkind.New(errkind.IntegrityFailure, fmt.Sprintf("%s: uncompressed NAR hash mismatch", info.StorePath))
	}

	return nil
}

func extractTree(r io.Reader, destDir string) error {
	nr := NewReader(r)

	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errkind.Wrap(errkind.Malformed, "decoding nar stream", err)
		}

		target, err := safeJoin(destDir, hdr.Path)
		if err != nil {
			return err
		}

		switch hdr.Type {
		case TypeDirectory:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errkind.Wrap(errkind.Filesystem, "creating directory", err)
			}

		case TypeSymlink:
			if err := os.Symlink(hdr.LinkTarget, target); err != nil {
				return errkind.Wrap(errkind.Filesystem, "creating symlink", err)
			}

		case TypeRegular:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errkind.Wrap(errkind.Filesystem, "creating parent directory", err)
			}
			mode := os.FileMode(0o444)
			if hdr.Executable {
				mode = 0o555
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return errkind.Wrap(errkind.Filesystem, "creating file", err)
			}
			_, copyErr := io.Copy(f, nr)
			closeErr := f.Close()
			if copyErr != nil {
				return errkind.Wrap(errkind.Malformed, "writing file contents", copyErr)
			}
			if closeErr != nil {
				return errkind.Wrap(errkind.Filesystem, "closing file", closeErr)
			}
		}
	}
}

// safeJoin resolves entryPath (always archive-relative, beginning with
// "/" or "") against destDir, refusing traversal outside it.
func safeJoin(destDir, entryPath string) (string, error) {
	if entryPath == "" {
		return destDir, nil
	}
	cleaned := filepath.Clean(entryPath)
	if filepath.IsAbs(cleaned) {
		cleaned = cleaned[1:]
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errkind.New(errkind.Malformed, fmt.Sprintf("nar: entry path %q escapes staging directory", entryPath))
	}
	return filepath.Join(destDir, cleaned), nil
}
