package nar

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/cuemby/nixless-agent/pkg/cache"
)

// Decompressor wraps a compressed stream as plain bytes, selected by the
// narinfo's compression tag.
type Decompressor struct {
	io.Reader
	closer func() error
}

func (d *Decompressor) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer()
}

// NewDecompressor selects xz, zstd, or a passthrough reader according to
// compression.
func NewDecompressor(compression cache.Compression, r io.Reader) (*Decompressor, error) {
	switch compression {
	case cache.CompressionXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("xz reader: %w", err)
		}
		return &Decompressor{Reader: xr}, nil

	case cache.CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return &Decompressor{Reader: zr, closer: func() error { zr.Close(); return nil }}, nil

	case cache.CompressionNone:
		return &Decompressor{Reader: r}, nil

	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}
