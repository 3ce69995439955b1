// Package pipeline drives a package closure through the cache client, NAR
// decoder, and store materializer, fetching every missing member in
// parallel up to a configured bound.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/nixless-agent/pkg/cache"
	"github.com/cuemby/nixless-agent/pkg/catalog"
	"github.com/cuemby/nixless-agent/pkg/errkind"
	"github.com/cuemby/nixless-agent/pkg/log"
	"github.com/cuemby/nixless-agent/pkg/materializer"
	"github.com/cuemby/nixless-agent/pkg/nar"
)

// Progress reports bytes transferred for a single package, for the
// status's downloading(pkg, bytes_done, bytes_total) projection.
type Progress func(id string, bytesDone, bytesTotal int64)

// Pipeline fetches and materializes package closures.
type Pipeline struct {
	Cache        *cache.Client
	Catalog      *catalog.Catalog
	Materializer *materializer.Materializer
	TempDir      string
	Parallelism  int
}

// New returns a Pipeline. parallelism bounds concurrent package fetches
// (DOWNLOAD_PARALLELISM).
func New(c *cache.Client, cat *catalog.Catalog, m *materializer.Materializer, tempDir string, parallelism int) *Pipeline {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Pipeline{Cache: c, Catalog: cat, Materializer: m, TempDir: tempDir, Parallelism: parallelism}
}

// FetchClosure fetches every id in closure not already present under the
// store root, bounded by Parallelism, and materializes each as it
// completes. A failure on any member aborts the remaining in-flight
// members via the shared context.
func (p *Pipeline) FetchClosure(ctx context.Context, closure []string, progress Progress) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Parallelism)

	for _, id := range closure {
		id := id
		g.Go(func() error {
			return p.fetchOne(ctx, id, progress)
		})
	}
	return g.Wait()
}

func (p *Pipeline) fetchOne(ctx context.Context, id string, progress Progress) error {
	logger := log.WithComponent("pipeline")
	destPath := p.Catalog.IDToPath(id)

	if _, err := os.Lstat(destPath); err == nil {
		logger.Debug().Str("id", id).Msg("already present, skipping fetch")
		return nil
	}

	hash, _, err := catalog.SplitID(id)
	if err != nil {
		return err
	}

	info, err := p.Cache.Narinfo(ctx, hash)
	if err != nil {
		return err
	}
	if info.StorePath != id && info.StorePath != destPath {
		return errkind.New(errkind.Malformed, fmt.Sprintf("narinfo store path %q does not match requested id %q", info.StorePath, id))
	}

	partialDir := filepath.Join(p.TempDir, id+".partial")
	if err := os.RemoveAll(partialDir); err != nil {
		return errkind.Wrap(errkind.Filesystem, "clearing stale partial download directory", err)
	}
	if err := os.MkdirAll(p.TempDir, 0o755); err != nil {
		return errkind.Wrap(errkind.Filesystem, "creating temp download directory", err)
	}

	stream, err := p.Cache.NarStream(ctx, info)
	if err != nil {
		return err
	}
	defer stream.Close()

	var reader io.Reader = stream
	if progress != nil {
		reader = &progressReader{r: stream, id: id, total: info.FileSize, report: progress}
	}

	if err := nar.Extract(reader, info, partialDir); err != nil {
		return err
	}

	if err := p.Materializer.Commit(partialDir, id); err != nil {
		return err
	}

	logger.Info().Str("id", id).Int64("size", info.FileSize).Msg("materialized package")
	return nil
}

// progressReader reports cumulative bytes read to a Progress callback.
type progressReader struct {
	r      io.Reader
	id     string
	total  int64
	done   int64
	report Progress
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.done += int64(n)
		p.report(p.id, p.done, p.total)
	}
	return n, err
}
