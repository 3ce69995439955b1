// Package materializer atomically moves a verified, staged package tree
// into the immutable store and fixes its ownership/permissions, following
// the fsync-then-rename protocol that makes the move crash-safe.
package materializer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cuemby/nixless-agent/pkg/errkind"
	"github.com/cuemby/nixless-agent/pkg/log"
)

// Materializer moves staged package trees into a store root.
type Materializer struct {
	storeRoot string
}

// New returns a Materializer targeting storeRoot. The caller must ensure
// the staging directory supplied to Commit lives on the same filesystem
// device as storeRoot; SameDevice below is how that is checked at startup.
func New(storeRoot string) *Materializer {
	return &Materializer{storeRoot: storeRoot}
}

// SameDevice reports whether a and b reside on the same filesystem
// device, by comparing the device ids os.Stat reports for each. Commit's
// destination rename is only atomic when partialDir and storeRoot share
// a device, so callers must run this once at startup and refuse to start
// otherwise.
func SameDevice(a, b string) (bool, error) {
	aInfo, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bInfo, err := os.Stat(b)
	if err != nil {
		return false, err
	}

	aStat, ok := aInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("stat for %s did not yield a syscall.Stat_t", a)
	}
	bStat, ok := bInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("stat for %s did not yield a syscall.Stat_t", b)
	}

	return aStat.Dev == bStat.Dev, nil
}

// Commit renames partialDir (a fully verified, staged package tree) to
// <storeRoot>/<id>. If the destination already exists, another
// materialization is assumed to have won the race: partialDir is removed
// and Commit returns success.
func (m *Materializer) Commit(partialDir, id string) error {
	dest := filepath.Join(m.storeRoot, id)

	if _, err := os.Lstat(dest); err == nil {
		log.WithComponent("materializer").Debug().Str("id", id).Msg("destination already materialized, discarding partial tree")
		return os.RemoveAll(partialDir)
	}

	if err := fsyncTree(partialDir); err != nil {
		return errkind.Wrap(errkind.Filesystem, "fsyncing staged tree", err)
	}

	if err := fixupOwnership(partialDir); err != nil {
		return errkind.Wrap(errkind.Filesystem, "fixing up ownership", err)
	}

	if err := os.Rename(partialDir, dest); err != nil {
		if os.IsExist(err) {
			return os.RemoveAll(partialDir)
		}
		return errkind.Wrap(errkind.Filesystem, "renaming into store", err)
	}

	if err := fsyncDir(m.storeRoot); err != nil {
		return errkind.Wrap(errkind.Filesystem, "fsyncing store root", err)
	}

	return nil
}

// fsyncTree fsyncs every regular file in dir, then the directories
// themselves bottom-up, so the rename that follows is durable.
func fsyncTree(dir string) error {
	var dirs []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return f.Sync()
	})
	if err != nil {
		return err
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := fsyncDir(dirs[i]); err != nil {
			return err
		}
	}
	return nil
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// fixupOwnership sets ownership to root:root and strips group/world write
// bits on every non-symlink entry, since the store is world-readable by
// convention but writable only through this protocol. A chown refused for
// lack of permission is ignored and leaves that entry's owner unchanged.
func fixupOwnership(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		mode := info.Mode().Perm() &^ (fs.FileMode(0o022))
		if err := os.Chmod(path, mode); err != nil {
			return err
		}

		if err := os.Chown(path, 0, 0); err != nil && !os.IsPermission(err) {
			return err
		}
		return nil
	})
}
