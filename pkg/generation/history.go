package generation

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/nixless-agent/pkg/errkind"
)

const historyDirName = "history"

// RecordHistoryLink writes (or overwrites) the history/gen-<version>
// symlink pointing at storePath, used for rollback lookups and retention
// bookkeeping independent of generations.log.
func RecordHistoryLink(stateBase string, version uint64, storePath string) error {
	dir := filepath.Join(stateBase, historyDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errkind.Wrap(errkind.Filesystem, "creating history directory", err)
	}

	link := filepath.Join(dir, fmt.Sprintf("gen-%d", version))
	_ = os.Remove(link)
	if err := os.Symlink(storePath, link); err != nil {
		return errkind.Wrap(errkind.Filesystem, "creating history symlink", err)
	}
	return nil
}

// RemoveHistoryLink deletes the history/gen-<version> symlink, if present.
func RemoveHistoryLink(stateBase string, version uint64) error {
	link := filepath.Join(stateBase, historyDirName, fmt.Sprintf("gen-%d", version))
	err := os.Remove(link)
	if err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.Filesystem, "removing history symlink", err)
	}
	return nil
}
