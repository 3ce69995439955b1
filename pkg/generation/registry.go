// Package generation implements the generation registry: the
// text-file-backed, append-only log of system generations and the
// "current" pointer, plus retention pruning.
package generation

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/nixless-agent/pkg/errkind"
	"github.com/cuemby/nixless-agent/pkg/log"
)

// Generation is one entry in the append-only log.
type Generation struct {
	Version         uint64
	SystemPackageID string
	CreatedAt       time.Time
}

// ErrNoPriorGeneration is returned by RollbackTarget when there is no
// distinct generation before the current one.
var ErrNoPriorGeneration = fmt.Errorf("generation: no prior generation to roll back to")

const (
	logFileName     = "generations.log"
	currentFileName = "current"
)

// Registry is the in-memory view of generations.log and current,
// disk-backed and guarded by a single mutex (the coordinator is its only
// caller, so contention is not expected, but the lock makes that
// invariant explicit rather than assumed).
type Registry struct {
	mu             sync.Mutex
	stateBase      string
	generations    []Generation // ordered by append order == version order
	currentVersion uint64       // 0 means "no current generation yet"
}

// Load reads generations.log and current from stateBase, creating them if
// absent (a fresh install has no generations yet).
func Load(stateBase string) (*Registry, error) {
	r := &Registry{stateBase: stateBase}

	logPath := filepath.Join(stateBase, logFileName)
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, errkind.Wrap(errkind.Filesystem, "opening generations log", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		g, err := parseRecord(line)
		if err != nil {
			return nil, err
		}
		r.generations = append(r.generations, g)
	}
	if err := scanner.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Filesystem, "reading generations log", err)
	}

	currentPath := filepath.Join(stateBase, currentFileName)
	data, err := os.ReadFile(currentPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errkind.Wrap(errkind.Filesystem, "reading current pointer", err)
		}
	} else {
		v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return nil, errkind.Wrap(errkind.Malformed, "parsing current pointer", err)
		}
		r.currentVersion = v
	}

	return r, nil
}

func parseRecord(line string) (Generation, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 3 {
		return Generation{}, errkind.New(errkind.Malformed, fmt.Sprintf("malformed generation record: %q", line))
	}
	version, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Generation{}, errkind.Wrap(errkind.Malformed, "parsing generation version", err)
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Generation{}, errkind.Wrap(errkind.Malformed, "parsing generation timestamp", err)
	}
	return Generation{Version: version, SystemPackageID: fields[1], CreatedAt: time.Unix(ts, 0).UTC()}, nil
}

func (g Generation) record() string {
	return fmt.Sprintf("%d\t%s\t%d\n", g.Version, g.SystemPackageID, g.CreatedAt.Unix())
}

// Append allocates the next version, appends a record for
// systemPackageID, and fsyncs the log. It does not change current.
func (r *Registry) Append(systemPackageID string, now time.Time) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	version := uint64(1)
	if len(r.generations) > 0 {
		version = r.generations[len(r.generations)-1].Version + 1
	}
	g := Generation{Version: version, SystemPackageID: systemPackageID, CreatedAt: now}

	logPath := filepath.Join(r.stateBase, logFileName)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, errkind.Wrap(errkind.Filesystem, "opening generations log for append", err)
	}
	defer f.Close()

	if _, err := f.WriteString(g.record()); err != nil {
		return 0, errkind.Wrap(errkind.Filesystem, "appending generation record", err)
	}
	if err := f.Sync(); err != nil {
		return 0, errkind.Wrap(errkind.Filesystem, "fsyncing generations log", err)
	}

	r.generations = append(r.generations, g)
	return version, nil
}

// SetCurrent atomically updates the current pointer to version.
func (r *Registry) SetCurrent(version uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tmpPath := filepath.Join(r.stateBase, currentFileName+".tmp")
	finalPath := filepath.Join(r.stateBase, currentFileName)

	if err := os.WriteFile(tmpPath, []byte(strconv.FormatUint(version, 10)+"\n"), 0o644); err != nil {
		return errkind.Wrap(errkind.Filesystem, "writing current.tmp", err)
	}
	if f, err := os.Open(tmpPath); err == nil {
		f.Sync()
		f.Close()
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return errkind.Wrap(errkind.Filesystem, "renaming current.tmp over current", err)
	}
	if dirf, err := os.Open(r.stateBase); err == nil {
		dirf.Sync()
		dirf.Close()
	}

	r.currentVersion = version
	return nil
}

// Current returns the generation the current pointer names, or ok=false
// if no generation has ever been committed.
func (r *Registry) Current() (g Generation, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(r.currentVersion)
}

// ByVersion returns the generation with the given version.
func (r *Registry) ByVersion(version uint64) (g Generation, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(version)
}

func (r *Registry) find(version uint64) (Generation, bool) {
	for _, g := range r.generations {
		if g.Version == version {
			return g, true
		}
	}
	return Generation{}, false
}

// RollbackTarget returns the version of the nearest generation before
// current whose system package id differs from current's, per the
// "immediately preceding distinct entry" rule.
func (r *Registry) RollbackTarget() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.find(r.currentVersion)
	if !ok {
		return 0, ErrNoPriorGeneration
	}

	for i := len(r.generations) - 1; i >= 0; i-- {
		g := r.generations[i]
		if g.Version >= cur.Version {
			continue
		}
		if g.SystemPackageID != cur.SystemPackageID {
			return g.Version, nil
		}
	}
	return 0, ErrNoPriorGeneration
}

// Prune deletes store paths of generations older than current that are
// not among the most recent maxHistory distinct system ids, oldest first.
// deleteFn is invoked with each candidate's system package id; failures
// are logged and do not abort the sweep.
func (r *Registry) Prune(maxHistory int, deleteFn func(systemPackageID string) error) {
	r.mu.Lock()
	keep := r.retainedIDs(maxHistory)
	candidates := make([]Generation, 0, len(r.generations))
	for _, g := range r.generations {
		if g.Version == r.currentVersion {
			continue
		}
		if _, ok := keep[g.SystemPackageID]; ok {
			continue
		}
		candidates = append(candidates, g)
	}
	r.mu.Unlock()

	logger := log.WithComponent("generation")
	for _, g := range candidates {
		if err := deleteFn(g.SystemPackageID); err != nil {
			logger.Warn().Err(err).Uint64("generation", g.Version).Str("system_package_id", g.SystemPackageID).Msg("prune: best-effort deletion failed")
		}
		if err := RemoveHistoryLink(r.stateBase, g.Version); err != nil {
			logger.Warn().Err(err).Uint64("generation", g.Version).Msg("prune: removing history link failed")
		}
	}
}

// retainedIDs returns the set of distinct system package ids that must
// survive pruning: the current generation's id plus the most recent
// maxHistory-1 distinct ids reachable walking backward from current.
func (r *Registry) retainedIDs(maxHistory int) map[string]struct{} {
	keep := make(map[string]struct{})
	if maxHistory <= 0 {
		maxHistory = 1
	}

	cur, ok := r.find(r.currentVersion)
	if ok {
		keep[cur.SystemPackageID] = struct{}{}
	}

	for i := len(r.generations) - 1; i >= 0 && len(keep) < maxHistory; i-- {
		g := r.generations[i]
		if ok && g.Version >= cur.Version {
			continue
		}
		keep[g.SystemPackageID] = struct{}{}
	}
	return keep
}
