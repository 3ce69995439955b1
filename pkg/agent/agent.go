// Package agent implements the update state machine: the single
// top-level coordinator that sequences an update or rollback through
// planning, downloading, staging, activation, and commit, publishing a
// single status snapshot throughout and guaranteeing at most one
// in-flight operation at a time.
package agent

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cuemby/nixless-agent/pkg/activation"
	"github.com/cuemby/nixless-agent/pkg/catalog"
	"github.com/cuemby/nixless-agent/pkg/errkind"
	"github.com/cuemby/nixless-agent/pkg/generation"
	"github.com/cuemby/nixless-agent/pkg/log"
	"github.com/cuemby/nixless-agent/pkg/pipeline"
)

// Phase is the publicly visible agent status.
type Phase string

const (
	PhaseStandby     Phase = "standby"
	PhaseDownloading Phase = "downloading"
	PhaseStaging     Phase = "staging"
	PhaseActivating  Phase = "activating"
	PhaseFailed      Phase = "failed"
)

// Status is the single status value the agent publishes at any time.
type Status struct {
	Phase      Phase
	Package    string
	BytesDone  int64
	BytesTotal int64
	Kind       errkind.Kind
	Detail     string
}

// ConfigRef names a generation by version and top-level system package.
type ConfigRef struct {
	Version         uint64
	SystemPackageID string
}

// Summary is the /summary projection.
type Summary struct {
	Status  Status
	Current *ConfigRef
	Pending *ConfigRef
}

// Metrics receives timing and counter observations. Agent accepts this
// interface rather than a concrete Prometheus type so it can be tested
// without the metrics package, and a Nop implementation is supplied
// below for callers that don't wire metrics.
type Metrics interface {
	IncRequestsNewConfiguration()
	IncRequestsRollback()
	ObserveDownloadDuration(systemPackageID string, d time.Duration)
	ObserveSetupDuration(systemPackageID string, d time.Duration)
	ObserveSwitchDuration(systemPackageID string, d time.Duration)
	SetSystemVersion(version uint64)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) IncRequestsNewConfiguration()                              {}
func (NopMetrics) IncRequestsRollback()                                      {}
func (NopMetrics) ObserveDownloadDuration(string, time.Duration)             {}
func (NopMetrics) ObserveSetupDuration(string, time.Duration)                {}
func (NopMetrics) ObserveSwitchDuration(string, time.Duration)               {}
func (NopMetrics) SetSystemVersion(uint64)                                   {}

// Events receives one record per completed update or rollback attempt,
// for the advisory event journal (A4). It is never consulted for
// correctness and an error from it never fails the attempt it describes.
type Events interface {
	RecordUpdate(topLevelID string, fromVersion, toVersion uint64, started, finished time.Time, succeeded bool, detail string) error
	RecordRollback(topLevelID string, fromVersion, toVersion uint64, started, finished time.Time, succeeded bool, detail string) error
}

// NopEvents discards every record.
type NopEvents struct{}

func (NopEvents) RecordUpdate(string, uint64, uint64, time.Time, time.Time, bool, string) error {
	return nil
}
func (NopEvents) RecordRollback(string, uint64, uint64, time.Time, time.Time, bool, string) error {
	return nil
}

// Agent is the C8 coordinator.
type Agent struct {
	Catalog    *catalog.Catalog
	Pipeline   *pipeline.Pipeline
	Registry   *generation.Registry
	Activation *activation.Controller
	StateBase  string
	MaxHistory int
	Metrics    Metrics
	Events     Events

	mu      sync.Mutex
	busy    bool
	done    chan struct{}
	status  Status
	pending *ConfigRef
}

// New returns an idle Agent. Metrics may be nil, in which case
// observations are discarded.
func New(cat *catalog.Catalog, pl *pipeline.Pipeline, reg *generation.Registry, act *activation.Controller, stateBase string, maxHistory int, metrics Metrics) *Agent {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Agent{
		Catalog:    cat,
		Pipeline:   pl,
		Registry:   reg,
		Activation: act,
		StateBase:  stateBase,
		MaxHistory: maxHistory,
		Metrics:    metrics,
		Events:     NopEvents{},
		status:     Status{Phase: PhaseStandby},
	}
}

// SetEvents wires the advisory event journal after construction, so
// existing callers that build an Agent without one keep compiling.
func (a *Agent) SetEvents(events Events) {
	if events == nil {
		events = NopEvents{}
	}
	a.Events = events
}

// errBusy is the Conflict errkind.Error returned when an operation is
// already in flight.
var errBusy = errkind.New(errkind.Conflict, "an update or rollback is already in flight")

func (a *Agent) acquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return false
	}
	a.busy = true
	a.done = make(chan struct{})
	return true
}

func (a *Agent) release() {
	a.mu.Lock()
	done := a.done
	a.busy = false
	a.mu.Unlock()
	close(done)
}

// WaitIdle blocks until no operation is in flight, or ctx is done.
func (a *Agent) WaitIdle(ctx context.Context) error {
	a.mu.Lock()
	done := a.done
	busy := a.busy
	a.mu.Unlock()
	if !busy || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current status snapshot.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Summary returns the /summary projection.
func (a *Agent) Summary() Summary {
	a.mu.Lock()
	status := a.status
	pending := a.pending
	a.mu.Unlock()

	s := Summary{Status: status, Pending: pending}
	if cur, ok := a.Registry.Current(); ok {
		s.Current = &ConfigRef{Version: cur.Version, SystemPackageID: cur.SystemPackageID}
	}
	return s
}

func (a *Agent) setStatus(st Status) {
	a.mu.Lock()
	a.status = st
	a.mu.Unlock()
}

func (a *Agent) setPending(ref *ConfigRef) {
	a.mu.Lock()
	a.pending = ref
	a.mu.Unlock()
}

// SubmitUpdate admits a verified directive for asynchronous processing.
// The caller (the HTTP control plane) is responsible for authenticating
// the directive via pkg/auth before calling this. Returns immediately;
// errBusy (Conflict) if an operation is already in flight.
func (a *Agent) SubmitUpdate(ctx context.Context, topLevelID string, closure []string) error {
	if !a.acquire() {
		return errBusy
	}
	a.Metrics.IncRequestsNewConfiguration()
	go func() {
		defer a.release()
		a.runUpdate(ctx, topLevelID, closure)
	}()
	return nil
}

// SubmitRollback admits a rollback for asynchronous processing. If there
// is no prior distinct generation to roll back to, this returns
// synchronously without admitting anything.
func (a *Agent) SubmitRollback(ctx context.Context) error {
	target, err := a.Registry.RollbackTarget()
	if err != nil {
		return errkind.Wrap(errkind.Conflict, "no prior generation to roll back to", err)
	}
	if !a.acquire() {
		return errBusy
	}
	a.Metrics.IncRequestsRollback()
	go func() {
		defer a.release()
		a.runRollback(ctx, target)
	}()
	return nil
}

func (a *Agent) runUpdate(ctx context.Context, topLevelID string, closure []string) {
	logger := log.WithComponent("agent").With().Str("top_level_id", topLevelID).Logger()
	started := time.Now()
	fromVersion := a.currentVersion()

	missing := a.planMissing(closure)

	if len(missing) > 0 {
		a.setStatus(Status{Phase: PhaseDownloading, Package: "", BytesTotal: int64(len(missing))})
		start := time.Now()

		err := a.Pipeline.FetchClosure(ctx, missing, func(id string, done, total int64) {
			a.setStatus(Status{Phase: PhaseDownloading, Package: id, BytesDone: done, BytesTotal: total})
		})
		a.Metrics.ObserveDownloadDuration(topLevelID, time.Since(start))

		if err != nil {
			logger.Error().Err(err).Msg("download phase failed, unwinding")
			a.unwindDownloads(missing)
			a.fail(err)
			a.recordUpdate(topLevelID, fromVersion, fromVersion, started, err)
			return
		}
	}

	a.setStatus(Status{Phase: PhaseStaging})
	setupStart := time.Now()

	version, err := a.Registry.Append(topLevelID, time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("appending generation record failed")
		a.fail(err)
		a.recordUpdate(topLevelID, fromVersion, fromVersion, started, err)
		return
	}
	a.setPending(&ConfigRef{Version: version, SystemPackageID: topLevelID})

	if err := generation.RecordHistoryLink(a.StateBase, version, a.Catalog.IDToPath(topLevelID)); err != nil {
		logger.Warn().Err(err).Msg("recording history link failed (non-fatal)")
	}
	a.Metrics.ObserveSetupDuration(topLevelID, time.Since(setupStart))

	err = a.activateAndCommitImpl(ctx, version, topLevelID)
	a.recordUpdate(topLevelID, fromVersion, version, started, err)
}

func (a *Agent) runRollback(ctx context.Context, targetVersion uint64) {
	logger := log.WithComponent("agent").With().Uint64("rollback_target", targetVersion).Logger()
	started := time.Now()
	fromVersion := a.currentVersion()

	targetGen, ok := a.Registry.ByVersion(targetVersion)
	if !ok {
		err := errkind.New(errkind.Internal, "rollback target version not found in registry")
		a.fail(err)
		a.recordRollback("", fromVersion, fromVersion, started, err)
		return
	}

	version, err := a.Registry.Append(targetGen.SystemPackageID, time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("appending rollback generation record failed")
		a.fail(err)
		a.recordRollback(targetGen.SystemPackageID, fromVersion, fromVersion, started, err)
		return
	}
	a.setPending(&ConfigRef{Version: version, SystemPackageID: targetGen.SystemPackageID})

	err = a.activateAndCommitImpl(ctx, version, targetGen.SystemPackageID)
	a.recordRollback(targetGen.SystemPackageID, fromVersion, version, started, err)
}

// currentVersion returns the registry's current generation version, or 0
// if there is none yet.
func (a *Agent) currentVersion() uint64 {
	if cur, ok := a.Registry.Current(); ok {
		return cur.Version
	}
	return 0
}

func (a *Agent) recordUpdate(topLevelID string, fromVersion, toVersion uint64, started time.Time, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	if rerr := a.Events.RecordUpdate(topLevelID, fromVersion, toVersion, started, time.Now(), err == nil, detail); rerr != nil {
		log.WithComponent("agent").Warn().Err(rerr).Msg("recording update event failed (non-fatal)")
	}
}

func (a *Agent) recordRollback(topLevelID string, fromVersion, toVersion uint64, started time.Time, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	if rerr := a.Events.RecordRollback(topLevelID, fromVersion, toVersion, started, time.Now(), err == nil, detail); rerr != nil {
		log.WithComponent("agent").Warn().Err(rerr).Msg("recording rollback event failed (non-fatal)")
	}
}

func (a *Agent) activateAndCommitImpl(ctx context.Context, version uint64, systemPackageID string) error {
	logger := log.WithComponent("agent").With().Uint64("generation", version).Str("system_package_id", systemPackageID).Logger()

	a.setStatus(Status{Phase: PhaseActivating})
	switchStart := time.Now()

	storePath := a.Catalog.IDToPath(systemPackageID)
	err := a.Activation.Switch(ctx, version, systemPackageID, storePath)
	a.Metrics.ObserveSwitchDuration(systemPackageID, time.Since(switchStart))

	if err != nil {
		logger.Error().Err(err).Msg("activation failed, generation remains appended but not current")
		a.fail(err)
		return err
	}

	if err := a.Registry.SetCurrent(version); err != nil {
		logger.Error().Err(err).Msg("setting current pointer failed")
		a.fail(err)
		return err
	}
	a.setPending(nil)
	a.Metrics.SetSystemVersion(version)

	a.Registry.Prune(a.MaxHistory, func(id string) error {
		return os.RemoveAll(a.Catalog.IDToPath(id))
	})

	a.setStatus(Status{Phase: PhaseStandby})
	return nil
}

// planMissing returns the members of closure whose store path does not
// yet exist, in the order given.
func (a *Agent) planMissing(closure []string) []string {
	var missing []string
	for _, id := range closure {
		if _, err := os.Lstat(a.Catalog.IDToPath(id)); err != nil {
			missing = append(missing, id)
		}
	}
	return missing
}

// unwindDownloads removes partial download directories for this
// update's missing ids, leaving already-materialized store paths
// (which may now be referenced by other generations) untouched.
func (a *Agent) unwindDownloads(missing []string) {
	for _, id := range missing {
		partial := a.Pipeline.TempDir + "/" + id + ".partial"
		if err := os.RemoveAll(partial); err != nil {
			log.WithComponent("agent").Warn().Err(err).Str("id", id).Msg("cleanup of partial download failed")
		}
	}
}

func (a *Agent) fail(err error) {
	a.setPending(nil)
	kind, detail := errkind.KindOf(err), err.Error()
	if e, ok := errkind.As(err); ok {
		detail = e.Detail
		if detail == "" {
			detail = e.Error()
		}
	}
	a.setStatus(Status{Phase: PhaseFailed, Kind: kind, Detail: detail})
}
