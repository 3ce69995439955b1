// Package activation drives the service manager over the system bus to
// switch the running system to a new generation, and survives a process
// restart that the switch itself may trigger.
package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	systemddbus "github.com/coreos/go-systemd/v22/dbus"

	"github.com/cuemby/nixless-agent/pkg/errkind"
	"github.com/cuemby/nixless-agent/pkg/log"
)

const (
	intentFileName  = "switch-intent"
	resultFileName  = "activation-result"
	resultPollEvery = 200 * time.Millisecond
)

// Intent is the crash-recovery record written before the bus call, so a
// restart mid-activation can be finalized on the next startup.
type Intent struct {
	NewVersion         uint64    `json:"new_version"`
	NewSystemPackageID string    `json:"new_system_package_id"`
	StartedAt          time.Time `json:"started_at"`
}

// Bus abstracts the systemd bus connection the controller drives,
// letting tests substitute a fake without a real system bus.
type Bus interface {
	StartTransientUnit(name, mode string, properties []systemddbus.Property, ch chan<- string) (int, error)
	Close()
}

// realBus wraps a live connection to the system bus.
type realBus struct {
	conn *systemddbus.Conn
}

func (b *realBus) StartTransientUnit(name, mode string, properties []systemddbus.Property, ch chan<- string) (int, error) {
	return b.conn.StartTransientUnit(name, mode, properties, ch)
}

func (b *realBus) Close() { b.conn.Close() }

// Connect opens a connection to the system bus.
func Connect(ctx context.Context) (Bus, error) {
	conn, err := systemddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "connecting to system bus", err)
	}
	return &realBus{conn: conn}, nil
}

// Controller drives a Bus to perform generation switches, journaling
// switch-intent across the process restart that switch-to-configuration
// may itself trigger.
type Controller struct {
	bus            Bus
	stateBase      string
	trackerCommand string
	switchTimeout  time.Duration
}

// New returns a Controller. trackerCommand is the absolute path to the
// activation-tracker helper binary (ACTIVATION_TRACKER_COMMAND); it is an
// external collaborator invoked as the transient unit's ExecStart and is
// not implemented by this package.
func New(bus Bus, stateBase, trackerCommand string, switchTimeout time.Duration) *Controller {
	return &Controller{bus: bus, stateBase: stateBase, trackerCommand: trackerCommand, switchTimeout: switchTimeout}
}

func (c *Controller) intentPath() string { return filepath.Join(c.stateBase, intentFileName) }
func (c *Controller) resultPath() string { return filepath.Join(c.stateBase, resultFileName) }

// Switch runs switch-to-configuration for systemPackageID via a transient
// unit, requiring both the bus job result and the tracker's result file
// to agree before reporting success.
func (c *Controller) Switch(ctx context.Context, version uint64, systemPackageID, storePath string) error {
	intent := Intent{NewVersion: version, NewSystemPackageID: systemPackageID, StartedAt: time.Now().UTC()}
	if err := c.writeIntent(intent); err != nil {
		return err
	}

	os.Remove(c.resultPath())

	unitName := fmt.Sprintf("nixless-agent-switch-%d.service", version)
	logger := log.WithComponent("activation")
	logger.Info().Str("unit", unitName).Str("system_package_id", systemPackageID).Msg("starting transient switch unit")

	execStart := []string{c.trackerCommand, "--result-file", c.resultPath(), "--", filepath.Join(storePath, "bin", "switch-to-configuration"), "switch"}
	properties := []systemddbus.Property{
		systemddbus.PropDescription(fmt.Sprintf("nixless-agent activation for generation %d", version)),
		systemddbus.PropExecStart(execStart, false),
	}

	jobCh := make(chan string, 1)
	if _, err := c.bus.StartTransientUnit(unitName, "fail", properties, jobCh); err != nil {
		return errkind.Wrap(errkind.ActivationFailed, "starting transient unit", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.switchTimeout)
	defer cancel()

	var jobResult string
	select {
	case jobResult = <-jobCh:
	case <-ctx.Done():
		return errkind.New(errkind.ActivationFailed, fmt.Sprintf("timed out waiting for unit %s to finish", unitName))
	}

	outcome, err := c.awaitResultFile(ctx)
	if err != nil {
		return err
	}

	if jobResult != "done" {
		return errkind.New(errkind.ActivationFailed, fmt.Sprintf("unit %s job result: %s", unitName, jobResult))
	}
	if outcome != "ok" {
		return errkind.New(errkind.ActivationFailed, fmt.Sprintf("activation tracker reported: %s", outcome))
	}

	if err := os.Remove(c.intentPath()); err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.Filesystem, "removing switch-intent", err)
	}
	return nil
}

// awaitResultFile polls for the tracker's result file, returning its
// trimmed contents ("ok" or "fail:<reason>").
func (c *Controller) awaitResultFile(ctx context.Context) (string, error) {
	ticker := time.NewTicker(resultPollEvery)
	defer ticker.Stop()

	for {
		data, err := os.ReadFile(c.resultPath())
		if err == nil {
			return strings.TrimSpace(string(data)), nil
		}
		if !os.IsNotExist(err) {
			return "", errkind.Wrap(errkind.Filesystem, "reading activation result", err)
		}

		select {
		case <-ctx.Done():
			return "", errkind.New(errkind.ActivationFailed, "timed out waiting for activation-result file")
		case <-ticker.C:
		}
	}
}

func (c *Controller) writeIntent(intent Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "marshaling switch intent", err)
	}
	if err := os.WriteFile(c.intentPath(), data, 0o644); err != nil {
		return errkind.Wrap(errkind.Filesystem, "writing switch-intent", err)
	}
	return nil
}

// LoadIntent reads a pending switch-intent record, if present. Callers
// use this at startup, before accepting new requests, to finalize any
// transition that was in flight when the process last exited.
func LoadIntent(stateBase string) (*Intent, error) {
	data, err := os.ReadFile(filepath.Join(stateBase, intentFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.Wrap(errkind.Filesystem, "reading switch-intent", err)
	}
	var intent Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, errkind.Wrap(errkind.Malformed, "parsing switch-intent", err)
	}
	return &intent, nil
}

// ReconcileOutcome reports, for a startup-time intent, whether the prior
// activation succeeded.
type ReconcileOutcome struct {
	Succeeded bool
	Detail    string
}

// Reconcile inspects the result file left by a prior, possibly
// interrupted, Switch call and reports its outcome without retrying the
// activation. The caller is responsible for committing or marking failure
// in the generation registry, then calling ClearIntent.
func Reconcile(stateBase string) (ReconcileOutcome, error) {
	data, err := os.ReadFile(filepath.Join(stateBase, resultFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return ReconcileOutcome{Succeeded: false, Detail: "no activation-result found after restart"}, nil
		}
		return ReconcileOutcome{}, errkind.Wrap(errkind.Filesystem, "reading activation result", err)
	}
	outcome := strings.TrimSpace(string(data))
	if outcome == "ok" {
		return ReconcileOutcome{Succeeded: true}, nil
	}
	return ReconcileOutcome{Succeeded: false, Detail: outcome}, nil
}

// ClearIntent removes the switch-intent file after reconciliation.
func ClearIntent(stateBase string) error {
	err := os.Remove(filepath.Join(stateBase, intentFileName))
	if err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.Filesystem, "clearing switch-intent", err)
	}
	return nil
}
