package agent

import (
	"os"

	"github.com/cuemby/nixless-agent/pkg/activation"
	"github.com/cuemby/nixless-agent/pkg/errkind"
	"github.com/cuemby/nixless-agent/pkg/log"
)

// Recover inspects switch-intent left by a prior process instance and
// finalizes any transition that was in flight when it last exited. It
// must run before the agent accepts any new request.
func (a *Agent) Recover() error {
	intent, err := activation.LoadIntent(a.StateBase)
	if err != nil {
		return err
	}
	if intent == nil {
		return nil
	}

	logger := log.WithComponent("agent").With().Uint64("generation", intent.NewVersion).Logger()
	logger.Info().Msg("found switch-intent from prior run, reconciling")

	outcome, err := activation.Reconcile(a.StateBase)
	if err != nil {
		return err
	}

	if outcome.Succeeded {
		if err := a.Registry.SetCurrent(intent.NewVersion); err != nil {
			return err
		}
		a.Metrics.SetSystemVersion(intent.NewVersion)
		a.Registry.Prune(a.MaxHistory, func(id string) error { return os.RemoveAll(a.Catalog.IDToPath(id)) })
		logger.Info().Msg("reconciled switch-intent as successful, current advanced")
	} else {
		logger.Warn().Str("detail", outcome.Detail).Msg("reconciled switch-intent as failed, current unchanged")
		a.setStatus(Status{Phase: PhaseFailed, Kind: errkind.ActivationFailed, Detail: outcome.Detail})
	}

	return activation.ClearIntent(a.StateBase)
}
