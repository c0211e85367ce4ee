package orchestrator

import (
	"context"
	"log/slog"

	"github.com/helmsman-ai/helmsman/pkg/audit"
)

// FullLog is an audit log that can also expose its complete event stream,
// which chain verification needs.
type FullLog interface {
	audit.Log
	All(ctx context.Context) ([]audit.Event, error)
}

// RecoveredRun is the outcome of recovering one run after a restart.
type RecoveredRun struct {
	View RunView

	// Closed is true when the run was non-terminal and recovery closed it.
	Closed bool
}

// Recover verifies the audit chain and folds every run back into a view.
// Runs interrupted mid-flight are closed with a RunFailed event: their
// in-memory context is gone, and an honest failure beats a guessed resume.
// RunRolledBack is not emitted here — only gated, approved mutations ever
// commit, so an interrupted run has no deltas to compensate; that kind is
// reserved for operator-issued compensating events.
func (o *Orchestrator) Recover(ctx context.Context, log FullLog) ([]RecoveredRun, error) {
	all, err := log.All(ctx)
	if err != nil {
		return nil, err
	}
	if err := audit.VerifyChain(all); err != nil {
		return nil, err
	}

	runs, err := log.Runs(ctx)
	if err != nil {
		return nil, err
	}

	var out []RecoveredRun
	for _, runID := range runs {
		events, err := log.Replay(ctx, runID)
		if err != nil {
			return nil, err
		}
		view := Reduce(events)
		recovered := RecoveredRun{View: view}

		if !view.State.Terminal() {
			if _, err := o.log.Append(ctx, runID, audit.KindRunFailed, map[string]any{
				"ok":    false,
				"error": "interrupted by restart",
			}); err != nil {
				return nil, err
			}
			events, err = log.Replay(ctx, runID)
			if err != nil {
				return nil, err
			}
			recovered.View = Reduce(events)
			recovered.Closed = true
			o.logger.InfoContext(ctx, "run.recovered.closed", slog.String("run_id", runID))
		}
		out = append(out, recovered)
	}
	return out, nil
}
