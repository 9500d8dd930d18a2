// Package pipeline drives a run through the ordered phases. The controller
// owns the lock, the crash-window reconciliation performed on every resume,
// and the checklist -> checkpoint -> done-flag completion sequence; phase
// semantics live in the stage handlers.
package pipeline

import (
	"context"
	"log/slog"

	"lode/internal/locking"
	"lode/internal/logging"
	"lode/internal/prewarm"
	"lode/internal/publish"
	"lode/internal/runstate"
	"lode/internal/services"
	"lode/internal/stage"
)

// Controller sequences phase handlers over one run.
type Controller struct {
	run      *runstate.Run
	handlers map[string]stage.Handler
	logger   *slog.Logger
}

// New builds a controller from the run and its phase handlers.
func New(run *runstate.Run, handlers []stage.Handler) *Controller {
	byName := make(map[string]stage.Handler, len(handlers))
	for _, handler := range handlers {
		byName[handler.Name()] = handler
	}
	logger := run.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Controller{
		run:      run,
		handlers: byName,
		logger:   logging.NewComponentLogger(logger, "pipeline"),
	}
}

// RunTo advances the run through every incomplete phase up to and including
// target. Naming an already-complete phase is a no-op.
func (c *Controller) RunTo(ctx context.Context, target string) error {
	targetIdx := runstate.PhaseIndex(target)
	if targetIdx < 0 {
		return services.Wrap(services.ErrValidation, "", "run", "unknown phase "+target, nil)
	}

	if !c.run.Writer.DryRun() {
		handle, err := locking.Acquire(c.run.Paths.LockFile(), c.run.Log, c.run.ID)
		if err != nil {
			return err
		}
		defer func() {
			if releaseErr := locking.Release(handle); releaseErr != nil {
				c.logger.Warn("lock release failed", logging.Error(releaseErr))
			}
		}()
	}

	if err := c.reconcile(); err != nil {
		return err
	}

	for _, phase := range runstate.Phases[:targetIdx+1] {
		if err := c.runPhase(ctx, phase); err != nil {
			return err
		}
	}
	return nil
}

// reconcile resolves the crash windows that span phases before any handler
// runs: an open source-integration window is an external edit in flight, a
// torn anchor-link append is truncated back to its record boundary, and an
// open publish window is committed or condemned by checksum comparison.
func (c *Controller) reconcile() error {
	obs := Observe(c.run)
	if obs.SrcIntegrationOpen {
		return services.Wrap(services.ErrStopCondition, "", "reconcile",
			"source integration window open", nil)
	}

	if !c.run.Writer.DryRun() {
		removed, err := prewarm.NewStore(c.run.Paths, c.run.Writer).TruncateAnchorLinks()
		if err != nil {
			return services.Wrap(services.ErrValidation, runstate.PhaseAnchor, "reconcile",
				"anchor link truncate", err)
		}
		if removed > 0 {
			if err := c.run.Log.Append("anchor_links_truncated bytes=%d", removed); err != nil {
				return err
			}
			// The torn tail means the anchor phase never finished; force a
			// replay of its link writes.
			if err := c.resetPhase(runstate.PhaseAnchor); err != nil {
				return err
			}
		}
	}

	if obs.PublishBeginOpen {
		resolved, err := publish.Reconcile(c.run)
		if err != nil {
			return err
		}
		if !resolved {
			// No recorded checksum set: publish never reached its summary
			// step and restarts from the beginning.
			if err := c.resetPhase(runstate.PhasePublish); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Controller) runPhase(ctx context.Context, phase string) error {
	handler, ok := c.handlers[phase]
	if !ok {
		return services.Wrap(services.ErrValidation, phase, "run", "no handler registered", nil)
	}

	_, checkpointOK, err := runstate.ReadCheckpoint(c.run.Paths, phase)
	if err != nil {
		// A torn or edited checkpoint invalidates the completion record;
		// the phase restarts rather than trusting it.
		c.logger.Warn("invalid checkpoint", logging.String("phase", phase), logging.Error(err))
		checkpointOK = false
	}

	switch PlanPhase(c.run.State, c.run.Checklist, phase, checkpointOK) {
	case ActionSkip:
		return nil
	case ActionVerifyThenFinalize:
		if verifyErr := handler.Verify(ctx, c.run); verifyErr == nil {
			if err := c.run.Log.Append("phase_reverified phase=%s", phase); err != nil {
				return err
			}
			return c.finalizePhase(phase)
		}
		if err := c.resetPhase(phase); err != nil {
			return err
		}
	case ActionExecute:
	}

	if err := handler.Prepare(ctx, c.run); err != nil {
		return err
	}
	if err := c.run.Log.Append("phase_started phase=%s", phase); err != nil {
		return err
	}
	c.logger.Info("phase started", logging.String("phase", phase))

	if err := handler.Execute(ctx, c.run); err != nil {
		return err
	}
	if err := handler.Verify(ctx, c.run); err != nil {
		return err
	}
	return c.finalizePhase(phase)
}

// finalizePhase records completion in the durable order that makes resume
// unambiguous: full checklist first, then checkpoint, then done flag.
func (c *Controller) finalizePhase(phase string) error {
	if !c.run.Checklist.PhaseComplete(phase) {
		return services.Wrap(services.ErrStopCondition, phase, "finalize",
			"checklist incomplete after execution", nil)
	}
	outputs, inputHashes := c.run.TakePhaseResults()
	if _, err := runstate.WriteCheckpoint(c.run.Writer, c.run.Paths, c.run.ID, phase, inputHashes, outputs); err != nil {
		return err
	}
	if err := c.run.Log.Append("checkpoint_written phase=%s outputs=%d", phase, len(outputs)); err != nil {
		return err
	}
	if err := c.run.State.MarkPhaseDone(phase); err != nil {
		return err
	}
	if err := c.run.Log.Append("phase_completed phase=%s", phase); err != nil {
		return err
	}
	c.logger.Info("phase completed", logging.String("phase", phase))
	return nil
}

func (c *Controller) resetPhase(phase string) error {
	if err := c.run.Checklist.ResetPhase(phase); err != nil {
		return err
	}
	if err := c.run.State.ResetPhase(phase); err != nil {
		return err
	}
	return c.run.Log.Append("phase_reset phase=%s", phase)
}

// Health reports readiness of every registered handler, in phase order.
func (c *Controller) Health(ctx context.Context) []stage.Health {
	var out []stage.Health
	for _, phase := range runstate.Phases {
		if handler, ok := c.handlers[phase]; ok {
			out = append(out, handler.HealthCheck(ctx))
		}
	}
	return out
}
