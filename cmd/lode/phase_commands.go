package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lode/internal/pipeline"
	"lode/internal/runstate"
)

var phaseShort = map[string]string{
	runstate.PhaseIngest:    "Resolve and hash-verify the source document set",
	runstate.PhaseExtract:   "Extract page text with quality-gated OCR fallback",
	runstate.PhaseNormalize: "Segment extracted pages into addressable units",
	runstate.PhaseAnchor:    "Assign stable citation anchors to units",
	runstate.PhasePublish:   "Promote anchored units into the registry",
	runstate.PhaseVerify:    "Gate the published corpus",
	runstate.PhaseReplay:    "Freeze cache signatures and finalize the run",
}

// newPhaseCommands builds one subcommand per phase. Each advances the run
// through every incomplete phase up to and including its own; naming an
// already-complete phase is a no-op.
func newPhaseCommands(ctx *commandContext) []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(runstate.Phases))
	for _, phase := range runstate.Phases {
		cmds = append(cmds, &cobra.Command{
			Use:   phase,
			Short: phaseShort[phase],
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runToPhase(ctx, cmd, cmd.Use)
			},
		})
	}
	return cmds
}

func runToPhase(ctx *commandContext, cmd *cobra.Command, target string) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	run, err := pipeline.BuildRun(cfg, ctx.runOptions())
	if err != nil {
		return err
	}
	handlers, err := pipeline.BuildHandlers(cfg, run)
	if err != nil {
		return err
	}
	controller := pipeline.New(run, handlers)
	if err := controller.RunTo(cmd.Context(), target); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s complete\n", run.ID, target)
	return nil
}
