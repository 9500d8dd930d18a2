package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"lode/internal/pipeline"
	"lode/internal/runstate"
	"lode/internal/services"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show phase and checklist progress for a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(ctx.runID) == "" {
				return services.Wrap(services.ErrValidation, "", "status", "--run-id is required", nil)
			}
			run, err := pipeline.BuildRun(cfg, ctx.runOptions())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(runstate.Phases))
			for _, phase := range runstate.Phases {
				done := "pending"
				if run.State.PhaseDone(phase) {
					done = "done"
				} else if run.State.Get("CURRENT_PHASE") == phase {
					done = "current"
				}
				total := len(runstate.ChecklistKeys[phase])
				complete := 0
				for _, key := range runstate.ChecklistKeys[phase] {
					if run.Checklist.Done(key) {
						complete++
					}
				}
				_, checkpointOK, _ := runstate.ReadCheckpoint(run.Paths, phase)
				checkpoint := "-"
				if checkpointOK {
					checkpoint = "ok"
				}
				rows = append(rows, []string{
					phase,
					done,
					fmt.Sprintf("%d/%d", complete, total),
					checkpoint,
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "run %s (mode %s)\n", run.ID, run.Mode)
			fmt.Fprintln(cmd.OutOrStdout(), renderRows(
				[]string{"PHASE", "STATE", "CHECKLIST", "CHECKPOINT"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
}
