package pipeline

import (
	"os"

	"lode/internal/runstate"
)

// Action is the reconciler's decision for one phase on resume.
type Action int

const (
	// ActionSkip: done flag, checklist, and checkpoint all agree.
	ActionSkip Action = iota
	// ActionVerifyThenFinalize: mutation finished but completion was never
	// recorded; re-run the phase's verification and finalize on pass.
	ActionVerifyThenFinalize
	// ActionExecute: the phase never completed its mutation; restart it
	// from the beginning.
	ActionExecute
)

// PlanPhase decides how to treat one phase given only persisted state and
// observed checkpoint validity. Pure: same inputs, same answer.
func PlanPhase(state *runstate.State, checklist *runstate.Checklist, phase string, checkpointOK bool) Action {
	if state.PhaseDone(phase) && checkpointOK && checklist.PhaseComplete(phase) {
		return ActionSkip
	}
	if checklist.PhaseComplete(phase) {
		return ActionVerifyThenFinalize
	}
	return ActionExecute
}

// Observation captures the filesystem facts reconciliation depends on.
type Observation struct {
	SrcIntegrationOpen bool
	PublishBeginOpen   bool
}

// Observe gathers reconciliation inputs for a run.
func Observe(run *runstate.Run) Observation {
	return Observation{
		SrcIntegrationOpen: markerOpen(run.Paths.SrcIntegrationBegin(), run.Paths.SrcIntegrationCommit()),
		PublishBeginOpen:   markerOpen(run.Paths.PublishBeginMarker(), run.Paths.PublishCommitMarker()),
	}
}

func markerOpen(begin, commit string) bool {
	if _, err := os.Stat(begin); err != nil {
		return false
	}
	_, err := os.Stat(commit)
	return err != nil
}
