package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lode/internal/runstate"
	"lode/internal/services"
	"lode/internal/stage"
	"lode/internal/testsupport"
)

// fakeHandler completes its phase's checklist on Execute and counts calls.
type fakeHandler struct {
	phase      string
	executes   int
	verifies   int
	verifyErr  error
	executeErr error
}

func (h *fakeHandler) Name() string { return h.phase }

func (h *fakeHandler) Prepare(context.Context, *runstate.Run) error { return nil }

func (h *fakeHandler) Execute(_ context.Context, run *runstate.Run) error {
	h.executes++
	if h.executeErr != nil {
		return h.executeErr
	}
	for _, key := range runstate.ChecklistKeys[h.phase] {
		if err := run.Checklist.Mark(key); err != nil {
			return err
		}
	}
	return nil
}

func (h *fakeHandler) Verify(context.Context, *runstate.Run) error {
	h.verifies++
	return h.verifyErr
}

func (h *fakeHandler) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(h.phase)
}

func newTestRun(t *testing.T) *runstate.Run {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	testsupport.WritePDFSet(t, cfg, "ISO-99999", "2026", "Part1")
	testsupport.WriteRelevantPolicy(t, cfg, []string{"Part1"}, []string{"Part1"})
	return testsupport.NewRun(t, cfg, "")
}

func fakeHandlers() ([]stage.Handler, map[string]*fakeHandler) {
	var handlers []stage.Handler
	byPhase := make(map[string]*fakeHandler, len(runstate.Phases))
	for _, phase := range runstate.Phases {
		h := &fakeHandler{phase: phase}
		handlers = append(handlers, h)
		byPhase[phase] = h
	}
	return handlers, byPhase
}

func TestPlanPhase(t *testing.T) {
	run := newTestRun(t)
	phase := runstate.PhaseExtract

	if got := PlanPhase(run.State, run.Checklist, phase, false); got != ActionExecute {
		t.Errorf("fresh phase: plan = %v, want execute", got)
	}

	for _, key := range runstate.ChecklistKeys[phase] {
		if err := run.Checklist.Mark(key); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	if got := PlanPhase(run.State, run.Checklist, phase, false); got != ActionVerifyThenFinalize {
		t.Errorf("complete checklist without done flag: plan = %v, want verify-then-finalize", got)
	}

	if err := run.State.MarkPhaseDone(phase); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if got := PlanPhase(run.State, run.Checklist, phase, true); got != ActionSkip {
		t.Errorf("fully recorded phase: plan = %v, want skip", got)
	}
	// A done flag without a valid checkpoint is not trusted.
	if got := PlanPhase(run.State, run.Checklist, phase, false); got != ActionVerifyThenFinalize {
		t.Errorf("done flag with invalid checkpoint: plan = %v, want verify-then-finalize", got)
	}
}

func TestRunToExecutesInOrder(t *testing.T) {
	run := newTestRun(t)
	handlers, byPhase := fakeHandlers()
	controller := New(run, handlers)

	if err := controller.RunTo(context.Background(), runstate.PhaseNormalize); err != nil {
		t.Fatalf("run to normalize: %v", err)
	}

	for _, phase := range []string{runstate.PhaseIngest, runstate.PhaseExtract, runstate.PhaseNormalize} {
		if byPhase[phase].executes != 1 {
			t.Errorf("phase %s executed %d times", phase, byPhase[phase].executes)
		}
		if !run.State.PhaseDone(phase) {
			t.Errorf("phase %s not marked done", phase)
		}
		if _, ok, err := runstate.ReadCheckpoint(run.Paths, phase); err != nil || !ok {
			t.Errorf("phase %s checkpoint: ok=%v err=%v", phase, ok, err)
		}
	}
	if byPhase[runstate.PhaseAnchor].executes != 0 {
		t.Error("anchor ran past the target phase")
	}
	if got := run.State.Get("CURRENT_PHASE"); got != runstate.PhaseAnchor {
		t.Errorf("CURRENT_PHASE = %q, want anchor", got)
	}
}

func TestRunToSkipsCompletedPhases(t *testing.T) {
	run := newTestRun(t)
	handlers, byPhase := fakeHandlers()
	controller := New(run, handlers)
	ctx := context.Background()

	if err := controller.RunTo(ctx, runstate.PhaseExtract); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := controller.RunTo(ctx, runstate.PhaseExtract); err != nil {
		t.Fatalf("second run: %v", err)
	}
	for _, phase := range []string{runstate.PhaseIngest, runstate.PhaseExtract} {
		if byPhase[phase].executes != 1 {
			t.Errorf("phase %s re-executed: %d runs", phase, byPhase[phase].executes)
		}
	}
}

func TestRunToReverifiesAfterCrash(t *testing.T) {
	run := newTestRun(t)
	handlers, byPhase := fakeHandlers()
	// Simulate a crash after ingest's mutation but before its checkpoint:
	// the checklist is complete, nothing else is recorded.
	for _, key := range runstate.ChecklistKeys[runstate.PhaseIngest] {
		if err := run.Checklist.Mark(key); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}

	controller := New(run, handlers)
	if err := controller.RunTo(context.Background(), runstate.PhaseIngest); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if byPhase[runstate.PhaseIngest].executes != 0 {
		t.Error("re-verifiable phase was re-executed")
	}
	if byPhase[runstate.PhaseIngest].verifies == 0 {
		t.Error("phase finalized without verification")
	}
	if !run.State.PhaseDone(runstate.PhaseIngest) {
		t.Error("reverified phase not finalized")
	}

	audit, err := os.ReadFile(run.Log.Path())
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(audit), "phase_reverified phase=ingest") {
		t.Error("reverify not recorded in run log")
	}
}

func TestRunToResetsOnFailedReverify(t *testing.T) {
	run := newTestRun(t)
	handlers, byPhase := fakeHandlers()
	for _, key := range runstate.ChecklistKeys[runstate.PhaseIngest] {
		if err := run.Checklist.Mark(key); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	// First verification fails, the re-execution's does not.
	failing := byPhase[runstate.PhaseIngest]
	failing.verifyErr = services.Wrap(services.ErrStopCondition, "ingest", "verify", "synthetic", nil)

	controller := New(run, handlers)
	err := controller.RunTo(context.Background(), runstate.PhaseIngest)
	if !errors.Is(err, services.ErrStopCondition) {
		t.Fatalf("expected the post-execute verify failure to surface, got %v", err)
	}
	if failing.executes != 1 {
		t.Errorf("failed reverify should force re-execution, got %d runs", failing.executes)
	}

	failing.verifyErr = nil
	if err := controller.RunTo(context.Background(), runstate.PhaseIngest); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !run.State.PhaseDone(runstate.PhaseIngest) {
		t.Error("phase not finalized after retry")
	}
}

func TestRunToStopsOnOpenSourceIntegration(t *testing.T) {
	run := newTestRun(t)
	if err := os.MkdirAll(filepath.Dir(run.Paths.SrcIntegrationBegin()), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(run.Paths.SrcIntegrationBegin(), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write begin marker: %v", err)
	}

	handlers, _ := fakeHandlers()
	err := New(run, handlers).RunTo(context.Background(), runstate.PhaseIngest)
	if !errors.Is(err, services.ErrStopCondition) {
		t.Fatalf("expected stop condition, got %v", err)
	}
}

func TestRunToResetsOpenPublishWithoutSummary(t *testing.T) {
	run := newTestRun(t)
	handlers, byPhase := fakeHandlers()
	controller := New(run, handlers)
	ctx := context.Background()
	if err := controller.RunTo(ctx, runstate.PhasePublish); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Crash window: publish.begin exists, commit and summary do not.
	if err := os.MkdirAll(filepath.Dir(run.Paths.PublishBeginMarker()), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(run.Paths.PublishBeginMarker(), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write begin marker: %v", err)
	}
	if err := os.Remove(run.Paths.PublishCommitMarker()); !os.IsNotExist(err) && err != nil {
		t.Fatalf("remove commit marker: %v", err)
	}

	if err := controller.RunTo(ctx, runstate.PhasePublish); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if byPhase[runstate.PhasePublish].executes != 2 {
		t.Errorf("publish executed %d times, want 2", byPhase[runstate.PhasePublish].executes)
	}
}

func TestRunToTruncatesTornAnchorLinks(t *testing.T) {
	run := newTestRun(t)
	handlers, byPhase := fakeHandlers()
	controller := New(run, handlers)
	ctx := context.Background()
	if err := controller.RunTo(ctx, runstate.PhaseAnchor); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A crash mid-append leaves a partial record with no trailing newline.
	linkPath := run.Paths.AnchorTextLinksFile()
	content := `{"anchor_id":"ISO-99999:part1:0011223344556677","unit_id":"part1-p0001"}` + "\n" +
		`{"anchor_id":"ISO-99999:part1:8899aab`
	if err := os.WriteFile(linkPath, []byte(content), 0o644); err != nil {
		t.Fatalf("seed torn link file: %v", err)
	}

	if err := controller.RunTo(ctx, runstate.PhaseAnchor); err != nil {
		t.Fatalf("resume: %v", err)
	}
	raw, err := os.ReadFile(linkPath)
	if err != nil {
		t.Fatalf("read links: %v", err)
	}
	if strings.Contains(string(raw), "8899aab") {
		t.Error("torn tail survived reconciliation")
	}
	if byPhase[runstate.PhaseAnchor].executes != 2 {
		t.Errorf("anchor executed %d times after torn tail, want 2", byPhase[runstate.PhaseAnchor].executes)
	}
	audit, err := os.ReadFile(run.Log.Path())
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(audit), "anchor_links_truncated") {
		t.Error("truncation not recorded in run log")
	}
}

func TestRunToUnknownPhase(t *testing.T) {
	run := newTestRun(t)
	handlers, _ := fakeHandlers()
	err := New(run, handlers).RunTo(context.Background(), "mastering")
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRunToHoldsLock(t *testing.T) {
	run := newTestRun(t)
	handlers, _ := fakeHandlers()
	if err := New(run, handlers).RunTo(context.Background(), runstate.PhaseIngest); err != nil {
		t.Fatalf("run: %v", err)
	}
	// The lock is released on return.
	if _, err := os.Stat(run.Paths.LockFile()); !os.IsNotExist(err) {
		t.Errorf("lock file survived RunTo: %v", err)
	}
	audit, err := os.ReadFile(run.Log.Path())
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(audit), "lock_acquired") || !strings.Contains(string(audit), "lock_released") {
		t.Error("lock lifecycle not recorded in run log")
	}
}

func TestObserveMarkerWindows(t *testing.T) {
	run := newTestRun(t)
	obs := Observe(run)
	if obs.SrcIntegrationOpen || obs.PublishBeginOpen {
		t.Fatalf("fresh run reports open windows: %+v", obs)
	}

	if err := os.MkdirAll(filepath.Dir(run.Paths.PublishBeginMarker()), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(run.Paths.PublishBeginMarker(), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write begin: %v", err)
	}
	if obs := Observe(run); !obs.PublishBeginOpen {
		t.Error("open publish window not observed")
	}
	if err := os.WriteFile(run.Paths.PublishCommitMarker(), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write commit: %v", err)
	}
	if obs := Observe(run); obs.PublishBeginOpen {
		t.Error("committed publish still reported open")
	}
}
