package runstate

import (
	"errors"
	"path/filepath"
	"testing"

	"lode/internal/runpaths"
	"lode/internal/services"
)

func testPaths(t *testing.T) runpaths.Paths {
	t.Helper()
	base := t.TempDir()
	paths := runpaths.New("mine-test",
		filepath.Join(base, "reports", "mine-test"),
		filepath.Join(base, "cache", "mine-test"),
		filepath.Join(base, "pdfs"),
		filepath.Join(base, "registry"))
	if err := paths.EnsureControlDirs(); err != nil {
		t.Fatalf("ensure control dirs: %v", err)
	}
	if err := paths.EnsureDataDirs(); err != nil {
		t.Fatalf("ensure data dirs: %v", err)
	}
	return paths
}

func bootstrapInput(paths runpaths.Paths) BootstrapInput {
	return BootstrapInput{
		RunID:              "mine-test",
		Mode:               "fixture_ci",
		Paths:              paths,
		SourcePDFSetPath:   "/descriptors/source-pdfset.jsonc",
		RelevantPolicyPath: "/descriptors/relevant-pdf-policy.jsonc",
		RequiredParts:      []string{"Part1", "Part2"},
	}
}

func TestBootstrapStateInitializes(t *testing.T) {
	paths := testPaths(t)
	state, err := BootstrapState(NewWriter(false), paths, bootstrapInput(paths))
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if got := state.Get("CURRENT_PHASE"); got != PhaseIngest {
		t.Errorf("CURRENT_PHASE = %q, want %q", got, PhaseIngest)
	}
	for _, phase := range Phases {
		if state.PhaseDone(phase) {
			t.Errorf("phase %s done on fresh run", phase)
		}
	}
	if parts := state.RequiredParts(); len(parts) != 2 || parts[0] != "Part1" {
		t.Errorf("required parts = %v", parts)
	}
}

func TestBootstrapStateResume(t *testing.T) {
	paths := testPaths(t)
	writer := NewWriter(false)
	state, err := BootstrapState(writer, paths, bootstrapInput(paths))
	if err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if err := state.MarkPhaseDone(PhaseIngest); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	resumed, err := BootstrapState(writer, paths, bootstrapInput(paths))
	if err != nil {
		t.Fatalf("resume bootstrap: %v", err)
	}
	if !resumed.PhaseDone(PhaseIngest) {
		t.Error("ingest done flag lost on resume")
	}
	if got := resumed.Get("CURRENT_PHASE"); got != PhaseExtract {
		t.Errorf("CURRENT_PHASE after resume = %q, want %q", got, PhaseExtract)
	}
}

func TestBootstrapStateImmutableDrift(t *testing.T) {
	paths := testPaths(t)
	writer := NewWriter(false)
	if _, err := BootstrapState(writer, paths, bootstrapInput(paths)); err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}

	drifted := bootstrapInput(paths)
	drifted.Mode = "licensed_local"
	_, err := BootstrapState(writer, paths, drifted)
	if !errors.Is(err, services.ErrContractDrift) {
		t.Fatalf("expected contract drift, got %v", err)
	}
}

func TestResetPhaseRewinds(t *testing.T) {
	paths := testPaths(t)
	state, err := BootstrapState(NewWriter(false), paths, bootstrapInput(paths))
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := state.MarkPhaseDone(PhaseIngest); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := state.ResetPhase(PhaseIngest); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if state.PhaseDone(PhaseIngest) {
		t.Error("done flag survived reset")
	}
	if got := state.Get("CURRENT_PHASE"); got != PhaseIngest {
		t.Errorf("CURRENT_PHASE after reset = %q", got)
	}
}

func TestDryRunStateNotPersisted(t *testing.T) {
	paths := testPaths(t)
	if _, err := BootstrapState(NewWriter(true), paths, bootstrapInput(paths)); err != nil {
		t.Fatalf("dry bootstrap: %v", err)
	}
	values, err := ParseEnv(paths.StateFile())
	if err != nil {
		t.Fatalf("parse state: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("dry run persisted state: %v", values)
	}
}
