package runstate

import (
	"fmt"
	"strings"

	"lode/internal/jsonutil"
	"lode/internal/runpaths"
	"lode/internal/services"
)

// ImmutableKeys never change for the life of a run. A stored value that
// disagrees with the bootstrap value is a contract drift hard stop.
var ImmutableKeys = []string{
	"RUN_ID",
	"MODE",
	"PDF_ROOT",
	"CONTROL_RUN_ROOT",
	"DATA_ROOT",
	"REGISTRY_ROOT",
	"SOURCE_PDFSET_PATH",
	"RELEVANT_POLICY_PATH",
	"EXTRACTION_POLICY_PATH",
	"REQUIRED_PARTS",
}

// State is the durable run-state env file plus its location.
type State struct {
	path   string
	values map[string]string
	writer *Writer
}

// BootstrapInput carries the immutable run keys established at run start.
type BootstrapInput struct {
	RunID                string
	Mode                 string
	Paths                runpaths.Paths
	SourcePDFSetPath     string
	RelevantPolicyPath   string
	ExtractionPolicyPath string
	RequiredParts        []string
}

// BootstrapState loads or initializes the run-state file, enforcing the
// immutable-key contract against any previously persisted values.
func BootstrapState(w *Writer, paths runpaths.Paths, in BootstrapInput) (*State, error) {
	values, err := ParseEnv(paths.StateFile())
	if err != nil {
		return nil, err
	}

	defaults := map[string]string{
		"STATE_SCHEMA_VERSION":   "1",
		"RUN_ID":                 in.RunID,
		"MODE":                   in.Mode,
		"PDF_ROOT":               in.Paths.PDFRoot,
		"CONTROL_RUN_ROOT":       in.Paths.ControlRunRoot,
		"DATA_ROOT":              in.Paths.DataRoot,
		"REGISTRY_ROOT":          in.Paths.RegistryRoot,
		"SOURCE_PDFSET_PATH":     in.SourcePDFSetPath,
		"RELEVANT_POLICY_PATH":   in.RelevantPolicyPath,
		"EXTRACTION_POLICY_PATH": in.ExtractionPolicyPath,
		"REQUIRED_PARTS":         strings.Join(in.RequiredParts, ","),
	}
	if existing := values["CURRENT_PHASE"]; existing != "" {
		defaults["CURRENT_PHASE"] = existing
	} else {
		defaults["CURRENT_PHASE"] = Phases[0]
	}
	if existing := values["STARTED_AT_UTC"]; existing != "" {
		defaults["STARTED_AT_UTC"] = existing
	} else {
		defaults["STARTED_AT_UTC"] = jsonutil.NowStamp()
	}
	for _, phase := range Phases {
		flag := DoneFlag(phase)
		if values[flag] == "" {
			defaults[flag] = "0"
		} else {
			defaults[flag] = values[flag]
		}
	}

	for key, value := range defaults {
		if isImmutable(key) {
			if prior := values[key]; prior != "" && prior != value {
				return nil, services.Wrap(services.ErrContractDrift, "", "bootstrap",
					fmt.Sprintf("immutable key %s: stored %q, requested %q", key, prior, value), nil)
			}
		}
		values[key] = value
	}
	values["LAST_UPDATED_AT_UTC"] = jsonutil.NowStamp()

	state := &State{path: paths.StateFile(), values: values, writer: w}
	if err := state.Save(); err != nil {
		return nil, err
	}
	return state, nil
}

func isImmutable(key string) bool {
	for _, immutable := range ImmutableKeys {
		if key == immutable {
			return true
		}
	}
	return false
}

// Get returns the stored value for key, or "".
func (s *State) Get(key string) string { return s.values[key] }

// Set updates a mutable key in memory; Save persists it.
func (s *State) Set(key, value string) { s.values[key] = value }

// PhaseDone reports whether phase has its done flag set.
func (s *State) PhaseDone(phase string) bool {
	return s.values[DoneFlag(phase)] == "1"
}

// MarkPhaseDone sets the done flag, advances CURRENT_PHASE, and persists.
func (s *State) MarkPhaseDone(phase string) error {
	s.values[DoneFlag(phase)] = "1"
	s.values["CURRENT_PHASE"] = NextPhase(phase)
	return s.Save()
}

// ResetPhase clears the done flag for phase and persists.
func (s *State) ResetPhase(phase string) error {
	s.values[DoneFlag(phase)] = "0"
	s.values["CURRENT_PHASE"] = phase
	return s.Save()
}

// RequiredParts returns the immutable required-part list.
func (s *State) RequiredParts() []string {
	raw := s.values["REQUIRED_PARTS"]
	if raw == "" {
		return nil
	}
	var parts []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// Save atomically rewrites the state file. Suppressed in dry runs.
func (s *State) Save() error {
	s.values["LAST_UPDATED_AT_UTC"] = jsonutil.NowStamp()
	if s.writer.DryRun() {
		return nil
	}
	return WriteEnv(s.path, s.values)
}
