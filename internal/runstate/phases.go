package runstate

import "strings"

// Phases is the ordered phase sequence of a mining run.
var Phases = []string{
	PhaseIngest,
	PhaseExtract,
	PhaseNormalize,
	PhaseAnchor,
	PhasePublish,
	PhaseVerify,
	PhaseReplay,
}

const (
	PhaseIngest    = "ingest"
	PhaseExtract   = "extract"
	PhaseNormalize = "normalize"
	PhaseAnchor    = "anchor"
	PhasePublish   = "publish"
	PhaseVerify    = "verify"
	PhaseReplay    = "replay"
)

// ChecklistKeys lists the CB_* items a phase must complete before it may be
// marked done.
var ChecklistKeys = map[string][]string{
	PhaseIngest: {
		"CB_INGEST_SOURCE_PDFSET_VALID",
		"CB_INGEST_REQUIRED_PARTS_FOUND",
		"CB_INGEST_HASHES_VERIFIED",
		"CB_INGEST_STATE_INITIALIZED",
		"CB_INGEST_SUMMARY_WRITTEN",
	},
	PhaseExtract: {
		"CB_EXTRACT_PRIMARY_EVAL_COMPLETE",
		"CB_EXTRACT_FALLBACK_COMPLETE",
		"CB_EXTRACT_PAGE_DECISIONS_WRITTEN",
		"CB_EXTRACT_SUMMARY_WRITTEN",
	},
	PhaseNormalize: {
		"CB_NORMALIZE_UNITS_WRITTEN",
		"CB_NORMALIZE_COVERAGE_COMPUTED",
		"CB_NORMALIZE_QA_QUEUE_WRITTEN",
		"CB_NORMALIZE_SUMMARY_WRITTEN",
	},
	PhaseAnchor: {
		"CB_ANCHOR_IDS_WRITTEN",
		"CB_ANCHOR_DEDUP_CHECK_PASS",
		"CB_ANCHOR_LINKS_WRITTEN",
		"CB_ANCHOR_SUMMARY_WRITTEN",
	},
	PhasePublish: {
		"CB_PUBLISH_SHARDS_WRITTEN",
		"CB_PUBLISH_REGISTRY_WRITTEN",
		"CB_PUBLISH_QA_GATE_PASS",
		"CB_PUBLISH_TRANSACTION_COMMIT",
	},
	PhaseVerify: {
		"CB_VERIFY_SCHEMA_PASS",
		"CB_VERIFY_INTEGRITY_PASS",
		"CB_VERIFY_REQUIRED_PARTS_PASS",
		"CB_VERIFY_REPORT_CONTENT_PASS",
		"CB_VERIFY_SUMMARY_WRITTEN",
	},
	PhaseReplay: {
		"CB_REPLAY_SIGNATURES_WRITTEN",
		"CB_REPLAY_COUNTS_MATCHED",
		"CB_REPLAY_SUMMARY_WRITTEN",
	},
}

// DoneFlag returns the state key recording a phase's completion.
func DoneFlag(phase string) string {
	return "S_" + strings.ToUpper(phase) + "_DONE"
}

// PhaseIndex returns the position of phase in the ordered sequence, or -1
// when the name is unknown.
func PhaseIndex(phase string) int {
	for i, name := range Phases {
		if name == phase {
			return i
		}
	}
	return -1
}

// NextPhase returns the phase after the given one; the final phase is its
// own successor.
func NextPhase(phase string) string {
	idx := PhaseIndex(phase)
	if idx < 0 || idx >= len(Phases)-1 {
		return Phases[len(Phases)-1]
	}
	return Phases[idx+1]
}
