package runstate

import (
	"os"
	"strings"
	"testing"
)

func TestCheckpointRoundTrip(t *testing.T) {
	paths := testPaths(t)
	writer := NewWriter(false)

	written, err := WriteCheckpoint(writer, paths, "mine-test", PhaseNormalize,
		map[string]string{"page-text.jsonl": "abc123"},
		[]string{"zzz.json", "aaa.jsonl"})
	if err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	if written.Outputs[0] != "aaa.jsonl" {
		t.Errorf("outputs not sorted: %v", written.Outputs)
	}

	read, ok, err := ReadCheckpoint(paths, PhaseNormalize)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if !ok {
		t.Fatal("checkpoint reported missing")
	}
	if read.CanonicalChecksum != written.CanonicalChecksum {
		t.Errorf("checksum drift: %q vs %q", read.CanonicalChecksum, written.CanonicalChecksum)
	}
}

func TestCheckpointMissing(t *testing.T) {
	paths := testPaths(t)
	_, ok, err := ReadCheckpoint(paths, PhaseAnchor)
	if err != nil {
		t.Fatalf("missing checkpoint should not error: %v", err)
	}
	if ok {
		t.Error("missing checkpoint reported present")
	}
}

func TestCheckpointTamperDetected(t *testing.T) {
	paths := testPaths(t)
	writer := NewWriter(false)
	if _, err := WriteCheckpoint(writer, paths, "mine-test", PhasePublish, nil, []string{"out.json"}); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}

	path := paths.CheckpointFile(PhasePublish)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	tampered := strings.Replace(string(raw), "out.json", "other.json", 1)
	if tampered == string(raw) {
		t.Fatal("tamper did not change content")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	_, _, err = ReadCheckpoint(paths, PhasePublish)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestDryRunCheckpointNotPersisted(t *testing.T) {
	paths := testPaths(t)
	if _, err := WriteCheckpoint(NewWriter(true), paths, "mine-test", PhaseVerify, nil, nil); err != nil {
		t.Fatalf("dry write: %v", err)
	}
	if _, err := os.Stat(paths.CheckpointFile(PhaseVerify)); !os.IsNotExist(err) {
		t.Errorf("dry run persisted checkpoint: %v", err)
	}
}
