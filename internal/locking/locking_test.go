package locking

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lode/internal/runstate"
	"lode/internal/services"
)

func testLock(t *testing.T) (string, *runstate.RunLog) {
	t.Helper()
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "lock", "active.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		t.Fatalf("mkdir lock dir: %v", err)
	}
	log := runstate.NewRunLog(runstate.NewWriter(false), filepath.Join(dir, "logs", "run.log"))
	return lockPath, log
}

func TestAcquireRelease(t *testing.T) {
	lockPath, log := testLock(t)
	handle, err := Acquire(lockPath, log, "mine-one")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if handle.Record.PID != os.Getpid() {
		t.Errorf("lock pid = %d, want %d", handle.Record.PID, os.Getpid())
	}

	raw, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
	var record Record
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &record); err != nil {
		t.Fatalf("lock payload not JSON: %v", err)
	}
	if record.RunID != "mine-one" {
		t.Errorf("lock run_id = %q", record.RunID)
	}

	if err := Release(handle); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("lock file survived release: %v", err)
	}
}

func TestAcquireContended(t *testing.T) {
	lockPath, log := testLock(t)
	handle, err := Acquire(lockPath, log, "mine-one")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer func() { _ = Release(handle) }()

	_, err = Acquire(lockPath, log, "mine-two")
	if !errors.Is(err, services.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
}

func TestAcquireReclaimsStale(t *testing.T) {
	lockPath, log := testLock(t)

	// A dead pid cannot hold the lock. Pid 1 would be alive, so fabricate
	// one far above the default pid_max rollover.
	stale := Record{PID: 99999999, Host: "", User: "ghost", RunID: "mine-dead"}
	payload, err := json.Marshal(stale)
	if err != nil {
		t.Fatalf("marshal stale record: %v", err)
	}
	if err := os.WriteFile(lockPath, payload, 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	handle, err := Acquire(lockPath, log, "mine-new")
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	defer func() { _ = Release(handle) }()

	audit, err := os.ReadFile(log.Path())
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(audit), "stale_lock_replaced") {
		t.Error("stale takeover not recorded in run log")
	}
	if !strings.Contains(string(audit), "mine-dead") {
		t.Error("stale payload not preserved in run log")
	}
}

func TestAcquireUnparsableRecordIsStale(t *testing.T) {
	lockPath, log := testLock(t)
	if err := os.WriteFile(lockPath, []byte("not-json"), 0o644); err != nil {
		t.Fatalf("seed corrupt lock: %v", err)
	}
	handle, err := Acquire(lockPath, log, "mine-new")
	if err != nil {
		t.Fatalf("acquire over corrupt lock: %v", err)
	}
	_ = Release(handle)
}

func TestReleaseSupersededLockKept(t *testing.T) {
	lockPath, log := testLock(t)
	handle, err := Acquire(lockPath, log, "mine-one")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Simulate a second run taking over after this holder went stale.
	other := Record{PID: os.Getpid(), RunID: "mine-two"}
	payload, _ := json.Marshal(other)
	if err := os.WriteFile(lockPath, payload, 0o644); err != nil {
		t.Fatalf("rewrite lock: %v", err)
	}

	if err := Release(handle); err != nil {
		t.Fatalf("release superseded: %v", err)
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("superseded lock removed by stale handle: %v", err)
	}
}
