// Package locking enforces the single-active-run rule. The lock is a JSON
// record at a well-known control-plane path naming its holder; liveness is a
// pure function of that record plus a pid probe, so there is no in-memory
// singleton to drift from disk. A crashed holder is reclaimed by the next
// Acquire after its record is preserved in the run log.
//
// The check-probe-write sequence itself is serialized across processes with
// an advisory flock on a sibling guard file. The guard is held only inside
// Acquire and Release, never across a run, so a crash cannot wedge it.
package locking

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"lode/internal/jsonutil"
	"lode/internal/runstate"
	"lode/internal/services"
)

// Record is the persisted lock payload.
type Record struct {
	PID           int    `json:"pid"`
	Host          string `json:"host"`
	User          string `json:"user"`
	RunID         string `json:"run_id"`
	AcquiredAtUTC string `json:"acquired_at_utc"`
}

// Handle proves lock ownership; Release requires it.
type Handle struct {
	Record Record
	path   string
	log    *runstate.RunLog
}

// Acquire takes the run lock or fails with services.ErrLockHeld when a live
// holder exists. Stale records are appended to the run log and replaced.
func Acquire(lockPath string, log *runstate.RunLog, runID string) (*Handle, error) {
	guard := flock.New(lockPath + ".guard")
	if err := guard.Lock(); err != nil {
		return nil, fmt.Errorf("lock guard: %w", err)
	}
	defer func() { _ = guard.Unlock() }()

	raw, err := os.ReadFile(lockPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
		var prior Record
		// An unparsable record cannot name a live holder; treat it as stale.
		_ = json.Unmarshal([]byte(trimmed), &prior)
		if holderAlive(prior) {
			return nil, services.Wrap(services.ErrLockHeld, "", "acquire",
				fmt.Sprintf("lock at %s held by pid=%d host=%s user=%s run_id=%s",
					lockPath, prior.PID, prior.Host, prior.User, prior.RunID), nil)
		}
		if err := log.Append("stale_lock_replaced payload=%s", trimmed); err != nil {
			return nil, err
		}
	}

	record := Record{
		PID:           os.Getpid(),
		Host:          hostname(),
		User:          username(),
		RunID:         runID,
		AcquiredAtUTC: jsonutil.NowStamp(),
	}
	payload, err := jsonutil.Canonical(record)
	if err != nil {
		return nil, err
	}
	if err := jsonutil.WriteBytes(lockPath, append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("write lock: %w", err)
	}
	if err := log.Append("lock_acquired pid=%d run_id=%s", record.PID, runID); err != nil {
		return nil, err
	}
	return &Handle{Record: record, path: lockPath, log: log}, nil
}

// Release deletes the lock file when it still carries the handle's run.
// Releasing an already-removed or superseded lock is a no-op; a crashed
// holder's record is reclaimed by the next Acquire instead.
func Release(handle *Handle) error {
	if handle == nil {
		return nil
	}
	guard := flock.New(handle.path + ".guard")
	if err := guard.Lock(); err != nil {
		return fmt.Errorf("lock guard: %w", err)
	}
	defer func() { _ = guard.Unlock() }()

	raw, err := os.ReadFile(handle.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock: %w", err)
	}
	var current Record
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &current); err == nil {
		if current.RunID != "" && current.RunID != handle.Record.RunID {
			return nil
		}
	}
	if err := os.Remove(handle.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return handle.log.Append("lock_released run_id=%s", handle.Record.RunID)
}

// holderAlive probes the recorded holder. A record from another host cannot
// be probed and is treated as live so remote holders are never stolen.
func holderAlive(record Record) bool {
	if record.PID <= 0 {
		return false
	}
	if record.Host != "" && record.Host != hostname() {
		return true
	}
	err := unix.Kill(record.PID, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func username() string {
	current, err := user.Current()
	if err != nil || current.Username == "" {
		return "unknown"
	}
	return current.Username
}
