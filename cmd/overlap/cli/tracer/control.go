package tracer

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/overlap-sh/cli/cmd/overlap/cli/paths"
	"github.com/overlap-sh/cli/cmd/overlap/cli/state"
	"github.com/overlap-sh/cli/cmd/overlap/cli/teamstate"
)

// ErrNotRunning reports that no live tracer daemon was found.
var ErrNotRunning = errors.New("tracer is not running")

const (
	stopPollInterval = 200 * time.Millisecond
	stopGraceWindow  = 6 * time.Second
)

// findDaemon resolves the PID file to a live process whose command line
// looks like a tracer. Stale records (dead process, recycled PID) are
// cleaned up and reported as not running.
func findDaemon() (*process.Process, int, error) {
	pid, err := paths.ReadPIDFile()
	if err != nil {
		return nil, 0, err
	}
	if pid == 0 {
		return nil, 0, ErrNotRunning
	}

	proc, err := process.NewProcess(int32(pid)) //nolint:gosec // pid fits in int32 on supported platforms
	if err != nil {
		_ = paths.RemovePIDFile(pid)
		return nil, 0, ErrNotRunning
	}
	cmdline, err := proc.Cmdline()
	if err != nil || !isTracerCmdline(cmdline) {
		_ = paths.RemovePIDFile(pid)
		return nil, 0, ErrNotRunning
	}
	return proc, pid, nil
}

// Stop terminates the running daemon: graceful first, hard kill if it
// lingers past the grace window.
func Stop() error {
	proc, pid, err := findDaemon()
	if err != nil {
		return err
	}

	if err := proc.Terminate(); err != nil {
		return fmt.Errorf("stopping tracer (pid %d): %w", pid, err)
	}
	deadline := time.Now().Add(stopGraceWindow)
	for time.Now().Before(deadline) {
		if running, _ := proc.IsRunning(); !running {
			return nil
		}
		time.Sleep(stopPollInterval)
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("killing tracer (pid %d): %w", pid, err)
	}
	return nil
}

// TriggerReload asks the running daemon to re-read its config. Unix gets
// SIGHUP; Windows gets the flag file its poll loop consumes.
func TriggerReload() error {
	proc, _, err := findDaemon()
	if err != nil {
		return err
	}

	if runtime.GOOS == "windows" {
		flag, err := paths.ReloadFlagFile()
		if err != nil {
			return err
		}
		return os.WriteFile(flag, []byte("reload\n"), 0o600)
	}
	return proc.SendSignal(syscall.SIGHUP)
}

// Status is a point-in-time view of the daemon and its local artifacts.
type Status struct {
	Running bool
	PID     int

	// TrackedSessions counts journals with a durable tracking record.
	TrackedSessions int

	// MirrorUpdatedAt is zero when no team-state mirror has been written.
	MirrorUpdatedAt time.Time
}

// GetStatus never fails; absent pieces simply read as zero values.
func GetStatus() Status {
	var st Status
	if proc, pid, err := findDaemon(); err == nil && proc != nil {
		st.Running = true
		st.PID = pid
	}
	if store, err := state.Load(); err == nil {
		st.TrackedSessions = store.Len()
	}
	if mirror, err := teamstate.LoadMirror(); err == nil {
		st.MirrorUpdatedAt = mirror.UpdatedAt
	}
	return st
}
