package tracer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/overlap-sh/cli/cmd/overlap/cli/logging"
	"github.com/overlap-sh/cli/cmd/overlap/cli/paths"
)

// preKillWait is how long a terminated duplicate gets to exit before it is
// killed outright.
const preKillWait = 500 * time.Millisecond

// ErrAlreadyRunning means another daemon holds the PID file lock.
var ErrAlreadyRunning = errors.New("another tracer is already running")

// acquireSingleton makes this process the only live tracer. Host
// supervisors (launchd, systemd) can double-start the daemon after a
// crash, so any other process whose command line looks like a tracer is
// terminated first; the advisory lock on the PID file is the authoritative
// guard.
func (s *Supervisor) acquireSingleton(ctx context.Context) error {
	preKillDuplicates(ctx)

	pidPath, err := paths.PIDFile()
	if err != nil {
		return err
	}
	s.lock = flock.New(pidPath)
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking pid file: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	if err := paths.WritePIDFile(os.Getpid()); err != nil {
		_ = s.lock.Unlock()
		return err
	}
	return nil
}

// releaseSingleton drops the lock and removes the PID record if this
// process still owns it.
func (s *Supervisor) releaseSingleton() {
	if s.lock != nil {
		_ = s.lock.Unlock()
		s.lock = nil
	}
	_ = paths.RemovePIDFile(os.Getpid())
}

func preKillDuplicates(ctx context.Context) {
	procs, err := process.Processes()
	if err != nil {
		return
	}
	logCtx := logging.WithComponent(ctx, "tracer")
	self := int32(os.Getpid()) //nolint:gosec // pid fits in int32 on supported platforms

	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || !isTracerCmdline(cmdline) {
			continue
		}
		logging.Warn(logCtx, "terminating duplicate tracer", slog.Int("pid", int(p.Pid)))
		if err := p.Terminate(); err != nil {
			continue
		}
		time.Sleep(preKillWait)
		if running, _ := p.IsRunning(); running {
			_ = p.Kill()
		}
	}
}

// isTracerCmdline matches the daemon's own invocation shape. Deliberately
// narrow: the binary must be named overlap and the arguments must contain
// both verbs, so unrelated processes that merely mention these words are
// left alone.
func isTracerCmdline(cmdline string) bool {
	fields := strings.Fields(cmdline)
	if len(fields) < 3 {
		return false
	}
	base := strings.TrimSuffix(filepath.Base(fields[0]), ".exe")
	if base != "overlap" {
		return false
	}
	return slices.Contains(fields[1:], "tracer") && slices.Contains(fields[1:], "run")
}
