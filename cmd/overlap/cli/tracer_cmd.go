package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/overlap-sh/cli/cmd/overlap/cli/config"
	"github.com/overlap-sh/cli/cmd/overlap/cli/logging"
	"github.com/overlap-sh/cli/cmd/overlap/cli/telemetry"
	"github.com/overlap-sh/cli/cmd/overlap/cli/tracer"
)

const (
	// The spawned daemon needs a moment to acquire the singleton lock;
	// the duplicate pre-kill sweep can hold it up for half a second more.
	startPollInterval = 200 * time.Millisecond
	startWaitWindow   = 3 * time.Second
)

func newTracerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracer",
		Short: "Manage the session tracer daemon",
		Long: `Manage the background daemon that tails coding-agent session journals
and shares activity with your teams.

The tracer watches the agent's journal directory, derives session events,
and delivers them to every configured team in batches. It also keeps a
local mirror of team activity for the overlap check.`,
	}

	cmd.AddCommand(newTracerStartCmd())
	cmd.AddCommand(newTracerStopCmd())
	cmd.AddCommand(newTracerStatusCmd())
	cmd.AddCommand(newTracerReloadCmd())
	cmd.AddCommand(newTracerRunCmd())

	return cmd
}

func newTracerStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the tracer daemon in the background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTracerStart(cmd.OutOrStdout())
		},
	}
}

func runTracerStart(w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(cfg.Teams) == 0 {
		return errors.New("no teams configured; run `overlap login` first")
	}

	if st := tracer.GetStatus(); st.Running {
		return fmt.Errorf("tracer already running (PID %d)", st.PID)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	daemon := exec.Command(exe, "tracer", "run")

	// Detach from the terminal
	daemon.Stdin = nil
	daemon.Stdout = nil
	daemon.Stderr = nil

	if err := daemon.Start(); err != nil {
		return fmt.Errorf("starting tracer: %w", err)
	}

	var st tracer.Status
	deadline := time.Now().Add(startWaitWindow)
	for time.Now().Before(deadline) {
		time.Sleep(startPollInterval)
		if st = tracer.GetStatus(); st.Running {
			break
		}
	}
	if !st.Running {
		return errors.New("tracer failed to start (check ~/.overlap/logs/tracer.log)")
	}

	// A concurrent start may have won the singleton lock; our spawn then
	// exits on its own and the PID file names the winner.
	if st.PID != daemon.Process.Pid {
		fmt.Fprintf(w, "● Tracer already running (PID %d)\n", st.PID)
		return nil
	}

	fmt.Fprintf(w, "✓ Tracer started (PID %d)\n", st.PID)
	return nil
}

func newTracerStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the tracer daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTracerStop(cmd.OutOrStdout())
		},
	}
}

func runTracerStop(w io.Writer) error {
	if err := tracer.Stop(); err != nil {
		return err
	}
	fmt.Fprintln(w, "✓ Tracer stopped")
	return nil
}

func newTracerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tracer daemon status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTracerStatus(cmd.OutOrStdout())
		},
	}
}

func runTracerStatus(w io.Writer) error {
	st := tracer.GetStatus()
	if st.Running {
		fmt.Fprintf(w, "✓ tracer running (PID %d)\n", st.PID)
	} else {
		fmt.Fprintln(w, "○ tracer not running")
	}
	fmt.Fprintf(w, "  tracked sessions: %d\n", st.TrackedSessions)
	if st.MirrorUpdatedAt.IsZero() {
		fmt.Fprintln(w, "  team mirror: never written")
	} else {
		fmt.Fprintf(w, "  team mirror: updated %s ago\n", time.Since(st.MirrorUpdatedAt).Round(time.Second))
	}
	return nil
}

func newTracerReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running tracer to re-read its config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTracerReload(cmd.OutOrStdout())
		},
	}
}

func runTracerReload(w io.Writer) error {
	if err := tracer.TriggerReload(); err != nil {
		return err
	}
	fmt.Fprintln(w, "✓ Reload signal sent")
	return nil
}

func newTracerRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the tracer in the foreground (internal)",
		Long: `Run the tracer in the foreground.

This is called internally by 'overlap tracer start'. Use that command to
start the daemon normally in the background.`,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTracerForeground(cmd.Context())
		},
	}
}

func runTracerForeground(ctx context.Context) error {
	logging.SetLogLevelGetter(func() string {
		cfg, err := config.Load()
		if err != nil {
			return ""
		}
		return cfg.LogLevel
	})
	if err := logging.Init(uuid.NewString()[:8]); err != nil {
		return err
	}
	defer logging.Close()

	sup, err := tracer.NewSupervisor()
	if err != nil {
		return err
	}

	var pref *bool
	teams := 0
	if cfg, err := config.Load(); err == nil {
		pref = cfg.Telemetry
		teams = len(cfg.Teams)
	}
	tel := telemetry.NewClient(Version, pref)
	defer tel.Close()

	start := time.Now()
	tel.Capture("tracer_started", map[string]any{"teams": teams})
	runErr := sup.Run(ctx)
	tel.Capture("tracer_stopped", map[string]any{
		"uptime_seconds": int(time.Since(start).Seconds()),
	})
	return runErr
}
