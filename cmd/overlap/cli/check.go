package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/overlap-sh/cli/cmd/overlap/cli/api"
	"github.com/overlap-sh/cli/cmd/overlap/cli/config"
	"github.com/overlap-sh/cli/cmd/overlap/cli/probe"
	"github.com/overlap-sh/cli/cmd/overlap/cli/telemetry"
)

// checkExitBlock is the exit code strict mode uses for a block decision.
const checkExitBlock = 2

func newCheckCmd() *cobra.Command {
	var (
		hookMode    bool
		machineMode bool
		strict      bool
		repoName    string
		oldString   string
		sessionID   string
	)

	cmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Check for teammate activity where an edit is about to land",
		Long: `Check whether a teammate's coding-agent session is already working in
the file (or lines) an edit is about to touch.

The check queries every configured team in parallel. When no server is
reachable it falls back to the team activity mirror the tracer keeps on
disk, so the answer stays useful offline.

Modes:
  --hook      read a PreToolUse hook payload from stdin, reply on stdout
  --machine   print a JSON report for the given file
  (default)   print a human-readable report for the given file`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := checkOptions{
				hook:      hookMode,
				machine:   machineMode,
				strict:    strict,
				repoName:  repoName,
				oldString: oldString,
				sessionID: sessionID,
			}
			if len(args) == 1 {
				opts.filePath = args[0]
			}
			return runCheck(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().BoolVar(&hookMode, "hook", false, "Read agent hook JSON from stdin and reply on stdout")
	cmd.Flags().BoolVar(&machineMode, "machine", false, "Print a JSON report")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit 2 when the decision is block")
	cmd.Flags().StringVar(&repoName, "repo", "", "Repository name to query (defaults to the checkout's)")
	cmd.Flags().StringVar(&oldString, "old-string", "", "Text the edit replaces, used to narrow the check to lines")
	cmd.Flags().StringVar(&sessionID, "session", "", "Calling session id, excluded from results")

	return cmd
}

type checkOptions struct {
	hook      bool
	machine   bool
	strict    bool
	filePath  string
	repoName  string
	oldString string
	sessionID string
}

// hookInput is the PreToolUse payload the agent pipes to --hook.
type hookInput struct {
	SessionID string `json:"session_id"`
	CWD       string `json:"cwd"`
	ToolName  string `json:"tool_name"`
	ToolInput struct {
		FilePath  string `json:"file_path"`
		OldString string `json:"old_string"`
	} `json:"tool_input"`
}

func runCheck(ctx context.Context, r io.Reader, w io.Writer, opts checkOptions) error {
	if opts.hook {
		return runCheckHook(ctx, r, w, opts)
	}
	if opts.filePath == "" {
		return errors.New("a file argument is required (or use --hook)")
	}

	probeOpts := probe.Options{
		FilePath:  opts.filePath,
		OldString: opts.oldString,
		RepoName:  opts.repoName,
		SessionID: opts.sessionID,
	}
	if probeOpts.SessionID == "" {
		// The server excludes the caller's session by id; an ephemeral id
		// keeps an unnamed invocation from matching anything.
		probeOpts.SessionID = "probe-" + uuid.NewString()
	}
	var err error
	if probeOpts.CWD, err = os.Getwd(); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	start := time.Now()
	res, err := probe.Run(ctx, cfg, probeOpts)
	if err != nil {
		return err
	}
	captureProbeEvent(cfg, res, start, false)

	if opts.machine {
		out, err := res.RenderMachine()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", out)
	} else {
		writeHuman(w, res.RenderHuman())
	}

	if opts.strict && res.Decision == api.DecisionBlock {
		return &ExitError{Code: checkExitBlock}
	}
	return nil
}

// runCheckHook never fails the edit on its own account: read problems,
// malformed payloads, and probe errors all resolve to a silent proceed.
// Stdout stays empty unless there is an overlap to report.
func runCheckHook(ctx context.Context, r io.Reader, w io.Writer, opts checkOptions) error {
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return nil
	}
	var input hookInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil
	}
	if input.ToolInput.FilePath == "" {
		return nil
	}

	probeOpts := probe.Options{
		CWD:       input.CWD,
		FilePath:  input.ToolInput.FilePath,
		OldString: input.ToolInput.OldString,
		RepoName:  opts.repoName,
		SessionID: input.SessionID,
	}
	if probeOpts.CWD == "" {
		probeOpts.CWD, _ = os.Getwd()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil //nolint:nilerr // hook mode proceeds on any local failure
	}
	start := time.Now()
	res, err := probe.Run(ctx, cfg, probeOpts)
	if err != nil {
		return nil //nolint:nilerr // hook mode proceeds on any local failure
	}
	captureProbeEvent(cfg, res, start, true)

	out, err := res.RenderHook()
	if err != nil || out == nil {
		return nil
	}
	fmt.Fprintf(w, "%s\n", out)
	return nil
}

// captureProbeEvent records the decision shape, never the file, repo, or
// text involved.
func captureProbeEvent(cfg *config.Config, res *probe.Result, start time.Time, hook bool) {
	tel := telemetry.NewClient(Version, cfg.Telemetry)
	defer tel.Close()
	tel.Capture("probe_invoked", map[string]any{
		"decision":    string(res.Decision),
		"overlaps":    len(res.Overlaps),
		"from_mirror": res.FromMirror,
		"hook":        hook,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// writeHuman prints the report, fitting lines to the terminal when stdout
// is one.
func writeHuman(w io.Writer, text string) {
	width := terminalWidth(w)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		fmt.Fprintln(w, truncateToWidth(line, width))
	}
}
