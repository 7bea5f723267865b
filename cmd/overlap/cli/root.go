package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/overlap-sh/cli/cmd/overlap/cli/config"
	"github.com/overlap-sh/cli/cmd/overlap/cli/telemetry"
	"github.com/overlap-sh/cli/cmd/overlap/cli/versioncheck"
)

const gettingStarted = `

Getting Started:
  Run 'overlap login <instance-url>' to join a team, then
  'overlap tracer start' to begin sharing session activity.
  For more information, visit: https://overlap.sh/docs

`

const environmentHelp = `
Environment Variables:
  OVERLAP_STATE_DIR           Override the state directory (default ~/.overlap).
  OVERLAP_LOG_LEVEL           Daemon log level: debug, info, warn, error.
  OVERLAP_TELEMETRY_OPTOUT    Set to any value to disable usage analytics.
`

// Overridden through ldflags on release builds.
var (
	Version = "dev"
	Commit  = "unknown"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overlap",
		Short: "Overlap CLI",
		Long:  "Team awareness for coding-agent sessions" + gettingStarted + environmentHelp,
		// main prints errors itself, after mapping exit codes
		SilenceErrors: true,
		// completion stays callable, just off the help listing
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			// An unreadable config leaves the preference nil, which counts
			// as opted out.
			var telemetryEnabled *bool
			if cfg, err := config.Load(); err == nil {
				telemetryEnabled = cfg.Telemetry
			}

			telemetryClient := telemetry.NewClient(Version, telemetryEnabled)
			defer telemetryClient.Close()
			telemetryClient.TrackCommand(cmd)

			// Hook consumers parse stdout as JSON; an update notice there
			// would corrupt the response.
			if !cmd.Flags().Changed("hook") {
				versioncheck.CheckAndNotify(cmd, Version)
			}
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newTracerCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "overlap %s (%s)\n", Version, Commit)
			fmt.Fprintf(w, "built with %s for %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
