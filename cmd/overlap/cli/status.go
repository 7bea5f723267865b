package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/overlap-sh/cli/cmd/overlap/cli/api"
	"github.com/overlap-sh/cli/cmd/overlap/cli/config"
	"github.com/overlap-sh/cli/cmd/overlap/cli/tracer"
)

// verifyTimeout bounds each team's auth round-trip in status and login.
const verifyTimeout = 3 * time.Second

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show overlap status",
		Long:  "Show tracer daemon state, configured teams, and team mirror freshness",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func runStatus(ctx context.Context, w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st := tracer.GetStatus()
	if st.Running {
		fmt.Fprintf(w, "✓ tracer running (PID %d)\n", st.PID)
	} else {
		fmt.Fprintln(w, "○ tracer not running (run `overlap tracer start`)")
	}

	if len(cfg.Teams) == 0 {
		fmt.Fprintln(w, "○ no teams configured (run `overlap login` to get started)")
		return nil
	}

	width := terminalWidth(w)
	for _, team := range cfg.Teams {
		vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
		resp, err := api.NewClient(team.InstanceURL, team.UserToken).Verify(vctx)
		cancel()

		var line string
		switch {
		case api.IsAuthError(err):
			line = fmt.Sprintf("✕ %s (%s): token rejected, run `overlap login %s`", team.Name, team.InstanceURL, team.InstanceURL)
		case err != nil:
			line = fmt.Sprintf("✕ %s (%s): unreachable", team.Name, team.InstanceURL)
		default:
			line = fmt.Sprintf("✓ %s (%s): signed in as %s", team.Name, team.InstanceURL, resp.DisplayName)
		}
		fmt.Fprintln(w, truncateToWidth(line, width))
	}

	if st.MirrorUpdatedAt.IsZero() {
		fmt.Fprintln(w, "○ team mirror never written")
	} else {
		fmt.Fprintf(w, "  team mirror updated %s ago\n", time.Since(st.MirrorUpdatedAt).Round(time.Second))
	}
	return nil
}
