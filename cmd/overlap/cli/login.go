package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/overlap-sh/cli/cmd/overlap/cli/api"
	"github.com/overlap-sh/cli/cmd/overlap/cli/config"
	"github.com/overlap-sh/cli/cmd/overlap/cli/tracer"
)

func newLoginCmd() *cobra.Command {
	var (
		token string
		name  string
	)

	cmd := &cobra.Command{
		Use:   "login <instance-url>",
		Short: "Join a team instance",
		Long: `Join a team instance.

Without --token, requests a fresh login link from the instance and prints
it; open the link in a browser, copy the token it issues, and re-run with
--token. With --token, verifies the token and saves the team to the
config file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context(), cmd.OutOrStdout(), args[0], token, name)
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "API token issued by the instance")
	cmd.Flags().StringVar(&name, "name", "", "Display name for the team (defaults to the server's)")

	return cmd
}

func runLogin(ctx context.Context, w io.Writer, instanceURL, token, name string) error {
	instanceURL = config.CanonicalURL(instanceURL)
	if instanceURL == "" {
		return errors.New("instance URL cannot be empty")
	}

	if token == "" {
		lctx, cancel := context.WithTimeout(ctx, verifyTimeout)
		defer cancel()
		loginURL, err := api.NewClient(instanceURL, "").LoginLink(lctx)
		if err != nil {
			return fmt.Errorf("requesting login link: %w", err)
		}
		fmt.Fprintf(w, "Open this link to sign in:\n\n  %s\n\nThen re-run with the issued token:\n\n  overlap login %s --token <token>\n", loginURL, instanceURL)
		return nil
	}

	vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	resp, err := api.NewClient(instanceURL, token).Verify(vctx)
	if err != nil {
		if api.IsAuthError(err) {
			return errors.New("token rejected by the instance")
		}
		return fmt.Errorf("verifying token: %w", err)
	}

	if name == "" {
		name = resp.TeamName
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Logging in to an already-configured instance replaces its credentials.
	cfg.RemoveTeam(instanceURL)
	if err := cfg.AddTeam(config.TeamConfig{
		Name:        name,
		InstanceURL: instanceURL,
		UserToken:   token,
		UserID:      resp.UserID,
	}); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return err
	}

	fmt.Fprintf(w, "✓ Signed in to %s as %s\n", name, resp.DisplayName)
	notifyTracerOfConfigChange(w)
	return nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <instance-url>",
		Short: "Leave a team instance",
		Long:  "Remove a team from the config file. The tracer stops delivering to it on its next reload.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(cmd.OutOrStdout(), args[0])
		},
	}
}

func runLogout(w io.Writer, instanceURL string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.RemoveTeam(instanceURL) {
		return fmt.Errorf("no team configured with URL %s", config.CanonicalURL(instanceURL))
	}
	if err := cfg.Save(); err != nil {
		return err
	}

	fmt.Fprintf(w, "✓ Left %s\n", config.CanonicalURL(instanceURL))
	notifyTracerOfConfigChange(w)
	return nil
}

// notifyTracerOfConfigChange nudges a running daemon to pick up the new
// team list. A stopped daemon reads fresh config at startup anyway.
func notifyTracerOfConfigChange(w io.Writer) {
	if st := tracer.GetStatus(); !st.Running {
		fmt.Fprintln(w, "  run `overlap tracer start` to begin sharing session activity")
		return
	}
	if err := tracer.TriggerReload(); err == nil {
		fmt.Fprintln(w, "  tracer reloaded")
	}
}
