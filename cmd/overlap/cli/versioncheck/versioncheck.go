// Package versioncheck tells the user when a newer release exists. Checks
// run at most once per day, hit the GitHub releases API with a 2 second
// budget, and stay silent on every failure.
package versioncheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/overlap-sh/cli/cmd/overlap/cli/logging"
	"github.com/overlap-sh/cli/cmd/overlap/cli/paths"
)

// CheckAndNotify runs the daily release check and appends an update notice
// to the command's output when the running build is behind. Every failure
// path is silent; an unreachable or rate-limited API must not disturb
// normal command output.
func CheckAndNotify(cmd *cobra.Command, currentVersion string) {
	switch {
	case cmd.Hidden:
		return
	case currentVersion == "dev" || currentVersion == "":
		return
	case os.Getenv("CI") != "":
		// Notices in build logs help nobody, and a fresh runner would
		// re-fetch on every job.
		return
	}

	if err := paths.EnsureDirs(); err != nil {
		return
	}

	cache, err := loadCache()
	if err != nil {
		cache = &VersionCache{}
	}
	if time.Since(cache.LastCheckTime) < checkInterval {
		return
	}

	latest, fetchErr := fetchLatestVersion()

	// The timestamp advances on failure too, so a broken API gets retried
	// daily rather than on every invocation.
	cache.LastCheckTime = time.Now()
	if err := saveCache(cache); err != nil {
		logging.Debug(context.Background(), "version check: cache write failed",
			slog.String("error", err.Error()))
	}

	if fetchErr != nil {
		logging.Debug(context.Background(), "version check: release fetch failed",
			slog.String("error", fetchErr.Error()))
		return
	}

	if isOutdated(currentVersion, latest) {
		fmt.Fprintf(cmd.OutOrStdout(),
			"\nA newer version of overlap is available: %s (current: %s)\nRun '%s' to update.\n",
			latest, currentVersion, updateCommand())
	}
}

func loadCache() (*VersionCache, error) {
	file, err := paths.VersionCacheFile()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file) //nolint:gosec // path comes from the paths package
	if err != nil {
		return nil, fmt.Errorf("reading version cache: %w", err)
	}
	var cache VersionCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("decoding version cache: %w", err)
	}
	return &cache, nil
}

func saveCache(cache *VersionCache) error {
	file, err := paths.VersionCacheFile()
	if err != nil {
		return err
	}
	return paths.AtomicWriteJSON(file, cache)
}

// fetchLatestVersion asks the GitHub releases API for the newest stable tag.
func fetchLatestVersion() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, githubAPIURL, nil)
	if err != nil {
		return "", fmt.Errorf("building release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "overlap-cli")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // nothing useful to do on close failure

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("release endpoint returned %d", resp.StatusCode)
	}

	// A release document is tiny; the cap only guards against a confused
	// proxy streaming garbage.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading release body: %w", err)
	}
	return parseGitHubRelease(body)
}

// parseGitHubRelease extracts the tag name, rejecting prereleases so the
// notice never suggests moving to a release candidate.
func parseGitHubRelease(body []byte) (string, error) {
	var rel GitHubRelease
	if err := json.Unmarshal(body, &rel); err != nil {
		return "", fmt.Errorf("decoding release: %w", err)
	}
	if rel.Prerelease {
		return "", errors.New("latest release is a prerelease")
	}
	if rel.TagName == "" {
		return "", errors.New("release has no tag name")
	}
	return rel.TagName, nil
}

// isOutdated reports whether current sorts before latest under semver.
// Both sides are normalized to the "v" prefix the semver package expects.
func isOutdated(current, latest string) bool {
	if !strings.HasPrefix(current, "v") {
		current = "v" + current
	}
	if !strings.HasPrefix(latest, "v") {
		latest = "v" + latest
	}
	return semver.Compare(current, latest) < 0
}

// updateCommand picks the update instruction matching how the binary got
// installed. Homebrew is detected through the Cellar path the bin symlink
// resolves into.
func updateCommand() string {
	const installScript = "curl -fsSL https://overlap.sh/install.sh | bash"

	exe, err := os.Executable()
	if err != nil {
		return installScript
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		resolved = exe
	}
	if strings.Contains(resolved, "/Cellar/") || strings.Contains(resolved, "/homebrew/") {
		return "brew upgrade overlap"
	}
	return installScript
}
