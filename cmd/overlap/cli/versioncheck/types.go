package versioncheck

import "time"

// VersionCache remembers when the last check ran.
type VersionCache struct {
	LastCheckTime time.Time `json:"last_check_time"`
}

// GitHubRelease is the slice of the releases API response we read.
type GitHubRelease struct {
	TagName    string `json:"tag_name"`
	Prerelease bool   `json:"prerelease"`
}

// githubAPIURL is a var so tests can point it at a local server.
var githubAPIURL = "https://api.github.com/repos/overlap-sh/cli/releases/latest"

const (
	checkInterval = 24 * time.Hour
	httpTimeout   = 2 * time.Second
)
