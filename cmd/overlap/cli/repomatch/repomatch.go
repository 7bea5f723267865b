// Package repomatch maps a session's working directory to the {team, repo}
// targets its events are routed to.
//
// Three strategies run in order and short-circuit: the directory basename
// against each team's roster, the git origin repo name, and finally the
// direct subdirectories (for sessions started in a parent directory of
// several tracked repos). Git lookups go through a caller-supplied lookup
// so results are memoized across sessions.
package repomatch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/overlap-sh/cli/cmd/overlap/cli/event"
	"github.com/overlap-sh/cli/cmd/overlap/cli/paths"
)

// Rosters holds each team's tracked repo names, keyed by instance URL.
type Rosters map[string]map[string]bool

// Match is one routing target for a session.
type Match struct {
	TeamURL  string
	RepoName string
	// Subdir is set when the repo was found as a direct subdirectory of
	// the session's cwd rather than the cwd itself.
	Subdir string
}

// GitLookup resolves a directory to its repo identity (origin-derived name
// and remote URL). Implementations memoize; the matcher calls it at most
// once per directory per invocation.
type GitLookup func(ctx context.Context, dir string) (name, remoteURL string, err error)

// Matcher resolves working directories against team rosters.
type Matcher struct {
	Lookup GitLookup
}

// Match returns the routing targets for cwd, in deterministic order:
// teams sorted by URL, subdirectories in directory order. An empty result
// means the session is not tracked by any team.
func (m *Matcher) Match(ctx context.Context, cwd string, rosters Rosters) []Match {
	teams := sortedTeamURLs(rosters)
	if len(teams) == 0 {
		return nil
	}

	if matches := matchName(teams, rosters, filepath.Base(cwd), ""); len(matches) > 0 {
		return matches
	}

	if name := m.originName(ctx, cwd); name != "" {
		if matches := matchName(teams, rosters, name, ""); len(matches) > 0 {
			return matches
		}
	}

	entries, err := os.ReadDir(cwd)
	if err != nil {
		return nil
	}

	var matches []Match
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		sub := entry.Name()
		name := sub
		if !inAnyRoster(rosters, name) {
			name = m.originName(ctx, filepath.Join(cwd, sub))
			if name == "" || !inAnyRoster(rosters, name) {
				continue
			}
		}
		matches = append(matches, matchName(teams, rosters, name, sub)...)
	}
	return matches
}

func (m *Matcher) originName(ctx context.Context, dir string) string {
	if m.Lookup == nil {
		return ""
	}
	name, _, err := m.Lookup(ctx, dir)
	if err != nil {
		return ""
	}
	return name
}

func matchName(teams []string, rosters Rosters, name, subdir string) []Match {
	var matches []Match
	for _, team := range teams {
		if rosters[team][name] {
			matches = append(matches, Match{TeamURL: team, RepoName: name, Subdir: subdir})
		}
	}
	return matches
}

func inAnyRoster(rosters Rosters, name string) bool {
	for _, repos := range rosters {
		if repos[name] {
			return true
		}
	}
	return false
}

func sortedTeamURLs(rosters Rosters) []string {
	teams := make([]string, 0, len(rosters))
	for team := range rosters {
		teams = append(teams, team)
	}
	sort.Strings(teams)
	return teams
}

// HasSubdirMatches reports whether any match came from a subdirectory,
// marking the session as a parent-directory session.
func HasSubdirMatches(matches []Match) bool {
	for _, m := range matches {
		if m.Subdir != "" {
			return true
		}
	}
	return false
}

// SubdirRepos returns the subdir-name to repo-name map for a match set.
func SubdirRepos(matches []Match) map[string]string {
	repos := make(map[string]string)
	for _, m := range matches {
		if m.Subdir != "" {
			repos[m.Subdir] = m.RepoName
		}
	}
	return repos
}

// TeamURLs returns the distinct team URLs in match order.
func TeamURLs(matches []Match) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, m := range matches {
		if !seen[m.TeamURL] {
			seen[m.TeamURL] = true
			urls = append(urls, m.TeamURL)
		}
	}
	return urls
}

// RebuildMatches reconstructs routing targets from persisted tracking
// fields and the current rosters. Plain sessions pair every stored team
// with the stored repo; parent-directory sessions re-pair each subdir repo
// with the teams that still track it. Teams or repos that have left the
// rosters drop out silently.
func RebuildMatches(teams []string, repo string, subdirRepos map[string]string, rosters Rosters) []Match {
	if len(subdirRepos) == 0 {
		var matches []Match
		for _, team := range teams {
			if rosters[team][repo] {
				matches = append(matches, Match{TeamURL: team, RepoName: repo})
			}
		}
		return matches
	}

	subdirs := make([]string, 0, len(subdirRepos))
	for subdir := range subdirRepos {
		subdirs = append(subdirs, subdir)
	}
	sort.Strings(subdirs)

	var matches []Match
	for _, subdir := range subdirs {
		name := subdirRepos[subdir]
		for _, team := range teams {
			if rosters[team][name] {
				matches = append(matches, Match{TeamURL: team, RepoName: name, Subdir: subdir})
			}
		}
	}
	return matches
}

// Routed is one event instance addressed to one team.
type Routed struct {
	TeamURL string
	Event   event.Event
}

// RouteEvent expands a derived event into per-team instances.
//
// Plain sessions stamp each team's repo name and relativize FileOp paths
// against cwd. Parent-directory sessions route each FileOp by the
// subdirectory that contains its file: the path is stripped relative to
// the subdirectory, the repo is the subdirectory's repo, and the session
// id gets a ":<repo>" suffix so each subrepo reads as its own session.
// FileOps outside every matched subdirectory are dropped. Other event
// kinds go to each team once, under that team's first-matched repo.
func RouteEvent(matches []Match, cwd string, ev event.Event) []Routed {
	if len(matches) == 0 {
		return nil
	}

	if !HasSubdirMatches(matches) {
		routed := make([]Routed, 0, len(matches))
		for _, m := range matches {
			copied := ev
			copied.RepoName = m.RepoName
			relativizeFileOp(&copied, cwd)
			routed = append(routed, Routed{TeamURL: m.TeamURL, Event: copied})
		}
		return routed
	}

	if ev.Type == event.TypeFileOp && ev.IsFileTool() {
		return routeSubrepoFileOp(matches, cwd, ev)
	}

	var routed []Routed
	seen := make(map[string]bool)
	for _, m := range matches {
		if seen[m.TeamURL] {
			continue
		}
		seen[m.TeamURL] = true
		copied := ev
		copied.RepoName = m.RepoName
		if copied.Type == event.TypeFileOp {
			copied.SessionID = subrepoSessionID(copied.SessionID, m.RepoName)
		}
		routed = append(routed, Routed{TeamURL: m.TeamURL, Event: copied})
	}
	return routed
}

func routeSubrepoFileOp(matches []Match, cwd string, ev event.Event) []Routed {
	rel := paths.ToRelativePath(ev.FilePath, cwd)
	if rel == "" || rel == "." {
		return nil
	}
	parts := strings.SplitN(rel, "/", 2)
	if len(parts) < 2 {
		// File sits directly in the parent directory, outside every
		// registered subrepo.
		return nil
	}
	subdir, inner := parts[0], parts[1]

	var routed []Routed
	for _, m := range matches {
		if m.Subdir != subdir {
			continue
		}
		copied := ev
		copied.RepoName = m.RepoName
		copied.FilePath = inner
		copied.SessionID = subrepoSessionID(copied.SessionID, m.RepoName)
		routed = append(routed, Routed{TeamURL: m.TeamURL, Event: copied})
	}
	return routed
}

func relativizeFileOp(ev *event.Event, cwd string) {
	if ev.Type != event.TypeFileOp || !ev.IsFileTool() {
		return
	}
	if rel := paths.ToRelativePath(ev.FilePath, cwd); rel != "" {
		ev.FilePath = rel
	}
}

func subrepoSessionID(sessionID, repo string) string {
	return sessionID + ":" + repo
}
