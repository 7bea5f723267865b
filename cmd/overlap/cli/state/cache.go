package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/overlap-sh/cli/cmd/overlap/cli/gitinfo"
	"github.com/overlap-sh/cli/cmd/overlap/cli/paths"
	"github.com/overlap-sh/cli/cmd/overlap/cli/repomatch"
)

// RepoList is one team's roster snapshot.
type RepoList struct {
	Repos     []string  `json:"repos"`
	FetchedAt time.Time `json:"fetched_at"`
}

// GitRemote is the cached origin identity of a directory.
type GitRemote struct {
	Name      string `json:"name"`
	RemoteURL string `json:"remote_url"`
}

// UnmarshalJSON accepts both the current object form and the legacy bare
// string form (just the repo name). Legacy entries migrate to the object
// form on the next save.
func (g *GitRemote) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		g.Name = name
		g.RemoteURL = ""
		return nil
	}
	type plain GitRemote
	var p plain
	if err := json.Unmarshal(bytes.TrimSpace(data), &p); err != nil {
		return err
	}
	*g = GitRemote(p)
	return nil
}

type cacheFile struct {
	RepoLists  map[string]RepoList  `json:"repo_lists"`
	GitRemotes map[string]GitRemote `json:"git_remotes"`
}

// Cache holds roster snapshots and memoized git identities. Negative git
// lookups are remembered in memory only, so a directory that becomes a
// repository later is retried on the next daemon run.
type Cache struct {
	mu         sync.Mutex
	repoLists  map[string]RepoList
	gitRemotes map[string]GitRemote
	misses     map[string]bool
	dirty      bool
}

// LoadCache reads cache.json, starting empty on a missing or corrupt file.
func LoadCache() (*Cache, error) {
	path, err := paths.CacheFile()
	if err != nil {
		return nil, err
	}

	cache := &Cache{
		repoLists:  make(map[string]RepoList),
		gitRemotes: make(map[string]GitRemote),
		misses:     make(map[string]bool),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from paths package
	if err != nil {
		if os.IsNotExist(err) {
			return cache, nil
		}
		return nil, fmt.Errorf("reading cache file: %w", err)
	}

	var parsed cacheFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return cache, nil
	}
	if parsed.RepoLists != nil {
		cache.repoLists = parsed.RepoLists
	}
	if parsed.GitRemotes != nil {
		cache.gitRemotes = parsed.GitRemotes
	}
	return cache, nil
}

// Save writes the cache atomically if anything changed since the last save.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}
	path, err := paths.CacheFile()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	if err := paths.AtomicWriteJSON(path, cacheFile{
		RepoLists:  c.repoLists,
		GitRemotes: c.gitRemotes,
	}); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

// SetRoster replaces a team's roster snapshot.
func (c *Cache) SetRoster(teamURL string, repos []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sorted := slices.Clone(repos)
	slices.Sort(sorted)
	c.repoLists[teamURL] = RepoList{Repos: sorted, FetchedAt: time.Now().UTC()}
	c.dirty = true
}

// Roster returns a team's cached roster and whether one exists.
func (c *Cache) Roster(teamURL string) (RepoList, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, ok := c.repoLists[teamURL]
	return list, ok
}

// DropRoster forgets a team's roster (team removed from config).
func (c *Cache) DropRoster(teamURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.repoLists[teamURL]; ok {
		delete(c.repoLists, teamURL)
		c.dirty = true
	}
}

// Rosters converts the cached snapshots into the matcher's input form.
func (c *Cache) Rosters() repomatch.Rosters {
	c.mu.Lock()
	defer c.mu.Unlock()
	rosters := make(repomatch.Rosters, len(c.repoLists))
	for team, list := range c.repoLists {
		set := make(map[string]bool, len(list.Repos))
		for _, repo := range list.Repos {
			set[repo] = true
		}
		rosters[team] = set
	}
	return rosters
}

// AllRepoNames returns the union of all rosters, sorted.
func (c *Cache) AllRepoNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool)
	for _, list := range c.repoLists {
		for _, repo := range list.Repos {
			seen[repo] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// GitLookup returns a memoizing lookup for the repo matcher, resolving
// misses through gitinfo. Successful identities persist in cache.json;
// failures are only remembered for this process's lifetime.
func (c *Cache) GitLookup() repomatch.GitLookup {
	return func(ctx context.Context, dir string) (string, string, error) {
		c.mu.Lock()
		if remote, ok := c.gitRemotes[dir]; ok {
			c.mu.Unlock()
			return remote.Name, remote.RemoteURL, nil
		}
		if c.misses[dir] {
			c.mu.Unlock()
			return "", "", fmt.Errorf("no git identity for %s", dir)
		}
		c.mu.Unlock()

		info, err := gitinfo.Resolve(ctx, dir)
		if err != nil || info.RepoName == "" {
			c.mu.Lock()
			c.misses[dir] = true
			c.mu.Unlock()
			if err == nil {
				err = fmt.Errorf("no origin remote for %s", dir)
			}
			return "", "", err
		}

		c.mu.Lock()
		c.gitRemotes[dir] = GitRemote{Name: info.RepoName, RemoteURL: info.RemoteURL}
		c.dirty = true
		c.mu.Unlock()
		return info.RepoName, info.RemoteURL, nil
	}
}
