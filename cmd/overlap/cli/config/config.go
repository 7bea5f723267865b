// Package config loads and saves ~/.overlap/config.json.
//
// The file holds the teams a developer has joined plus tracer tuning. It is
// separate from the tracer's durable state (state.json, cache.json) because
// users edit it by hand and `overlap login` rewrites it; the daemon re-reads
// it on reload.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/overlap-sh/cli/cmd/overlap/cli/paths"
)

// Tracer tuning defaults. The remaining sender parameters (queue cap, retry
// bound, retry delay cap) are fixed constants in the sender package.
const (
	DefaultBatchIntervalMS    = 5000
	DefaultMaxBatchSize       = 50
	DefaultRepoSyncIntervalMS = 300000

	// ServerMaxBatchSize is the server-side ceiling on events per ingest call.
	// Configured values above this are clamped.
	ServerMaxBatchSize = 100
)

// TeamConfig identifies one remote team instance.
type TeamConfig struct {
	Name        string `json:"name"`
	InstanceURL string `json:"instance_url"`
	UserToken   string `json:"user_token"`
	UserID      string `json:"user_id"`
}

// TracerSettings tunes the daemon's batching and roster refresh.
type TracerSettings struct {
	BatchIntervalMS    int `json:"batch_interval_ms"`
	MaxBatchSize       int `json:"max_batch_size"`
	RepoSyncIntervalMS int `json:"repo_sync_interval_ms"`
}

// Config is the root of config.json.
type Config struct {
	Teams  []TeamConfig   `json:"teams"`
	Tracer TracerSettings `json:"tracer"`

	// LogLevel sets daemon logging verbosity (debug, info, warn, error).
	// Can be overridden by OVERLAP_LOG_LEVEL environment variable.
	LogLevel string `json:"log_level,omitempty"`

	// Telemetry controls anonymous usage analytics.
	// nil = not configured (disabled), true = opted in, false = opted out
	Telemetry *bool `json:"telemetry,omitempty"`
}

// Load reads config.json from the state directory.
// Returns a default config if the file does not exist. Team URLs are
// canonicalized on load; teams whose URL duplicates an earlier entry
// (modulo trailing slashes) are dropped, first entry wins.
func Load() (*Config, error) {
	path, err := paths.ConfigFile()
	if err != nil {
		return nil, err
	}
	return loadFromFile(path)
}

func loadFromFile(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from paths package
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Teams = canonicalizeTeams(cfg.Teams)
	applyDefaults(cfg)
	return cfg, nil
}

// Save writes the config atomically, pretty-printed.
func (c *Config) Save() error {
	path, err := paths.ConfigFile()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	c.Teams = canonicalizeTeams(c.Teams)
	return paths.AtomicWriteJSON(path, c)
}

func applyDefaults(cfg *Config) {
	if cfg.Tracer.BatchIntervalMS <= 0 {
		cfg.Tracer.BatchIntervalMS = DefaultBatchIntervalMS
	}
	if cfg.Tracer.MaxBatchSize <= 0 {
		cfg.Tracer.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.Tracer.MaxBatchSize > ServerMaxBatchSize {
		cfg.Tracer.MaxBatchSize = ServerMaxBatchSize
	}
	if cfg.Tracer.RepoSyncIntervalMS <= 0 {
		cfg.Tracer.RepoSyncIntervalMS = DefaultRepoSyncIntervalMS
	}
}

// canonicalizeTeams normalizes instance URLs and drops duplicates
// (first occurrence wins).
func canonicalizeTeams(teams []TeamConfig) []TeamConfig {
	seen := make(map[string]bool, len(teams))
	out := teams[:0]
	for _, team := range teams {
		team.InstanceURL = CanonicalURL(team.InstanceURL)
		if team.InstanceURL == "" || seen[team.InstanceURL] {
			continue
		}
		seen[team.InstanceURL] = true
		out = append(out, team)
	}
	return out
}

// CanonicalURL trims whitespace and trailing slashes so that URLs differing
// only by a trailing slash compare equal.
func CanonicalURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}

// AddTeam appends a team, rejecting URL duplicates.
func (c *Config) AddTeam(team TeamConfig) error {
	team.InstanceURL = CanonicalURL(team.InstanceURL)
	if team.InstanceURL == "" {
		return errors.New("team instance URL cannot be empty")
	}
	for _, existing := range c.Teams {
		if existing.InstanceURL == team.InstanceURL {
			return fmt.Errorf("team with URL %s already configured", team.InstanceURL)
		}
	}
	c.Teams = append(c.Teams, team)
	return nil
}

// RemoveTeam deletes the team with the given URL (canonicalized).
// Returns true if a team was removed.
func (c *Config) RemoveTeam(url string) bool {
	url = CanonicalURL(url)
	for i, team := range c.Teams {
		if team.InstanceURL == url {
			c.Teams = append(c.Teams[:i], c.Teams[i+1:]...)
			return true
		}
	}
	return false
}

// TeamByURL returns the team with the given URL (canonicalized), or nil.
func (c *Config) TeamByURL(url string) *TeamConfig {
	url = CanonicalURL(url)
	for i := range c.Teams {
		if c.Teams[i].InstanceURL == url {
			return &c.Teams[i]
		}
	}
	return nil
}

// UserIDs returns the set of user ids across all configured teams.
// The overlap probe uses this for self-exclusion.
func (c *Config) UserIDs() map[string]bool {
	ids := make(map[string]bool, len(c.Teams))
	for _, team := range c.Teams {
		if team.UserID != "" {
			ids[team.UserID] = true
		}
	}
	return ids
}

// BatchInterval returns the flush interval as a duration.
func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.Tracer.BatchIntervalMS) * time.Millisecond
}

// RepoSyncInterval returns the roster refresh interval as a duration.
func (c *Config) RepoSyncInterval() time.Duration {
	return time.Duration(c.Tracer.RepoSyncIntervalMS) * time.Millisecond
}
