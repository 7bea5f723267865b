package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlap-sh/cli/cmd/overlap/cli/paths"
)

func TestCanonicalURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "no_change", in: "https://team.example.com", want: "https://team.example.com"},
		{name: "trailing_slash", in: "https://team.example.com/", want: "https://team.example.com"},
		{name: "many_trailing_slashes", in: "https://team.example.com///", want: "https://team.example.com"},
		{name: "surrounding_whitespace", in: "  https://team.example.com/ ", want: "https://team.example.com"},
		{name: "empty", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CanonicalURL(tt.in))
		})
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv(paths.StateDirEnvVar, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Empty(t, cfg.Teams)
	assert.Equal(t, DefaultBatchIntervalMS, cfg.Tracer.BatchIntervalMS)
	assert.Equal(t, DefaultMaxBatchSize, cfg.Tracer.MaxBatchSize)
	assert.Equal(t, DefaultRepoSyncIntervalMS, cfg.Tracer.RepoSyncIntervalMS)
	assert.Nil(t, cfg.Telemetry)
}

func TestLoad_PartialFileGetsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(paths.StateDirEnvVar, dir)

	content := `{"teams": [{"name": "acme", "instance_url": "https://acme.example.com/", "user_token": "tok", "user_id": "u1"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Teams, 1)
	assert.Equal(t, "https://acme.example.com", cfg.Teams[0].InstanceURL)
	assert.Equal(t, DefaultBatchIntervalMS, cfg.Tracer.BatchIntervalMS)
}

func TestLoad_ClampsBatchSizeToServerMax(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(paths.StateDirEnvVar, dir)

	content := `{"tracer": {"batch_interval_ms": 1000, "max_batch_size": 400, "repo_sync_interval_ms": 60000}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ServerMaxBatchSize, cfg.Tracer.MaxBatchSize)
	assert.Equal(t, 1000, cfg.Tracer.BatchIntervalMS)
}

func TestLoad_DropsDuplicateTeamURLs(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(paths.StateDirEnvVar, dir)

	content := `{"teams": [
		{"name": "first", "instance_url": "https://acme.example.com"},
		{"name": "second", "instance_url": "https://acme.example.com/"},
		{"name": "other", "instance_url": "https://beta.example.com"}
	]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Teams, 2)
	assert.Equal(t, "first", cfg.Teams[0].Name)
	assert.Equal(t, "other", cfg.Teams[1].Name)
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(paths.StateDirEnvVar, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0o600))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	t.Setenv(paths.StateDirEnvVar, t.TempDir())

	optIn := true
	cfg := &Config{
		Teams: []TeamConfig{
			{Name: "acme", InstanceURL: "https://acme.example.com/", UserToken: "tok", UserID: "u1"},
		},
		Tracer: TracerSettings{
			BatchIntervalMS:    2000,
			MaxBatchSize:       25,
			RepoSyncIntervalMS: 120000,
		},
		LogLevel:  "debug",
		Telemetry: &optIn,
	}
	require.NoError(t, cfg.Save())

	loaded, err := Load()
	require.NoError(t, err)

	require.Len(t, loaded.Teams, 1)
	assert.Equal(t, "https://acme.example.com", loaded.Teams[0].InstanceURL)
	assert.Equal(t, "tok", loaded.Teams[0].UserToken)
	assert.Equal(t, 2000, loaded.Tracer.BatchIntervalMS)
	assert.Equal(t, "debug", loaded.LogLevel)
	require.NotNil(t, loaded.Telemetry)
	assert.True(t, *loaded.Telemetry)
}

func TestAddTeam(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	require.NoError(t, cfg.AddTeam(TeamConfig{Name: "acme", InstanceURL: "https://acme.example.com/"}))

	err := cfg.AddTeam(TeamConfig{Name: "dup", InstanceURL: "https://acme.example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already configured")

	err = cfg.AddTeam(TeamConfig{Name: "empty"})
	require.Error(t, err)

	require.NoError(t, cfg.AddTeam(TeamConfig{Name: "beta", InstanceURL: "https://beta.example.com"}))
	assert.Len(t, cfg.Teams, 2)
}

func TestRemoveTeam(t *testing.T) {
	t.Parallel()

	cfg := &Config{Teams: []TeamConfig{
		{Name: "acme", InstanceURL: "https://acme.example.com"},
		{Name: "beta", InstanceURL: "https://beta.example.com"},
	}}

	assert.True(t, cfg.RemoveTeam("https://acme.example.com/"))
	assert.Len(t, cfg.Teams, 1)
	assert.False(t, cfg.RemoveTeam("https://gone.example.com"))
}

func TestTeamByURL(t *testing.T) {
	t.Parallel()

	cfg := &Config{Teams: []TeamConfig{
		{Name: "acme", InstanceURL: "https://acme.example.com"},
	}}

	team := cfg.TeamByURL("https://acme.example.com/")
	require.NotNil(t, team)
	assert.Equal(t, "acme", team.Name)

	assert.Nil(t, cfg.TeamByURL("https://other.example.com"))
}

func TestUserIDs(t *testing.T) {
	t.Parallel()

	cfg := &Config{Teams: []TeamConfig{
		{Name: "acme", InstanceURL: "https://a.example.com", UserID: "u1"},
		{Name: "beta", InstanceURL: "https://b.example.com", UserID: "u2"},
		{Name: "anon", InstanceURL: "https://c.example.com"},
	}}

	ids := cfg.UserIDs()
	assert.Equal(t, map[string]bool{"u1": true, "u2": true}, ids)
}

func TestIntervalHelpers(t *testing.T) {
	t.Parallel()

	cfg := &Config{Tracer: TracerSettings{BatchIntervalMS: 1500, RepoSyncIntervalMS: 60000}}
	assert.Equal(t, 1500*time.Millisecond, cfg.BatchInterval())
	assert.Equal(t, time.Minute, cfg.RepoSyncInterval())
}
