package teamstate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlap-sh/cli/cmd/overlap/cli/api"
	"github.com/overlap-sh/cli/cmd/overlap/cli/paths"
)

// teamServer serves a scriptable team-state endpoint.
type teamServer struct {
	mu       sync.Mutex
	sessions string // JSON array
	status   int
}

func (s *teamServer) set(sessions string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = sessions
	s.status = status
}

func (s *teamServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		sessions, status := s.sessions, s.status
		s.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprintf(w, `{"data":{"sessions":%s}}`, sessions)
	}
}

func sessionJSON(id, user, repo string) string {
	return fmt.Sprintf(`{"session_id":%q,"user_id":%q,"display_name":"Dev","repo_name":%q,"started_at":"2025-06-01T10:00:00Z","regions":[]}`, id, user, repo)
}

func readMirrorForTest(t *testing.T) *Mirror {
	t.Helper()
	path, err := paths.TeamStateFile()
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var mirror Mirror
	require.NoError(t, json.Unmarshal(data, &mirror))
	return &mirror
}

func staticTeams(teams ...Team) func() []Team {
	return func() []Team { return teams }
}

func TestPoller_MergesAndTagsInstanceURL(t *testing.T) {
	t.Setenv(paths.StateDirEnvVar, t.TempDir())

	serverA := &teamServer{sessions: "[" + sessionJSON("a1", "u1", "widget") + "]", status: http.StatusOK}
	srvA := httptest.NewServer(serverA.handler())
	defer srvA.Close()

	serverB := &teamServer{
		sessions: `[{"session_id":"b1","user_id":"u2","display_name":"Dev","repo_name":"api","started_at":"2025-06-01T10:00:00Z","regions":[],"instance_url":"https://preset.example.com"}]`,
		status:   http.StatusOK,
	}
	srvB := httptest.NewServer(serverB.handler())
	defer srvB.Close()

	p := NewPoller(staticTeams(Team{URL: srvA.URL, Token: "ta"}, Team{URL: srvB.URL, Token: "tb"}), nil)
	p.PollOnce(context.Background())

	mirror := readMirrorForTest(t)
	require.Len(t, mirror.Sessions, 2)
	assert.WithinDuration(t, time.Now(), mirror.UpdatedAt, 5*time.Second)

	byID := make(map[string]api.TeamStateSession)
	for _, s := range mirror.Sessions {
		byID[s.SessionID] = s
	}
	assert.Equal(t, srvA.URL, byID["a1"].InstanceURL, "untagged sessions get their team's URL")
	assert.Equal(t, "https://preset.example.com", byID["b1"].InstanceURL, "server-set tags survive the merge")
}

func TestPoller_TransportErrorKeepsPreviousSnapshot(t *testing.T) {
	t.Setenv(paths.StateDirEnvVar, t.TempDir())

	serverA := &teamServer{sessions: "[" + sessionJSON("a1", "u1", "widget") + "]", status: http.StatusOK}
	srvA := httptest.NewServer(serverA.handler())
	defer srvA.Close()

	serverB := &teamServer{sessions: "[" + sessionJSON("b1", "u2", "api") + "]", status: http.StatusOK}
	srvB := httptest.NewServer(serverB.handler())

	p := NewPoller(staticTeams(Team{URL: srvA.URL, Token: "ta"}, Team{URL: srvB.URL, Token: "tb"}), nil)
	p.PollOnce(context.Background())
	require.Len(t, readMirrorForTest(t).Sessions, 2)

	// B goes down; A moves on to a new session.
	srvB.Close()
	serverA.set("["+sessionJSON("a2", "u1", "widget")+"]", http.StatusOK)
	p.PollOnce(context.Background())

	mirror := readMirrorForTest(t)
	require.Len(t, mirror.Sessions, 2)
	ids := []string{mirror.Sessions[0].SessionID, mirror.Sessions[1].SessionID}
	assert.Contains(t, ids, "a2", "reachable team's fresh snapshot lands")
	assert.Contains(t, ids, "b1", "unreachable team keeps its last snapshot")
}

func TestPoller_AllFailuresLeaveMirrorUntouched(t *testing.T) {
	t.Setenv(paths.StateDirEnvVar, t.TempDir())

	server := &teamServer{sessions: "[" + sessionJSON("a1", "u1", "widget") + "]", status: http.StatusOK}
	srv := httptest.NewServer(server.handler())

	p := NewPoller(staticTeams(Team{URL: srv.URL, Token: "ta"}), nil)
	p.PollOnce(context.Background())
	before := readMirrorForTest(t)

	srv.Close()
	p.PollOnce(context.Background())

	after := readMirrorForTest(t)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "a failed cycle must not rewrite the mirror")
	assert.Equal(t, before.Sessions, after.Sessions)
}

func TestPoller_AuthFailureDropsTeam(t *testing.T) {
	t.Setenv(paths.StateDirEnvVar, t.TempDir())

	serverA := &teamServer{sessions: "[" + sessionJSON("a1", "u1", "widget") + "]", status: http.StatusOK}
	srvA := httptest.NewServer(serverA.handler())
	defer srvA.Close()

	serverB := &teamServer{sessions: "[" + sessionJSON("b1", "u2", "api") + "]", status: http.StatusOK}
	srvB := httptest.NewServer(serverB.handler())
	defer srvB.Close()

	var mu sync.Mutex
	var authFailed []string
	p := NewPoller(
		staticTeams(Team{URL: srvA.URL, Token: "ta"}, Team{URL: srvB.URL, Token: "tb"}),
		func(teamURL string) {
			mu.Lock()
			authFailed = append(authFailed, teamURL)
			mu.Unlock()
		},
	)

	p.PollOnce(context.Background())
	require.Len(t, readMirrorForTest(t).Sessions, 2)

	serverB.set("[]", http.StatusUnauthorized)
	p.PollOnce(context.Background())

	mu.Lock()
	assert.Equal(t, []string{srvB.URL}, authFailed)
	mu.Unlock()

	mirror := readMirrorForTest(t)
	require.Len(t, mirror.Sessions, 1)
	assert.Equal(t, "a1", mirror.Sessions[0].SessionID, "401 evicts the team's cached snapshot")
}

func TestPoller_RemovedTeamIsPruned(t *testing.T) {
	t.Setenv(paths.StateDirEnvVar, t.TempDir())

	serverA := &teamServer{sessions: "[" + sessionJSON("a1", "u1", "widget") + "]", status: http.StatusOK}
	srvA := httptest.NewServer(serverA.handler())
	defer srvA.Close()

	serverB := &teamServer{sessions: "[" + sessionJSON("b1", "u2", "api") + "]", status: http.StatusOK}
	srvB := httptest.NewServer(serverB.handler())
	defer srvB.Close()

	teams := []Team{{URL: srvA.URL, Token: "ta"}, {URL: srvB.URL, Token: "tb"}}
	var mu sync.Mutex
	p := NewPoller(func() []Team {
		mu.Lock()
		defer mu.Unlock()
		return teams
	}, nil)

	p.PollOnce(context.Background())
	require.Len(t, readMirrorForTest(t).Sessions, 2)

	mu.Lock()
	teams = teams[:1]
	mu.Unlock()
	p.PollOnce(context.Background())

	mirror := readMirrorForTest(t)
	require.Len(t, mirror.Sessions, 1)
	assert.Equal(t, "a1", mirror.Sessions[0].SessionID)
}

func TestReadMirror_FreshSessions(t *testing.T) {
	t.Setenv(paths.StateDirEnvVar, t.TempDir())

	require.NoError(t, writeMirror([]api.TeamStateSession{{SessionID: "s1", RepoName: "widget"}}))

	sessions := ReadMirror()
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
}

func TestReadMirror_StaleReturnsNothing(t *testing.T) {
	t.Setenv(paths.StateDirEnvVar, t.TempDir())

	path, err := paths.TeamStateFile()
	require.NoError(t, err)
	stale := Mirror{
		UpdatedAt: time.Now().Add(-3 * time.Minute),
		Sessions:  []api.TeamStateSession{{SessionID: "s1"}},
	}
	require.NoError(t, paths.AtomicWriteJSON(path, stale))

	assert.Nil(t, ReadMirror())
}

func TestReadMirror_MissingOrCorrupt(t *testing.T) {
	t.Setenv(paths.StateDirEnvVar, t.TempDir())

	assert.Nil(t, ReadMirror(), "missing mirror means no data")

	path, err := paths.TeamStateFile()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	assert.Nil(t, ReadMirror(), "corrupt mirror means no data")
}

func TestPoller_NoTeamsWritesNothing(t *testing.T) {
	t.Setenv(paths.StateDirEnvVar, t.TempDir())

	p := NewPoller(staticTeams(), nil)
	p.PollOnce(context.Background())

	path, err := paths.TeamStateFile()
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
