// Package teamstate maintains the local mirror of every team's
// active-session snapshot.
//
// A poller fetches each team's /api/v1/team-state on an interval, merges
// the snapshots, and rewrites the mirror file atomically. The overlap
// probe reads the mirror when team instances are unreachable, so the
// mirror must degrade safely: a fetch failure keeps the team's previous
// snapshot, and if every fetch keeps failing the file simply ages past
// the staleness cutoff and readers see no sessions.
package teamstate

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/overlap-sh/cli/cmd/overlap/cli/api"
	"github.com/overlap-sh/cli/cmd/overlap/cli/logging"
	"github.com/overlap-sh/cli/cmd/overlap/cli/paths"
)

const (
	// PollInterval is how often the daemon refreshes the mirror.
	PollInterval = 30 * time.Second

	// StaleAfter is the mirror age beyond which readers report no sessions.
	StaleAfter = 120 * time.Second

	// pollTimeout bounds each team-state fetch.
	pollTimeout = 5 * time.Second
)

// Mirror is the on-disk format of team-state.json.
type Mirror struct {
	UpdatedAt time.Time              `json:"updated_at"`
	Sessions  []api.TeamStateSession `json:"sessions"`
}

// Team is one pollable team instance.
type Team struct {
	URL   string
	Token string
}

// Poller periodically snapshots every configured team into the mirror.
type Poller struct {
	// teams returns the current non-suspended teams; queried every cycle
	// so config reloads and suspensions take effect without restarting.
	teams func() []Team

	// onAuthFailure fires when a team answers 401. Invoked without locks.
	onAuthFailure func(teamURL string)

	mu sync.Mutex
	// snapshots holds the last successful fetch per team URL. A transport
	// error keeps the previous entry so one flaky poll does not blank a
	// teammate's sessions out of the mirror.
	snapshots map[string][]api.TeamStateSession
}

// NewPoller returns a Poller. onAuthFailure may be nil.
func NewPoller(teams func() []Team, onAuthFailure func(teamURL string)) *Poller {
	return &Poller{
		teams:         teams,
		onAuthFailure: onAuthFailure,
		snapshots:     make(map[string][]api.TeamStateSession),
	}
}

// Run polls immediately and then on every PollInterval tick until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	p.PollOnce(ctx)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce fetches every team in parallel and rewrites the mirror. The
// mirror file is only touched when at least one fetch succeeded this cycle.
func (p *Poller) PollOnce(ctx context.Context) {
	teams := p.teams()

	logCtx := logging.WithComponent(ctx, "poller")
	if len(teams) == 0 {
		return
	}

	type fetch struct {
		url      string
		sessions []api.TeamStateSession
		err      error
	}
	results := make([]fetch, len(teams))

	g, gctx := errgroup.WithContext(ctx)
	for i, team := range teams {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, pollTimeout)
			defer cancel()
			sessions, err := api.NewClient(team.URL, team.Token).TeamState(callCtx)
			results[i] = fetch{url: team.URL, sessions: sessions, err: err}
			return nil
		})
	}
	_ = g.Wait()

	current := make(map[string]bool, len(teams))
	for _, team := range teams {
		current[team.URL] = true
	}

	var authFailures []string
	anySuccess := false

	p.mu.Lock()
	for _, res := range results {
		switch {
		case res.err == nil:
			p.snapshots[res.url] = res.sessions
			anySuccess = true
		case api.IsAuthError(res.err):
			delete(p.snapshots, res.url)
			authFailures = append(authFailures, res.url)
		default:
			logging.Debug(logging.WithTeam(logCtx, res.url), "team-state fetch failed",
				slog.String("error", res.err.Error()),
			)
		}
	}
	// Teams removed from config stop contributing.
	for url := range p.snapshots {
		if !current[url] {
			delete(p.snapshots, url)
		}
	}
	merged := p.mergeLocked()
	p.mu.Unlock()

	for _, url := range authFailures {
		logging.Warn(logging.WithTeam(logCtx, url), "token rejected during team-state poll")
		if p.onAuthFailure != nil {
			p.onAuthFailure(url)
		}
	}

	if !anySuccess {
		return
	}
	if err := writeMirror(merged); err != nil {
		logging.Warn(logCtx, "writing team-state mirror failed", slog.String("error", err.Error()))
		return
	}
	logging.Debug(logCtx, "team-state mirror updated", slog.Int("sessions", len(merged)))
}

// mergeLocked flattens the per-team snapshots in stable team-URL order,
// tagging each session with its originating instance unless the server
// already set one. Caller holds p.mu.
func (p *Poller) mergeLocked() []api.TeamStateSession {
	urls := make([]string, 0, len(p.snapshots))
	for url := range p.snapshots {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	var merged []api.TeamStateSession
	for _, url := range urls {
		for _, session := range p.snapshots[url] {
			if session.InstanceURL == "" {
				session.InstanceURL = url
			}
			merged = append(merged, session)
		}
	}
	return merged
}

func writeMirror(sessions []api.TeamStateSession) error {
	path, err := paths.TeamStateFile()
	if err != nil {
		return err
	}
	if sessions == nil {
		sessions = []api.TeamStateSession{}
	}
	return paths.AtomicWriteJSON(path, Mirror{
		UpdatedAt: time.Now().UTC(),
		Sessions:  sessions,
	})
}

// LoadMirror reads the mirror without applying the staleness rule.
// Status displays use it to show when the poller last succeeded.
func LoadMirror() (Mirror, error) {
	path, err := paths.TeamStateFile()
	if err != nil {
		return Mirror{}, err
	}
	return readMirrorFile(path)
}

// ReadMirror returns the mirrored sessions, or nil when the mirror is
// missing, unreadable, or older than StaleAfter. A decode failure is
// retried once in case the read raced a rename.
func ReadMirror() []api.TeamStateSession {
	path, err := paths.TeamStateFile()
	if err != nil {
		return nil
	}
	mirror, err := readMirrorFile(path)
	if err != nil {
		if mirror, err = readMirrorFile(path); err != nil {
			return nil
		}
	}
	if time.Since(mirror.UpdatedAt) > StaleAfter {
		return nil
	}
	return mirror.Sessions
}

func readMirrorFile(path string) (Mirror, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from paths package
	if err != nil {
		return Mirror{}, err
	}
	var mirror Mirror
	if err := json.Unmarshal(data, &mirror); err != nil {
		return Mirror{}, err
	}
	return mirror, nil
}
