// Package tracer runs the background daemon: it tails agent session
// journals, routes derived events to the configured teams, keeps the
// team-state mirror fresh, and owns the durable tracking state.
//
// One supervisor goroutine serializes all journal processing and state
// mutation. The watcher, the poller, and the sender's delivery goroutines
// feed it through channels and callbacks; nothing else touches the store.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/overlap-sh/cli/cmd/overlap/cli/agent"
	_ "github.com/overlap-sh/cli/cmd/overlap/cli/agent/claudecode" // register agent
	"github.com/overlap-sh/cli/cmd/overlap/cli/api"
	"github.com/overlap-sh/cli/cmd/overlap/cli/config"
	"github.com/overlap-sh/cli/cmd/overlap/cli/logging"
	"github.com/overlap-sh/cli/cmd/overlap/cli/paths"
	"github.com/overlap-sh/cli/cmd/overlap/cli/repomatch"
	"github.com/overlap-sh/cli/cmd/overlap/cli/sender"
	"github.com/overlap-sh/cli/cmd/overlap/cli/state"
	"github.com/overlap-sh/cli/cmd/overlap/cli/teamstate"
)

const (
	// stateFlushInterval paces durable offset commits. Offsets only advance
	// while the sender has nothing pending, so a crash replays at most the
	// events queued since the last quiet flush.
	stateFlushInterval = 10 * time.Second

	// rosterTimeout bounds each per-team repo roster fetch.
	rosterTimeout = 5 * time.Second

	// drainTimeout bounds the shutdown flush of queued events.
	drainTimeout = 5 * time.Second

	// reloadPollInterval is how often the Windows build checks for the
	// reload flag file standing in for SIGHUP.
	reloadPollInterval = 2 * time.Second

	changeBuffer = 128
)

// Supervisor is the daemon's single-threaded core.
type Supervisor struct {
	agent   agent.Agent
	store   *state.Store
	cache   *state.Cache
	matcher *repomatch.Matcher
	poller  *teamstate.Poller
	lock    *flock.Flock

	// cfg and snd are read by the poller and sender callbacks off the
	// supervisor goroutine; reload swaps both under this mutex.
	mu  sync.RWMutex
	cfg *config.Config
	snd *sender.Sender

	changes    chan string
	reloadFlag chan struct{}

	// readHeads and accs are volatile per-journal state, touched only by
	// the supervisor goroutine. readHeads runs ahead of the durable
	// byte_offset between flushes.
	readHeads map[string]int64
	accs      map[string]*agent.Accumulator
}

// NewSupervisor loads config and durable state and wires the pipeline.
// It does not touch the filesystem beyond reads; Run acquires the
// singleton lock and starts the goroutines.
func NewSupervisor() (*Supervisor, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if len(cfg.Teams) == 0 {
		return nil, errors.New("no teams configured; run `overlap login` first")
	}

	store, err := state.Load()
	if err != nil {
		return nil, err
	}
	cache, err := state.LoadCache()
	if err != nil {
		return nil, err
	}
	ag := agent.Default()
	if ag == nil {
		return nil, errors.New("no agent adapter registered")
	}

	s := &Supervisor{
		agent:      ag,
		store:      store,
		cache:      cache,
		matcher:    &repomatch.Matcher{Lookup: cache.GitLookup()},
		cfg:        cfg,
		changes:    make(chan string, changeBuffer),
		reloadFlag: make(chan struct{}, 1),
		readHeads:  make(map[string]int64),
		accs:       make(map[string]*agent.Accumulator),
	}
	s.snd = s.newSender(cfg)
	s.poller = teamstate.NewPoller(s.pollableTeams, s.handleAuthFailure)
	return s, nil
}

func (s *Supervisor) newSender(cfg *config.Config) *sender.Sender {
	return sender.New(cfg.BatchInterval(), cfg.Tracer.MaxBatchSize, sender.Callbacks{
		OnSent:        s.noteSent,
		OnAuthFailure: s.handleAuthFailure,
	})
}

func (s *Supervisor) configRef() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Supervisor) senderRef() *sender.Sender {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snd
}

// Run blocks until ctx is canceled, then drains and commits.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	if err := s.acquireSingleton(ctx); err != nil {
		return err
	}
	defer s.releaseSingleton()

	logCtx := logging.WithComponent(ctx, "tracer")

	watchRoot, err := s.agent.WatchDir()
	if err != nil {
		return err
	}
	// The agent creates its journal root on first session; watch it from
	// the start anyway.
	if err := os.MkdirAll(watchRoot, 0o755); err != nil {
		return fmt.Errorf("creating watch root: %w", err)
	}

	s.refreshRosters(logCtx)

	w, err := newWatcher(watchRoot, s.agent.FileExtension(), s.changes)
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer w.stop()
	go w.run(ctx)

	s.scanAll(logCtx, watchRoot)

	go s.poller.Run(ctx)

	reloadSig := make(chan os.Signal, 1)
	signal.Notify(reloadSig, syscall.SIGHUP)
	defer signal.Stop(reloadSig)
	if runtime.GOOS == "windows" {
		go s.pollReloadFlag(ctx)
	}

	flushTicker := time.NewTicker(stateFlushInterval)
	defer flushTicker.Stop()
	rosterTicker := time.NewTicker(s.configRef().RepoSyncInterval())
	defer rosterTicker.Stop()

	logging.Info(logCtx, "tracer started",
		slog.Int("pid", os.Getpid()),
		slog.String("agent", s.agent.Name()),
		slog.String("watch_root", watchRoot))

	for {
		select {
		case <-ctx.Done():
			s.drainAndStop()
			return nil
		case path := <-s.changes:
			s.processFile(logCtx, path)
		case <-flushTicker.C:
			s.flushState(logCtx)
		case <-rosterTicker.C:
			s.syncRosters(logCtx)
		case <-reloadSig:
			s.handleReload(logCtx, rosterTicker)
		case <-s.reloadFlag:
			s.handleReload(logCtx, rosterTicker)
		}
	}
}

// flushState commits read heads to durable offsets when nothing is in
// flight or queued, then persists the store and cache.
func (s *Supervisor) flushState(ctx context.Context) {
	if s.senderRef().Pending() == 0 {
		for path, head := range s.readHeads {
			s.store.SetOffset(path, head)
		}
	}
	s.save(ctx)
}

func (s *Supervisor) save(ctx context.Context) {
	if err := s.store.Save(); err != nil {
		logging.Warn(ctx, "saving state failed", slog.String("error", err.Error()))
	}
	if err := s.cache.Save(); err != nil {
		logging.Warn(ctx, "saving cache failed", slog.String("error", err.Error()))
	}
}

// drainAndStop gives queued events one bounded delivery attempt, then
// commits all read heads unconditionally. Events that did not make it out
// are replayed after restart from the last committed offset; the server
// deduplicates the overlap.
func (s *Supervisor) drainAndStop() {
	logCtx := logging.WithComponent(context.Background(), "tracer")
	logging.Info(logCtx, "shutting down")

	snd := s.senderRef()
	snd.FlushAll(context.Background(), drainTimeout)

	for path, head := range s.readHeads {
		s.store.SetOffset(path, head)
	}
	s.save(logCtx)
	snd.Close()
	logging.Info(logCtx, "tracer stopped")
}

// refreshRosters fetches each non-suspended team's repo roster into the
// cache. Failures are tolerated per team; the cached roster keeps serving
// until a fetch succeeds.
func (s *Supervisor) refreshRosters(ctx context.Context) {
	cfg := s.configRef()
	snd := s.senderRef()

	var g errgroup.Group
	for _, team := range cfg.Teams {
		if snd.Suspended(team.InstanceURL) {
			continue
		}
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, rosterTimeout)
			defer cancel()
			repos, err := api.NewClient(team.InstanceURL, team.UserToken).ListRepos(fetchCtx)

			teamCtx := logging.WithTeam(ctx, team.InstanceURL)
			if err != nil {
				if api.IsAuthError(err) {
					s.handleAuthFailure(team.InstanceURL)
				} else {
					logging.Warn(teamCtx, "fetching repo roster failed", slog.String("error", err.Error()))
				}
				return nil
			}
			names := make([]string, 0, len(repos))
			for _, repo := range repos {
				names = append(names, repo.Name)
			}
			s.cache.SetRoster(team.InstanceURL, names)
			logging.Debug(teamCtx, "roster refreshed", slog.Int("repos", len(names)))
			return nil
		})
	}
	_ = g.Wait()

	configured := make(map[string]bool, len(cfg.Teams))
	for _, team := range cfg.Teams {
		configured[team.InstanceURL] = true
	}
	for url := range s.cache.Rosters() {
		if !configured[url] {
			s.cache.DropRoster(url)
		}
	}
}

// syncRosters refreshes rosters and reconciles tracked sessions against
// the result: sessions whose repos left every roster are evicted, and a
// rescan picks up sessions that newly match.
func (s *Supervisor) syncRosters(ctx context.Context) {
	before := s.cache.AllRepoNames()
	s.refreshRosters(ctx)
	s.reconcileRepos(ctx, before, s.cache.AllRepoNames())
}

func (s *Supervisor) reconcileRepos(ctx context.Context, before, after []string) {
	afterSet := make(map[string]bool, len(after))
	for _, repo := range after {
		afterSet[repo] = true
	}
	beforeSet := make(map[string]bool, len(before))
	for _, repo := range before {
		beforeSet[repo] = true
	}

	for _, repo := range before {
		if afterSet[repo] {
			continue
		}
		evicted := s.store.EvictRepo(repo)
		for _, path := range evicted {
			delete(s.readHeads, path)
			delete(s.accs, path)
		}
		if len(evicted) > 0 {
			logging.Info(ctx, "repo left all rosters",
				slog.String("repo", repo), slog.Int("sessions_dropped", len(evicted)))
		}
	}

	for _, repo := range after {
		if !beforeSet[repo] {
			if root, err := s.agent.WatchDir(); err == nil {
				s.scanAll(ctx, root)
			}
			return
		}
	}
}

// handleReload re-reads config.json and swaps in a fresh sender sized to
// the new settings. Events queued on the old sender are dropped with it;
// they replay from the durable offsets. Suspensions reset, so a rotated
// token takes effect immediately.
func (s *Supervisor) handleReload(ctx context.Context, rosterTicker *time.Ticker) {
	cfg, err := config.Load()
	if err != nil {
		logging.Warn(ctx, "reload failed, keeping previous config", slog.String("error", err.Error()))
		return
	}
	if len(cfg.Teams) == 0 {
		logging.Warn(ctx, "reload skipped: config has no teams")
		return
	}

	fresh := s.newSender(cfg)
	s.mu.Lock()
	old := s.snd
	s.cfg = cfg
	s.snd = fresh
	s.mu.Unlock()
	old.Close()

	before := s.cache.AllRepoNames()
	s.refreshRosters(ctx)
	s.reconcileRepos(ctx, before, s.cache.AllRepoNames())
	rosterTicker.Reset(cfg.RepoSyncInterval())

	logging.Info(ctx, "config reloaded", slog.Int("teams", len(cfg.Teams)))
}

// pollReloadFlag substitutes for SIGHUP on Windows: `overlap tracer
// reload` drops a flag file that this loop consumes.
func (s *Supervisor) pollReloadFlag(ctx context.Context) {
	ticker := time.NewTicker(reloadPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flag, err := paths.ReloadFlagFile()
			if err != nil {
				continue
			}
			if _, err := os.Stat(flag); err != nil {
				continue
			}
			_ = os.Remove(flag)
			select {
			case s.reloadFlag <- struct{}{}:
			default:
			}
		}
	}
}

// pollableTeams feeds the team-state poller: all configured teams minus
// suspended ones, re-evaluated every cycle.
func (s *Supervisor) pollableTeams() []teamstate.Team {
	s.mu.RLock()
	cfg, snd := s.cfg, s.snd
	s.mu.RUnlock()

	teams := make([]teamstate.Team, 0, len(cfg.Teams))
	for _, team := range cfg.Teams {
		if snd.Suspended(team.InstanceURL) {
			continue
		}
		teams = append(teams, teamstate.Team{URL: team.InstanceURL, Token: team.UserToken})
	}
	return teams
}

// handleAuthFailure suspends a team after any 401: ingest, roster fetch,
// or team-state poll. The suspension holds until restart or reload.
func (s *Supervisor) handleAuthFailure(teamURL string) {
	s.senderRef().Suspend(teamURL)
	logCtx := logging.WithTeam(logging.WithComponent(context.Background(), "tracer"), teamURL)
	logging.Warn(logCtx, "token rejected, team suspended until restart or reload")
}

func (s *Supervisor) noteSent(teamURL string, processed int) {
	logCtx := logging.WithTeam(logging.WithComponent(context.Background(), "tracer"), teamURL)
	logging.Debug(logCtx, "batch delivered", slog.Int("processed", processed))
}
