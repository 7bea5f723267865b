package tracer

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/overlap-sh/cli/cmd/overlap/cli/event"
	"github.com/overlap-sh/cli/cmd/overlap/cli/journal"
	"github.com/overlap-sh/cli/cmd/overlap/cli/logging"
	"github.com/overlap-sh/cli/cmd/overlap/cli/repomatch"
	"github.com/overlap-sh/cli/cmd/overlap/cli/state"
	"github.com/overlap-sh/cli/cmd/overlap/cli/symbols"
)

// scanAll processes every journal under root. Runs at startup to catch
// writes that landed while the daemon was down, and after roster changes
// to pick up sessions that newly match.
func (s *Supervisor) scanAll(ctx context.Context, root string) {
	ext := s.agent.FileExtension()
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() || !strings.HasSuffix(path, ext) {
			return nil
		}
		s.processFile(ctx, path)
		return nil
	})
}

// processFile reads a journal from its in-memory head, parses the new
// records, and queues the routed events. The durable offset is not
// advanced here; the flush timer commits it once the sender is quiet.
func (s *Supervisor) processFile(ctx context.Context, path string) {
	if !strings.HasSuffix(path, s.agent.FileExtension()) {
		return
	}
	logCtx := logging.WithJournal(ctx, path)

	tf, tracked := s.store.Get(path)
	if !tracked {
		if tf = s.trackNewFile(logCtx, path); tf == nil {
			return
		}
	}
	logCtx = logging.WithSession(logCtx, tf.SessionID)

	head, ok := s.readHeads[path]
	if !ok {
		head = tf.ByteOffset
	}

	records, newHead, err := journal.Read(path, head)
	if errors.Is(err, journal.ErrTruncated) {
		logging.Warn(logCtx, "journal truncated, reprocessing from start")
		s.store.ResetFile(path)
		delete(s.accs, path)
		records, newHead, err = journal.Read(path, 0)
	}
	if err != nil {
		logging.Warn(logCtx, "reading journal failed", slog.String("error", err.Error()))
		return
	}
	if len(records) == 0 {
		s.readHeads[path] = newHead
		return
	}

	acc, ok := s.accs[path]
	if !ok {
		acc = tf.Accumulator()
		s.accs[path] = acc
	}

	matches := repomatch.RebuildMatches(tf.MatchedTeams, tf.MatchedRepo, tf.SubDirRepos, s.cache.Rosters())
	if len(matches) == 0 {
		// Every routing target has left the rosters. Leave the head alone
		// so a roster restore replays from here.
		return
	}

	cfg := s.configRef()
	snd := s.senderRef()
	queued := 0
	for _, record := range records {
		for _, ev := range s.agent.ParseLine(record, tf.SessionID, acc) {
			s.enrich(logCtx, &ev, tf)
			for _, routed := range repomatch.RouteEvent(matches, tf.CWD, ev) {
				team := cfg.TeamByURL(routed.TeamURL)
				if team == nil {
					continue
				}
				routed.Event.UserID = team.UserID
				snd.Add(routed.TeamURL, team.UserToken, routed.Event)
				queued++
			}
		}
	}

	s.readHeads[path] = newHead
	tf.TurnNumber = acc.TurnNumber
	tf.FilesTouched = slices.Clone(acc.FilesTouched)
	if acc.CWD != "" {
		tf.CWD = acc.CWD
	}
	s.store.Put(path, tf)

	logging.Debug(logCtx, "journal advanced",
		slog.Int("records", len(records)),
		slog.Int("events", queued),
		slog.Int64("head", newHead))
}

// trackNewFile matches a fresh journal against the rosters. Returns nil
// when the session's cwd is not yet known (the next write retries) or
// when no team tracks it (never retried until a rescan).
func (s *Supervisor) trackNewFile(ctx context.Context, path string) *state.TrackedFile {
	cwd := s.discoverCWD(path)
	if cwd == "" {
		return nil
	}

	matches := s.matcher.Match(ctx, cwd, s.cache.Rosters())
	if len(matches) == 0 {
		logging.Debug(ctx, "session matches no tracked repo", slog.String("cwd", cwd))
		return nil
	}

	tf := &state.TrackedFile{
		SessionID:    s.agent.ExtractSessionID(path),
		MatchedTeams: repomatch.TeamURLs(matches),
		CWD:          cwd,
	}
	if repomatch.HasSubdirMatches(matches) {
		tf.SubDirRepos = repomatch.SubdirRepos(matches)
	} else {
		tf.MatchedRepo = matches[0].RepoName
	}
	s.store.Put(path, tf)
	s.readHeads[path] = 0
	s.accs[path] = tf.Accumulator()

	attrs := []any{slog.String("cwd", cwd), slog.Int("teams", len(tf.MatchedTeams))}
	if tf.MatchedRepo != "" {
		attrs = append(attrs, slog.String("repo", tf.MatchedRepo))
	} else {
		attrs = append(attrs, slog.Int("subrepos", len(tf.SubDirRepos)))
	}
	logging.Info(logging.WithSession(ctx, tf.SessionID), "tracking new session", attrs...)
	return tf
}

// discoverCWD scans from the start of the journal for the first record
// that names a working directory.
func (s *Supervisor) discoverCWD(path string) string {
	records, _, err := journal.Read(path, 0)
	if err != nil {
		return ""
	}
	for _, record := range records {
		if cwd := s.agent.ExtractCWD(record); cwd != "" {
			return cwd
		}
	}
	return ""
}

// enrich fills derived fields before routing, while FileOp paths are
// still absolute: symbol locations for edits that the adapter could not
// place, and the cached git remote on SessionStart when the journal did
// not carry one.
func (s *Supervisor) enrich(ctx context.Context, ev *event.Event, tf *state.TrackedFile) {
	switch ev.Type {
	case event.TypeFileOp:
		if !ev.IsFileTool() || ev.StartLine != 0 {
			return
		}
		// The file on disk already reflects the edit by the time the
		// journal line is read, so the replacement text anchors better
		// than the replaced text when both exist.
		anchor := ev.NewString
		if anchor == "" {
			anchor = ev.OldString
		}
		if anchor == "" {
			return
		}
		if loc, ok := symbols.Resolve(ev.FilePath, anchor); ok {
			ev.StartLine = loc.StartLine
			ev.EndLine = loc.EndLine
			ev.FunctionName = loc.Symbol
		}
	case event.TypeSessionStart:
		if ev.GitRemoteURL != "" || s.matcher.Lookup == nil || tf.CWD == "" {
			return
		}
		if _, remote, err := s.matcher.Lookup(ctx, tf.CWD); err == nil && remote != "" {
			ev.GitRemoteURL = remote
		}
	}
}
