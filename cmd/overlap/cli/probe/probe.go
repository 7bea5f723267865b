// Package probe answers one question synchronously: is a teammate already
// working where this edit is about to land?
//
// The probe asks every configured team's server in parallel with a short
// timeout. When no server answers it degrades to the team-state mirror the
// tracer keeps on disk, so the answer stays useful offline. Every
// precondition failure (not a repo, path outside the repo, no teams, no
// mirror) resolves to "proceed": the probe must never stand between the
// developer and an edit on its own account.
package probe

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/overlap-sh/cli/cmd/overlap/cli/api"
	"github.com/overlap-sh/cli/cmd/overlap/cli/config"
	"github.com/overlap-sh/cli/cmd/overlap/cli/gitinfo"
	"github.com/overlap-sh/cli/cmd/overlap/cli/paths"
	"github.com/overlap-sh/cli/cmd/overlap/cli/symbols"
	"github.com/overlap-sh/cli/cmd/overlap/cli/teamstate"
)

// queryTimeout bounds each per-team overlap query. The probe sits on the
// edit path, so the ceiling is tight.
const queryTimeout = 2 * time.Second

// adjacentGap is the largest line distance still reported as adjacent work.
const adjacentGap = 30

// Options name the edit the probe should check.
type Options struct {
	// CWD anchors repo resolution, usually the agent's working directory.
	CWD string

	// FilePath is the edit target, absolute or relative to CWD.
	FilePath string

	// OldString, when present, is the text the edit proposes to replace;
	// it narrows the check from the whole file to a line range.
	OldString string

	// RepoName overrides repo resolution when CWD is not a git checkout.
	RepoName string

	// SessionID identifies the calling session so its own activity is not
	// reported back as an overlap.
	SessionID string
}

// Result is the probe's structured decision.
type Result struct {
	Decision api.Decision
	Overlaps []api.Overlap

	// Guidance is the server's remediation text, when any server answered.
	Guidance string

	// TeamSessions are the mirror sessions behind the overlaps when the
	// decision came from the local fallback.
	TeamSessions []api.TeamStateSession

	// GitHost is "github" or "gitlab" when the repo's origin names one.
	GitHost string

	// Warning surfaces degraded-mode conditions (servers unreachable,
	// stale mirror). Empty on the normal path.
	Warning string

	// FromMirror marks a decision classified locally instead of by a server.
	FromMirror bool

	// Target is the resolved query, kept for rendering.
	Target api.OverlapQuery
}

// Run resolves the target and classifies overlap with teammate activity.
// It returns proceed rather than an error whenever a precondition is
// missing; errors are reserved for broken invocations, not degraded modes.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*Result, error) {
	res := &Result{Decision: api.DecisionProceed}

	repo := opts.RepoName
	root := opts.CWD
	if info, err := gitinfo.Resolve(ctx, opts.CWD); err == nil {
		if info.Root != "" {
			root = info.Root
		}
		if repo == "" {
			repo = info.RepoName
		}
		if repo == "" && info.Root != "" {
			// Checkout without an origin remote: the roster name the
			// tracer matched on is the directory basename.
			repo = filepath.Base(info.Root)
		}
		if info.Host != gitinfo.HostNone {
			res.GitHost = string(info.Host)
		}
	} else if repo == "" {
		return res, nil
	}

	abs := opts.FilePath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(opts.CWD, abs)
	}
	rel := paths.ToRelativePath(abs, root)
	if rel == "" || rel == "." {
		return res, nil
	}

	target := api.OverlapQuery{
		RepoName:  repo,
		FilePath:  rel,
		SessionID: opts.SessionID,
	}
	if opts.OldString != "" {
		if loc, ok := symbols.Resolve(abs, opts.OldString); ok {
			target.StartLine = loc.StartLine
			target.EndLine = loc.EndLine
			target.FunctionName = loc.Symbol
		}
	}
	res.Target = target

	if len(cfg.Teams) == 0 {
		return res, nil
	}

	if overlaps, guidance, ok := queryTeams(ctx, cfg.Teams, target); ok {
		res.Overlaps = overlaps
		res.Guidance = guidance
		res.Decision = classify(overlaps)
		return res, nil
	}

	res.FromMirror = true
	mirrorFallback(cfg, target, res)
	return res, nil
}

// queryTeams asks every team in parallel and merges the answers. ok is
// false only when no team answered at all.
func queryTeams(ctx context.Context, teams []config.TeamConfig, target api.OverlapQuery) (overlaps []api.Overlap, guidance string, ok bool) {
	var mu sync.Mutex

	var g errgroup.Group
	for _, team := range teams {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, queryTimeout)
			defer cancel()
			out, err := api.NewClient(team.InstanceURL, team.UserToken).QueryOverlap(qctx, target)
			if err != nil {
				return nil //nolint:nilerr // an unreachable team is not an error; the mirror covers it
			}
			mu.Lock()
			ok = true
			overlaps = append(overlaps, out.Overlaps...)
			if guidance == "" && out.Guidance != "" {
				guidance = out.Guidance
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return overlaps, guidance, ok
}

// mirrorFallback classifies against the tracer's team-state mirror.
func mirrorFallback(cfg *config.Config, target api.OverlapQuery, res *Result) {
	sessions := teamstate.ReadMirror()
	if len(sessions) == 0 {
		res.Warning = "team servers unreachable and no fresh team activity mirror"
		return
	}
	res.Warning = "team servers unreachable, checked local team activity mirror"

	own := cfg.UserIDs()
	for _, session := range sessions {
		if own[session.UserID] {
			continue
		}
		if target.SessionID != "" && session.SessionID == target.SessionID {
			continue
		}
		if session.RepoName != target.RepoName {
			continue
		}
		matched := false
		for _, region := range session.Regions {
			if region.FilePath != target.FilePath {
				continue
			}
			res.Overlaps = append(res.Overlaps, api.Overlap{
				SessionID:    session.SessionID,
				UserID:       session.UserID,
				DisplayName:  session.DisplayName,
				RepoName:     session.RepoName,
				FilePath:     region.FilePath,
				Tier:         classifyRegion(target, region),
				StartLine:    region.StartLine,
				EndLine:      region.EndLine,
				FunctionName: region.FunctionName,
			})
			matched = true
		}
		if matched {
			res.TeamSessions = append(res.TeamSessions, session)
		}
	}
	res.Decision = classify(res.Overlaps)
}

// classifyRegion grades one mirrored region against the target, in tier
// severity order: intersecting lines, then equal function names, then
// nearby lines, then bare same-file.
func classifyRegion(target api.OverlapQuery, region api.Region) api.Tier {
	bothNumeric := target.StartLine > 0 && region.StartLine > 0
	if bothNumeric && target.StartLine <= region.EndLine && target.EndLine >= region.StartLine {
		return api.TierLine
	}
	if target.FunctionName != "" && target.FunctionName == region.FunctionName {
		return api.TierFunction
	}
	if bothNumeric && lineGap(target, region) <= adjacentGap {
		return api.TierAdjacent
	}
	return api.TierFile
}

// lineGap is the distance between two non-intersecting line ranges.
func lineGap(target api.OverlapQuery, region api.Region) int {
	if target.EndLine < region.StartLine {
		return region.StartLine - target.EndLine
	}
	return target.StartLine - region.EndLine
}

// classify derives the decision from a set of overlaps: any line or
// function tier blocks, anything else warns, nothing proceeds.
func classify(overlaps []api.Overlap) api.Decision {
	if len(overlaps) == 0 {
		return api.DecisionProceed
	}
	for _, o := range overlaps {
		if o.Tier == api.TierLine || o.Tier == api.TierFunction {
			return api.DecisionBlock
		}
	}
	return api.DecisionWarn
}
