// Package agent abstracts coding-agent specifics behind a small capability
// set: where the agent keeps its session journals, how to derive a session
// id from a journal path, and how to turn one journal record into typed
// events. The tracer supervisor is agent-agnostic; new agents register an
// implementation without touching it.
package agent

import (
	"github.com/overlap-sh/cli/cmd/overlap/cli/event"
)

// Accumulator carries per-session parse state across journal records. It is
// rebuilt from persisted tracking state at startup, so adapters must treat
// it as the only memory they have between records.
type Accumulator struct {
	TurnNumber   int
	FilesTouched []string
	CWD          string
	GitBranch    string
	Model        string

	// Emission flags. The base SessionStart fires once; branch and model
	// each get at most one backfill SessionStart when their value first
	// appears on a later record.
	SessionStartEmitted bool
	BranchEmitted       bool
	ModelEmitted        bool
}

// TouchFile records a file as touched by the session, preserving first-seen
// order without duplicates.
func (a *Accumulator) TouchFile(path string) {
	if path == "" {
		return
	}
	for _, p := range a.FilesTouched {
		if p == path {
			return
		}
	}
	a.FilesTouched = append(a.FilesTouched, path)
}

// Agent is implemented once per supported coding agent.
type Agent interface {
	// Name returns the agent identifier (e.g., "claude-code").
	Name() string

	// WatchDir returns the root directory under which the agent writes
	// session journals.
	WatchDir() (string, error)

	// FileExtension returns the journal extension including the dot.
	FileExtension() string

	// ParseLine turns one journal record into zero or more events in
	// emission order, updating acc. Malformed records yield nil and
	// leave acc untouched.
	ParseLine(record []byte, sessionID string, acc *Accumulator) []event.Event

	// ExtractSessionID derives the session id from a journal file path.
	ExtractSessionID(journalPath string) string

	// ExtractCWD returns the working directory named by a record, or "".
	ExtractCWD(record []byte) string
}
