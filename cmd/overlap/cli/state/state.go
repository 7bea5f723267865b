// Package state persists the tracer's durable progress: the per-journal
// tracking table (state.json) and the roster/git-identity cache
// (cache.json). Both are written atomically and tolerate corruption by
// starting empty rather than failing the daemon.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/overlap-sh/cli/cmd/overlap/cli/agent"
	"github.com/overlap-sh/cli/cmd/overlap/cli/paths"
)

// TrackedFile is the durable record for one journal file.
//
// ByteOffset is the delivery watermark: every byte below it has been parsed
// and its events acknowledged by every matched team. The in-memory read
// position runs ahead of it between flushes.
type TrackedFile struct {
	ByteOffset   int64             `json:"byte_offset"`
	SessionID    string            `json:"session_id"`
	MatchedTeams []string          `json:"matched_teams"`
	MatchedRepo  string            `json:"matched_repo"`
	SubDirRepos  map[string]string `json:"sub_dir_repos,omitempty"`
	TurnNumber   int               `json:"turn_number"`
	FilesTouched []string          `json:"files_touched,omitempty"`
	CWD          string            `json:"cwd"`
}

// Accumulator rebuilds the volatile per-session parse state from the
// durable record. Emission flags are derived conservatively: anything not
// provably emitted is treated as unemitted, trading duplicate SessionStart
// events (deduplicated server-side) for never losing one.
func (tf *TrackedFile) Accumulator() *agent.Accumulator {
	return &agent.Accumulator{
		TurnNumber:          tf.TurnNumber,
		FilesTouched:        slices.Clone(tf.FilesTouched),
		CWD:                 tf.CWD,
		SessionStartEmitted: tf.TurnNumber > 0,
	}
}

type stateFile struct {
	TrackedFiles map[string]*TrackedFile `json:"tracked_files"`
}

// Store holds the tracking table. The tracer supervisor is the only
// writer; the mutex covers the save path so the flush timer can run off
// the supervisor loop.
type Store struct {
	mu      sync.Mutex
	tracked map[string]*TrackedFile
	dirty   bool
}

// Load reads state.json. A missing or unparseable file yields an empty
// store; the previous contents stay on disk until the next successful save.
func Load() (*Store, error) {
	path, err := paths.StateFile()
	if err != nil {
		return nil, err
	}

	store := &Store{tracked: make(map[string]*TrackedFile)}

	data, err := os.ReadFile(path) //nolint:gosec // path is from paths package
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var parsed stateFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		// Corrupt state starts over; offsets reset to zero and the
		// server deduplicates the replay.
		return store, nil
	}
	if parsed.TrackedFiles != nil {
		store.tracked = parsed.TrackedFiles
	}
	return store, nil
}

// Save writes the table atomically if anything changed since the last save.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}
	path, err := paths.StateFile()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	if err := paths.AtomicWriteJSON(path, stateFile{TrackedFiles: s.tracked}); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Get returns the tracked record for path. Callers that mutate the record
// directly must call MarkDirty.
func (s *Store) Get(path string) (*TrackedFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tf, ok := s.tracked[path]
	return tf, ok
}

// Put inserts or replaces the record for path.
func (s *Store) Put(path string, tf *TrackedFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[path] = tf
	s.dirty = true
}

// Delete removes the record for path.
func (s *Store) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracked[path]; ok {
		delete(s.tracked, path)
		s.dirty = true
	}
}

// Paths returns the tracked journal paths in sorted order.
func (s *Store) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tracked))
	for p := range s.tracked {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of tracked journals.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

// MarkDirty flags the table for the next save after direct record mutation.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// SetOffset advances the durable offset for path. Backward moves are
// ignored, so persisted offsets are monotonic; truncation goes through
// ResetFile instead.
func (s *Store) SetOffset(path string, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tf, ok := s.tracked[path]
	if !ok || offset <= tf.ByteOffset {
		return
	}
	tf.ByteOffset = offset
	s.dirty = true
}

// ResetFile clears parse progress after journal truncation. Routing fields
// survive; the journal is re-read from zero and the server deduplicates.
func (s *Store) ResetFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tf, ok := s.tracked[path]
	if !ok {
		return
	}
	tf.ByteOffset = 0
	tf.TurnNumber = 0
	tf.FilesTouched = nil
	s.dirty = true
}

// EvictRepo drops every record routed to the given repo and returns the
// affected journal paths. Called when a repo leaves a team's roster.
//
// Parent-directory sessions route per subdirectory; for those, only the
// removed repo's subdir mapping is dropped, and the whole record goes only
// when no routing target remains.
func (s *Store) EvictRepo(repo string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for path, tf := range s.tracked {
		if tf.MatchedRepo == repo {
			evicted = append(evicted, path)
			delete(s.tracked, path)
			s.dirty = true
			continue
		}
		for subdir, subRepo := range tf.SubDirRepos {
			if subRepo != repo {
				continue
			}
			delete(tf.SubDirRepos, subdir)
			s.dirty = true
			if len(tf.SubDirRepos) == 0 && tf.MatchedRepo == "" {
				evicted = append(evicted, path)
				delete(s.tracked, path)
			}
		}
	}
	slices.Sort(evicted)
	return evicted
}
