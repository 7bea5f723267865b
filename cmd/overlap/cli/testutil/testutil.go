// Package testutil holds git fixture helpers shared by package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	formatconfig "github.com/go-git/go-git/v5/plumbing/format/config"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// InitRepo turns dir into a git checkout with a fixture identity and
// signing switched off, so commits made by helpers never touch the
// developer's real git config.
func InitRepo(t *testing.T, dir string) {
	t.Helper()

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("git init %s: %v", dir, err)
	}

	cfg, err := repo.Config()
	if err != nil {
		t.Fatalf("read repo config: %v", err)
	}
	cfg.User.Name = "Fixture"
	cfg.User.Email = "fixture@example.com"
	if cfg.Raw == nil {
		cfg.Raw = formatconfig.New()
	}
	cfg.Raw.Section("commit").SetOption("gpgsign", "false")
	if err := repo.SetConfig(cfg); err != nil {
		t.Fatalf("write repo config: %v", err)
	}
}

// SetRemote registers a remote on the checkout at dir.
func SetRemote(t *testing.T, dir, name, url string) {
	t.Helper()

	repo := open(t, dir)
	_, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: name, URLs: []string{url}})
	if err != nil {
		t.Fatalf("add remote %s: %v", name, err)
	}
}

// WriteFile writes content under dir, creating parents on the way.
func WriteFile(t *testing.T, dir, rel, content string) {
	t.Helper()

	full := filepath.Join(dir, rel)
	//nolint:gosec // fixture files get ordinary permissions
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	//nolint:gosec // fixture files get ordinary permissions
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

// CommitFile writes rel, stages it, and commits it.
func CommitFile(t *testing.T, dir, rel, content, message string) {
	t.Helper()

	WriteFile(t, dir, rel, content)

	wt, err := open(t, dir).Worktree()
	if err != nil {
		t.Fatalf("open worktree: %v", err)
	}
	if _, err := wt.Add(rel); err != nil {
		t.Fatalf("stage %s: %v", rel, err)
	}
	sig := &object.Signature{Name: "Fixture", Email: "fixture@example.com", When: time.Now()}
	if _, err := wt.Commit(message, &git.CommitOptions{Author: sig}); err != nil {
		t.Fatalf("commit %s: %v", rel, err)
	}
}

func open(t *testing.T, dir string) *git.Repository {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("open repo %s: %v", dir, err)
	}
	return repo
}
