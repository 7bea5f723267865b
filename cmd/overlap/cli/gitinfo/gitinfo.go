// Package gitinfo inspects the repository containing a directory: worktree
// root, current branch, origin URL, and the repo name derived from it.
//
// go-git does the work in-process; when it cannot open the repository
// (exotic worktree layouts, unsupported extensions) a git-CLI fallback
// answers instead, honoring the caller's context deadline.
package gitinfo

import (
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
)

// Host classifies the hosting service behind a remote URL.
type Host string

const (
	HostGitHub Host = "github"
	HostGitLab Host = "gitlab"
	HostNone   Host = "none"
)

// Info describes the repository containing a directory.
type Info struct {
	RepoName  string
	RemoteURL string
	Branch    string
	Root      string
	Host      Host
}

// repoNameRe captures the tail segment of a remote URL, with an optional
// .git suffix stripped. Works for both scp-like and https forms.
var repoNameRe = regexp.MustCompile(`[/:]([^/:]+?)(?:\.git)?$`)

// RepoNameFromURL extracts the repository name from a remote URL, or ""
// when the URL has no usable tail segment.
func RepoNameFromURL(url string) string {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if url == "" {
		return ""
	}
	m := repoNameRe.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}

// HostFromURL classifies the hosting service named by a remote URL.
func HostFromURL(url string) Host {
	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, "github."):
		return HostGitHub
	case strings.Contains(lower, "gitlab."):
		return HostGitLab
	default:
		return HostNone
	}
}

// Resolve inspects the repository containing dir. The context bounds the
// git-CLI fallback; the go-git path does not block on it.
func Resolve(ctx context.Context, dir string) (Info, error) {
	info, err := resolveGoGit(dir)
	if err == nil {
		return info, nil
	}
	return resolveCLI(ctx, dir)
}

func resolveGoGit(dir string) (Info, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return Info{}, err
	}

	info := Info{Host: HostNone}

	wt, err := repo.Worktree()
	if err != nil {
		return Info{}, err
	}
	info.Root = wt.Filesystem.Root()

	if remote, err := repo.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			info.RemoteURL = urls[0]
			info.RepoName = RepoNameFromURL(urls[0])
			info.Host = HostFromURL(urls[0])
		}
	}

	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}

	return info, nil
}

func resolveCLI(ctx context.Context, dir string) (Info, error) {
	root, err := gitOutput(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return Info{}, errors.New("not a git repository")
	}

	info := Info{Root: root, Host: HostNone}

	if url, err := gitOutput(ctx, dir, "remote", "get-url", "origin"); err == nil {
		info.RemoteURL = url
		info.RepoName = RepoNameFromURL(url)
		info.Host = HostFromURL(url)
	}

	if branch, err := gitOutput(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil && branch != "HEAD" {
		info.Branch = branch
	}

	return info, nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
