// Package claudecode adapts Claude Code session journals to the agent
// capability set. Claude Code appends one JSON object per line to
// ~/.claude/projects/<encoded-cwd>/<session-id>.jsonl; this package parses
// those records into typed events.
package claudecode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/denisbrodbeck/machineid"

	"github.com/overlap-sh/cli/cmd/overlap/cli/agent"
)

const (
	agentName        = "claude-code"
	journalExtension = ".jsonl"
)

func init() {
	agent.Register(agentName, func() agent.Agent { return &ClaudeCode{} })
}

// ClaudeCode implements agent.Agent for Claude Code journals.
type ClaudeCode struct{}

func (c *ClaudeCode) Name() string {
	return agentName
}

// WatchDir returns the root Claude Code writes session journals under.
// Each project directory below it holds one journal per session.
func (c *ClaudeCode) WatchDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

func (c *ClaudeCode) FileExtension() string {
	return journalExtension
}

// ExtractSessionID derives the session id from the journal filename.
func (c *ClaudeCode) ExtractSessionID(journalPath string) string {
	return strings.TrimSuffix(filepath.Base(journalPath), journalExtension)
}

// ExtractCWD returns the working directory a record names, or "".
func (c *ClaudeCode) ExtractCWD(record []byte) string {
	var r struct {
		CWD string `json:"cwd"`
	}
	if err := json.Unmarshal(record, &r); err != nil {
		return ""
	}
	return r.CWD
}

// remoteEnvVars indicate the session runs on a remote host or cloud
// workspace rather than the developer's own machine.
var remoteEnvVars = []string{
	"SSH_CONNECTION",
	"SSH_CLIENT",
	"SSH_TTY",
	"CODESPACES",
	"GITPOD_WORKSPACE_ID",
	"REMOTE_CONTAINERS",
	"CLOUD_SHELL",
}

type host struct {
	hostname string
	device   string
	isRemote bool
}

var (
	hostOnce   sync.Once
	cachedHost host
)

// hostInfo resolves the machine identity fields carried on SessionStart.
// The device name combines the hostname with a short app-scoped machine id
// so two machines with the same hostname stay distinguishable.
func hostInfo() host {
	hostOnce.Do(func() {
		name, err := os.Hostname()
		if err != nil {
			name = "unknown"
		}
		cachedHost.hostname = name
		cachedHost.device = name
		if id, err := machineid.ProtectedID("overlap"); err == nil && len(id) >= 12 {
			cachedHost.device = name + "-" + id[:12]
		}
		for _, v := range remoteEnvVars {
			if os.Getenv(v) != "" {
				cachedHost.isRemote = true
				break
			}
		}
	})
	return cachedHost
}
