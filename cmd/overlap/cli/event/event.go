// Package event defines the typed activity events the tracer derives from
// agent session journals and ships to team instances.
//
// An Event is a tagged variant: Type selects which of the optional field
// groups is meaningful. Events are created by agent adapters, enriched by
// the supervisor (routing, symbol resolution), sanitized, and serialized
// into ingest batches. OldString and NewString exist only for local
// enrichment and overlap resolution; they are never serialized.
package event

import (
	"time"

	"github.com/overlap-sh/cli/redact"
)

// Type discriminates event variants on the wire.
type Type string

const (
	TypeSessionStart  Type = "session_start"
	TypeSessionEnd    Type = "session_end"
	TypeFileOp        Type = "file_op"
	TypePrompt        Type = "prompt"
	TypeAgentResponse Type = "agent_response"
)

// Operation classifies what a FileOp did to its target.
type Operation string

const (
	OpCreate  Operation = "create"
	OpModify  Operation = "modify"
	OpRead    Operation = "read"
	OpExecute Operation = "execute"
	OpSearch  Operation = "search"
)

// ResponseType distinguishes assistant output kinds.
type ResponseType string

const (
	ResponseText     ResponseType = "text"
	ResponseThinking ResponseType = "thinking"
)

// Sentinel file paths for tools that do not operate on a single file.
const (
	SentinelBash = "(bash)"
	SentinelGrep = "(grep)"
	SentinelGlob = "(glob)"
)

// Event is one derived activity record. Fields outside the common group are
// populated per variant and omitted from the wire when empty.
type Event struct {
	Type      Type      `json:"event_type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
	RepoName  string    `json:"repo_name,omitempty"`
	AgentType string    `json:"agent_type,omitempty"`

	// SessionStart fields. A session may produce several SessionStart
	// events: one base emission plus at most one backfill each for branch
	// and model, carrying the field once its value is known.
	CWD          string `json:"cwd,omitempty"`
	GitBranch    string `json:"git_branch,omitempty"`
	GitRemoteURL string `json:"git_remote_url,omitempty"`
	Model        string `json:"model,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	IsRemote     bool   `json:"is_remote,omitempty"`
	DeviceName   string `json:"device_name,omitempty"`

	// FileOp fields. FilePath is repo-relative after routing, or a
	// sentinel for bash/grep/glob invocations.
	ToolName     string    `json:"tool_name,omitempty"`
	FilePath     string    `json:"file_path,omitempty"`
	Operation    Operation `json:"operation,omitempty"`
	StartLine    int       `json:"start_line,omitempty"`
	EndLine      int       `json:"end_line,omitempty"`
	FunctionName string    `json:"function_name,omitempty"`
	BashCommand  string    `json:"bash_command,omitempty"`

	// Edit content, kept on-machine for symbol resolution and overlap
	// queries. Excluded from serialization entirely.
	OldString string `json:"-"`
	NewString string `json:"-"`

	// Prompt and AgentResponse fields.
	PromptText   string       `json:"prompt_text,omitempty"`
	ResponseText string       `json:"response_text,omitempty"`
	ResponseType ResponseType `json:"response_type,omitempty"`
	TurnNumber   int          `json:"turn_number,omitempty"`

	// SessionEnd fields.
	TotalCostUSD float64  `json:"total_cost_usd,omitempty"`
	DurationMS   int64    `json:"duration_ms,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	InputTokens  int64    `json:"input_tokens,omitempty"`
	OutputTokens int64    `json:"output_tokens,omitempty"`
	Result       string   `json:"result,omitempty"`
	FilesTouched []string `json:"files_touched,omitempty"`
}

// Sanitize clears local-only fields and runs secret redaction over the
// free-text fields. Must be called before an event is serialized for
// transmission.
func (e *Event) Sanitize() {
	e.OldString = ""
	e.NewString = ""
	if e.PromptText != "" {
		e.PromptText = redact.String(e.PromptText)
	}
	if e.ResponseText != "" {
		e.ResponseText = redact.String(e.ResponseText)
	}
	if e.BashCommand != "" {
		e.BashCommand = redact.String(e.BashCommand)
	}
	if e.Result != "" {
		e.Result = redact.String(e.Result)
	}
}

// IsFileTool reports whether a FileOp targets an actual file rather than a
// sentinel path.
func (e *Event) IsFileTool() bool {
	switch e.FilePath {
	case "", SentinelBash, SentinelGrep, SentinelGlob:
		return false
	}
	return true
}
