package claudecode

import (
	"encoding/json"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/overlap-sh/cli/cmd/overlap/cli/agent"
	"github.com/overlap-sh/cli/cmd/overlap/cli/event"
)

// journalRecord is the envelope of one journal line. Unknown fields are
// ignored; result-record fields sit at the top level.
type journalRecord struct {
	Type        string          `json:"type"`
	CWD         string          `json:"cwd"`
	GitBranch   string          `json:"gitBranch"`
	Version     string          `json:"version"`
	Timestamp   string          `json:"timestamp"`
	IsMeta      bool            `json:"isMeta"`
	IsSidechain bool            `json:"isSidechain"`
	Message     json.RawMessage `json:"message"`

	TotalCostUSD float64     `json:"total_cost_usd"`
	DurationMS   int64       `json:"duration_ms"`
	NumTurns     int         `json:"num_turns"`
	Result       string      `json:"result"`
	Usage        *tokenUsage `json:"usage"`
}

type message struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Usage   *tokenUsage     `json:"usage"`
	Content json.RawMessage `json:"content"`
}

type tokenUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
}

type toolInput struct {
	FilePath     string      `json:"file_path"`
	NotebookPath string      `json:"notebook_path"`
	Path         string      `json:"path"`
	Command      string      `json:"command"`
	Content      string      `json:"content"`
	OldString    string      `json:"old_string"`
	NewString    string      `json:"new_string"`
	Edits        []editEntry `json:"edits"`
}

type editEntry struct {
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

// trackedTools maps tool names to the operation they represent. Tool-use
// blocks for any other tool produce no events.
var trackedTools = map[string]event.Operation{
	"Write":        event.OpCreate,
	"Edit":         event.OpModify,
	"MultiEdit":    event.OpModify,
	"NotebookEdit": event.OpModify,
	"Read":         event.OpRead,
	"Bash":         event.OpExecute,
	"Grep":         event.OpSearch,
	"Glob":         event.OpSearch,
}

// syntheticModel marks assistant records Claude Code fabricates for API
// errors; they carry no real activity.
const syntheticModel = "<synthetic>"

// ParseLine turns one journal record into zero or more events.
//
// Session metadata (cwd, branch, model) can first appear on records after
// the logical session start, so metadata emission runs for every
// well-formed record before the type switch: the base SessionStart fires
// the first time a cwd is seen at turn zero, and branch/model each get one
// backfill SessionStart when their value first shows up later.
func (c *ClaudeCode) ParseLine(record []byte, sessionID string, acc *agent.Accumulator) []event.Event {
	var rec journalRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return nil
	}

	ts := parseTimestamp(rec.Timestamp)
	model := modelFromMessage(rec.Message)

	events := c.sessionStartEvents(&rec, model, sessionID, ts, acc)

	switch rec.Type {
	case "user":
		if ev, ok := c.promptEvent(&rec, sessionID, ts, acc); ok {
			events = append(events, ev)
		}
	case "assistant":
		events = append(events, c.assistantEvents(&rec, sessionID, ts, acc)...)
	case "result":
		events = append(events, c.sessionEndEvent(&rec, sessionID, ts, acc))
	}

	return events
}

func (c *ClaudeCode) sessionStartEvents(rec *journalRecord, model, sessionID string, ts time.Time, acc *agent.Accumulator) []event.Event {
	if rec.CWD != "" {
		acc.CWD = rec.CWD
		if !acc.SessionStartEmitted && acc.TurnNumber == 0 {
			info := hostInfo()
			ev := event.Event{
				Type:         event.TypeSessionStart,
				SessionID:    sessionID,
				Timestamp:    ts,
				AgentType:    agentName,
				CWD:          rec.CWD,
				AgentVersion: rec.Version,
				Hostname:     info.hostname,
				IsRemote:     info.isRemote,
				DeviceName:   info.device,
			}
			if rec.GitBranch != "" {
				ev.GitBranch = rec.GitBranch
				acc.GitBranch = rec.GitBranch
				acc.BranchEmitted = true
			}
			if model != "" {
				ev.Model = model
				acc.Model = model
				acc.ModelEmitted = true
			}
			acc.SessionStartEmitted = true
			return []event.Event{ev}
		}
	}

	if !acc.SessionStartEmitted {
		return nil
	}

	var events []event.Event
	if rec.GitBranch != "" && !acc.BranchEmitted {
		acc.GitBranch = rec.GitBranch
		acc.BranchEmitted = true
		events = append(events, event.Event{
			Type:      event.TypeSessionStart,
			SessionID: sessionID,
			Timestamp: ts,
			AgentType: agentName,
			CWD:       acc.CWD,
			GitBranch: rec.GitBranch,
		})
	}
	if model != "" && !acc.ModelEmitted {
		acc.Model = model
		acc.ModelEmitted = true
		events = append(events, event.Event{
			Type:      event.TypeSessionStart,
			SessionID: sessionID,
			Timestamp: ts,
			AgentType: agentName,
			CWD:       acc.CWD,
			Model:     model,
		})
	}
	return events
}

func (c *ClaudeCode) promptEvent(rec *journalRecord, sessionID string, ts time.Time, acc *agent.Accumulator) (event.Event, bool) {
	// Meta records and sidechain (subagent) turns are not developer prompts.
	if rec.IsMeta || rec.IsSidechain {
		return event.Event{}, false
	}
	text := userText(rec.Message)
	if text == "" {
		return event.Event{}, false
	}

	acc.TurnNumber++
	return event.Event{
		Type:       event.TypePrompt,
		SessionID:  sessionID,
		Timestamp:  ts,
		AgentType:  agentName,
		PromptText: text,
		TurnNumber: acc.TurnNumber,
	}, true
}

func (c *ClaudeCode) assistantEvents(rec *journalRecord, sessionID string, ts time.Time, acc *agent.Accumulator) []event.Event {
	if rec.Message == nil {
		return nil
	}
	var msg message
	if err := json.Unmarshal(rec.Message, &msg); err != nil {
		return nil
	}
	if msg.Model == syntheticModel {
		return nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil
	}

	var events []event.Event
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if rec.IsSidechain || strings.TrimSpace(block.Text) == "" {
				continue
			}
			events = append(events, event.Event{
				Type:         event.TypeAgentResponse,
				SessionID:    sessionID,
				Timestamp:    ts,
				AgentType:    agentName,
				ResponseText: block.Text,
				ResponseType: event.ResponseText,
				TurnNumber:   acc.TurnNumber,
			})
		case "thinking":
			if rec.IsSidechain || strings.TrimSpace(block.Thinking) == "" {
				continue
			}
			events = append(events, event.Event{
				Type:         event.TypeAgentResponse,
				SessionID:    sessionID,
				Timestamp:    ts,
				AgentType:    agentName,
				ResponseText: block.Thinking,
				ResponseType: event.ResponseThinking,
				TurnNumber:   acc.TurnNumber,
			})
		case "tool_use":
			if ev, ok := c.fileOpEvent(block, sessionID, ts, acc); ok {
				events = append(events, ev)
			}
		}
	}
	return events
}

func (c *ClaudeCode) fileOpEvent(block contentBlock, sessionID string, ts time.Time, acc *agent.Accumulator) (event.Event, bool) {
	op, tracked := trackedTools[block.Name]
	if !tracked {
		return event.Event{}, false
	}

	var input toolInput
	if len(block.Input) > 0 {
		_ = json.Unmarshal(block.Input, &input)
	}

	ev := event.Event{
		Type:      event.TypeFileOp,
		SessionID: sessionID,
		Timestamp: ts,
		AgentType: agentName,
		ToolName:  block.Name,
		Operation: op,
	}

	path := input.FilePath
	if path == "" {
		path = input.NotebookPath
	}
	switch block.Name {
	case "Bash":
		ev.BashCommand = input.Command
		if path == "" {
			path = event.SentinelBash
		}
	case "Grep":
		if path == "" {
			path = input.Path
		}
		if path == "" {
			path = event.SentinelGrep
		}
	case "Glob":
		if path == "" {
			path = input.Path
		}
		if path == "" {
			path = event.SentinelGlob
		}
	}
	if path == "" {
		return event.Event{}, false
	}
	ev.FilePath = path

	switch block.Name {
	case "Edit":
		ev.OldString = input.OldString
		ev.NewString = input.NewString
	case "MultiEdit":
		if len(input.Edits) > 0 {
			ev.OldString = input.Edits[0].OldString
			ev.NewString = input.Edits[0].NewString
		}
	case "Write":
		ev.NewString = input.Content
	}

	if ev.IsFileTool() {
		acc.TouchFile(path)
	}
	return ev, true
}

func (c *ClaudeCode) sessionEndEvent(rec *journalRecord, sessionID string, ts time.Time, acc *agent.Accumulator) event.Event {
	ev := event.Event{
		Type:         event.TypeSessionEnd,
		SessionID:    sessionID,
		Timestamp:    ts,
		AgentType:    agentName,
		TotalCostUSD: rec.TotalCostUSD,
		DurationMS:   rec.DurationMS,
		NumTurns:     rec.NumTurns,
		Result:       rec.Result,
		FilesTouched: slices.Clone(acc.FilesTouched),
	}
	if ev.NumTurns == 0 {
		ev.NumTurns = acc.TurnNumber
	}
	if rec.Usage != nil {
		ev.InputTokens = rec.Usage.InputTokens + rec.Usage.CacheCreationInputTokens + rec.Usage.CacheReadInputTokens
		ev.OutputTokens = rec.Usage.OutputTokens
	}
	return ev
}

func modelFromMessage(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}
	if msg.Model == syntheticModel {
		return ""
	}
	return msg.Model
}

var systemReminderRe = regexp.MustCompile(`(?is)<system-reminder>.*?</system-reminder>`)

// commandNoisePrefixes open slash-command bookkeeping records and local
// command output echoes. None of them are developer prompts.
var commandNoisePrefixes = []string{
	"<command-name>",
	"<command-message>",
	"<local-command-stdout>",
	"<local-command-stderr>",
	"<local-command-caveat>",
}

// userText extracts prompt text from a user message. Content is either a
// plain string or an array of blocks, of which only text blocks count;
// tool results therefore yield "". Injected reminder tags are stripped and
// command bookkeeping is rejected outright.
func userText(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}
	if len(msg.Content) == 0 {
		return ""
	}

	var text string
	var str string
	if err := json.Unmarshal(msg.Content, &str); err == nil {
		text = str
	} else {
		var blocks []contentBlock
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			return ""
		}
		var parts []string
		for _, block := range blocks {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		text = strings.Join(parts, "\n\n")
	}

	text = strings.TrimSpace(text)
	for _, prefix := range commandNoisePrefixes {
		if strings.HasPrefix(text, prefix) {
			return ""
		}
	}
	return strings.TrimSpace(systemReminderRe.ReplaceAllString(text, ""))
}

func parseTimestamp(s string) time.Time {
	if s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
