package claudecode

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlap-sh/cli/cmd/overlap/cli/agent"
	"github.com/overlap-sh/cli/cmd/overlap/cli/event"
)

func parseAll(t *testing.T, records []string) []event.Event {
	t.Helper()
	cc := &ClaudeCode{}
	acc := &agent.Accumulator{}
	var events []event.Event
	for _, r := range records {
		events = append(events, cc.ParseLine([]byte(r), "S1", acc)...)
	}
	return events
}

func TestParseLine_FullSessionFlow(t *testing.T) {
	t.Parallel()

	records := []string{
		`{"type":"system","cwd":"/w/repo","sessionId":"S1","timestamp":"2025-06-01T10:00:00Z"}`,
		`{"type":"user","timestamp":"2025-06-01T10:00:01Z","message":{"role":"user","content":"fix"}}`,
		`{"type":"assistant","timestamp":"2025-06-01T10:00:02Z","message":{"role":"assistant","content":[{"type":"tool_use","name":"Edit","input":{"file_path":"/w/repo/a.ts","old_string":"x","new_string":"y"}}]}}`,
		`{"type":"result","timestamp":"2025-06-01T10:00:03Z","total_cost_usd":0.01}`,
	}

	events := parseAll(t, records)
	require.Len(t, events, 4)

	start := events[0]
	assert.Equal(t, event.TypeSessionStart, start.Type)
	assert.Equal(t, "S1", start.SessionID)
	assert.Equal(t, "/w/repo", start.CWD)
	assert.Equal(t, "claude-code", start.AgentType)
	assert.NotEmpty(t, start.Hostname)

	prompt := events[1]
	assert.Equal(t, event.TypePrompt, prompt.Type)
	assert.Equal(t, "fix", prompt.PromptText)
	assert.Equal(t, 1, prompt.TurnNumber)

	fileOp := events[2]
	assert.Equal(t, event.TypeFileOp, fileOp.Type)
	assert.Equal(t, "Edit", fileOp.ToolName)
	assert.Equal(t, event.OpModify, fileOp.Operation)
	assert.Equal(t, "/w/repo/a.ts", fileOp.FilePath)
	assert.Equal(t, "x", fileOp.OldString)
	assert.Equal(t, "y", fileOp.NewString)

	end := events[3]
	assert.Equal(t, event.TypeSessionEnd, end.Type)
	assert.InDelta(t, 0.01, end.TotalCostUSD, 1e-9)
	assert.Equal(t, []string{"/w/repo/a.ts"}, end.FilesTouched)
	assert.Equal(t, 1, end.NumTurns)
}

func TestParseLine_BranchBackfill(t *testing.T) {
	t.Parallel()

	records := []string{
		`{"type":"system","cwd":"/w/r","timestamp":"2025-06-01T10:00:00Z"}`,
		`{"type":"system","cwd":"/w/r","gitBranch":"main","timestamp":"2025-06-01T10:00:01Z"}`,
		`{"type":"user","cwd":"/w/r","gitBranch":"main","timestamp":"2025-06-01T10:00:02Z","message":{"role":"user","content":"go"}}`,
	}

	events := parseAll(t, records)
	require.Len(t, events, 3)

	assert.Equal(t, event.TypeSessionStart, events[0].Type)
	assert.Empty(t, events[0].GitBranch)

	backfill := events[1]
	assert.Equal(t, event.TypeSessionStart, backfill.Type)
	assert.Equal(t, "main", backfill.GitBranch)
	assert.Equal(t, "/w/r", backfill.CWD)

	// The third record repeats the branch; only the prompt comes out.
	assert.Equal(t, event.TypePrompt, events[2].Type)
}

func TestParseLine_ModelBackfillOnce(t *testing.T) {
	t.Parallel()

	assistant := `{"type":"assistant","cwd":"/w/r","timestamp":"2025-06-01T10:00:0%dZ","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"hi"}]}}`
	records := []string{
		`{"type":"system","cwd":"/w/r","timestamp":"2025-06-01T10:00:00Z"}`,
		fmt.Sprintf(assistant, 1),
		fmt.Sprintf(assistant, 2),
	}

	events := parseAll(t, records)
	require.Len(t, events, 4)

	assert.Equal(t, event.TypeSessionStart, events[0].Type)
	assert.Empty(t, events[0].Model)

	assert.Equal(t, event.TypeSessionStart, events[1].Type)
	assert.Equal(t, "claude-sonnet-4", events[1].Model)

	// Second assistant record must not re-emit the model.
	assert.Equal(t, event.TypeAgentResponse, events[2].Type)
	assert.Equal(t, event.TypeAgentResponse, events[3].Type)
}

func TestParseLine_BaseStartCarriesKnownFields(t *testing.T) {
	t.Parallel()

	records := []string{
		`{"type":"system","cwd":"/w/r","gitBranch":"dev","version":"1.2.3","timestamp":"2025-06-01T10:00:00Z"}`,
		`{"type":"system","cwd":"/w/r","gitBranch":"dev","timestamp":"2025-06-01T10:00:01Z"}`,
	}

	events := parseAll(t, records)
	require.Len(t, events, 1)
	assert.Equal(t, "dev", events[0].GitBranch)
	assert.Equal(t, "1.2.3", events[0].AgentVersion)
}

func TestParseLine_ToolMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		tool     string
		input    string
		wantOp   event.Operation
		wantPath string
		wantCmd  string
	}{
		{name: "write_creates", tool: "Write", input: `{"file_path":"/w/r/new.go","content":"package r"}`, wantOp: event.OpCreate, wantPath: "/w/r/new.go"},
		{name: "edit_modifies", tool: "Edit", input: `{"file_path":"/w/r/a.go","old_string":"x","new_string":"y"}`, wantOp: event.OpModify, wantPath: "/w/r/a.go"},
		{name: "multiedit_modifies", tool: "MultiEdit", input: `{"file_path":"/w/r/a.go","edits":[{"old_string":"x","new_string":"y"}]}`, wantOp: event.OpModify, wantPath: "/w/r/a.go"},
		{name: "notebook_edit_modifies", tool: "NotebookEdit", input: `{"notebook_path":"/w/r/nb.ipynb"}`, wantOp: event.OpModify, wantPath: "/w/r/nb.ipynb"},
		{name: "read_reads", tool: "Read", input: `{"file_path":"/w/r/a.go"}`, wantOp: event.OpRead, wantPath: "/w/r/a.go"},
		{name: "bash_executes_with_sentinel", tool: "Bash", input: `{"command":"go test ./..."}`, wantOp: event.OpExecute, wantPath: "(bash)", wantCmd: "go test ./..."},
		{name: "grep_searches_with_sentinel", tool: "Grep", input: `{"pattern":"TODO"}`, wantOp: event.OpSearch, wantPath: "(grep)"},
		{name: "grep_uses_search_path", tool: "Grep", input: `{"pattern":"TODO","path":"/w/r/pkg"}`, wantOp: event.OpSearch, wantPath: "/w/r/pkg"},
		{name: "glob_searches_with_sentinel", tool: "Glob", input: `{"pattern":"**/*.go"}`, wantOp: event.OpSearch, wantPath: "(glob)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			record := fmt.Sprintf(`{"type":"assistant","timestamp":"2025-06-01T10:00:00Z","message":{"role":"assistant","content":[{"type":"tool_use","name":%q,"input":%s}]}}`, tt.tool, tt.input)

			cc := &ClaudeCode{}
			acc := &agent.Accumulator{SessionStartEmitted: true}
			events := cc.ParseLine([]byte(record), "S1", acc)

			require.Len(t, events, 1)
			ev := events[0]
			assert.Equal(t, event.TypeFileOp, ev.Type)
			assert.Equal(t, tt.tool, ev.ToolName)
			assert.Equal(t, tt.wantOp, ev.Operation)
			assert.Equal(t, tt.wantPath, ev.FilePath)
			assert.Equal(t, tt.wantCmd, ev.BashCommand)
		})
	}
}

func TestParseLine_UntrackedToolIgnored(t *testing.T) {
	t.Parallel()

	record := `{"type":"assistant","timestamp":"2025-06-01T10:00:00Z","message":{"role":"assistant","content":[{"type":"tool_use","name":"TodoWrite","input":{"todos":[]}}]}}`

	cc := &ClaudeCode{}
	acc := &agent.Accumulator{SessionStartEmitted: true}
	assert.Empty(t, cc.ParseLine([]byte(record), "S1", acc))
}

func TestParseLine_MultiEditCapturesFirstEdit(t *testing.T) {
	t.Parallel()

	record := `{"type":"assistant","timestamp":"2025-06-01T10:00:00Z","message":{"role":"assistant","content":[{"type":"tool_use","name":"MultiEdit","input":{"file_path":"/w/r/a.go","edits":[{"old_string":"one","new_string":"two"},{"old_string":"three","new_string":"four"}]}}]}}`

	cc := &ClaudeCode{}
	acc := &agent.Accumulator{SessionStartEmitted: true}
	events := cc.ParseLine([]byte(record), "S1", acc)

	require.Len(t, events, 1)
	assert.Equal(t, "one", events[0].OldString)
	assert.Equal(t, "two", events[0].NewString)
}

func TestParseLine_WriteCapturesContent(t *testing.T) {
	t.Parallel()

	record := `{"type":"assistant","timestamp":"2025-06-01T10:00:00Z","message":{"role":"assistant","content":[{"type":"tool_use","name":"Write","input":{"file_path":"/w/r/new.go","content":"package r\n"}}]}}`

	cc := &ClaudeCode{}
	acc := &agent.Accumulator{SessionStartEmitted: true}
	events := cc.ParseLine([]byte(record), "S1", acc)

	require.Len(t, events, 1)
	assert.Empty(t, events[0].OldString)
	assert.Equal(t, "package r\n", events[0].NewString)
}

func TestParseLine_MalformedRecordYieldsNothing(t *testing.T) {
	t.Parallel()

	cc := &ClaudeCode{}
	acc := &agent.Accumulator{}

	assert.Nil(t, cc.ParseLine([]byte("not json at all"), "S1", acc))
	assert.Nil(t, cc.ParseLine([]byte(`{"type":"user","message":`), "S1", acc))

	// Accumulator must be untouched.
	assert.Equal(t, agent.Accumulator{}, *acc)
}

func TestParseLine_SameRecordSameEvents(t *testing.T) {
	t.Parallel()

	record := []byte(`{"type":"user","cwd":"/w/r","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":"hello"}}`)

	cc := &ClaudeCode{}
	first := cc.ParseLine(record, "S1", &agent.Accumulator{})
	second := cc.ParseLine(record, "S1", &agent.Accumulator{})

	assert.Equal(t, first, second)
}

func TestParseLine_UserNoiseFiltered(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		record string
	}{
		{name: "meta_record", record: `{"type":"user","isMeta":true,"timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":"injected context"}}`},
		{name: "sidechain_record", record: `{"type":"user","isSidechain":true,"timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":"subagent task"}}`},
		{name: "tool_result_only", record: `{"type":"user","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`},
		{name: "slash_command", record: `{"type":"user","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":"<command-name>/clear</command-name>"}}`},
		{name: "command_output", record: `{"type":"user","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":"<local-command-stdout>done</local-command-stdout>"}}`},
		{name: "empty_content", record: `{"type":"user","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":""}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cc := &ClaudeCode{}
			acc := &agent.Accumulator{SessionStartEmitted: true}
			events := cc.ParseLine([]byte(tt.record), "S1", acc)

			for _, ev := range events {
				assert.NotEqual(t, event.TypePrompt, ev.Type)
			}
			assert.Zero(t, acc.TurnNumber)
		})
	}
}

func TestParseLine_SystemReminderStripped(t *testing.T) {
	t.Parallel()

	record := `{"type":"user","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":"fix the bug <system-reminder>noise</system-reminder>"}}`

	cc := &ClaudeCode{}
	acc := &agent.Accumulator{SessionStartEmitted: true}
	events := cc.ParseLine([]byte(record), "S1", acc)

	require.Len(t, events, 1)
	assert.Equal(t, "fix the bug", events[0].PromptText)
}

func TestParseLine_ArrayContentPrompt(t *testing.T) {
	t.Parallel()

	record := `{"type":"user","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}}`

	cc := &ClaudeCode{}
	acc := &agent.Accumulator{SessionStartEmitted: true}
	events := cc.ParseLine([]byte(record), "S1", acc)

	require.Len(t, events, 1)
	assert.Equal(t, "part one\n\npart two", events[0].PromptText)
	assert.Equal(t, 1, events[0].TurnNumber)
}

func TestParseLine_ThinkingBlock(t *testing.T) {
	t.Parallel()

	record := `{"type":"assistant","timestamp":"2025-06-01T10:00:00Z","message":{"role":"assistant","content":[{"type":"thinking","thinking":"considering options"},{"type":"text","text":"here is the plan"}]}}`

	cc := &ClaudeCode{}
	acc := &agent.Accumulator{SessionStartEmitted: true, TurnNumber: 2}
	events := cc.ParseLine([]byte(record), "S1", acc)

	require.Len(t, events, 2)
	assert.Equal(t, event.ResponseThinking, events[0].ResponseType)
	assert.Equal(t, "considering options", events[0].ResponseText)
	assert.Equal(t, event.ResponseText, events[1].ResponseType)
	assert.Equal(t, 2, events[1].TurnNumber)
}

func TestParseLine_SyntheticAssistantSkipped(t *testing.T) {
	t.Parallel()

	record := `{"type":"assistant","timestamp":"2025-06-01T10:00:00Z","message":{"role":"assistant","model":"<synthetic>","content":[{"type":"text","text":"API error"}]}}`

	cc := &ClaudeCode{}
	acc := &agent.Accumulator{SessionStartEmitted: true}
	assert.Empty(t, cc.ParseLine([]byte(record), "S1", acc))
}

func TestParseLine_SidechainToolUseStillTracked(t *testing.T) {
	t.Parallel()

	record := `{"type":"assistant","isSidechain":true,"timestamp":"2025-06-01T10:00:00Z","message":{"role":"assistant","content":[{"type":"text","text":"subagent says"},{"type":"tool_use","name":"Edit","input":{"file_path":"/w/r/b.go","old_string":"a","new_string":"b"}}]}}`

	cc := &ClaudeCode{}
	acc := &agent.Accumulator{SessionStartEmitted: true}
	events := cc.ParseLine([]byte(record), "S1", acc)

	// The subagent's edit is real file activity; its narration is not.
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeFileOp, events[0].Type)
	assert.Equal(t, "/w/r/b.go", events[0].FilePath)
}

func TestParseLine_SessionEndAggregation(t *testing.T) {
	t.Parallel()

	records := []string{
		`{"type":"system","cwd":"/w/r","timestamp":"2025-06-01T10:00:00Z"}`,
		`{"type":"user","timestamp":"2025-06-01T10:00:01Z","message":{"role":"user","content":"edit two files"}}`,
		`{"type":"assistant","timestamp":"2025-06-01T10:00:02Z","message":{"role":"assistant","content":[{"type":"tool_use","name":"Edit","input":{"file_path":"/w/r/a.go","old_string":"x","new_string":"y"}}]}}`,
		`{"type":"assistant","timestamp":"2025-06-01T10:00:03Z","message":{"role":"assistant","content":[{"type":"tool_use","name":"Edit","input":{"file_path":"/w/r/b.go","old_string":"x","new_string":"y"}}]}}`,
		`{"type":"assistant","timestamp":"2025-06-01T10:00:04Z","message":{"role":"assistant","content":[{"type":"tool_use","name":"Edit","input":{"file_path":"/w/r/a.go","old_string":"y","new_string":"z"}}]}}`,
		`{"type":"result","timestamp":"2025-06-01T10:00:05Z","total_cost_usd":0.5,"duration_ms":9000,"num_turns":4,"result":"done","usage":{"input_tokens":100,"cache_creation_input_tokens":50,"cache_read_input_tokens":25,"output_tokens":40}}`,
	}

	events := parseAll(t, records)
	end := events[len(events)-1]

	require.Equal(t, event.TypeSessionEnd, end.Type)
	assert.Equal(t, []string{"/w/r/a.go", "/w/r/b.go"}, end.FilesTouched)
	assert.Equal(t, int64(175), end.InputTokens)
	assert.Equal(t, int64(40), end.OutputTokens)
	assert.Equal(t, 4, end.NumTurns)
	assert.Equal(t, "done", end.Result)
	assert.Equal(t, int64(9000), end.DurationMS)
}

func TestParseLine_TimestampParsing(t *testing.T) {
	t.Parallel()

	record := `{"type":"system","cwd":"/w/r","timestamp":"2025-06-01T10:30:00.123Z"}`

	cc := &ClaudeCode{}
	events := cc.ParseLine([]byte(record), "S1", &agent.Accumulator{})

	require.Len(t, events, 1)
	want := time.Date(2025, 6, 1, 10, 30, 0, 123000000, time.UTC)
	assert.True(t, events[0].Timestamp.Equal(want))
}

func TestExtractSessionID(t *testing.T) {
	t.Parallel()

	cc := &ClaudeCode{}
	assert.Equal(t, "abc-123", cc.ExtractSessionID("/home/u/.claude/projects/-w-r/abc-123.jsonl"))
}

func TestExtractCWD(t *testing.T) {
	t.Parallel()

	cc := &ClaudeCode{}
	assert.Equal(t, "/w/r", cc.ExtractCWD([]byte(`{"cwd":"/w/r","type":"user"}`)))
	assert.Empty(t, cc.ExtractCWD([]byte(`{"type":"user"}`)))
	assert.Empty(t, cc.ExtractCWD([]byte(`garbage`)))
}

func TestRegistryRegistration(t *testing.T) {
	t.Parallel()

	ag, err := agent.Get(agent.AgentNameClaudeCode)
	require.NoError(t, err)
	assert.Equal(t, "claude-code", ag.Name())
	assert.Equal(t, ".jsonl", ag.FileExtension())
}
