package probe

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/overlap-sh/cli/cmd/overlap/cli/api"
)

// hookEventName is the agent hook stage the probe answers.
const hookEventName = "PreToolUse"

type hookOutput struct {
	HookSpecificOutput hookSpecific `json:"hookSpecificOutput"`
}

type hookSpecific struct {
	HookEventName      string `json:"hookEventName"`
	PermissionDecision string `json:"permissionDecision"`
	AdditionalContext  string `json:"additionalContext,omitempty"`
}

// RenderHook returns the PreToolUse hook document, or nil when the probe
// should stay silent. Hook mode only speaks when there is something to
// say: no overlaps means no output, so a clean edit costs the agent
// nothing to parse.
func (r *Result) RenderHook() ([]byte, error) {
	if len(r.Overlaps) == 0 {
		return nil, nil
	}
	decision := "allow"
	if r.Decision == api.DecisionBlock {
		decision = "deny"
	}
	return json.Marshal(hookOutput{
		HookSpecificOutput: hookSpecific{
			HookEventName:      hookEventName,
			PermissionDecision: decision,
			AdditionalContext:  r.RenderHuman(),
		},
	})
}

type machineReport struct {
	Decision     api.Decision           `json:"decision"`
	Overlaps     []api.Overlap          `json:"overlaps"`
	TeamSessions []api.TeamStateSession `json:"team_sessions,omitempty"`
	GitHost      string                 `json:"git_host,omitempty"`
	Warning      string                 `json:"warning,omitempty"`
}

// RenderMachine returns the bare JSON report.
func (r *Result) RenderMachine() ([]byte, error) {
	overlaps := r.Overlaps
	if overlaps == nil {
		overlaps = []api.Overlap{}
	}
	return json.Marshal(machineReport{
		Decision:     r.Decision,
		Overlaps:     overlaps,
		TeamSessions: r.TeamSessions,
		GitHost:      r.GitHost,
		Warning:      r.Warning,
	})
}

// RenderHuman returns the formatted text report.
func (r *Result) RenderHuman() string {
	var b strings.Builder
	fmt.Fprintf(&b, "overlap decision: %s\n", r.Decision)
	if len(r.Overlaps) == 0 {
		fmt.Fprintf(&b, "  no teammate activity in %s\n", r.Target.FilePath)
	}
	for _, o := range r.Overlaps {
		fmt.Fprintf(&b, "  %s: %s\n", o.Tier, describeOverlap(o))
	}
	if r.Guidance != "" {
		fmt.Fprintf(&b, "guidance: %s\n", r.Guidance)
	}
	if r.Warning != "" {
		fmt.Fprintf(&b, "warning: %s\n", r.Warning)
	}
	return b.String()
}

// describeOverlap renders one overlap as a sentence, degrading gracefully
// when the server or mirror omitted identity or location fields.
func describeOverlap(o api.Overlap) string {
	who := o.DisplayName
	if who == "" {
		who = o.UserID
	}
	if who == "" {
		who = "a teammate"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s is working in %s", who, o.FilePath)
	if o.StartLine > 0 {
		fmt.Fprintf(&b, " lines %d-%d", o.StartLine, o.EndLine)
	}
	if o.FunctionName != "" {
		fmt.Fprintf(&b, " (%s)", o.FunctionName)
	}
	return b.String()
}
