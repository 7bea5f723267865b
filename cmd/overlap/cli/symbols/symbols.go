// Package symbols resolves an edit target inside a source file to a
// 1-indexed line range and a best-effort enclosing declaration name.
//
// Resolution is intentionally parser-free: a handful of shallow regexes
// cover function, method, and class declarations across common syntaxes.
// The result feeds overlap queries, so "nearest declaration above" is good
// enough and wrong answers only soften warnings.
package symbols

import (
	"os"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Location is a resolved edit target.
type Location struct {
	StartLine int
	EndLine   int
	// Symbol is the enclosing function or class name, "" when no
	// declaration pattern matched above the target.
	Symbol string
}

// declPatterns are tried in order against each line while walking upward
// from the target. The first submatch is the declaration name.
var declPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*func\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`),
	regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)`),
	regexp.MustCompile(`^\s*(?:export\s+)?const\s+([A-Za-z_$][\w$]*)\s*=\s*(?:async\s*)?\([^)]*\)\s*(?::[^=]+)?=>`),
	regexp.MustCompile(`^\s*(?:public|private|protected)?\s*(?:static\s+)?(?:async\s+)?([A-Za-z_$][\w$]*)\s*\([^)]*\)\s*{\s*$`),
	regexp.MustCompile(`^\s*(?:async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`),
	regexp.MustCompile(`^\s*(?:export\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`),
	regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?fn\s+([A-Za-z_][A-Za-z0-9_]*)`),
	regexp.MustCompile(`^\s*(?:def\s+self\.|def\s+)([A-Za-z_][A-Za-z0-9_?!]*)`),
}

// fuzzyPatternLimit bounds the bitap pattern length for approximate
// matching (diffmatchpatch.MatchMaxBits).
const fuzzyPatternLimit = 32

// Resolve locates target inside the file at path. Returns false when the
// file cannot be read, the target is empty, or no match is found even
// approximately. I/O problems never propagate; callers emit their events
// without enrichment.
func Resolve(path, target string) (Location, bool) {
	if target == "" {
		return Location{}, false
	}
	data, err := os.ReadFile(path) //nolint:gosec // path names the file being edited
	if err != nil {
		return Location{}, false
	}
	text := string(data)

	idx := strings.Index(text, target)
	if idx < 0 {
		idx = fuzzyIndex(text, target)
	}
	if idx < 0 {
		return Location{}, false
	}

	startLine := 1 + strings.Count(text[:idx], "\n")
	endLine := startLine + strings.Count(target, "\n")

	return Location{
		StartLine: startLine,
		EndLine:   endLine,
		Symbol:    enclosingSymbol(text, startLine),
	}, true
}

// fuzzyIndex falls back to approximate matching when the exact substring is
// absent, tolerating small drift between the journal's old_string and the
// file on disk. Matches on the target's first non-empty line, truncated to
// the bitap limit.
func fuzzyIndex(text, target string) int {
	anchor := firstNonEmptyLine(target)
	if anchor == "" {
		return -1
	}
	if len(anchor) > fuzzyPatternLimit {
		anchor = anchor[:fuzzyPatternLimit]
	}

	dmp := diffmatchpatch.New()
	// Proximity to the expected location is meaningless here; only edit
	// distance should decide. The distance divisor has to dwarf any real
	// file size or the score penalty rejects far-away matches.
	dmp.MatchDistance = 1 << 30
	return dmp.MatchMain(text, anchor, 0)
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// enclosingSymbol walks upward from the line above startLine and returns
// the first declaration name found. Nearest line wins; within a line,
// pattern order wins.
func enclosingSymbol(text string, startLine int) string {
	lines := strings.Split(text, "\n")
	if startLine > len(lines) {
		startLine = len(lines)
	}
	for i := startLine - 1; i >= 1; i-- {
		line := lines[i-1]
		for _, pat := range declPatterns {
			if m := pat.FindStringSubmatch(line); m != nil {
				return m[1]
			}
		}
	}
	return ""
}
