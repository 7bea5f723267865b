// Package redact scrubs secrets from free text before it leaves the
// machine. Every prompt, agent response, bash command, and session result
// passes through String on its way into an ingest batch; raw journal
// content is never shipped, so field-level scrubbing is the whole surface.
package redact

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

const redactedToken = "REDACTED"

// secretPattern bounds the candidate windows for the entropy check: runs of
// token-alphabet characters at least ten long.
var secretPattern = regexp.MustCompile(`[A-Za-z0-9/+_=-]{10,}`)

// entropyThreshold is the minimum Shannon entropy for a string to be considered
// a secret. 4.5 was chosen through trial and error: high enough to avoid false
// positives on common words and identifiers, low enough to catch typical API keys
// and tokens which tend to have entropy well above 5.0.
const entropyThreshold = 4.5

var (
	detectorOnce sync.Once
	detector     *detect.Detector
)

// gitleaksDetector builds the default-config detector once. A build failure
// leaves it nil and String runs on the entropy tier alone.
func gitleaksDetector() *detect.Detector {
	detectorOnce.Do(func() {
		if d, err := detect.NewDetectorDefaultConfig(); err == nil {
			detector = d
		}
	})
	return detector
}

// span is a half-open byte range scheduled for replacement.
type span struct{ lo, hi int }

// String replaces anything secret-shaped in s with "REDACTED". Two tiers
// feed the replacement set and either alone is enough: a Shannon-entropy
// screen over token-shaped windows, and the gitleaks default ruleset for
// known credential formats.
func String(s string) string {
	spans := entropySpans(s)
	spans = append(spans, rulesetSpans(s)...)
	if len(spans) == 0 {
		return s
	}
	return splice(s, coalesce(spans))
}

// Bytes applies String to byte content, reusing the input when nothing
// matched.
func Bytes(b []byte) []byte {
	in := string(b)
	out := String(in)
	if out == in {
		return b
	}
	return []byte(out)
}

func entropySpans(s string) []span {
	var spans []span
	for _, loc := range secretPattern.FindAllStringIndex(s, -1) {
		if shannonEntropy(s[loc[0]:loc[1]]) > entropyThreshold {
			spans = append(spans, span{loc[0], loc[1]})
		}
	}
	return spans
}

// rulesetSpans locates every occurrence of each gitleaks finding. Findings
// report the secret text rather than byte offsets, so the text is searched
// back into s; repeated secrets are covered by advancing past each hit.
func rulesetSpans(s string) []span {
	d := gitleaksDetector()
	if d == nil {
		return nil
	}
	var spans []span
	for _, f := range d.DetectString(s) {
		if f.Secret == "" {
			continue
		}
		for at := 0; ; {
			i := strings.Index(s[at:], f.Secret)
			if i < 0 {
				break
			}
			lo := at + i
			hi := lo + len(f.Secret)
			spans = append(spans, span{lo, hi})
			at = hi
		}
	}
	return spans
}

// coalesce sorts spans by start and merges any that touch or overlap, so
// adjacent findings collapse into one replacement token.
func coalesce(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })
	out := spans[:1]
	for _, sp := range spans[1:] {
		last := &out[len(out)-1]
		switch {
		case sp.lo > last.hi:
			out = append(out, sp)
		case sp.hi > last.hi:
			last.hi = sp.hi
		}
	}
	return out
}

func splice(s string, spans []span) string {
	var b strings.Builder
	done := 0
	for _, sp := range spans {
		b.WriteString(s[done:sp.lo])
		b.WriteString(redactedToken)
		done = sp.hi
	}
	b.WriteString(s[done:])
	return b.String()
}

// shannonEntropy computes byte-level Shannon entropy in bits.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
