// Copyright 2025 Certen Protocol

package sst

import (
	"regexp"
	"strings"

	"github.com/certen/autocapture-kernel/pkg/canon"
)

type redactionPattern struct {
	kind string
	re   *regexp.Regexp
}

var redactionPatterns = []redactionPattern{
	{"email", regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`)},
	{"ipv4", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{"ipv6", regexp.MustCompile(`(?i)\b[0-9A-F]{0,4}:(?:[0-9A-F]{0,4}:){1,6}[0-9A-F]{0,4}\b`)},
	{"hex", regexp.MustCompile(`\b[0-9A-Fa-f]{32,}\b`)},
	{"jwt", regexp.MustCompile(`\b[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)},
	{"api_key", regexp.MustCompile(`\b(?:sk-[A-Za-z0-9]{20,}|AKIA[0-9A-Z]{16})\b`)},
}

var redactedPattern = regexp.MustCompile(`\[REDACTED:[^]]+\]`)

// RedactionMetrics counts what a compliance pass changed.
type RedactionMetrics struct {
	Redactions int
	Dropped    int
}

// RedactArtifacts scrubs PII/secret-shaped substrings from state, delta,
// and action before persistence. If state's visible_apps match an entry in
// denylistAppHints, the whole frame is dropped (all three return values
// nil, Dropped=1) rather than partially redacted. When enabled is false,
// the inputs pass through untouched.
func RedactArtifacts(state *State, delta *Delta, action *ActionEvent, enabled bool, denylistAppHints []string) (*State, *Delta, *ActionEvent, RedactionMetrics) {
	var metrics RedactionMetrics
	if !enabled {
		return state, delta, action, metrics
	}
	if state != nil && denylisted(*state, denylistAppHints) {
		metrics.Dropped = 1
		return nil, nil, nil, metrics
	}
	var redState *State
	if state != nil {
		s := redactState(*state, &metrics)
		redState = &s
	}
	var redDelta *Delta
	if delta != nil {
		d := redactDelta(*delta, &metrics)
		redDelta = &d
	}
	var redAction *ActionEvent
	if action != nil {
		a := redactAction(*action, &metrics)
		redAction = &a
	}
	return redState, redDelta, redAction, metrics
}

func denylisted(state State, denylist []string) bool {
	if len(denylist) == 0 {
		return false
	}
	var apps []string
	for _, a := range state.VisibleApps {
		apps = append(apps, strings.ToLower(NormText(a)))
	}
	for _, app := range apps {
		for _, needle := range denylist {
			n := strings.ToLower(NormText(needle))
			if n != "" && strings.Contains(app, n) {
				return true
			}
		}
	}
	return false
}

func redactState(state State, metrics *RedactionMetrics) State {
	tokens := make([]Token, len(state.Tokens))
	for i, t := range state.Tokens {
		text, c1 := redactText(t.Text)
		norm, c2 := redactText(t.NormText)
		metrics.Redactions += c1 + c2
		t.Text, t.NormText = text, norm
		tokens[i] = t
	}

	tables := make([]Table, len(state.Tables))
	for i, t := range state.Tables {
		tables[i] = redactTable(t, metrics)
	}
	spreadsheets := make([]Table, len(state.Spreadsheets))
	for i, t := range state.Spreadsheets {
		spreadsheets[i] = redactTable(t, metrics)
	}

	codeBlocks := make([]CodeBlock, len(state.CodeBlocks))
	for i, b := range state.CodeBlocks {
		text, c := redactText(b.Text)
		metrics.Redactions += c
		lines := make([]string, len(b.Lines))
		for j, line := range b.Lines {
			red, lc := redactText(line)
			metrics.Redactions += lc
			lines[j] = red
		}
		b.Text, b.Lines = text, lines
		codeBlocks[i] = b
	}

	visibleApps := make([]string, len(state.VisibleApps))
	for i, app := range state.VisibleApps {
		red, c := redactText(app)
		metrics.Redactions += c
		visibleApps[i] = red
	}

	state.Tokens = tokens
	state.Tables = tables
	state.Spreadsheets = spreadsheets
	state.CodeBlocks = codeBlocks
	state.VisibleApps = visibleApps
	return state
}

func redactTable(table Table, metrics *RedactionMetrics) Table {
	cells := make([]TableCell, len(table.Cells))
	for i, cell := range table.Cells {
		text, c1 := redactText(cell.Text)
		norm, c2 := redactText(cell.NormText)
		metrics.Redactions += c1 + c2
		cell.Text, cell.NormText = text, norm
		cells[i] = cell
	}
	csvText, c := redactText(table.CSV)
	metrics.Redactions += c
	table.Cells = cells
	table.CSV = csvText
	return table
}

func redactDelta(delta Delta, metrics *RedactionMetrics) Delta {
	changes := make([]Change, len(delta.Changes))
	for i, c := range delta.Changes {
		c.Detail = redactObj(c.Detail, metrics).(map[string]any)
		changes[i] = c
	}
	delta.Changes = changes
	return delta
}

func redactAction(action ActionEvent, metrics *RedactionMetrics) ActionEvent {
	action.Primary.Evidence = redactObj(action.Primary.Evidence, metrics).(map[string]any)
	alternatives := make([]ActionCandidate, len(action.Alternatives))
	for i, alt := range action.Alternatives {
		alt.Evidence = redactObj(alt.Evidence, metrics).(map[string]any)
		alternatives[i] = alt
	}
	action.Alternatives = alternatives
	return action
}

func redactObj(obj any, metrics *RedactionMetrics) any {
	switch v := obj.(type) {
	case string:
		red, c := redactText(v)
		metrics.Redactions += c
		return red
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = redactObj(val, metrics)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = redactObj(val, metrics)
		}
		return out
	default:
		return obj
	}
}

func redactText(text string) (string, int) {
	if text == "" {
		return text, 0
	}
	if redactedPattern.MatchString(text) {
		return text, 0
	}
	count := 0
	out := text
	for _, p := range redactionPatterns {
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			count++
			prefix := match
			if len(prefix) > 16 {
				prefix = prefix[:16]
			}
			digest := canon.Sha256Hex([]byte(prefix))[:12]
			return "[REDACTED:" + p.kind + ":" + digest + "]"
		})
	}
	return out, count
}
