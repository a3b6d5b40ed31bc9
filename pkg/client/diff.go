package client

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Agents ship diff payloads in several shapes: a flat
// {type:"diff", oldText, newText, path} object, or an embedded diff (or
// content.diff) sub-object carrying {unified|patch|diff|before|after}
// fields. normalizeDiff folds any of them into the canonical Diff. When a
// unified string is supplied it wins; otherwise one is computed with the
// configured context-line count.

type diffPayload struct {
	Type    string          `json:"type,omitempty"`
	Path    string          `json:"path,omitempty"`
	OldText *string         `json:"oldText,omitempty"`
	NewText *string         `json:"newText,omitempty"`
	Unified string          `json:"unified,omitempty"`
	Patch   string          `json:"patch,omitempty"`
	Diff    json.RawMessage `json:"diff,omitempty"`
	Before  *string         `json:"before,omitempty"`
	After   *string         `json:"after,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

func normalizeDiff(raw json.RawMessage, contextLines int) *Diff {
	var p diffPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return normalizePayload(&p, contextLines)
}

func normalizePayload(p *diffPayload, contextLines int) *Diff {
	// A nested diff object takes over; a nested diff string is already the
	// unified text.
	if len(p.Diff) > 0 {
		var nestedStr string
		if err := json.Unmarshal(p.Diff, &nestedStr); err == nil {
			return &Diff{Path: p.Path, Unified: nestedStr}
		}
		var nested diffPayload
		if err := json.Unmarshal(p.Diff, &nested); err == nil {
			if nested.Path == "" {
				nested.Path = p.Path
			}
			return normalizePayload(&nested, contextLines)
		}
	}
	if len(p.Content) > 0 {
		var inner struct {
			Diff json.RawMessage `json:"diff"`
		}
		if err := json.Unmarshal(p.Content, &inner); err == nil && len(inner.Diff) > 0 {
			var nested diffPayload
			if err := json.Unmarshal(inner.Diff, &nested); err == nil {
				if nested.Path == "" {
					nested.Path = p.Path
				}
				return normalizePayload(&nested, contextLines)
			}
		}
	}

	if p.Unified != "" {
		return &Diff{Path: p.Path, Unified: p.Unified}
	}
	if p.Patch != "" {
		return &Diff{Path: p.Path, Unified: p.Patch}
	}

	oldText, newText := p.OldText, p.NewText
	if oldText == nil {
		oldText = p.Before
	}
	if newText == nil {
		newText = p.After
	}
	if oldText == nil && newText == nil {
		return nil
	}
	var before, after string
	if oldText != nil {
		before = *oldText
	}
	if newText != nil {
		after = *newText
	}
	d := &Diff{
		Path:    p.Path,
		Unified: computeUnified(p.Path, before, after, contextLines),
	}
	oldLen, newLen := len(before), len(after)
	d.OldTextLength = &oldLen
	d.NewTextLength = &newLen
	return d
}

// lineOp is one line of a line-level diff.
type lineOp struct {
	op   diffmatchpatch.Operation
	text string
}

// computeUnified renders a unified diff of two texts with the given number
// of context lines.
func computeUnified(path, before, after string, contextLines int) string {
	if before == after {
		return ""
	}
	if contextLines < 0 {
		contextLines = 0
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []lineOp
	for _, d := range diffs {
		for _, line := range splitLines(d.Text) {
			ops = append(ops, lineOp{op: d.Type, text: line})
		}
	}

	var sb strings.Builder
	if path != "" {
		fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", path, path)
	}
	renderHunks(&sb, ops, contextLines)
	return sb.String()
}

func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// renderHunks groups changed lines into @@ hunks with surrounding context.
func renderHunks(sb *strings.Builder, ops []lineOp, contextLines int) {
	oldLine, newLine := 1, 1

	i := 0
	for i < len(ops) {
		// Skip unchanged runs until the next change.
		if ops[i].op == diffmatchpatch.DiffEqual {
			oldLine++
			newLine++
			i++
			continue
		}

		// Hunk start: back up for leading context.
		start := i
		lead := contextLines
		for start > 0 && lead > 0 && ops[start-1].op == diffmatchpatch.DiffEqual {
			start--
			lead--
			oldLine--
			newLine--
		}

		// Extend until a gap of more than 2*contextLines equal lines.
		// equalRun only counts equals actually taken into the range.
		end := i
		equalRun := 0
		for end < len(ops) {
			if ops[end].op == diffmatchpatch.DiffEqual {
				if equalRun+1 > 2*contextLines {
					break
				}
				equalRun++
			} else {
				equalRun = 0
			}
			end++
		}
		// Trim trailing context to contextLines.
		trail := end
		if equalRun > contextLines {
			trail = end - (equalRun - contextLines)
		}

		hunk := ops[start:trail]
		oldCount, newCount := 0, 0
		for _, op := range hunk {
			switch op.op {
			case diffmatchpatch.DiffEqual:
				oldCount++
				newCount++
			case diffmatchpatch.DiffDelete:
				oldCount++
			case diffmatchpatch.DiffInsert:
				newCount++
			}
		}
		fmt.Fprintf(sb, "@@ -%d,%d +%d,%d @@\n", oldLine, oldCount, newLine, newCount)
		for _, op := range hunk {
			switch op.op {
			case diffmatchpatch.DiffEqual:
				sb.WriteString(" " + op.text + "\n")
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				sb.WriteString("-" + op.text + "\n")
				oldLine++
			case diffmatchpatch.DiffInsert:
				sb.WriteString("+" + op.text + "\n")
				newLine++
			}
		}
		// Account for any skipped equal lines between trail and end.
		for j := trail; j < end && j < len(ops); j++ {
			oldLine++
			newLine++
		}
		i = end
	}
}
