// Package tagparse implements a stateful streaming filter over assistant
// text chunks. It recognizes two embedded tag pairs (<SYS_JSON>…</SYS_JSON>
// and <SYS_BLOCK>…</SYS_BLOCK>, names configurable), extracts their contents
// as structured events, and handles tags split across chunk boundaries
// without corrupting the surrounding text.
package tagparse

import (
	"encoding/json"
	"strings"
)

// Mode selects what happens to tagged regions in the text stream.
type Mode int

const (
	// ModeEvent strips tag regions from the text and emits structured
	// events in their place.
	ModeEvent Mode = iota
	// ModeRaw passes chunks through untouched with no capture.
	ModeRaw
	// ModeBoth emits events and keeps the raw tagged span in the text.
	ModeBoth
)

// Config selects the recognized tag names and the mode.
type Config struct {
	JSONTag  string
	BlockTag string
	Mode     Mode
}

// DefaultConfig returns the standard tag names in event mode.
func DefaultConfig() Config {
	return Config{JSONTag: "SYS_JSON", BlockTag: "SYS_BLOCK", Mode: ModeEvent}
}

// Part is one element of a parsed chunk: text parts and event parts
// alternate in stream position order.
type Part struct {
	// Text is set on text parts. Empty text parts are never emitted.
	Text string

	// Event fields, set on event parts.
	IsEvent bool
	Type    string
	Payload json.RawMessage
	Err     string
	Raw     string
}

type tagDef struct {
	name  string // lower-cased event type
	start string // "<NAME>"
	end   string // "</NAME>"
}

// Parser is the pushdown parser. Not safe for concurrent use; the bridge
// feeds it from the single stdout-reading goroutine.
type Parser struct {
	mode Mode
	tags []tagDef

	inside  bool
	current tagDef
	capture strings.Builder // contents of the open tag region
	pending string          // held suffix that may begin a start delimiter
}

// New creates a parser for the configured tag pair.
func New(cfg Config) *Parser {
	if cfg.JSONTag == "" {
		cfg.JSONTag = "SYS_JSON"
	}
	if cfg.BlockTag == "" {
		cfg.BlockTag = "SYS_BLOCK"
	}
	return &Parser{
		mode: cfg.Mode,
		tags: []tagDef{
			{name: strings.ToLower(cfg.JSONTag), start: "<" + cfg.JSONTag + ">", end: "</" + cfg.JSONTag + ">"},
			{name: strings.ToLower(cfg.BlockTag), start: "<" + cfg.BlockTag + ">", end: "</" + cfg.BlockTag + ">"},
		},
	}
}

// Feed consumes one text chunk and returns the parts recognized so far, in
// stream position order. Parts held back for a possible split delimiter are
// returned by a later Feed or by Flush.
func (p *Parser) Feed(chunk string) []Part {
	if p.mode == ModeRaw {
		if chunk == "" {
			return nil
		}
		return []Part{{Text: chunk}}
	}

	var parts []Part
	if p.inside {
		p.capture.WriteString(chunk)
		parts = p.drainInside(parts)
		if !p.inside {
			work := p.pending
			p.pending = ""
			parts = p.scanOutside(work, parts)
		}
	} else {
		work := p.pending + chunk
		p.pending = ""
		parts = p.scanOutside(work, parts)
	}
	return coalesce(parts)
}

// scanOutside walks text looking for a full start delimiter. Text before
// the delimiter is emitted; a trailing strict prefix of a delimiter is held.
func (p *Parser) scanOutside(work string, parts []Part) []Part {
	for {
		idx, tag := p.findStart(work)
		if idx < 0 {
			hold := longestDelimPrefix(work, p.startDelims())
			if text := work[:len(work)-hold]; text != "" {
				parts = append(parts, Part{Text: text})
			}
			p.pending = work[len(work)-hold:]
			return parts
		}
		if idx > 0 {
			parts = append(parts, Part{Text: work[:idx]})
		}
		p.inside = true
		p.current = tag
		p.capture.Reset()
		p.capture.WriteString(work[idx+len(tag.start):])
		parts = p.drainInside(parts)
		if p.inside {
			return parts
		}
		work = p.pending
		p.pending = ""
		if work == "" {
			return parts
		}
	}
}

// drainInside looks for the expected end delimiter in the capture buffer.
// On close it emits the region's parts and stashes the remainder in pending
// for the outside scan.
func (p *Parser) drainInside(parts []Part) []Part {
	buf := p.capture.String()
	idx := strings.Index(buf, p.current.end)
	if idx < 0 {
		// Not closed yet. The whole buffer stays captured; a trailing
		// strict prefix of the end delimiter is implicitly held because
		// the next Feed re-searches the full buffer.
		return parts
	}
	raw := buf[:idx]
	rest := buf[idx+len(p.current.end):]
	parts = append(parts, p.closeRegion(raw)...)
	p.inside = false
	p.capture.Reset()
	p.pending = rest
	return parts
}

// closeRegion turns a completed tag region into parts per the mode.
func (p *Parser) closeRegion(raw string) []Part {
	event := Part{IsEvent: true, Type: p.current.name, Raw: raw}
	trimmed := strings.TrimSpace(raw)
	var probe any
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		event.Err = err.Error()
	} else {
		event.Payload = json.RawMessage(trimmed)
	}

	switch p.mode {
	case ModeBoth:
		span := p.current.start + raw + p.current.end
		return []Part{{Text: span}, event}
	default: // ModeEvent
		if event.Err != "" && raw != "" {
			// Parse failure: keep the content in the text stream so
			// nothing is lost, and still surface the event.
			return []Part{{Text: raw}, event}
		}
		return []Part{event}
	}
}

// Flush emits any in-flight state on a stop-of-turn signal. Unterminated
// tag contents come back as plain text prefixed with the opened start tag;
// a held text suffix comes back as-is. No phantom events are emitted.
func (p *Parser) Flush() []Part {
	var parts []Part
	if p.inside {
		if text := p.current.start + p.capture.String(); text != "" {
			parts = append(parts, Part{Text: text})
		}
		p.inside = false
		p.capture.Reset()
	}
	if p.pending != "" {
		parts = append(parts, Part{Text: p.pending})
		p.pending = ""
	}
	return coalesce(parts)
}

func (p *Parser) findStart(s string) (int, tagDef) {
	best := -1
	var bestTag tagDef
	for _, tag := range p.tags {
		if i := strings.Index(s, tag.start); i >= 0 && (best < 0 || i < best) {
			best = i
			bestTag = tag
		}
	}
	return best, bestTag
}

func (p *Parser) startDelims() []string {
	delims := make([]string, len(p.tags))
	for i, tag := range p.tags {
		delims[i] = tag.start
	}
	return delims
}

// longestDelimPrefix returns the length of the longest suffix of s that is
// a strict prefix of any delimiter.
func longestDelimPrefix(s string, delims []string) int {
	best := 0
	for _, d := range delims {
		max := len(d) - 1
		if max > len(s) {
			max = len(s)
		}
		for k := max; k > best; k-- {
			if s[len(s)-k:] == d[:k] {
				best = k
				break
			}
		}
	}
	return best
}

// coalesce merges adjacent text parts so callers see alternating
// text/event parts.
func coalesce(parts []Part) []Part {
	if len(parts) < 2 {
		return parts
	}
	out := parts[:0]
	for _, part := range parts {
		if !part.IsEvent && len(out) > 0 && !out[len(out)-1].IsEvent {
			out[len(out)-1].Text += part.Text
			continue
		}
		out = append(out, part)
	}
	return out
}
