// Package framer splits the subprocess's stdout byte stream into
// line-oriented frames and classifies each one: JSON-RPC payload, OAuth
// auth-URL announcement, or log noise.
package framer

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"strings"

	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/logger"
	"github.com/pdHaku0/gemini-cli-agent-sdk/internal/wire"
)

// Kind discriminates classified frames.
type Kind int

const (
	KindLog Kind = iota
	KindJSONRPC
	KindAuthURL
)

// Frame is one classified line from the subprocess.
type Frame struct {
	Kind    Kind
	JSON    wire.Frame // populated when Kind == KindJSONRPC
	AuthURL string     // populated when Kind == KindAuthURL
	Raw     string     // original line, always populated
}

// maxScannerBuffer is the max line size for the stdout scanner (10 MB).
// Large tool results can produce very long JSON-RPC lines.
const maxScannerBuffer = 10 * 1024 * 1024

// authURLPattern matches the Google accounts OAuth v2 authority the Gemini
// CLI prints when it needs interactive authentication.
var authURLPattern = regexp.MustCompile(`https://accounts\.google\.com/o/oauth2/[^\s'"]+`)

// Terminal control sequences stripped before the auth-URL scan. The CLI
// decorates its login prompt with cursor movement and color codes.
var (
	csiPattern    = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	oscPattern    = regexp.MustCompile(`\x1b\][^\x07]*\x07`)
	strayPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\[\?[0-9;]*[A-Za-z]`),
		regexp.MustCompile(`\[[0-9;]*[GJK]`),
	}
)

// StripControl removes terminal escape sequences from a line. Pure; safe
// to call from any goroutine.
func StripControl(s string) string {
	s = csiPattern.ReplaceAllString(s, "")
	s = oscPattern.ReplaceAllString(s, "")
	for _, p := range strayPatterns {
		s = p.ReplaceAllString(s, "")
	}
	return s
}

// Classify inspects a single non-blank line.
//
// A line whose trimmed content starts with '{' is parsed as JSON-RPC; on
// parse failure it is debug-logged and downgraded to a log line rather than
// killing the stream. Otherwise control sequences are stripped and the line
// is scanned for the fixed OAuth authority.
func Classify(line string) Frame {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		f, err := wire.Parse([]byte(trimmed))
		if err == nil {
			return Frame{Kind: KindJSONRPC, JSON: f, Raw: line}
		}
		logger.Debug().Err(err).Int("line_len", len(line)).Msg("non-frame JSON line from subprocess")
	}
	cleaned := StripControl(line)
	if url := authURLPattern.FindString(cleaned); url != "" {
		return Frame{Kind: KindAuthURL, AuthURL: url, Raw: line}
	}
	return Frame{Kind: KindLog, Raw: line}
}

// Scan reads r line by line, classifying each non-blank line and passing it
// to fn. It returns when the reader is exhausted, the context is cancelled,
// or fn returns false.
func Scan(ctx context.Context, r io.Reader, fn func(Frame) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !fn(Classify(line)) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}
