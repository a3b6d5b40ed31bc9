package client

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Tool titles from the agent encode the invocation in free text:
//
//	command [current working directory PATH] (description (maybe nested))
//
// or alternatively "command input(s): {json}". parseTitle recovers the
// structured pieces.

type titleInfo struct {
	Input       string
	WorkingDir  string
	Description string
	Args        any
}

var (
	workingDirPattern = regexp.MustCompile(`\[current working directory ([^\]]*)\]`)
	inputsPattern     = regexp.MustCompile(`inputs?:\s*`)
)

func parseTitle(title string) titleInfo {
	var info titleInfo

	// The args form takes precedence: everything after "input(s):" is a
	// JSON object, kept raw when it does not parse.
	if loc := inputsPattern.FindStringIndex(title); loc != nil {
		rawArgs := strings.TrimSpace(title[loc[1]:])
		var parsed any
		if err := json.Unmarshal([]byte(rawArgs), &parsed); err == nil {
			info.Args = parsed
		} else {
			info.Args = rawArgs
		}
		info.Input = strings.TrimSpace(title[:loc[0]])
		return info
	}

	rest := title
	if m := workingDirPattern.FindStringSubmatchIndex(rest); m != nil {
		info.WorkingDir = rest[m[2]:m[3]]
		rest = strings.TrimSpace(rest[:m[0]] + rest[m[1]:])
	}

	if desc, remainder, ok := trailingParenGroup(rest); ok {
		info.Description = desc
		rest = strings.TrimSpace(remainder)
	}

	info.Input = rest
	return info
}

// trailingParenGroup extracts the last balanced parenthesized group at the
// very end of s, located by right-to-left bracket balancing so nested
// parens inside the description survive.
func trailingParenGroup(s string) (group, remainder string, ok bool) {
	trimmed := strings.TrimRight(s, " ")
	if !strings.HasSuffix(trimmed, ")") {
		return "", s, false
	}
	depth := 0
	for i := len(trimmed) - 1; i >= 0; i-- {
		switch trimmed[i] {
		case ')':
			depth++
		case '(':
			depth--
			if depth == 0 {
				return trimmed[i+1 : len(trimmed)-1], trimmed[:i], true
			}
		}
	}
	// Unbalanced; leave the title alone.
	return "", s, false
}
