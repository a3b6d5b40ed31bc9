package client

import "strings"

// rectify reconciles an incoming streaming chunk with the text already
// accumulated in the current content part. Agents resend overlapping or
// duplicate chunks; the returned string is the unique new segment to
// append. Rectification never deletes already-appended text.
func rectify(accumulated, incoming string) string {
	switch {
	case incoming == "":
		return ""
	case accumulated == "":
		return incoming
	case incoming == accumulated:
		return ""
	}

	// A chunk no longer than the accumulator that appears anywhere inside
	// it is a duplicate resend, whether or not it lands at the tail.
	if len(incoming) <= len(accumulated) && strings.Contains(accumulated, incoming) {
		return ""
	}

	// The chunk restates the whole accumulator plus new text.
	if strings.HasPrefix(incoming, accumulated) {
		return incoming[len(accumulated):]
	}

	if strings.HasSuffix(accumulated, incoming) {
		return ""
	}

	// Largest overlap: the tail of the accumulator equals the head of the
	// chunk; append only what follows the overlap.
	max := len(accumulated)
	if len(incoming)-1 < max {
		max = len(incoming) - 1
	}
	for k := max; k > 0; k-- {
		if accumulated[len(accumulated)-k:] == incoming[:k] {
			return incoming[k:]
		}
	}
	return incoming
}
