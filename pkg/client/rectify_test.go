package client

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestRectifyTable(t *testing.T) {
	cases := []struct {
		name        string
		accumulated string
		incoming    string
		want        string
	}{
		{"empty incoming", "abc", "", ""},
		{"empty accumulated", "", "abc", "abc"},
		{"exact duplicate", "hello", "hello", ""},
		{"duplicate inside", "hello world", "lo wo", ""},
		{"duplicate at tail", "hello world", "world", ""},
		{"full restatement", "hello", "hello world", " world"},
		{"overlap tail-head", "the quick", "quick brown", " brown"},
		{"single char overlap", "ab", "bc", "c"},
		{"no overlap", "abc", "xyz", "xyz"},
		{"overlap longer than one candidate", "aaa", "aab", "b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, rectify(tc.accumulated, tc.incoming))
		})
	}
}

func TestRectifyNeverShrinksAccumulated(t *testing.T) {
	acc := "streaming text so far"
	for _, in := range []string{"", acc, "so far", "far and beyond", acc + " more"} {
		delta := rectify(acc, in)
		require.True(t, strings.HasPrefix(acc+delta, acc))
	}
}

func TestRectifyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	alpha := gen.RegexMatch("[ab ]{0,12}")

	// Resending any substring of the accumulator is a no-op.
	properties.Property("substring resend is absorbed", prop.ForAll(
		func(acc string, start, length int) bool {
			if acc == "" {
				return true
			}
			s := start % len(acc)
			e := s + 1 + length%(len(acc)-s)
			return rectify(acc, acc[s:e]) == ""
		},
		alpha.SuchThat(func(s string) bool { return s != "" }),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	// A chunk restating the accumulator plus a suffix yields that suffix.
	properties.Property("restatement yields only the new suffix", prop.ForAll(
		func(acc, suffix string) bool {
			if suffix == "" {
				return rectify(acc, acc) == "" || acc == ""
			}
			return rectify(acc, acc+suffix) == suffix
		},
		alpha,
		alpha,
	))

	// Applying the delta and rectifying the same chunk again is a no-op.
	properties.Property("rectification is idempotent", prop.ForAll(
		func(acc, in string) bool {
			delta := rectify(acc, in)
			return rectify(acc+delta, in) == ""
		},
		alpha,
		alpha,
	))

	properties.TestingRun(t)
}
