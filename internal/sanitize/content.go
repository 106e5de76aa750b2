// Package sanitize cleans opportunity content reported by the pipeline
// worker. The worker occasionally concatenates its internal JSON state with
// the user-facing markdown; Content strips those fragments and refuses to
// return anything that still looks like JSON.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// internalFields are worker state keys that are never user-facing. Keys of
// the form stage<N>_output are matched separately.
var internalFields = []string{
	"runId",
	"run_id",
	"stageNumber",
	"stage_number",
	"stageName",
	"stage_name",
	"status",
	"trendTitle",
	"brandName",
	"selectedTrack",
	"nonSelectedTrack",
	"completedAt",
	"duration",
	"timestamp",
}

var (
	// leakedField matches "key": "value", including escaped quotes inside the
	// value and an optional trailing comma.
	leakedField = regexp.MustCompile(
		`"(?:stage\d+_output|` + strings.Join(quoteAll(internalFields), "|") + `)"\s*:\s*"(?:[^"\\]|\\.)*"\s*,?`,
	)
	excessNewlines = regexp.MustCompile(`\n{3,}`)
)

// Content returns clean markdown extracted from raw, or "" when nothing
// salvageable remains. It is pure and deterministic, and clean markdown comes
// back unchanged apart from collapsed blank lines and surrounding whitespace.
func Content(raw string) string {
	s := leakedField.ReplaceAllString(raw, "")
	s = trimBoundaries(s, s != raw)
	s = unescape(s)
	s = excessNewlines.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if s == "" || s[0] == '{' || s[0] == '"' {
		return ""
	}
	if !startsLikeMarkdown(s) {
		return ""
	}
	return s
}

// trimBoundaries removes stray JSON punctuation and whitespace from both
// ends, leaving interior text untouched. Leading punctuation is always
// dropped since output may not start with it. Trailing punctuation is only
// dropped when it cannot belong to the text: an unmatched "}" or an odd
// quote. A trailing comma is dropped only when leaked fields were removed.
func trimBoundaries(s string, leaked bool) string {
	for {
		trimmed := strings.TrimLeftFunc(s, func(r rune) bool {
			return unicode.IsSpace(r) || r == '{' || r == ',' || r == '"'
		})
		trimmed = strings.TrimRightFunc(trimmed, unicode.IsSpace)
		if n := len(trimmed); n > 0 {
			switch trimmed[n-1] {
			case '}':
				if strings.Count(trimmed, "}") > strings.Count(trimmed, "{") {
					trimmed = trimmed[:n-1]
				}
			case '"':
				if strings.Count(trimmed, `"`)%2 == 1 {
					trimmed = trimmed[:n-1]
				}
			case ',':
				if leaked {
					trimmed = trimmed[:n-1]
				}
			}
		}
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}

// unescape decodes literal \n and \" outside code spans and fences. Code is
// left as written so escapes inside it survive.
func unescape(s string) string {
	parts := strings.Split(s, "`")
	for i := 0; i < len(parts); i += 2 {
		parts[i] = strings.ReplaceAll(parts[i], `\n`, "\n")
		parts[i] = strings.ReplaceAll(parts[i], `\"`, `"`)
	}
	return strings.Join(parts, "`")
}

func startsLikeMarkdown(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r == '#' || unicode.IsLetter(r)
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = regexp.QuoteMeta(n)
	}
	return out
}
