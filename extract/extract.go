// Package extract finds login codes in message text.
//
// The rule is a heuristic, not a guarantee: a message matches when it
// contains a login keyword or a standalone five-digit number, and the code is
// the first standalone five-digit run. It favours false positives over missed
// codes, so "Meeting at 14:30, room 52391" yields "52391".
package extract

import (
	"regexp"
	"strings"
)

// Keywords are matched case-insensitively as substrings.
var Keywords = []string{
	"code",
	"login",
	"log in",
	"verification",
	"sign in",
	"telegram code",
	"код",
	"вход",
	"ваш код",
	"код для входа",
	"kod",
	"kodi",
	"parol",
}

// A code is a run of exactly five ASCII digits not touching a letter, digit
// or underscore in any script.
var codePattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_])(\d{5})(?:$|[^\p{L}\p{N}_])`)

// Match is the result of [Analyze].
type Match struct {
	Code string
	// Keyword reports whether a login keyword was present. A match without a
	// keyword came from the bare number pattern alone.
	Keyword bool
	OK      bool
}

// Analyze applies the heuristic to text.
func Analyze(text string) Match {
	if text == "" {
		return Match{}
	}
	m := codePattern.FindStringSubmatch(text)
	if m == nil {
		return Match{}
	}
	return Match{Code: m[1], Keyword: hasKeyword(text), OK: true}
}

// Code returns the first login code in text.
func Code(text string) (string, bool) {
	m := Analyze(text)
	return m.Code, m.OK
}

func hasKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range Keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
