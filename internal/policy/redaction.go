package policy

import (
	"regexp"
	"strings"
)

type redactionRule struct {
	pattern *regexp.Regexp
	marker  string
	// keep, when set, leaves a match unredacted.
	keep func(match string) bool
}

const spokenDigit = `(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)`

// Rules run in order: cards before phone numbers so a card is never half-masked
// as a phone number.
var redactionRules = []redactionRule{
	{pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), marker: "[REDACTED_EMAIL]"},
	{pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), marker: "[REDACTED_SSN]"},
	{pattern: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), marker: "[REDACTED_CARD]", keep: failsLuhn},
	{pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), marker: "[REDACTED_PHONE]"},
	// Speech-to-text often writes digits out; six or more in a row is an account,
	// card or verification code read aloud.
	{pattern: regexp.MustCompile(`(?i)\b` + spokenDigit + `(?:[\s,-]+` + spokenDigit + `){5,}\b`), marker: "[REDACTED_NUMBER]"},
}

// RedactPII masks high-risk PII in a transcript line or variable value and
// reports how many spans were masked.
func RedactPII(input string) (string, int) {
	out := input
	total := 0
	for _, rule := range redactionRules {
		out = rule.pattern.ReplaceAllStringFunc(out, func(m string) string {
			if rule.keep != nil && rule.keep(m) {
				return m
			}
			total++
			return rule.marker
		})
	}
	return out, total
}

// failsLuhn reports digit runs that cannot be payment card numbers.
func failsLuhn(s string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 != 0
}
