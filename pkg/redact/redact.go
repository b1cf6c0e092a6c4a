package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

var enabled atomic.Bool

// SetEnabled toggles redaction process-wide; logging.redact drives it.
func SetEnabled(v bool) { enabled.Store(v) }

func Enabled() bool { return enabled.Load() }

type rule struct {
	re   *regexp.Regexp
	mask string
}

// Candidates read out contact details and portfolio links during
// interviews. URLs go before phones so digits inside links stay whole.
var rules = []rule{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`(?i)\bhttps?://\S+`), "[REDACTED_URL]"},
	{regexp.MustCompile(`\+?\b\d[\d\s\-().]{7,}\d\b`), "[REDACTED_PHONE]"},
}

// Text masks emails, links and phone numbers when redaction is on.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	for _, r := range rules {
		in = r.re.ReplaceAllString(in, r.mask)
	}
	return in
}

// Phone masks a dialled number down to its last four digits, so
// "+14155550123" logs as "***0123".
func Phone(number string) string {
	if !enabled.Load() {
		return number
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(digits) <= 4 {
		return "***"
	}
	return "***" + digits[len(digits)-4:]
}

// Preview masks and then truncates to max runes for log attributes.
func Preview(in string, max int) string {
	out := Text(in)
	if max <= 0 || utf8.RuneCountInString(out) <= max {
		return out
	}
	return string([]rune(out)[:max]) + "…"
}
