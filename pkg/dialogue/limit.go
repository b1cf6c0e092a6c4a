package dialogue

import "strings"

// Limit keeps generated interviewer lines short enough for a phone turn.
type Limit struct {
	MaxChars     int
	MaxSentences int
}

func DefaultLimit() Limit { return Limit{MaxChars: 300, MaxSentences: 2} }

// Apply cuts text after MaxSentences sentences and then at the last word
// boundary within MaxChars. It reports whether anything was cut.
func (l Limit) Apply(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return text, false
	}
	out := firstSentences(text, l.MaxSentences)
	if l.MaxChars > 0 && len(out) > l.MaxChars {
		cut := out[:l.MaxChars]
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			cut = cut[:i]
		}
		out = strings.TrimSpace(cut)
	}
	return out, out != text
}

func firstSentences(text string, n int) string {
	if n <= 0 {
		return text
	}
	var b strings.Builder
	count := 0
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			count++
			if count >= n {
				break
			}
		}
	}
	if out := strings.TrimSpace(b.String()); out != "" {
		return out
	}
	return text
}
