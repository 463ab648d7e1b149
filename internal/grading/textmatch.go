package grading

import "unicode"

// normalize does simple casefolding and drops punctuation and whitespace, so
// " b) " and "B" compare equal.
func normalize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r), unicode.IsPunct(r):
			// skip
		default:
			out = append(out, unicode.ToLower(r))
		}
	}
	return string(out)
}
