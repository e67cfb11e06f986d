package chunking

import (
	"regexp"
	"strings"
	"unicode"
)

const maxHeadingChars = 100

var listPrefix = regexp.MustCompile(`^\s*(?:[-*•·]\s+|\d+[.)]\s+|[a-zA-Z]\)\s+)`)

// isHeading reports whether text looks like a section heading: short, no
// terminal period, and mostly uppercase or title-cased.
func isHeading(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" || runeLen(t) >= maxHeadingChars || strings.Contains(t, "\n") {
		return false
	}
	if strings.HasSuffix(t, ".") {
		return false
	}

	var letters, upper int
	for _, r := range t {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return false
	}
	if float64(upper)/float64(letters) >= 0.6 {
		return true
	}
	return isTitleCase(t)
}

// isTitleCase reports whether every word of three letters or more starts
// with an uppercase letter. Short connectives ("de", "y", "of") are skipped.
func isTitleCase(t string) bool {
	counted := 0
	for _, w := range strings.Fields(t) {
		w = strings.TrimLeftFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if runeLen(w) < 3 {
			continue
		}
		first := []rune(w)[0]
		if unicode.IsDigit(first) {
			continue
		}
		if !unicode.IsUpper(first) {
			return false
		}
		counted++
	}
	return counted > 0
}

// isList reports whether text starts with a bullet, "1." / "1)" numbering
// or an "a)" letter marker.
func isList(text string) bool {
	return listPrefix.MatchString(text)
}

// firstHeading returns the first heading-like paragraph in body, or "".
func firstHeading(body string) string {
	for _, para := range splitParagraphs(body) {
		line := para
		if i := strings.IndexByte(para, '\n'); i >= 0 {
			line = para[:i]
		}
		if isHeading(line) {
			return strings.TrimSpace(line)
		}
	}
	return ""
}
