package validation

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

var (
	scriptBlock = regexp.MustCompile(`(?is)<(script|style|iframe|object)[^>]*>.*?</(script|style|iframe|object)\s*>`)
	markupTag   = regexp.MustCompile(`(?s)</?[a-zA-Z!][^>]*>`)
	jsScheme    = regexp.MustCompile(`(?i)\b(javascript|vbscript|data)\s*:`)
)

// SanitizeText strips markup, script URLs and control characters from user
// text and trims surrounding whitespace. Newlines and tabs are kept.
func SanitizeText(input string) string {
	s := strings.ReplaceAll(input, "\r\n", "\n")
	s = html.UnescapeString(s)
	s = scriptBlock.ReplaceAllString(s, "")
	s = markupTag.ReplaceAllString(s, "")
	s = jsScheme.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
