package router

import (
	"strings"
	"unicode"
)

// tokenize splits a command line on whitespace. Single or double quotes group
// words and may produce an empty token; a backslash escapes the next rune.
//
//	/account 3 content "morning shift"
func tokenize(s string) []string {
	var (
		out     []string
		cur     strings.Builder
		quote   rune
		escaped bool
		pending bool // a token is open, possibly empty
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped, pending = true, true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, pending = r, true
		case unicode.IsSpace(r):
			if pending || cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
				pending = false
			}
		default:
			cur.WriteRune(r)
			pending = true
		}
	}
	if pending || cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
