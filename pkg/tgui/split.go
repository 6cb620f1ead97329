package tgui

import (
	"strings"
	"unicode/utf8"
)

// Split breaks plain text into HTML-escaped chunks whose escaped form is at
// most limit runes, preferring to cut at line breaks. Order is preserved, no
// text is dropped, and cuts never land inside an entity.
func Split(s string, limit int) []H {
	if limit <= 0 {
		limit = MaxMessageLen
	}
	var out []H
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			out = append(out, H(cur.String()))
			cur.Reset()
			curLen = 0
		}
	}

	for _, line := range strings.SplitAfter(s, "\n") {
		esc := Esc(line).String()
		n := utf8.RuneCountInString(esc)
		if curLen+n <= limit {
			cur.WriteString(esc)
			curLen += n
			continue
		}
		flush()
		if n <= limit {
			cur.WriteString(esc)
			curLen = n
			continue
		}
		for _, r := range line {
			e := Esc(string(r)).String()
			w := utf8.RuneCountInString(e)
			if curLen+w > limit {
				flush()
			}
			cur.WriteString(e)
			curLen += w
		}
	}
	flush()
	return out
}

func cutRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Trunc shortens s to at most n runes, marking the cut with "…".
func Trunc(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return cutRunes(s, n-1) + "…"
}
