package evaluator

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Result is the content produced for one firing.
type Result struct {
	Messages []string `json:"messages"`
	IsEmpty  bool     `json:"isEmpty"`
	// Mentions is an HTML line to send after the last message. Messages
	// themselves are plain text.
	Mentions string `json:"-"`
}

type structuredOutput struct {
	Messages *[]string `json:"messages"`
	IsEmpty  bool      `json:"isEmpty"`
}

// ParseOutput interprets generator stdout. Structured output is
// {"messages": [...], "isEmpty": bool} with each message unescaped. Anything
// that does not parse is kept verbatim as a single non-empty message.
func ParseOutput(raw string) Result {
	trimmed := strings.TrimSpace(raw)
	var out structuredOutput
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil || out.Messages == nil {
		return Result{Messages: []string{raw}, IsEmpty: false}
	}
	msgs := make([]string, 0, len(*out.Messages))
	for _, m := range *out.Messages {
		msgs = append(msgs, Unescape(m))
	}
	return Result{Messages: msgs, IsEmpty: out.IsEmpty}
}

var reUnicodeEscape = regexp.MustCompile(`(?:\\u|%u)([0-9a-fA-F]{4})`)

// Unescape decodes percent-encoding and \uXXXX / %uXXXX escapes. Input that
// is not validly encoded is returned unchanged.
func Unescape(s string) string {
	out := s
	if strings.Contains(out, `\u`) || strings.Contains(out, "%u") {
		out = reUnicodeEscape.ReplaceAllStringFunc(out, func(m string) string {
			n, err := strconv.ParseUint(m[2:], 16, 32)
			if err != nil {
				return m
			}
			return string(rune(n))
		})
	}
	if strings.Contains(out, "%") {
		if dec, err := url.PathUnescape(out); err == nil {
			out = dec
		}
	}
	return out
}

// EscapeTitle replaces characters that break generator argument quoting.
func EscapeTitle(title string) string {
	return strings.ReplaceAll(title, "'", "’")
}
