package util

import (
	"regexp"
	"strings"
)

// Models often wrap JSON in a markdown fence even when told not to
var jsonFenceRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON pulls the first complete JSON object or array out of a model
// response. A markdown fence is unwrapped first, then any chatter before or
// after the value is dropped.
//
// Truncated or mismatched values are not repaired: the trimmed text is
// returned as is so the JSON parser reports the real error.
func ExtractJSON(s string) string {
	if m := jsonFenceRegex.FindStringSubmatch(s); len(m) > 1 {
		s = m[1]
	}
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return s
	}
	if end := closingIndex(s, start); end != -1 {
		return s[start : end+1]
	}
	return s
}

// closingIndex returns the index of the bracket that closes the one at
// start, or -1. Brackets inside string literals are ignored and a closer of
// the wrong kind ends the search.
func closingIndex(s string, start int) int {
	var (
		want []byte
		sc   stringScanner
	)
	for i := start; i < len(s); i++ {
		c := s[i]
		if sc.step(c) {
			continue
		}
		switch c {
		case '{':
			want = append(want, '}')
		case '[':
			want = append(want, ']')
		case '}', ']':
			if len(want) == 0 || want[len(want)-1] != c {
				return -1
			}
			want = want[:len(want)-1]
			if len(want) == 0 {
				return i
			}
		}
	}
	return -1
}

// stringScanner tracks whether a byte stream is inside a JSON string literal
type stringScanner struct {
	inString bool
	escaped  bool
}

// step consumes c and reports whether it is part of a string literal,
// counting the quotes that open and close it
func (sc *stringScanner) step(c byte) bool {
	switch {
	case sc.escaped:
		sc.escaped = false
		return true
	case sc.inString && c == '\\':
		sc.escaped = true
		return true
	case c == '"':
		sc.inString = !sc.inString
		return true
	}
	return sc.inString
}

// SanitizeJSON escapes raw line breaks and tabs inside string values. Models
// frequently emit multi-paragraph copy with literal newlines, which
// encoding/json rejects. Whitespace between values is left alone.
func SanitizeJSON(s string) string {
	var (
		b  strings.Builder
		sc stringScanner
	)
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if sc.inString && !sc.escaped {
			switch c {
			case '\r':
				if i+1 < len(s) && s[i+1] == '\n' {
					i++
				}
				b.WriteString(`\n`)
				continue
			case '\n':
				b.WriteString(`\n`)
				continue
			case '\t':
				b.WriteString(`\t`)
				continue
			}
		}
		sc.step(c)
		b.WriteByte(c)
	}
	return b.String()
}
