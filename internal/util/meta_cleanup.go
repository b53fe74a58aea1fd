package util

import (
	"regexp"
	"strings"
)

var (
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)
	// Opening lines that introduce the copy rather than being part of it
	preambleRegex = regexp.MustCompile(`(?i)^(sure|certainly|of course|absolutely|here(?:'s| is| are))\b`)
)

// Closing chatter that models append after the copy
var trailingMeta = []string{
	"let me know if",
	"i hope this",
	"feel free to",
	"word count:",
	"note: this description",
	"would you like me to",
}

// CleanMetaFromLLMResponse removes a conversational preamble paragraph
// ("Here is the description:") and trailing chatter paragraphs
// ("Let me know if you'd like changes") around the generated copy.
func CleanMetaFromLLMResponse(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return content
	}

	paragraphs := paragraphSplit.Split(trimmed, -1)

	if len(paragraphs) > 1 {
		first := strings.TrimSpace(paragraphs[0])
		if preambleRegex.MatchString(first) && len(strings.Fields(first)) <= 25 &&
			(strings.HasSuffix(first, ":") || !strings.Contains(first, "\n")) {
			paragraphs = paragraphs[1:]
		}
	}

	for len(paragraphs) > 1 {
		last := strings.ToLower(strings.TrimSpace(paragraphs[len(paragraphs)-1]))
		if !hasMetaPrefix(last) {
			break
		}
		paragraphs = paragraphs[:len(paragraphs)-1]
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}

func hasMetaPrefix(paragraph string) bool {
	paragraph = strings.TrimLeft(paragraph, "*_() ")
	for _, p := range trailingMeta {
		if strings.HasPrefix(paragraph, p) {
			return true
		}
	}
	return false
}
