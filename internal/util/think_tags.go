package util

import (
	"regexp"
	"strings"
)

var (
	// Matches <think> and <thinking> blocks
	thinkTagRegex = regexp.MustCompile(`(?i)<think(?:ing)?>([\s\S]*?)</think(?:ing)?>`)
	// Some Chinese models use these
	chineseThinkTagRegex = regexp.MustCompile(`(?i)<思考>([\s\S]*?)</思考>`)
	// A closing tag with no opener: the reasoning preamble had its opening tag
	// consumed by the chat template
	orphanCloseRegex = regexp.MustCompile(`(?i)</think(?:ing)?>`)
)

// ContainsThinkTags checks if the response contains think/reasoning tags
func ContainsThinkTags(response string) bool {
	return thinkTagRegex.MatchString(response) ||
		chineseThinkTagRegex.MatchString(response) ||
		orphanCloseRegex.MatchString(response)
}

// StripThinkTags removes reasoning blocks and returns the final answer
func StripThinkTags(response string) string {
	result := thinkTagRegex.ReplaceAllString(response, "")
	result = chineseThinkTagRegex.ReplaceAllString(result, "")

	if loc := orphanCloseRegex.FindAllStringIndex(result, -1); len(loc) > 0 {
		result = result[loc[len(loc)-1][1]:]
	}

	return strings.TrimSpace(result)
}
