package validator

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

var (
	htmlTagRegex      = regexp.MustCompile(`<[^>]+>`)
	mdHeadingRegex    = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+\S`)
	mdHeadingMarker   = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+`)
	mdListItemRegex   = regexp.MustCompile(`(?m)^[ \t]*(?:[-*+]|\d+[.)])[ \t]+(.+)$`)
	mdListMarker      = regexp.MustCompile(`(?m)^[ \t]*(?:[-*+]|\d+[.)])[ \t]+`)
	mdLinkRegex       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdEmphasisRegex   = regexp.MustCompile("\\*\\*|__|[*`]")
	htmlHeadingRegex  = regexp.MustCompile(`(?i)<h[1-6][\s>]`)
	htmlListItemRegex = regexp.MustCompile(`(?is)<li[^>]*>(.*?)</li>`)
	whitespaceRegex   = regexp.MustCompile(`\s+`)
)

// plainText strips markup so rules see only the words a reader sees
func plainText(text, format string) string {
	switch format {
	case "html":
		return html.UnescapeString(htmlTagRegex.ReplaceAllString(text, " "))
	case "markdown":
		text = mdHeadingMarker.ReplaceAllString(text, "")
		text = mdListMarker.ReplaceAllString(text, "")
		text = mdLinkRegex.ReplaceAllString(text, "$1")
		return mdEmphasisRegex.ReplaceAllString(text, "")
	}
	return text
}

// countWords counts whitespace-separated tokens holding at least one letter or digit
func countWords(text string) int {
	n := 0
	for _, f := range strings.Fields(text) {
		if strings.IndexFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0 {
			n++
		}
	}
	return n
}

func countHeadings(text, format string) int {
	if format == "html" {
		return len(htmlHeadingRegex.FindAllStringIndex(text, -1))
	}
	return len(mdHeadingRegex.FindAllStringIndex(text, -1))
}

// listItems returns the raw content of each list item
func listItems(text, format string) []string {
	re := mdListItemRegex
	if format == "html" {
		re = htmlListItemRegex
	}
	matches := re.FindAllStringSubmatch(text, -1)
	items := make([]string, 0, len(matches))
	for _, m := range matches {
		items = append(items, strings.TrimSpace(m[1]))
	}
	return items
}

func collapseSpace(s string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
}
