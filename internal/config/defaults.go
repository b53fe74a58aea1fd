package config

import "strings"

// GetDefaultGenerationTemplate returns the default template for generating a record's text
func GetDefaultGenerationTemplate() string {
	return `Write a review summary for "{{.Name}}"{{if .Location}} in {{.Location}}{{end}}.

Length: between {{.MinWords}} and {{.MaxWords}} words.
{{- if .Required}}
The text must contain these exact phrases: {{range $i, $r := .Required}}{{if $i}}, {{end}}"{{$r}}"{{end}}.
{{- end}}
{{- if .Facts}}

Known facts:
{{- range $k, $v := .Facts}}
- {{$k}}: {{$v}}
{{- end}}
{{- end}}
{{- if .SubFacts}}

Nearby places you may mention (use names and distances exactly as written, do not invent others):
{{- range .SubFacts}}
- {{.Name}} ({{.Category}}{{if .Distance}}, {{.Distance}}{{end}}){{if .Detail}}: {{.Detail}}{{end}}
{{- end}}
{{- end}}

Keep the tone warm and factual. Do not use negative language, do not mention missing information,
and do not start with a generic opener.

Return ONLY the text, with no preamble.`
}

// GetDefaultCorrectionTemplate is appended to the prompt after a validation failure
func GetDefaultCorrectionTemplate() string {
	return `Your previous answer was rejected: {{.Reason}}
Write the text again and fix this problem while keeping every other requirement.`
}

// GetDefaultRewriteTemplate is appended to the prompt after a uniqueness conflict
func GetDefaultRewriteTemplate() string {
	return `Your previous answer repeated wording already used for other records.
{{- if .Sentences}}
Do not reuse these sentences or close paraphrases of them:
{{- range .Sentences}}
- {{.}}
{{- end}}
{{- end}}
Write fresh sentences with different structure and vocabulary.`
}

// DefaultForbiddenTerms returns negative-sentiment terms that must never appear in output
func DefaultForbiddenTerms() []string {
	return []string{
		"awful", "terrible", "horrible", "worst", "disgusting",
		"rude", "dirty", "stale", "overpriced", "disappointed",
		"disappointing", "never again", "not worth", "refund",
		"food poisoning", "roach", "not good", "mediocre", "bland",
		"tasteless", "overcooked", "undercooked", "microwaved", "not fresh",
		"rip off", "scam", "don't go", "do not go", "stay away",
		"not recommend", "wouldn't recommend", "not impressed",
	}
}

// DefaultForbiddenOpenings returns openers the text must not start with
func DefaultForbiddenOpenings() []string {
	return []string{
		"Nestled", "Welcome to", "Looking for", "If you're looking", "Are you", "Sure", "Here is", "Here's",
	}
}

// DefaultPlaceholders returns placeholder phrases that mark an incomplete answer
func DefaultPlaceholders() []string {
	return []string{
		"not found", "none available", "n/a", "lorem ipsum", "[insert", "{{", "TBD",
	}
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
