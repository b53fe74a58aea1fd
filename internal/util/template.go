package util

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// forbiddenDirectives could be used to reach outside the data passed in
var forbiddenDirectives = []string{"{{call", "{{define", "{{template", "{{block"}

// templateCache holds parsed templates keyed by source text. Prompt and
// required-phrase templates are rendered once per task, so parsing once pays off.
var templateCache sync.Map

// RenderTemplate renders a template string with the given data. Missing keys
// are an error.
func RenderTemplate(tmpl string, data any) (string, error) {
	t, err := parseTemplate(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// ParseCheck reports whether tmpl would be accepted by RenderTemplate
func ParseCheck(tmpl string) error {
	_, err := parseTemplate(tmpl)
	return err
}

// ClearTemplateCache drops all cached templates
func ClearTemplateCache() {
	templateCache.Clear()
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if cached, ok := templateCache.Load(tmpl); ok {
		return cached.(*template.Template), nil
	}

	for _, directive := range forbiddenDirectives {
		if strings.Contains(tmpl, directive) {
			return nil, fmt.Errorf("template contains forbidden directive: %s", directive)
		}
	}

	t, err := template.New("prompt").
		Option("missingkey=error").
		Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	actual, _ := templateCache.LoadOrStore(tmpl, t)
	return actual.(*template.Template), nil
}

// TruncateString truncates a string to maxLen runes (Unicode-safe)
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
