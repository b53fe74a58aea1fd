package config

import (
	"fmt"
	"net/url"
	"regexp"
	"unicode"
)

const (
	// MaxModelNameLength is the maximum allowed length for model names
	MaxModelNameLength = 100

	// MaxTemplateSize is the maximum allowed size for template content
	MaxTemplateSize = 50 * 1024 // 50KB

	// MaxPhraseLength bounds required/forbidden phrases
	MaxPhraseLength = 200
)

// identifierRegex matches SQL table/column and document field names we accept.
// Source identifiers are interpolated into queries, so nothing else gets through.
var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]{0,63}$`)

// ValidateInputs performs additional security validation on user-controllable fields.
// This prevents injection through identifiers and oversized templates.
func (c *Config) ValidateInputs() error {
	// Validate provider configurations
	for _, p := range c.Providers {
		if err := validateModelName(p.ModelName, p.Name); err != nil {
			return err
		}

		if err := validateBaseURL(p.BaseURL, p.Name); err != nil {
			return err
		}
	}

	if err := c.validateIdentifiers(); err != nil {
		return err
	}

	if err := c.validatePhrases(); err != nil {
		return err
	}

	// Validate template sizes
	if err := c.validateTemplateSizes(); err != nil {
		return err
	}

	return nil
}

// validateModelName checks model name for security issues
func validateModelName(modelName, configKey string) error {
	if len(modelName) > MaxModelNameLength {
		return fmt.Errorf("provider '%s' model name exceeds maximum length of %d (got %d)",
			configKey, MaxModelNameLength, len(modelName))
	}

	// Check for control characters
	if containsControlChars(modelName) {
		return fmt.Errorf("provider '%s' model name contains invalid control characters", configKey)
	}

	return nil
}

// validateBaseURL checks that the base URL is properly formatted and safe
func validateBaseURL(baseURL, configKey string) error {
	// Parse URL
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("provider '%s' has invalid base_url: %w", configKey, err)
	}

	// Check scheme
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("provider '%s' base_url must use http or https scheme (got %s)",
			configKey, u.Scheme)
	}

	// Check host is present
	if u.Host == "" {
		return fmt.Errorf("provider '%s' base_url must have a host", configKey)
	}

	return nil
}

// validateIdentifiers checks table and field names used to build queries
func (c *Config) validateIdentifiers() error {
	s := c.Source
	fields := []struct {
		name  string
		value string
	}{
		{"id_field", s.IDField},
		{"name_field", s.NameField},
		{"location_field", s.LocationField},
		{"output_field", s.OutputField},
		{"facts_field", s.FactsField},
		{"subfacts_field", s.SubFactsField},
	}
	if s.Kind == "sqlite" {
		fields = append(fields, struct {
			name  string
			value string
		}{"table", s.Table})
	}

	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if !identifierRegex.MatchString(f.value) {
			return fmt.Errorf("source.%s %q is not a valid identifier", f.name, f.value)
		}
	}
	return nil
}

// validatePhrases checks required and forbidden phrase lists
func (c *Config) validatePhrases() error {
	lists := map[string][]string{
		"required":           c.Validation.Required,
		"forbidden":          c.Validation.Forbidden,
		"forbidden_openings": c.Validation.ForbiddenOpenings,
		"placeholders":       c.Validation.Placeholders,
	}
	for name, list := range lists {
		for _, phrase := range list {
			if len(phrase) > MaxPhraseLength {
				return fmt.Errorf("validation.%s entry exceeds maximum length of %d", name, MaxPhraseLength)
			}
			if containsControlChars(phrase) {
				return fmt.Errorf("validation.%s entry contains invalid control characters", name)
			}
		}
	}
	return nil
}

// validateTemplateSizes checks that templates are within reasonable size limits
func (c *Config) validateTemplateSizes() error {
	templates := []struct {
		name  string
		value string
	}{
		{"system", c.PromptTemplates.System},
		{"generation", c.PromptTemplates.Generation},
		{"correction", c.PromptTemplates.Correction},
		{"rewrite", c.PromptTemplates.Rewrite},
	}

	for _, tmpl := range templates {
		if len(tmpl.value) > MaxTemplateSize {
			return fmt.Errorf("template '%s' exceeds maximum size of %d bytes (got %d)",
				tmpl.name, MaxTemplateSize, len(tmpl.value))
		}
	}

	return nil
}

// containsControlChars checks if a string contains control characters
// (excluding newlines, tabs, and carriage returns which are acceptable)
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}
