// Package prompt renders the prompts sent to providers from task facts.
package prompt

import (
	"fmt"
	"strings"

	"github.com/lamim/copyforge/internal/config"
	"github.com/lamim/copyforge/internal/provider"
	"github.com/lamim/copyforge/internal/util"
	"github.com/lamim/copyforge/internal/validator"
	"github.com/lamim/copyforge/pkg/models"
)

// Builder renders generation prompts and their follow-up amendments
type Builder struct {
	templates  config.PromptTemplates
	validation config.ValidationConfig
}

// New checks every template once so a broken template fails the run before
// any task starts
func New(templates config.PromptTemplates, validation config.ValidationConfig) (*Builder, error) {
	named := map[string]string{
		"system":     templates.System,
		"generation": templates.Generation,
		"correction": templates.Correction,
		"rewrite":    templates.Rewrite,
	}
	for name, tmpl := range named {
		if tmpl == "" {
			continue
		}
		if err := util.ParseCheck(tmpl); err != nil {
			return nil, fmt.Errorf("prompt_templates.%s: %w", name, err)
		}
	}
	return &Builder{templates: templates, validation: validation}, nil
}

// Build renders the system and user prompt for task
func (b *Builder) Build(task models.GenerationTask) (provider.Prompt, error) {
	data := validator.TemplateData(task)
	v := b.validation
	data["MinWords"] = v.MinWords
	data["MaxWords"] = v.MaxWords
	data["Format"] = v.Format
	data["Headings"] = v.Headings
	data["ListItems"] = v.ListItems

	required := make([]string, 0, len(v.Required))
	for _, tmpl := range v.Required {
		phrase, err := util.RenderTemplate(tmpl, data)
		if err != nil {
			return provider.Prompt{}, fmt.Errorf("render required phrase: %w", err)
		}
		if phrase = strings.TrimSpace(phrase); phrase != "" {
			required = append(required, phrase)
		}
	}
	data["Required"] = required

	system, err := util.RenderTemplate(b.templates.System, data)
	if err != nil {
		return provider.Prompt{}, fmt.Errorf("render system prompt: %w", err)
	}
	user, err := util.RenderTemplate(b.templates.Generation, data)
	if err != nil {
		return provider.Prompt{}, fmt.Errorf("render generation prompt: %w", err)
	}

	return provider.Prompt{
		System: strings.TrimSpace(system),
		User:   strings.TrimSpace(user),
	}, nil
}

// Correct appends the correction template after a validation failure
func (b *Builder) Correct(base provider.Prompt, reason string) (provider.Prompt, error) {
	note, err := util.RenderTemplate(b.templates.Correction, map[string]any{
		"Reason": reason,
	})
	if err != nil {
		return base, fmt.Errorf("render correction prompt: %w", err)
	}
	return amend(base, note), nil
}

// Rewrite appends the rewrite template after a uniqueness conflict. The
// conflicting sentences become an avoid-list.
func (b *Builder) Rewrite(base provider.Prompt, sentences []string, similarity float64) (provider.Prompt, error) {
	note, err := util.RenderTemplate(b.templates.Rewrite, map[string]any{
		"Sentences":  sentences,
		"Similarity": similarity,
	})
	if err != nil {
		return base, fmt.Errorf("render rewrite prompt: %w", err)
	}
	return amend(base, note), nil
}

func amend(base provider.Prompt, note string) provider.Prompt {
	note = strings.TrimSpace(note)
	if note == "" {
		return base
	}
	return provider.Prompt{
		System: base.System,
		User:   base.User + "\n\n" + note,
	}
}
