// Package validator enforces structural and content rules on generated text.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/lamim/copyforge/internal/config"
	"github.com/lamim/copyforge/internal/util"
	"github.com/lamim/copyforge/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// ErrValidation is matched by errors.Is for every rule failure
var ErrValidation = errors.New("validation failed")

// Rule names, also used as metric labels
const (
	RuleEmpty       = "empty"
	RuleRefusal     = "refusal"
	RuleJSON        = "json"
	RuleWordCount   = "word_count"
	RuleHeadings    = "headings"
	RuleListItems   = "list_items"
	RuleRequired    = "required"
	RuleForbidden   = "forbidden"
	RuleOpening     = "opening"
	RulePlaceholder = "placeholder"
	RuleGrounding   = "grounding"
)

// ValidationError names the first rule the text failed
type ValidationError struct {
	Rule   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func fail(rule, format string, args ...any) error {
	return &ValidationError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// RuleOf returns the failed rule name, or "" when err is not a validation error
func RuleOf(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Rule
	}
	return ""
}

// Validator checks text against one set of constraints. It holds no mutable
// state and is safe for concurrent use.
type Validator struct {
	cfg       config.ValidationConfig
	forbidden []term
	openings  []string
	schema    *gojsonschema.Schema
}

type term struct {
	text string
	re   *regexp.Regexp
}

// New compiles the constraints
func New(cfg config.ValidationConfig) (*Validator, error) {
	v := &Validator{cfg: cfg}

	for _, f := range cfg.Forbidden {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v.forbidden = append(v.forbidden, term{text: f, re: wordBoundary(f)})
	}
	for _, o := range cfg.ForbiddenOpenings {
		if o = strings.ToLower(strings.TrimSpace(o)); o != "" {
			v.openings = append(v.openings, o)
		}
	}
	for _, r := range cfg.Required {
		if err := util.ParseCheck(r); err != nil {
			return nil, fmt.Errorf("invalid required phrase %q: %w", r, err)
		}
	}

	if cfg.JSONSchemaPath != "" {
		data, err := os.ReadFile(cfg.JSONSchemaPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read JSON schema: %w", err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to compile JSON schema: %w", err)
		}
		v.schema = schema
	}

	return v, nil
}

// wordBoundary matches term case-insensitively, anchoring each end on a word
// boundary only where the term itself starts or ends with a word character
func wordBoundary(t string) *regexp.Regexp {
	pattern := regexp.QuoteMeta(t)
	if isWordByte(t[0]) {
		pattern = `\b` + pattern
	}
	if isWordByte(t[len(t)-1]) {
		pattern += `\b`
	}
	return regexp.MustCompile(`(?i)` + pattern)
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Validate runs every rule in order and returns the first failure
func (v *Validator) Validate(text string, task models.GenerationTask) (*models.ValidatedOutput, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fail(RuleEmpty, "response is empty")
	}
	if pattern, ok := refusal(text); ok {
		return nil, fail(RuleRefusal, "response looks like a refusal (%q)", pattern)
	}

	prose := text
	if v.cfg.Format == "json" {
		extracted, err := v.checkJSON(text)
		if err != nil {
			return nil, err
		}
		text = extracted.raw
		prose = extracted.prose
	} else {
		prose = plainText(text, v.cfg.Format)
	}

	out := &models.ValidatedOutput{Text: text}

	out.WordCount = countWords(prose)
	if out.WordCount < v.cfg.MinWords {
		return nil, fail(RuleWordCount, "%d words, need at least %d", out.WordCount, v.cfg.MinWords)
	}
	if out.WordCount > v.cfg.MaxWords {
		return nil, fail(RuleWordCount, "%d words, must be at most %d", out.WordCount, v.cfg.MaxWords)
	}

	var items []string
	if v.cfg.Format == "markdown" || v.cfg.Format == "html" {
		var err error
		items, err = v.checkStructure(text, task, out)
		if err != nil {
			return nil, err
		}
	}

	required, err := v.checkRequired(prose, task)
	if err != nil {
		return nil, err
	}
	if err := v.checkForbidden(prose); err != nil {
		return nil, err
	}
	if err := v.checkGrounding(prose, items, task); err != nil {
		return nil, err
	}

	out.Keywords = keywords(items, required, Grounded(prose, task.SubFacts))
	return out, nil
}

func (v *Validator) checkStructure(text string, task models.GenerationTask, out *models.ValidatedOutput) ([]string, error) {
	out.Headings = countHeadings(text, v.cfg.Format)
	items := listItems(text, v.cfg.Format)
	out.ListItems = len(items)

	if v.cfg.Headings > 0 && out.Headings != v.cfg.Headings {
		return nil, fail(RuleHeadings, "found %d headings, expected exactly %d", out.Headings, v.cfg.Headings)
	}
	if v.cfg.ListItems > 0 && out.ListItems != v.cfg.ListItems {
		return nil, fail(RuleListItems, "found %d list items, expected exactly %d", out.ListItems, v.cfg.ListItems)
	}
	if v.cfg.ListItemsMatchFacts && out.ListItems != len(task.SubFacts) {
		return nil, fail(RuleListItems, "found %d list items, expected one per fact (%d)", out.ListItems, len(task.SubFacts))
	}
	return items, nil
}

// checkRequired renders each required phrase for the task and returns the rendered phrases
func (v *Validator) checkRequired(prose string, task models.GenerationTask) ([]string, error) {
	if len(v.cfg.Required) == 0 {
		return nil, nil
	}
	data := TemplateData(task)
	lower := strings.ToLower(collapseSpace(prose))

	rendered := make([]string, 0, len(v.cfg.Required))
	for _, tmpl := range v.cfg.Required {
		phrase, err := util.RenderTemplate(tmpl, data)
		if err != nil {
			return nil, fail(RuleRequired, "cannot render required phrase %q: %v", tmpl, err)
		}
		phrase = collapseSpace(phrase)
		if phrase == "" {
			continue
		}
		if !strings.Contains(lower, strings.ToLower(phrase)) {
			return nil, fail(RuleRequired, "missing required phrase %q", phrase)
		}
		rendered = append(rendered, phrase)
	}
	return rendered, nil
}

func (v *Validator) checkForbidden(prose string) error {
	for _, t := range v.forbidden {
		if t.re.MatchString(prose) {
			return fail(RuleForbidden, "contains forbidden term %q", t.text)
		}
	}

	opening := strings.ToLower(strings.TrimLeft(prose, " \t\n\"'*#"))
	for _, o := range v.openings {
		if strings.HasPrefix(opening, o) {
			return fail(RuleOpening, "must not open with %q", o)
		}
	}

	lower := strings.ToLower(prose)
	for _, p := range v.cfg.Placeholders {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" && strings.Contains(lower, p) {
			return fail(RulePlaceholder, "contains placeholder text %q", p)
		}
	}
	return nil
}

type jsonOutput struct {
	raw   string
	prose string
}

// checkJSON extracts the JSON value, checks it against the schema when one is
// configured and collects its string values for word counting
func (v *Validator) checkJSON(text string) (*jsonOutput, error) {
	raw := util.SanitizeJSON(util.ExtractJSON(text))

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fail(RuleJSON, "invalid JSON: %v", err)
	}

	if v.schema != nil {
		result, err := v.schema.Validate(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fail(RuleJSON, "schema check failed: %v", err)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return nil, fail(RuleJSON, "does not match schema: %s", strings.Join(msgs, "; "))
		}
	}

	parts, err := proseStrings(raw)
	if err != nil {
		return nil, fail(RuleJSON, "invalid JSON: %v", err)
	}
	return &jsonOutput{raw: raw, prose: strings.Join(parts, "\n")}, nil
}

// proseStrings returns the string values of a JSON document in the order
// they appear. Object keys are skipped.
func proseStrings(raw string) ([]string, error) {
	type level struct {
		object  bool
		wantKey bool
	}
	var (
		parts []string
		stack []level
	)
	// valueDone flips the enclosing object back to expecting a key
	valueDone := func() {
		if n := len(stack); n > 0 && stack[n-1].object {
			stack[n-1].wantKey = true
		}
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return parts, nil
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				stack = append(stack, level{object: true, wantKey: true})
			case '[':
				stack = append(stack, level{})
			default:
				stack = stack[:len(stack)-1]
				valueDone()
			}
		case string:
			if n := len(stack); n > 0 && stack[n-1].wantKey {
				stack[n-1].wantKey = false
				continue
			}
			parts = append(parts, t)
			valueDone()
		default:
			valueDone()
		}
	}
}

// TemplateData is the data exposed to required-phrase templates
func TemplateData(task models.GenerationTask) map[string]any {
	return map[string]any{
		"ID":       task.RecordID,
		"Name":     task.Name,
		"Location": task.Location,
		"Facts":    task.Facts,
		"SubFacts": task.SubFacts,
	}
}

// keywords lists the rendered required phrases and the entities the text is
// built around: list item entities, or the named sub-facts for unstructured text
func keywords(items, required, grounded []string) []string {
	candidates := append([]string{}, required...)
	for _, item := range items {
		candidates = append(candidates, itemEntity(item))
	}
	if len(items) == 0 {
		candidates = append(candidates, grounded...)
	}

	seen := make(map[string]bool)
	var out []string
	for _, k := range candidates {
		key := strings.ToLower(k)
		if k == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, k)
	}
	return out
}

// Common refusal patterns in model responses
var refusalPatterns = []string{
	"i'm sorry, but i can't",
	"i cannot help with that",
	"i can't assist with that",
	"i'm unable to help with that",
	"i apologize, but i cannot",
	"i'm not able to assist",
	"i cannot provide",
	"i cannot generate",
	"as an ai",
}

func refusal(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range refusalPatterns {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}
