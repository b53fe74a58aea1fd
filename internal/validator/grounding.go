package validator

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/lamim/copyforge/pkg/models"
)

var (
	boldRegex     = regexp.MustCompile(`(?is)\*\*(.+?)\*\*|__(.+?)__|<(?:strong|b)>(.*?)</(?:strong|b)>`)
	distanceRegex = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(miles?|mi|kilometers?|kilometres?|km|meters?|metres?|m|feet|ft)\b`)
	// Separators ending the lead text of a list item
	leadSeparators = []string{" - ", " – ", " — ", ": ", " (", ", "}
)

// itemEntity returns the entity a list item is about: the bold span when
// present, otherwise the text before the first separator
func itemEntity(item string) string {
	if m := boldRegex.FindStringSubmatch(item); m != nil {
		for _, g := range m[1:] {
			if g != "" {
				return cleanEntity(htmlTagRegex.ReplaceAllString(g, ""))
			}
		}
	}

	lead := html.UnescapeString(htmlTagRegex.ReplaceAllString(item, ""))
	cut := len(lead)
	for _, sep := range leadSeparators {
		if i := strings.Index(lead, sep); i >= 0 && i < cut {
			cut = i
		}
	}
	return cleanEntity(lead[:cut])
}

func cleanEntity(s string) string {
	return strings.Trim(collapseSpace(s), ` .,:;!?"'*_`)
}

func normalizeName(s string) string {
	return strings.ToLower(cleanEntity(s))
}

type distance struct {
	value float64
	unit  string
}

func canonicalUnit(u string) string {
	switch u = strings.ToLower(u); {
	case strings.HasPrefix(u, "mi"):
		return "mi"
	case strings.HasPrefix(u, "k"):
		return "km"
	case strings.HasPrefix(u, "f"):
		return "ft"
	}
	return "m"
}

func findDistances(text string) []distance {
	var out []distance
	for _, m := range distanceRegex.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		out = append(out, distance{value: v, unit: canonicalUnit(m[2])})
	}
	return out
}

// checkGrounding rejects list entities and distance mentions that do not come
// from the task's sub-facts
func (v *Validator) checkGrounding(prose string, items []string, task models.GenerationTask) error {
	if !v.cfg.RequireGroundedEntities {
		return nil
	}

	known := make(map[string]bool, len(task.SubFacts))
	allowed := make(map[distance]bool)
	for _, f := range task.SubFacts {
		known[normalizeName(f.Name)] = true
		for _, d := range findDistances(f.Distance) {
			allowed[d] = true
		}
	}

	for _, item := range items {
		entity := itemEntity(item)
		if entity == "" {
			continue
		}
		if !known[normalizeName(entity)] {
			return fail(RuleGrounding, "list item %q is not one of the supplied facts", entity)
		}
	}

	for _, d := range findDistances(prose) {
		if !allowed[d] {
			return fail(RuleGrounding, "distance %s %s does not match any supplied fact",
				strconv.FormatFloat(d.value, 'f', -1, 64), d.unit)
		}
	}
	return nil
}

// Grounded reports which sub-facts are named in text, in input order
func Grounded(text string, facts []models.Fact) []string {
	lower := strings.ToLower(text)
	var names []string
	for _, f := range facts {
		if n := cleanEntity(f.Name); n != "" && strings.Contains(lower, strings.ToLower(n)) {
			names = append(names, n)
		}
	}
	return names
}
