package records

import (
	"strings"

	"github.com/lamim/copyforge/internal/config"
	"github.com/lamim/copyforge/pkg/models"
)

// Eligibility decides whether a record has enough supporting facts to write about
type Eligibility struct {
	categories map[string]bool // Empty = any category qualifies
	min        int
}

// NewEligibility builds the predicate from the source config
func NewEligibility(cfg config.SourceConfig) Eligibility {
	e := Eligibility{min: cfg.MinSubFacts}
	if len(cfg.QualifyingCategories) > 0 {
		e.categories = make(map[string]bool, len(cfg.QualifyingCategories))
		for _, c := range cfg.QualifyingCategories {
			e.categories[strings.ToLower(strings.TrimSpace(c))] = true
		}
	}
	return e
}

// Qualifying returns the sub-facts whose category qualifies
func (e Eligibility) Qualifying(r models.Record) []models.Fact {
	if e.categories == nil {
		return r.SubFacts
	}
	out := make([]models.Fact, 0, len(r.SubFacts))
	for _, f := range r.SubFacts {
		if e.categories[strings.ToLower(strings.TrimSpace(f.Category))] {
			out = append(out, f)
		}
	}
	return out
}

// Check returns the qualifying sub-facts and whether there are enough of them
func (e Eligibility) Check(r models.Record) ([]models.Fact, bool) {
	facts := e.Qualifying(r)
	return facts, len(facts) >= e.min && len(facts) > 0
}
