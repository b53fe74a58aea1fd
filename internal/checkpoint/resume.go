package checkpoint

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lamim/copyforge/pkg/models"
)

// ErrConfigChanged means the checkpoint was written under different generation settings
var ErrConfigChanged = errors.New("checkpoint config mismatch")

// CheckCompatibility compares the stored config hash against the current one.
// An empty previous hash (fresh checkpoint) is always compatible.
func CheckCompatibility(previous, current string) error {
	if previous == "" || previous == current {
		return nil
	}
	return fmt.Errorf("%w: checkpoint was written with hash %s, current config is %s", ErrConfigChanged, previous, current)
}

// CountByStatus returns the number of entries per status
func CountByStatus(entries map[string]models.CheckpointEntry) map[models.CheckpointStatus]int {
	counts := make(map[models.CheckpointStatus]int)
	for _, e := range entries {
		counts[e.Status]++
	}
	return counts
}

// IDsWithStatus returns the sorted ids whose entry has the given status. An
// empty status matches every entry.
func IDsWithStatus(entries map[string]models.CheckpointEntry, status models.CheckpointStatus) []string {
	var ids []string
	for id, e := range entries {
		if status == "" || e.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ProviderUsage sums the work a provider did across generated entries
type ProviderUsage struct {
	Outputs          int `json:"outputs"`
	Attempts         int `json:"attempts"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// TokenUsage aggregates output metadata per provider
func TokenUsage(entries map[string]models.CheckpointEntry) map[string]ProviderUsage {
	usage := make(map[string]ProviderUsage)
	for _, e := range entries {
		if e.Meta == nil || e.Meta.Provider == "" {
			continue
		}
		u := usage[e.Meta.Provider]
		u.Outputs++
		u.Attempts += e.Meta.Attempts
		u.PromptTokens += e.Meta.PromptTokens
		u.CompletionTokens += e.Meta.CompletionTokens
		usage[e.Meta.Provider] = u
	}
	return usage
}
