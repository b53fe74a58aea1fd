package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lamim/copyforge/internal/checkpoint"
	"github.com/lamim/copyforge/internal/config"
	"github.com/lamim/copyforge/internal/records"
	"github.com/lamim/copyforge/internal/writer"
	"github.com/lamim/copyforge/pkg/models"
)

var statusOrder = []models.CheckpointStatus{
	models.StatusGenerated,
	models.StatusSkippedExisting,
	models.StatusSkippedIneligible,
	models.StatusError,
}

// loadCheckpoint opens the configured checkpoint read-only
func loadCheckpoint(ctx context.Context, cfg *config.Config) (*checkpoint.Manager, error) {
	backend, err := checkpoint.OpenBackend(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	mgr := checkpoint.NewManager(backend, checkpoint.Options{ReadOnly: true}, nil, nil)
	if err := mgr.Load(ctx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return mgr, nil
}

func inspectCheckpoint(cmd *cobra.Command, statusFilter string) error {
	filter := models.CheckpointStatus(statusFilter)
	if statusFilter != "" && !filter.Valid() {
		return fmt.Errorf("unknown status %q", statusFilter)
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	mgr, err := loadCheckpoint(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close(ctx) }()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checkpoint (%s: %s)\n", cfg.Checkpoint.Backend, cfg.Checkpoint.Path)
	fmt.Fprintln(out, strings.Repeat("=", 80))
	fmt.Fprintf(out, "Entries:             %d\n", mgr.Len())
	fmt.Fprintf(out, "Config Hash:         %s\n", displayHash(mgr.PreviousConfigHash()))
	fmt.Fprintf(out, "Current Config Hash: %s\n", cfg.Hash())
	fmt.Fprintln(out)
	printCounts(out, mgr.Counts())

	if statusFilter == "" {
		return nil
	}
	entries := mgr.Entries()
	ids := checkpoint.IDsWithStatus(entries, filter)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%-30s %-20s %s\n", "RECORD", "UPDATED", "DETAIL")
	fmt.Fprintln(out, strings.Repeat("-", 80))
	for _, id := range ids {
		e := entries[id]
		fmt.Fprintf(out, "%-30s %-20s %s\n", id, e.UpdatedAt.Format("2006-01-02 15:04:05"), entryDetail(e))
	}
	return nil
}

func displayHash(h string) string {
	if h == "" {
		return "(none)"
	}
	return h
}

func entryDetail(e models.CheckpointEntry) string {
	if e.Error != "" {
		return e.Error
	}
	if e.Meta != nil {
		return fmt.Sprintf("%s, %d words, %d attempts", e.Meta.Provider, e.Meta.WordCount, e.Meta.Attempts)
	}
	return ""
}

func printCounts(out io.Writer, counts map[models.CheckpointStatus]int) {
	fmt.Fprintln(out, "Status counts:")
	for _, s := range statusOrder {
		fmt.Fprintf(out, "  %-20s %d\n", s, counts[s])
	}
}

// coverage summarizes the record source against the eligibility rule
type coverage struct {
	Total            int
	WithOutput       int
	EligibleNoOutput int
	Ineligible       int
}

func scanCoverage(ctx context.Context, src records.Source, e records.Eligibility, pageSize int) (coverage, error) {
	var c coverage
	for offset := 0; ; {
		page, err := src.FetchPage(ctx, offset, pageSize)
		if err != nil {
			return c, fmt.Errorf("fetch records at offset %d: %w", offset, err)
		}
		if page.Rows == 0 {
			return c, nil
		}
		offset += page.Rows
		for _, r := range page.Records {
			c.Total++
			switch _, ok := e.Check(r); {
			case r.HasOutput():
				c.WithOutput++
			case ok:
				c.EligibleNoOutput++
			default:
				c.Ineligible++
			}
		}
	}
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := writer.NewConsoleLogger(logLevel())

	src, err := records.Open(ctx, cfg.Source, logger)
	if err != nil {
		return fmt.Errorf("failed to open record source: %w", err)
	}
	defer func() { _ = src.Close() }()

	cov, err := scanCoverage(ctx, src, records.NewEligibility(cfg.Source), cfg.Run.PageSize)
	if err != nil {
		return err
	}

	mgr, err := loadCheckpoint(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close(ctx) }()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Source (%s)\n", cfg.Source.Kind)
	fmt.Fprintln(out, strings.Repeat("=", 80))
	fmt.Fprintf(out, "  %-20s %d\n", "records", cov.Total)
	fmt.Fprintf(out, "  %-20s %d\n", "with output", cov.WithOutput)
	fmt.Fprintf(out, "  %-20s %d\n", "eligible, no output", cov.EligibleNoOutput)
	fmt.Fprintf(out, "  %-20s %d\n", "ineligible", cov.Ineligible)
	if cov.Total > 0 {
		fmt.Fprintf(out, "  %-20s %.1f%%\n", "coverage", 100*float64(cov.WithOutput)/float64(cov.Total))
	}
	fmt.Fprintln(out)
	printCounts(out, mgr.Counts())
	fmt.Fprintln(out)
	printUsage(out, checkpoint.TokenUsage(mgr.Entries()))
	return nil
}

func printUsage(out io.Writer, usage map[string]checkpoint.ProviderUsage) {
	fmt.Fprintln(out, "Token usage:")
	if len(usage) == 0 {
		fmt.Fprintln(out, "  (none recorded)")
		return
	}
	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(out, "  %-20s %8s %8s %14s %14s\n", "PROVIDER", "OUTPUTS", "CALLS", "PROMPT", "COMPLETION")
	for _, name := range names {
		u := usage[name]
		fmt.Fprintf(out, "  %-20s %8d %8d %14d %14d\n", name, u.Outputs, u.Attempts, u.PromptTokens, u.CompletionTokens)
	}
}
