package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	verbose    bool
)

// runFlags override the matching config values when set
type runFlags struct {
	concurrency int
	limit       int
	dryRun      bool
	resume      bool
	force       bool
	onlyID      string
	statusAddr  string
	session     string
	progress    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "copyforge",
		Short: "CopyForge - batch copy generation for record collections",
		Long: `CopyForge fills a text field on every eligible record of a collection
with LLM-generated copy that passes a validation contract and does not
repeat text already written for other records.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	flags := &runFlags{}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Generate copy for every eligible record",
		Long: `Scan the record source, generate copy for eligible records without output,
validate it, reject repeats and write it back. Progress is checkpointed so an
interrupted run can continue with --resume.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGeneration(cmd, flags)
		},
	}
	f := runCmd.Flags()
	f.IntVar(&flags.concurrency, "concurrency", 0, "Number of parallel workers (overrides run.concurrency)")
	f.IntVar(&flags.limit, "limit", 0, "Stop after this many records were scheduled (overrides run.limit)")
	f.BoolVar(&flags.dryRun, "dry-run", false, "Generate into preview.jsonl without writing records, checkpoints or fingerprints")
	f.BoolVar(&flags.resume, "resume", false, "Skip records the checkpoint marks as done")
	f.BoolVar(&flags.force, "force", false, "Regenerate records that already have output")
	f.StringVar(&flags.onlyID, "id", "", "Process a single record")
	f.StringVar(&flags.statusAddr, "status-addr", "", "Serve /status, /metrics and /ws on this address (overrides status.addr)")
	f.StringVar(&flags.session, "session", "", "Reuse an existing session directory under the output directory")
	f.BoolVar(&flags.progress, "progress", true, "Show a progress bar")

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect checkpoints",
	}
	var inspectStatus string
	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show checkpoint counts and entries",
		Long:  "Print per-status counts from the configured checkpoint, and the entries with --status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return inspectCheckpoint(cmd, inspectStatus)
		},
	}
	inspectCmd.Flags().StringVar(&inspectStatus, "status", "", "List entries with this status (generated, skipped_existing, skipped_ineligible, error)")
	checkpointCmd.AddCommand(inspectCmd)

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Report source coverage and token usage",
		Long:  "Scan the record source and report how many records have output, are eligible or ineligible, alongside checkpoint counts and token usage per provider",
		Args:  cobra.NoArgs,
		RunE:  runAudit,
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(auditCmd)
	return rootCmd
}
