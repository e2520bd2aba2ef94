package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"nexsus/internal/cleanup"
	"nexsus/internal/integrity"
	"nexsus/internal/resolver"
	"nexsus/internal/watermark"
)

var (
	flagValidateModels   []string
	flagValidateFeedback bool
	flagValidateHistory  bool
	flagValidateAutoSync bool
	flagValidateBidi     bool
	flagValidateJSON     bool
	flagFixAll           bool
	flagFixLimit         int
	flagCleanupDryRun    bool
	flagDLQModel         string
)

var validateFKCmd = &cobra.Command{
	Use:   "validate-fk",
	Short: "Probe every FK cross-reference and report missing targets",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		validator := integrity.NewValidator(a.store, a.registry, a.logger)
		report, err := validator.Validate(ctx, flagValidateModels, integrity.Options{
			GraphFeedback: flagValidateFeedback,
			TrackHistory:  flagValidateHistory,
			Bidirectional: flagValidateBidi,
		})
		if err != nil {
			return err
		}

		if flagValidateJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			printIntegrityReport(report)
		}

		if flagValidateAutoSync && report.MissingReferences > 0 {
			models := make([]string, 0, len(report.Models))
			for _, m := range report.Models {
				if m.MissingReferences > 0 {
					models = append(models, m.Model)
				}
			}
			return runRepair(cmd, a, models)
		}
		return nil
	},
}

var fixOrphansCmd = &cobra.Command{
	Use:   "fix-orphans [model...]",
	Short: "Sync the missing targets of dangling FK references",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !flagFixAll {
			return usageError{fmt.Errorf("name at least one model or pass --all")}
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		models := args
		if flagFixAll {
			models, err = a.src.ListModels(cmd.Context())
			if err != nil {
				return err
			}
		}
		return runRepair(cmd, a, models)
	},
}

func runRepair(cmd *cobra.Command, a *app, models []string) error {
	sched, err := a.scheduler(a.syncOptions(true, false, false, "", ""))
	if err != nil {
		return err
	}
	limit := flagFixLimit
	if limit <= 0 {
		limit = a.cfg.Sync.SyncLimit
	}
	validator := integrity.NewValidator(a.store, a.registry, a.logger)
	repairer := resolver.NewRepairer(validator, a.registry, sched, limit, a.logger)

	results, err := repairer.Repair(cmd.Context(), models)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No orphaned references found.")
		return nil
	}
	for model, s := range results {
		fmt.Printf("%s: found %d, synced %d, failed %d, skipped %d\n",
			model, s.Found, s.Synced, s.Failed, s.Skipped)
	}
	return nil
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <model>",
	Short: "Delete data points whose source records no longer exist",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cl := cleanup.NewCleaner(a.store, a.src, a.registry, a.logger)
		report, err := cl.Run(cmd.Context(), args[0], flagCleanupDryRun)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s points in store, %d stale", report.Model,
			humanize.Comma(report.StoreCount), report.Stale)
		if report.DryRun {
			fmt.Printf(" (dry run, nothing deleted)\n")
		} else {
			fmt.Printf(", %d deleted\n", report.Deleted)
		}
		return nil
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect or clear the dead-letter queue",
}

var dlqShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List dead-lettered records",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		entries := a.dlq.Get()
		if len(entries) == 0 {
			fmt.Println("DLQ is empty.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %s/%d  stage=%s retries=%d  %s\n",
				e.FailedAt, e.ModelName, e.RecordID, e.FailureStage, e.RetryCount, e.ErrorMessage)
		}
		stats := a.dlq.Stats()
		fmt.Printf("Total: %d entries across %d models\n", stats.Total, len(stats.ByModel))
		return nil
	},
}

var dlqClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop dead-lettered records, optionally for one model",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		before := a.dlq.Size()
		if err := a.dlq.Clear(flagDLQModel); err != nil {
			return err
		}
		fmt.Printf("Cleared %d entries.\n", before-a.dlq.Size())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show collection, DLQ, breaker and watermark state",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		info, err := a.store.CollectionInfo(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Collection %s (%d dims, %s distance)\n", info.Name, info.VectorSize, info.Distance)
		fmt.Printf("  points: %s total\n", humanize.Comma(info.TotalPoints))
		for pt, n := range info.PointsByType {
			fmt.Printf("    %-10s %s\n", pt, humanize.Comma(n))
		}
		fmt.Printf("  payload indexes: %d, ANN index: %v\n", len(info.PayloadIndexes), info.VecIndexEnabled)

		stats := a.dlq.Stats()
		fmt.Printf("DLQ: %d entries\n", stats.Total)
		for stage, n := range stats.ByStage {
			fmt.Printf("    %-10s %d\n", stage, n)
		}

		fmt.Println("Breakers:")
		for _, b := range []*struct {
			name  string
			state string
		}{
			{"schema", a.breakers.Schema.State()},
			{"records", a.breakers.Records.State()},
			{"embedding", a.breakers.Embedding.State()},
			{"store", a.breakers.Store.State()},
		} {
			fmt.Printf("    %-10s %s\n", b.name, b.state)
		}

		models, err := a.src.ListModels(ctx)
		if err != nil {
			return err
		}
		fmt.Println("Watermarks:")
		for _, model := range models {
			mark, err := a.watermark.Get(model)
			if err != nil || mark.LastSync == "" {
				continue
			}
			fmt.Println(watermarkLine(mark))
		}
		return nil
	},
}

// watermarkLine renders one status row; LastSync is already RFC3339.
func watermarkLine(mark watermark.Mark) string {
	return fmt.Sprintf("    %-24s %s (%s records)",
		mark.Model, mark.LastSync, humanize.Comma(mark.RecordsSeen))
}

func printIntegrityReport(report integrity.GlobalReport) {
	for _, m := range report.Models {
		fmt.Printf("%s: %s records, %s FK refs, %d missing (score %.4f)\n",
			m.Model, humanize.Comma(m.TotalRecords), humanize.Comma(m.TotalFKReferences),
			m.MissingReferences, m.Score())
		for target, n := range m.MissingByTarget {
			fmt.Printf("    missing in %-24s %d\n", target, n)
		}
		if m.InboundReferences > 0 || len(m.InboundBySource) > 0 {
			fmt.Printf("    inbound: %s refs, %d missing\n",
				humanize.Comma(m.InboundReferences), m.InboundMissing)
			for src, n := range m.InboundBySource {
				fmt.Printf("    missing from %-22s %d\n", src, n)
			}
		}
	}
	fmt.Printf("Total: %s refs checked, %d missing, %d unparseable\n",
		humanize.Comma(report.TotalFKReferences), report.MissingReferences, report.Unparseable)
}

func init() {
	validateFKCmd.Flags().StringSliceVar(&flagValidateModels, "model", nil, "restrict validation to these models")
	validateFKCmd.Flags().BoolVar(&flagValidateFeedback, "store-orphans", false, "write orphan counts and scores onto graph edges")
	validateFKCmd.Flags().BoolVar(&flagValidateHistory, "track-history", false, "append a snapshot to each edge's validation history")
	validateFKCmd.Flags().BoolVar(&flagValidateAutoSync, "auto-sync", false, "repair orphans found by the scan")
	validateFKCmd.Flags().BoolVar(&flagValidateBidi, "bidirectional", false, "also probe references other models hold into each model")
	validateFKCmd.Flags().BoolVar(&flagValidateJSON, "json", false, "emit the full report as JSON")

	fixOrphansCmd.Flags().BoolVar(&flagFixAll, "all", false, "repair every model the source delivers")
	fixOrphansCmd.Flags().IntVar(&flagFixLimit, "limit", 0, "max records to sync per target model (default from config)")

	cleanupCmd.Flags().BoolVar(&flagCleanupDryRun, "dry-run", false, "report stale points without deleting")

	dlqClearCmd.Flags().StringVar(&flagDLQModel, "model", "", "clear only this model's entries")
	dlqCmd.AddCommand(dlqShowCmd)
	dlqCmd.AddCommand(dlqClearCmd)
}
