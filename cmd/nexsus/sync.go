package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"nexsus/internal/cascade"
	"nexsus/internal/knowledge"
	"nexsus/internal/schema"
	"nexsus/internal/source"
)

var (
	flagSyncDateFrom        string
	flagSyncDateTo          string
	flagSyncIDs             string
	flagSyncNoCascade       bool
	flagSyncForce           bool
	flagSyncDryRun          bool
	flagSyncIncludeArchived bool
	flagSourceCatalog       string
	flagSchemaForce         bool
	flagKnowledgeForce      bool
	flagKnowledgeCatalog    string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync schema, records or knowledge into the collection",
}

func init() {
	syncCmd.PersistentFlags().StringVar(&flagSourceCatalog, "source", "", "record source catalog path (default from config)")
}

var syncModelCmd = &cobra.Command{
	Use:   "model <name>",
	Short: "Sync one model's records, cascading into FK targets",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		ids, err := parseIDList(flagSyncIDs)
		if err != nil {
			return usageError{err}
		}

		if flagSyncDryRun {
			opts := source.FetchOptions{
				IDs:             ids,
				DateFrom:        flagSyncDateFrom,
				DateTo:          flagSyncDateTo,
				IncludeArchived: flagSyncIncludeArchived,
			}
			n, err := a.src.Count(ctx, args[0], opts)
			if err != nil {
				return err
			}
			fmt.Printf("Would sync %s records of %s (dry run).\n", humanize.Comma(n), args[0])
			return nil
		}

		skipExisting := a.cfg.Sync.SkipExisting
		if flagSyncForce {
			skipExisting = false
		}
		opts := a.syncOptions(!flagSyncNoCascade, skipExisting,
			flagSyncIncludeArchived, flagSyncDateFrom, flagSyncDateTo)
		sched, err := a.scheduler(opts)
		if err != nil {
			return err
		}

		summary, err := sched.Run(ctx, cascade.WorkItem{Model: args[0], RecordIDs: ids})
		if err != nil {
			return err
		}
		printSummary(summary)
		return nil
	},
}

var syncSchemaCmd = &cobra.Command{
	Use:   "schema [model...]",
	Short: "Sync model metadata into schema points",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sy := schema.NewSyncer(a.src, a.gateway, a.store, a.registry, a.logger)
		n, err := sy.Sync(cmd.Context(), args, flagSchemaForce)
		if err != nil {
			return err
		}
		fmt.Printf("Schema points written: %s\n", humanize.Comma(int64(n)))
		return nil
	},
}

var syncKnowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Sync the curated knowledge catalog",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		path := flagKnowledgeCatalog
		if path == "" {
			path = a.cfg.Paths.KnowledgePath
		}
		catalog, err := knowledge.LoadCatalog(path)
		if err != nil {
			return err
		}

		sy := knowledge.NewSyncer(a.store, a.gateway, a.registry, a.logger)
		n, warnings, err := sy.Sync(cmd.Context(), catalog, flagKnowledgeForce)
		if err != nil {
			return err
		}
		fmt.Printf("Knowledge points written: %d\n", n)
		for _, w := range warnings {
			fmt.Printf("  warning: %s\n", w)
		}
		return nil
	},
}

func init() {
	syncModelCmd.Flags().StringVar(&flagSyncDateFrom, "date-from", "", "only records modified on or after this date")
	syncModelCmd.Flags().StringVar(&flagSyncDateTo, "date-to", "", "only records modified on or before this date")
	syncModelCmd.Flags().StringVar(&flagSyncIDs, "ids", "", "comma-separated record ids to sync")
	syncModelCmd.Flags().BoolVar(&flagSyncNoCascade, "no-cascade", false, "do not follow FK references into other models")
	syncModelCmd.Flags().BoolVar(&flagSyncForce, "force", false, "re-embed records that already have a point")
	syncModelCmd.Flags().BoolVar(&flagSyncDryRun, "dry-run", false, "report the record count without syncing")
	syncModelCmd.Flags().BoolVar(&flagSyncIncludeArchived, "include-archived", false, "include archived records")

	syncSchemaCmd.Flags().BoolVar(&flagSchemaForce, "force", false, "delete existing schema points first")

	syncKnowledgeCmd.Flags().BoolVar(&flagKnowledgeForce, "force", false, "delete existing knowledge points first")
	syncKnowledgeCmd.Flags().StringVar(&flagKnowledgeCatalog, "catalog", "", "knowledge catalog path (default from config)")

	syncCmd.AddCommand(syncModelCmd)
	syncCmd.AddCommand(syncSchemaCmd)
	syncCmd.AddCommand(syncKnowledgeCmd)
}

func parseIDList(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid record id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printSummary(s cascade.Summary) {
	fmt.Printf("Records processed: %s\n", humanize.Comma(s.RecordsProcessed))
	fmt.Printf("Points upserted:   %s\n", humanize.Comma(s.PointsUpserted))
	fmt.Printf("Models synced:     %d\n", s.ModelsSynced)
	fmt.Printf("Cycles detected:   %d\n", s.CyclesDetected)
	fmt.Printf("Breaker trips:     %d\n", s.BreakerTrips)
	fmt.Printf("DLQ size:          %d\n", s.DLQSize)
	fmt.Printf("Elapsed:           %s\n", s.Elapsed.Round(time.Millisecond))
}
