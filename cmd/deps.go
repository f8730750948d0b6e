package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmindex/internal/deps"
	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/ingest"
	"github.com/wegman-software/osmindex/internal/logger"
	"github.com/wegman-software/osmindex/internal/osc"
)

var depsFilter filterFlags

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Manage the relation dependency graph",
	Long: `The dependency graph maps nodes to the ways that use them and ways to the
tracked relations they belong to. A diff touching a node or way can then be
traced to the relations that must be rebuilt.`,
}

var depsBuildCmd = &cobra.Command{
	Use:   "build <input.osm.pbf>",
	Short: "Track every relation matching the filter",
	Long: `Scan the relations of the input file with the tag filter, load their
member ways through the blob index and store the dependency edges.

Example:
  osmindex deps build planet.osm.pbf --tag type=multipolygon,boundary`,
	Args: cobra.ExactArgs(1),
	RunE: runDepsBuild,
}

var depsChangedCmd = &cobra.Command{
	Use:   "changed <diff.osc.gz>...",
	Short: "List tracked relations affected by diffs without applying them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsChanged,
}

func init() {
	rootCmd.AddCommand(depsCmd)
	depsCmd.AddCommand(depsBuildCmd)
	depsCmd.AddCommand(depsChangedCmd)

	addFilterFlags(depsBuildCmd, &depsFilter)
	depsBuildCmd.Flags().IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Relations loaded per batch")
}

// openIngestor opens the dependency store and an ingestor over the input file
func openIngestor(ctx context.Context, ff *filterFlags) (*ingest.Ingestor, deps.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	filter, _, err := ff.compile(element.MaskOf(element.KindRelation))
	if err != nil {
		return nil, nil, err
	}

	w, err := openWalker(ctx)
	if err != nil {
		return nil, nil, err
	}
	store, err := deps.OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open dependency store: %w", err)
	}
	tracker, err := deps.Open(ctx, store)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	in := ingest.New(w, tracker, store, ingest.Options{
		Filter:    filter,
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
	})
	return in, store, nil
}

func runDepsBuild(cmd *cobra.Command, args []string) error {
	cfg.InputFile = args[0]

	ctx, cancel := signalContext()
	defer cancel()
	startMetrics(ctx)

	in, store, err := openIngestor(ctx, &depsFilter)
	if err != nil {
		return err
	}
	defer store.Close()

	if in.Tracker().Tracked() > 0 {
		logger.Get().Warn("Dependency store is not empty, new edges are merged into it",
			zap.Int("tracked", in.Tracker().Tracked()))
	}
	_, err = in.BuildDependencies(ctx)
	return err
}

func runDepsChanged(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := deps.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open dependency store: %w", err)
	}
	defer store.Close()
	tracker, err := deps.Open(ctx, store)
	if err != nil {
		return err
	}

	for _, path := range args {
		cs, err := osc.ParseFile(ctx, path)
		if err != nil {
			return err
		}
		for _, id := range tracker.GetChangedRelations(cs) {
			fmt.Println(id)
		}
	}
	return nil
}
