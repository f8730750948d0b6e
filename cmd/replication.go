package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmindex/internal/logger"
	"github.com/wegman-software/osmindex/internal/osc"
	"github.com/wegman-software/osmindex/internal/pbf"
	"github.com/wegman-software/osmindex/internal/replication"
)

var (
	replicationFrom     string
	replicationSnapshot string
	replicationLimit    int
	replicationDryRun   bool
	replicationFilter   filterFlags
)

var replicationCmd = &cobra.Command{
	Use:   "replication",
	Short: "Follow OSM planet replication diffs",
	Long: `Follow the planet replication feeds to keep the dependency graph current.

Catch-up combines the day, hour and minute feeds: a day diff is used while the
local state sits on a day boundary, an hour diff on an hour boundary, and
minute diffs otherwise, so a snapshot weeks old is caught up in a few dozen
downloads instead of tens of thousands.

Examples:
  # Start from the replication timestamp written into the snapshot
  osmindex replication init --from-snapshot planet.osm.pbf

  # Check replication status
  osmindex replication status

  # Apply everything that is pending
  osmindex replication catchup --input planet.osm.pbf --tag type=multipolygon

  # Keep following the feeds
  osmindex replication start --input planet.osm.pbf --interval 1m`,
}

var replicationInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the local replication state",
	Long: `Write the local state file. Without --from or --from-snapshot the state
starts at the newest minute diff.`,
	RunE: runReplicationInit,
}

var replicationStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current replication status",
	RunE:  runReplicationStatus,
}

var replicationCatchUpCmd = &cobra.Command{
	Use:   "catchup",
	Short: "Apply all pending diffs once",
	Long: `Download and apply every diff between the local state and the newest
available one, saving the state after each diff.

Use --dry-run to list the diffs that would be applied.`,
	RunE: runReplicationCatchUp,
}

var replicationStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start continuous replication",
	Long: `Start a loop that catches up, waits for --interval and repeats until
interrupted (Ctrl+C). Transient download failures are retried.`,
	RunE: runReplicationStart,
}

func init() {
	rootCmd.AddCommand(replicationCmd)

	replicationCmd.AddCommand(replicationInitCmd)
	replicationCmd.AddCommand(replicationStatusCmd)
	replicationCmd.AddCommand(replicationCatchUpCmd)
	replicationCmd.AddCommand(replicationStartCmd)

	pf := replicationCmd.PersistentFlags()
	pf.StringVar(&cfg.ReplicationURL, "url", cfg.ReplicationURL, "Replication base URL containing minute/, hour/ and day/")
	pf.StringVar(&cfg.ReplicationCache, "cache", cfg.ReplicationCache, "Directory for downloaded diffs (empty disables caching)")
	pf.StringVar(&cfg.StateFile, "state-file", cfg.StateFile, "Local replication state file")

	replicationInitCmd.Flags().StringVar(&replicationFrom, "from", "", "Start time (RFC3339)")
	replicationInitCmd.Flags().StringVar(&replicationSnapshot, "from-snapshot", "", "Start at the replication timestamp of this PBF file")

	for _, c := range []*cobra.Command{replicationCatchUpCmd, replicationStartCmd} {
		c.Flags().StringVarP(&cfg.InputFile, "input", "i", cfg.InputFile, "Snapshot PBF file; without it diffs are only downloaded and parsed")
		addFilterFlags(c, &replicationFilter)
	}
	replicationCatchUpCmd.Flags().IntVar(&replicationLimit, "limit", 0, "Maximum number of diffs to apply (0 = all)")
	replicationCatchUpCmd.Flags().BoolVar(&replicationDryRun, "dry-run", false, "List pending diffs without downloading them")
	replicationStartCmd.Flags().DurationVar(&cfg.UpdateInterval, "interval", cfg.UpdateInterval, "Interval between update checks")
}

func runReplicationInit(cmd *cobra.Command, args []string) error {
	var ts time.Time
	switch {
	case replicationFrom != "" && replicationSnapshot != "":
		return fmt.Errorf("--from and --from-snapshot are mutually exclusive")
	case replicationFrom != "":
		t, err := time.Parse(time.RFC3339, replicationFrom)
		if err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
		ts = t
	case replicationSnapshot != "":
		hdr, err := pbf.ReadFileHeader(replicationSnapshot)
		if err != nil {
			return err
		}
		if hdr.ReplicationTimestamp.IsZero() {
			return fmt.Errorf("%s has no replication timestamp, use --from", replicationSnapshot)
		}
		ts = hdr.ReplicationTimestamp
	}

	ctx, cancel := signalContext()
	defer cancel()

	state, err := replication.NewReplicator(cfg).Init(ctx, ts)
	if err != nil {
		return fmt.Errorf("failed to initialize replication: %w", err)
	}

	fmt.Printf("Replication initialized\n")
	fmt.Printf("Source: %s\n", cfg.ReplicationURL)
	fmt.Printf("State: %s\n", state)
	return nil
}

func runReplicationStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	status, err := replication.NewReplicator(cfg).Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	logger.Get().Debug("Replication status",
		zap.String("source", status.Source),
		zap.Int64("local_sequence", status.LocalSequence),
		zap.Time("local_timestamp", status.LocalTimestamp),
		zap.Int64("remote_sequence", status.RemoteSequence),
		zap.Duration("lag", status.Lag))

	fmt.Print(status.String())
	return nil
}

func runReplicationCatchUp(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	startMetrics(ctx)

	r := replication.NewReplicator(cfg)

	if replicationDryRun {
		plan, err := r.Plan(ctx, replicationLimit)
		if err != nil {
			return err
		}
		for _, st := range plan {
			fmt.Println(st)
		}
		fmt.Printf("%d diffs pending\n", len(plan))
		return nil
	}

	handle, closeFn, err := diffHandler(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	applied, err := r.RunOnce(ctx, handle, replicationLimit)
	if err != nil {
		return err
	}
	if applied == 0 {
		fmt.Println("Already up to date.")
	} else {
		fmt.Printf("Applied %d diffs, now at %s\n", applied, r.State())
	}
	return nil
}

func runReplicationStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	startMetrics(ctx)

	handle, closeFn, err := diffHandler(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	logger.Get().Info("Starting continuous replication",
		zap.String("source", cfg.ReplicationURL),
		zap.Duration("interval", cfg.UpdateInterval))

	return replication.NewReplicator(cfg).Run(ctx, cfg.UpdateInterval, handle)
}

// diffHandler returns the handler applied to each downloaded diff. With an
// input file the diff is folded into the dependency graph, otherwise it is
// only parsed.
func diffHandler(ctx context.Context) (replication.DiffHandler, func(), error) {
	log := logger.Named("replication")

	if cfg.InputFile == "" {
		handle := func(ctx context.Context, st *replication.State, path string) error {
			cs, err := osc.ParseFile(ctx, path)
			if err != nil {
				return err
			}
			log.Info("Parsed diff", zap.Stringer("state", st), zap.Int("changes", cs.Len()))
			return nil
		}
		return handle, func() {}, nil
	}

	in, store, err := openIngestor(ctx, &replicationFilter)
	if err != nil {
		return nil, nil, err
	}
	handle := func(ctx context.Context, st *replication.State, path string) error {
		cs, err := osc.ParseFile(ctx, path)
		if err != nil {
			return err
		}
		affected, err := in.ApplyDiff(ctx, cs)
		if err != nil {
			return err
		}
		log.Info("Diff applied",
			zap.Stringer("state", st),
			zap.Int("changes", cs.Len()),
			zap.Int("relations_affected", len(affected)),
			zap.Int("overlay", in.Overlay().Len()))
		return nil
	}
	return handle, func() { store.Close() }, nil
}
