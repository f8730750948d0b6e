package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmindex/internal/dump"
	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/logger"
	"github.com/wegman-software/osmindex/internal/walker"
)

var (
	dumpFilter    filterFlags
	dumpOutDir    string
	dumpPrefix    string
	dumpBatchSize int
)

var dumpCmd = &cobra.Command{
	Use:   "dump <input.osm.pbf>",
	Short: "Write matching elements to Parquet shards",
	Long: `Scan the file with the given tag filter and write every match to
Parquet, one shard per decode worker (<out>/<prefix>-<worker>.parquet).

Columns: id, kind, tags (JSON), lat, lon, refs (JSON node ids or members).`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

func init() {
	rootCmd.AddCommand(dumpCmd)
	addFilterFlags(dumpCmd, &dumpFilter)
	dumpCmd.Flags().StringVarP(&dumpOutDir, "out", "o", "./dump", "Output directory")
	dumpCmd.Flags().StringVar(&dumpPrefix, "prefix", "elements", "Shard file name prefix")
	dumpCmd.Flags().IntVar(&dumpBatchSize, "batch-size", dump.DefaultBatchSize, "Rows per Parquet record batch")
}

func runDump(cmd *cobra.Command, args []string) error {
	cfg.InputFile = args[0]
	log := logger.Get()

	filter, kinds, err := dumpFilter.compile(element.MaskAll)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	startMetrics(ctx)

	w, err := openWalker(ctx)
	if err != nil {
		return err
	}
	sw, err := dump.NewShardedWriter(dumpOutDir, dumpPrefix, w.Workers(), dumpBatchSize)
	if err != nil {
		return err
	}

	log.Info("Starting dump",
		zap.String("input", cfg.InputFile),
		zap.String("output", dumpOutDir),
		zap.Int("workers", w.Workers()))
	start := time.Now()

	scanErr := w.ScanInto(ctx, walker.ScanQuery{Kinds: kinds, Filter: filter}, sw)
	if err := errors.Join(scanErr, sw.Close()); err != nil {
		return err
	}
	log.Info("Dump written",
		zap.Strings("files", sw.Paths()),
		zap.Duration("elapsed", time.Since(start).Round(time.Second)))
	return nil
}
