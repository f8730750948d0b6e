package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmindex/internal/blobindex"
	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/logger"
	"github.com/wegman-software/osmindex/internal/pbf"
)

var forceRebuild bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the blob offset index of a PBF file",
	Long: `The blob offset index records the first element id and file offset of
every data blob. It is cached next to the input file (<input>.blobidx) and
rebuilt automatically when the file changes.`,
}

var indexBuildCmd = &cobra.Command{
	Use:   "build <input.osm.pbf>",
	Short: "Build or refresh the blob offset index",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexBuild,
}

var indexInvalidateCmd = &cobra.Command{
	Use:   "invalidate <input.osm.pbf>",
	Short: "Delete the cached blob offset index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.InputFile = args[0]
		if err := blobindex.Invalidate(cfg.IndexPath()); err != nil {
			return err
		}
		logger.Get().Info("Blob index removed", zap.String("cache", cfg.IndexPath()))
		return nil
	},
}

var indexInfoCmd = &cobra.Command{
	Use:   "info <input.osm.pbf>",
	Short: "Show the header and blob counts of a PBF file",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexInfo,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexBuildCmd)
	indexCmd.AddCommand(indexInvalidateCmd)
	indexCmd.AddCommand(indexInfoCmd)

	indexBuildCmd.Flags().BoolVar(&forceRebuild, "force", false, "Rebuild even when the cache is current")
}

func runIndexBuild(cmd *cobra.Command, args []string) error {
	cfg.InputFile = args[0]
	log := logger.Get()

	ctx, cancel := signalContext()
	defer cancel()
	startMetrics(ctx)

	if forceRebuild {
		if err := blobindex.Invalidate(cfg.IndexPath()); err != nil {
			return err
		}
	}

	start := time.Now()
	w, err := openWalker(ctx)
	if err != nil {
		return err
	}
	ix := w.Index()
	log.Info("Blob index ready",
		zap.String("cache", cfg.IndexPath()),
		zap.Int("blobs", ix.Blobs()),
		zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	return nil
}

func runIndexInfo(cmd *cobra.Command, args []string) error {
	cfg.InputFile = args[0]

	hdr, err := pbf.ReadFileHeader(cfg.InputFile)
	if err != nil {
		return err
	}
	fmt.Printf("File: %s\n", cfg.InputFile)
	fmt.Printf("Writing program: %s\n", hdr.WritingProgram)
	fmt.Printf("Required features: %v\n", hdr.RequiredFeatures)
	fmt.Printf("Optional features: %v\n", hdr.OptionalFeatures)
	if !hdr.ReplicationTimestamp.IsZero() {
		fmt.Printf("Replication timestamp: %s\n", hdr.ReplicationTimestamp.Format(time.RFC3339))
		fmt.Printf("Replication sequence: %d\n", hdr.ReplicationSequence)
		fmt.Printf("Replication base URL: %s\n", hdr.ReplicationBaseURL)
	}

	ix, err := blobindex.ReadCache(cfg.IndexPath(), cfg.InputFile)
	if err != nil {
		fmt.Printf("Blob index: unavailable (%v)\n", err)
		return nil
	}
	for _, k := range element.Kinds {
		fmt.Printf("%s blobs: %d\n", k, ix.Len(k))
	}
	return nil
}
