package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wegman-software/osmindex/internal/config"
	"github.com/wegman-software/osmindex/internal/logger"
	"github.com/wegman-software/osmindex/internal/metrics"
)

var (
	cfg     = config.DefaultConfig()
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "osmindex",
	Short: "Random-access index and replication tracker for OSM planet files",
	Long: `osmindex reads OSM PBF planet files without importing them.

Features:
  - Blob offset index for loading elements by id from a planet file
  - Parallel blob walker with tag filter pushdown
  - Replication catch-up across day, hour and minute diffs
  - Reverse dependency tracking from nodes and ways to relations`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// the environment overrides defaults, explicit flags override both
		if err := cfg.LoadEnv(envFile); err != nil {
			return err
		}
		var flagErr error
		cmd.Flags().Visit(func(f *pflag.Flag) {
			if err := f.Value.Set(f.Value.String()); err != nil && flagErr == nil {
				flagErr = err
			}
		})
		if flagErr != nil {
			return flagErr
		}

		if cfg.LogFile != "" {
			logger.InitWithFile(cfg.Verbose, cfg.LogFile)
		} else {
			logger.Init(cfg.Verbose)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Global flags
	pf.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose output")
	pf.StringVar(&envFile, "env-file", ".env", "Optional .env file with OSMINDEX_* settings")
	pf.IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of parallel decode workers")
	pf.Var(byteSize{&cfg.BufferSize}, "buffer-size", "Minimum blob buffer size (e.g. 16MB)")
	pf.IntVar(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "Elements buffered between workers and a streaming reader")
	pf.StringVar(&cfg.IndexSuffix, "index-suffix", cfg.IndexSuffix, "Suffix of the blob index cache next to the input file")

	// Logging and metrics flags
	pf.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Path to log file for persistent logging (JSON format)")
	pf.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging, 0 disables")
	pf.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Listen address for the prometheus /metrics endpoint")

	// Dependency store flags
	pf.StringVar(&cfg.Store, "store", cfg.Store, "Dependency store backend: lmdb or postgres")
	pf.StringVar(&cfg.LMDBPath, "lmdb-path", cfg.LMDBPath, "LMDB environment directory")
	pf.Var(byteSize{&cfg.LMDBMapSize}, "lmdb-map-size", "LMDB map size (e.g. 64GB)")

	// Database flags
	pf.StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	pf.IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	pf.StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	pf.StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	pf.StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	pf.StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

// byteSize adapts datasize.ByteSize to a pflag value
type byteSize struct{ v *datasize.ByteSize }

func (b byteSize) String() string {
	if b.v == nil {
		return ""
	}
	return b.v.String()
}

func (b byteSize) Set(s string) error {
	return b.v.UnmarshalText([]byte(strings.ToUpper(strings.ReplaceAll(s, " ", ""))))
}

func (b byteSize) Type() string { return "size" }

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Get().Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// startMetrics runs the system metrics logger and the prometheus endpoint
// until ctx is done
func startMetrics(ctx context.Context) {
	log := logger.Named("metrics")
	if cfg.MetricsInterval > 0 {
		go metrics.NewCollector(cfg.MetricsInterval, log).Start(ctx)
	}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}
}
