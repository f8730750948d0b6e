package cmd

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/logger"
)

var loadKind string

var loadCmd = &cobra.Command{
	Use:   "load <input.osm.pbf> <id>...",
	Short: "Load elements by id through the blob offset index",
	Long: `Load elements of one kind by id. Only the blobs that can contain the
requested ids are read, and decoding of a blob stops once all of its ids are
found. Ids that do not exist are reported on stderr.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)
	loadCmd.Flags().StringVarP(&loadKind, "kind", "k", "node", "Element kind: node, way or relation")
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg.InputFile = args[0]
	kind, err := element.ParseKind(loadKind)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(args)-1)
	for _, a := range args[1:] {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", a, err)
		}
		ids = append(ids, id)
	}

	ctx, cancel := signalContext()
	defer cancel()

	w, err := openWalker(ctx)
	if err != nil {
		return err
	}
	found, err := w.Load(ctx, kind, ids)
	if err != nil {
		return err
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	slices.Sort(ids)
	ids = slices.Compact(ids)
	missing := 0
	for _, id := range ids {
		e, ok := found[id]
		if !ok {
			fmt.Fprintf(os.Stderr, "%s %d not found\n", kind, id)
			missing++
			continue
		}
		writeElement(out, e)
	}
	logger.Get().Debug("Load complete",
		zap.Stringer("kind", kind),
		zap.Int("requested", len(ids)),
		zap.Int("missing", missing))
	return nil
}
