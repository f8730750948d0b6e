package deps

import (
	"context"
	"fmt"

	"github.com/wegman-software/osmindex/internal/config"
)

// Table names one adjacency map
type Table uint8

const (
	NodeWays Table = iota
	WayRelations
	Relations
)

// Tables lists every table in persistence order
var Tables = [...]Table{NodeWays, WayRelations, Relations}

func (t Table) String() string {
	switch t {
	case NodeWays:
		return "node_ways"
	case WayRelations:
		return "way_rels"
	case Relations:
		return "relations"
	}
	return fmt.Sprintf("table(%d)", uint8(t))
}

// Record is one key and its sorted id set. An empty set in Upsert deletes the key.
type Record struct {
	Key int64
	IDs []int64
}

// Store persists dependency edges
type Store interface {
	// IsEmpty reports whether no table holds any key
	IsEmpty(ctx context.Context) (bool, error)
	// BulkWrite loads records sorted by key into an empty table
	BulkWrite(ctx context.Context, table Table, records []Record) error
	// Upsert applies changed records of all tables in one transaction
	Upsert(ctx context.Context, changes map[Table][]Record) error
	// Load calls fn for every record of a table
	Load(ctx context.Context, table Table, fn func(Record) error) error
	Close() error
}

// OpenStore opens the dependency store backend selected in cfg
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store {
	case config.StoreLMDB:
		s, err := OpenLMDB(cfg.LMDBPath, cfg.LMDBMapSize)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorePostgres:
		s, err := OpenPG(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown dependency store %q", cfg.Store)
}
