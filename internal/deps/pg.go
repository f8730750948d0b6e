package deps

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wegman-software/osmindex/internal/config"
	"github.com/wegman-software/osmindex/internal/logger"
)

const pgTablePrefix = "osmindex_"

// PGStore keeps dependency tables in PostgreSQL, one row per key with the
// ids in a BIGINT[] column
type PGStore struct {
	pool   *pgxpool.Pool
	schema string
}

// OpenPG connects to the configured database and creates missing tables
func OpenPG(ctx context.Context, cfg *config.Config) (*PGStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = int32(max(cfg.Workers, 2))

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := NewPGStore(pool, cfg.DBSchema)
	if err := s.EnsureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPGStore wraps an existing pool
func NewPGStore(pool *pgxpool.Pool, schema string) *PGStore {
	if schema == "" {
		schema = "public"
	}
	return &PGStore{pool: pool, schema: schema}
}

func (s *PGStore) tableName(t Table) string {
	return pgTablePrefix + t.String()
}

func (s *PGStore) qualified(t Table) string {
	return pgx.Identifier{s.schema, s.tableName(t)}.Sanitize()
}

// EnsureTables creates the dependency tables if they don't exist
func (s *PGStore) EnsureTables(ctx context.Context) error {
	log := logger.Named("deps")
	for _, t := range Tables {
		sql := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY,
				ids BIGINT[] NOT NULL
			)`, s.qualified(t))
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to create table %s: %w", s.tableName(t), err)
		}
		log.Debug("Ensured dependency table", zap.String("table", s.tableName(t)))
	}
	return nil
}

// IsEmpty implements Store
func (s *PGStore) IsEmpty(ctx context.Context) (bool, error) {
	for _, t := range Tables {
		var exists bool
		sql := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s)", s.qualified(t))
		if err := s.pool.QueryRow(ctx, sql).Scan(&exists); err != nil {
			return false, fmt.Errorf("check %s: %w", s.tableName(t), err)
		}
		if exists {
			return false, nil
		}
	}
	return true, nil
}

// BulkWrite implements Store using COPY
func (s *PGStore) BulkWrite(ctx context.Context, table Table, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{s.schema, s.tableName(table)},
		[]string{"id", "ids"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			return []any{records[i].Key, records[i].IDs}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("COPY to %s failed: %w", s.tableName(table), err)
	}
	if n != int64(len(records)) {
		return fmt.Errorf("COPY to %s wrote %d of %d rows", s.tableName(table), n, len(records))
	}
	return nil
}

// Upsert implements Store. All tables change in a single transaction.
func (s *PGStore) Upsert(ctx context.Context, changes map[Table][]Record) error {
	batch := &pgx.Batch{}
	for _, t := range Tables {
		upsert := fmt.Sprintf(
			"INSERT INTO %s (id, ids) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET ids = EXCLUDED.ids",
			s.qualified(t))
		del := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.qualified(t))
		for _, r := range changes[t] {
			if len(r.IDs) == 0 {
				batch.Queue(del, r.Key)
			} else {
				batch.Queue(upsert, r.Key, r.IDs)
			}
		}
	}
	if batch.Len() == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

// Load implements Store
func (s *PGStore) Load(ctx context.Context, table Table, fn func(Record) error) error {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT id, ids FROM %s ORDER BY id", s.qualified(table)))
	if err != nil {
		return fmt.Errorf("query %s: %w", s.tableName(table), err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.IDs); err != nil {
			return fmt.Errorf("scan %s: %w", s.tableName(table), err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Drop removes the dependency tables
func (s *PGStore) Drop(ctx context.Context) error {
	for _, t := range Tables {
		if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+s.qualified(t)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", s.tableName(t), err)
		}
	}
	return nil
}

// Close implements Store
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
