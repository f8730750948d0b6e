package deps

import (
	"context"
	"os"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
)

const (
	lmdbDirMask  = 0775
	lmdbFileMask = 0664
	lmdbMaxDBs   = 8
)

// LMDBStore keeps dependency tables in named databases of one LMDB environment
type LMDBStore struct {
	env  *lmdb.Env
	dbis [len(Tables)]lmdb.DBI
}

// OpenLMDB opens or creates the environment directory at path
func OpenLMDB(path string, mapSize datasize.ByteSize) (*LMDBStore, error) {
	if err := os.MkdirAll(path, lmdbDirMask); err != nil {
		return nil, errors.Wrap(err, "lmdb env: mkdir")
	}
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "lmdb env: new")
	}
	if err := env.SetMapSize(int64(mapSize)); err != nil {
		env.Close()
		return nil, errors.Wrap(err, "lmdb env: setmapsize")
	}
	if err := env.SetMaxDBs(lmdbMaxDBs); err != nil {
		env.Close()
		return nil, errors.Wrap(err, "lmdb env: setmaxdbs")
	}
	if err := env.Open(path, lmdb.Create, lmdbFileMask); err != nil {
		env.Close()
		return nil, errors.Wrap(err, "lmdb env: open")
	}

	s := &LMDBStore{env: env}
	err = env.Update(func(txn *lmdb.Txn) error {
		for _, t := range Tables {
			dbi, err := txn.OpenDBI(t.String(), lmdb.Create)
			if err != nil {
				return errors.Wrapf(err, "open dbi %s", t)
			}
			s.dbis[t] = dbi
		}
		return nil
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	return s, nil
}

// IsEmpty implements Store
func (s *LMDBStore) IsEmpty(ctx context.Context) (bool, error) {
	empty := true
	err := s.env.View(func(txn *lmdb.Txn) error {
		for _, dbi := range s.dbis {
			e, err := isEmptyDBI(txn, dbi)
			if err != nil {
				return err
			}
			if !e {
				empty = false
				return nil
			}
		}
		return nil
	})
	return empty, err
}

func isEmptyDBI(txn *lmdb.Txn, dbi lmdb.DBI) (bool, error) {
	c, err := txn.OpenCursor(dbi)
	if err != nil {
		return false, errors.Wrap(err, "open cursor")
	}
	defer c.Close()

	_, _, err = c.Get(nil, nil, lmdb.First)
	if err == nil {
		return false, nil
	}
	if !lmdb.IsNotFound(err) {
		return false, errors.Wrap(err, "get")
	}
	return true, nil
}

// BulkWrite implements Store. Records must be sorted by key; they are
// appended without page splits.
func (s *LMDBStore) BulkWrite(ctx context.Context, table Table, records []Record) error {
	dbi := s.dbis[table]
	return s.env.Update(func(txn *lmdb.Txn) error {
		key := make([]byte, 0, KeySize)
		var val []byte
		for i, r := range records {
			if i%100000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			key = AppendKey(key[:0], r.Key)
			val = AppendIDs(val[:0], r.IDs)
			if err := txn.Put(dbi, key, val, lmdb.Append); err != nil {
				return errors.Wrapf(err, "append %s key %d", table, r.Key)
			}
		}
		return nil
	})
}

// Upsert implements Store
func (s *LMDBStore) Upsert(ctx context.Context, changes map[Table][]Record) error {
	return s.env.Update(func(txn *lmdb.Txn) error {
		key := make([]byte, 0, KeySize)
		var val []byte
		for _, table := range Tables {
			dbi := s.dbis[table]
			for _, r := range changes[table] {
				key = AppendKey(key[:0], r.Key)
				if len(r.IDs) == 0 {
					err := txn.Del(dbi, key, nil)
					if err != nil && !lmdb.IsNotFound(err) {
						return errors.Wrapf(err, "delete %s key %d", table, r.Key)
					}
					continue
				}
				val = AppendIDs(val[:0], r.IDs)
				if err := txn.Put(dbi, key, val, 0); err != nil {
					return errors.Wrapf(err, "put %s key %d", table, r.Key)
				}
			}
		}
		return ctx.Err()
	})
}

// Load implements Store
func (s *LMDBStore) Load(ctx context.Context, table Table, fn func(Record) error) error {
	dbi := s.dbis[table]
	return s.env.View(func(txn *lmdb.Txn) error {
		txn.RawRead = true
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return errors.Wrap(err, "open cursor")
		}
		defer c.Close()

		var flag uint = lmdb.First
		for {
			k, v, err := c.Get(nil, nil, flag)
			if err != nil {
				if lmdb.IsNotFound(err) {
					return nil
				}
				return errors.Wrap(err, "cursor next")
			}
			flag = lmdb.Next
			// values are only valid inside the txn, decoding copies them
			id, err := DecodeKey(k)
			if err != nil {
				return errors.Wrapf(err, "%s", table)
			}
			ids, err := DecodeIDs(v)
			if err != nil {
				return errors.Wrapf(err, "%s key %d", table, id)
			}
			if err := fn(Record{Key: id, IDs: ids}); err != nil {
				return err
			}
		}
	})
}

// Close implements Store
func (s *LMDBStore) Close() error {
	return s.env.Close()
}
