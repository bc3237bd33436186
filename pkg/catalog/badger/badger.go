// Package badger implements a persistent catalog.Catalog on BadgerDB.
//
// Key Namespace:
//
//	Data Type   Prefix    Key Format                          Value
//	=====================================================================
//	Snapshot    "snap:"   snap:<type>/<id>/<unix seconds %020d>  Record (CBOR)
//
// The zero-padded timestamp makes a prefix scan over "snap:<type>/<id>/"
// return a group's snapshots in backup-time order.
package badger

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/dittobackup/internal/codec"
	"github.com/marmos91/dittobackup/pkg/catalog"
	"github.com/marmos91/dittobackup/pkg/setup"
)

const prefixSnapshot = "snap:"

func keySnapshot(snap setup.Snapshot) []byte {
	return []byte(prefixSnapshot + catalog.Key(snap))
}

// Config contains configuration for the BadgerDB catalog.
type Config struct {
	// DBPath is the directory where BadgerDB stores its files.
	DBPath string `mapstructure:"db_path" validate:"required"`

	// InMemory runs BadgerDB without touching disk. DBPath is ignored.
	InMemory bool `mapstructure:"in_memory"`

	// BlockCacheSizeMB is BadgerDB's block cache size in MB (default: 64)
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`
}

// Catalog is a BadgerDB-backed snapshot catalog.
//
// Thread Safety:
// BadgerDB transactions provide isolation; Add uses a read-write
// transaction so concurrent adds of the same snapshot cannot both succeed.
type Catalog struct {
	db *badger.DB
}

// New opens (or creates) a catalog at cfg.DBPath.
//
// Parameters:
//   - ctx: Context for cancellation
//   - cfg: Database location and tuning
//
// Returns:
//   - *Catalog: Open catalog
//   - error: Error if BadgerDB cannot be opened
func New(ctx context.Context, cfg Config) (*Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("catalog db_path is required")
		}
		opts = badger.DefaultOptions(cfg.DBPath)
	}

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	opts = opts.
		WithLoggingLevel(badger.WARNING).
		WithBlockCacheSize(blockCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}
	return &Catalog{db: db}, nil
}

func decodeRecord(item *badger.Item) (*catalog.Record, error) {
	var rec catalog.Record
	err := item.Value(func(val []byte) error {
		return codec.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", item.Key(), err)
	}
	return &rec, nil
}

func (c *Catalog) Add(ctx context.Context, rec *catalog.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := catalog.Validate(rec); err != nil {
		return err
	}

	snap := rec.Snapshot()
	data, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", snap, err)
	}

	return c.db.Update(func(txn *badger.Txn) error {
		key := keySnapshot(snap)
		_, err := txn.Get(key)
		if err == nil {
			return fmt.Errorf("%s: %w", snap, catalog.ErrExists)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check snapshot %s: %w", snap, err)
		}
		return txn.Set(key, data)
	})
}

func (c *Catalog) Get(ctx context.Context, snap setup.Snapshot) (*catalog.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *catalog.Record
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keySnapshot(snap))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", snap, catalog.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get snapshot %s: %w", snap, err)
		}
		rec, err = decodeRecord(item)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Catalog) Latest(ctx context.Context, group string) (*catalog.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if group == "" {
		return nil, fmt.Errorf("group %q: %w", group, catalog.ErrNotFound)
	}

	prefix := []byte(prefixSnapshot + catalog.GroupPrefix(group))

	var rec *catalog.Record
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must start past the last key of the prefix.
		seek := append(append([]byte{}, prefix...), 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return fmt.Errorf("group %q: %w", group, catalog.ErrNotFound)
		}
		var err error
		rec, err = decodeRecord(it.Item())
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Catalog) List(ctx context.Context, group string) ([]*catalog.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(prefixSnapshot + catalog.GroupPrefix(group))

	var out []*catalog.Record
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := decodeRecord(it.Item())
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Catalog) Delete(ctx context.Context, snap setup.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.db.Update(func(txn *badger.Txn) error {
		key := keySnapshot(snap)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%s: %w", snap, catalog.ErrNotFound)
			}
			return fmt.Errorf("failed to get snapshot %s: %w", snap, err)
		}
		return txn.Delete(key)
	})
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
