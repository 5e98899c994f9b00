package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Bolt is the embedded store used when STORAGE_DRIVER=bolt. Repositories
// share the one *bbolt.DB; bbolt serialises writers itself.
type Bolt struct {
	DB *bbolt.DB
}

// OpenBolt opens (creating if needed) the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create bolt directory: %w", err)
		}
	}
	bdb, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	return &Bolt{DB: bdb}, nil
}

// EnsureBuckets creates the named top-level buckets.
func (b *Bolt) EnsureBuckets(names ...string) error {
	return b.DB.Update(func(tx *bbolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// Ping opens a read transaction.
func (b *Bolt) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.DB.View(func(*bbolt.Tx) error { return nil })
}

func (b *Bolt) Close() error {
	if b.DB != nil {
		return b.DB.Close()
	}
	return nil
}
