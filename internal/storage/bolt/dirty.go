package bolt

import (
	"context"
	"sort"

	bolt "go.etcd.io/bbolt"
)

// Dirty tracking drives incremental export: every local mutation records its
// element id in a persistent set, the exporter flushes only those records and
// clears exactly the ids it wrote. Elements dirtied mid-export stay dirty.

// MarkDirty records the ids in the dirty set.
func (s *Store) MarkDirty(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.markDirtyTx(tx, ids...)
	})
}

// DirtyElements returns the dirty ids, sorted.
func (s *Store) DirtyElements(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirty).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// ClearDirty removes exactly the given ids from the dirty set.
func (s *Store) ClearDirty(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDirty)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}
