// Package bolt implements the element store on a bbolt database.
//
// Layout: one bucket per concern, JSON-encoded values.
//
//	elements  id -> types.Element
//	deps      blockedID|blockerID|type -> types.Dependency
//	events    per-element sub-bucket, big-endian seq -> types.Event
//	versions  snapshot id -> types.Element (superseded document tuples)
//	dirty     id -> RFC3339 marked-at
//	meta      free-form key/value
//
// bbolt's single-writer transactions give single-writer-per-element
// serialization for free; optimistic concurrency and invariant checks run
// inside the same write transaction that applies their result.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/types"
)

var _ storage.Storage = (*Store)(nil)

// Bucket names
var (
	bucketElements = []byte("elements")
	bucketDeps     = []byte("deps")
	bucketEvents   = []byte("events")
	bucketVersions = []byte("versions")
	bucketDirty    = []byte("dirty")
	bucketMeta     = []byte("meta")
)

// depKeySep separates the components of a dependency key. Element ids are
// base36 plus '-', so '|' can never appear inside a component.
const depKeySep = "|"

// Store is the bbolt-backed element store.
type Store struct {
	db    *bolt.DB
	cache *blockedCache

	// now is swappable in tests that need deterministic clocks.
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketElements, bucketDeps, bucketEvents, bucketVersions, bucketDirty, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:    db,
		cache: newBlockedCache(),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// getElementTx reads one element inside a transaction.
func getElementTx(tx *bolt.Tx, id string) (*types.Element, error) {
	data := tx.Bucket(bucketElements).Get([]byte(id))
	if data == nil {
		return nil, types.E(types.KindNotFound, "element %s not found", id)
	}
	var el types.Element
	if err := json.Unmarshal(data, &el); err != nil {
		return nil, fmt.Errorf("decode element %s: %w", id, err)
	}
	return &el, nil
}

// putElementTx writes one element inside a transaction.
func putElementTx(tx *bolt.Tx, el *types.Element) error {
	data, err := json.Marshal(el)
	if err != nil {
		return fmt.Errorf("encode element %s: %w", el.ID, err)
	}
	return tx.Bucket(bucketElements).Put([]byte(el.ID), data)
}

// appendEventTx appends an audit record for the element, allocating the next
// per-element sequence number.
func (s *Store) appendEventTx(tx *bolt.Tx, ev *types.Event) error {
	eb, err := tx.Bucket(bucketEvents).CreateBucketIfNotExists([]byte(ev.ElementID))
	if err != nil {
		return fmt.Errorf("events bucket for %s: %w", ev.ElementID, err)
	}
	seq, err := eb.NextSequence()
	if err != nil {
		return err
	}
	ev.ID = int64(seq)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return eb.Put(key, data)
}

// markDirtyTx records the element in the persistent dirty set.
func (s *Store) markDirtyTx(tx *bolt.Tx, ids ...string) error {
	b := tx.Bucket(bucketDirty)
	stamp := []byte(s.now().Format(time.RFC3339Nano))
	for _, id := range ids {
		if err := b.Put([]byte(id), stamp); err != nil {
			return err
		}
	}
	return nil
}

// depKey builds the composite key for a dependency record.
func depKey(blockedID, blockerID string, depType types.DependencyType) []byte {
	return []byte(blockedID + depKeySep + blockerID + depKeySep + string(depType))
}

// splitDepKey recovers the key components.
func splitDepKey(key []byte) (blockedID, blockerID string, depType types.DependencyType, ok bool) {
	parts := strings.SplitN(string(key), depKeySep, 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], types.DependencyType(parts[2]), true
}

// GetEvents returns up to limit events for the element, newest first.
// A limit of 0 returns everything.
func (s *Store) GetEvents(ctx context.Context, id string, limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketElements).Get([]byte(id)) == nil {
			return types.E(types.KindNotFound, "element %s not found", id)
		}
		eb := tx.Bucket(bucketEvents).Bucket([]byte(id))
		if eb == nil {
			return nil
		}
		c := eb.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			events = append(events, &ev)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// SetMeta stores a free-form key/value pair.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), []byte(value))
	})
}

// GetMeta retrieves a meta value, or "" when unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		value = string(tx.Bucket(bucketMeta).Get([]byte(key)))
		return nil
	})
	return value, err
}

// Statistics summarizes store contents in a single read transaction.
func (s *Store) Statistics(ctx context.Context) (*types.Statistics, error) {
	stats := &types.Statistics{}
	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketElements).ForEach(func(_, v []byte) error {
			var el types.Element
			if err := json.Unmarshal(v, &el); err != nil {
				return err
			}
			stats.TotalElements++
			if el.IsTombstone() {
				stats.Tombstones++
				return nil
			}
			if el.Task != nil {
				switch el.Task.Status {
				case types.StatusOpen:
					stats.OpenTasks++
				case types.StatusInProgress:
					stats.InProgress++
				case types.StatusClosed:
					stats.ClosedTasks++
				case types.StatusBacklog:
					stats.BacklogTasks++
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		stats.Dependencies = tx.Bucket(bucketDeps).Stats().KeyN
		stats.DirtyElements = tx.Bucket(bucketDirty).Stats().KeyN
		return nil
	})
	if err != nil {
		return nil, err
	}

	ready, err := s.ReadyElements(ctx, types.WorkFilter{})
	if err != nil {
		return nil, err
	}
	stats.ReadyTasks = len(ready)
	blocked, err := s.BlockedElements(ctx, types.WorkFilter{})
	if err != nil {
		return nil, err
	}
	stats.BlockedTasks = len(blocked)
	return stats, nil
}
