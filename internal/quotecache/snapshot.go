package quotecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// ErrNoSnapshot reports an empty snapshot store; callers start cold.
var ErrNoSnapshot = errors.New("quotecache: no snapshot found")

const keptSnapshots = 3

// SnapshotStore persists cache snapshots in BadgerDB so a restart can
// serve stale-but-honest quotes immediately instead of blanking the
// dashboard until the first upstream round trip.
type SnapshotStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenSnapshotStore opens (or creates) the store at path.
func OpenSnapshotStore(path string, logger *zap.Logger) (*SnapshotStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return &SnapshotStore{db: db, logger: logger}, nil
}

// Save writes one timestamp-keyed snapshot blob and prunes old ones.
func (s *SnapshotStore) Save(ctx context.Context, entries []SavedQuote) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blob, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	key := []byte(fmt.Sprintf("snapshot:%020d", time.Now().UnixNano()))
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, blob)
	}); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return s.prune()
}

// Load returns the entries of the most recent snapshot.
func (s *SnapshotStore) Load(ctx context.Context) ([]SavedQuote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var latestKey []byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			if len(latestKey) == 0 || string(k) > string(latestKey) {
				latestKey = append([]byte(nil), k...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if latestKey == nil {
		return nil, ErrNoSnapshot
	}

	var blob []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			blob = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	var entries []SavedQuote
	if err := json.Unmarshal(blob, &entries); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return entries, nil
}

// Close releases the underlying database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// prune keeps the most recent snapshots and deletes the rest.
func (s *SnapshotStore) prune() error {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(keys) <= keptSnapshots {
		return nil
	}
	sort.Strings(keys)
	stale := keys[:len(keys)-keptSnapshots]
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range stale {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Snapshotter periodically persists the cache and writes one final
// snapshot on shutdown.
type Snapshotter struct {
	cache  *Cache
	store  *SnapshotStore
	every  time.Duration
	logger *zap.Logger
	done   chan struct{}
}

// NewSnapshotter wires a cache to a store.
func NewSnapshotter(cache *Cache, store *SnapshotStore, every time.Duration, logger *zap.Logger) *Snapshotter {
	return &Snapshotter{
		cache:  cache,
		store:  store,
		every:  every,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start runs the snapshot loop until ctx is canceled.
func (sn *Snapshotter) Start(ctx context.Context) {
	go func() {
		defer close(sn.done)
		ticker := time.NewTicker(sn.every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sn.store.Save(ctx, sn.cache.Export()); err != nil {
					sn.logger.Warn("quote snapshot failed", zap.Error(err))
				}
			case <-ctx.Done():
				// Final snapshot with a fresh context; ctx is already dead.
				if err := sn.store.Save(context.Background(), sn.cache.Export()); err != nil {
					sn.logger.Warn("final quote snapshot failed", zap.Error(err))
				}
				return
			}
		}
	}()
}

// Stop blocks until the loop has exited and its final snapshot is done.
func (sn *Snapshotter) Stop() {
	<-sn.done
}
