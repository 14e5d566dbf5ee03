package badger

import (
	"context"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage"
)

// KVStorage implements storage.KVStore directly against Badger, bypassing
// badgerhold's struct-query layer: every subsystem in this module stores
// opaque byte blobs (job records, bitarray shards, hash sets, token/key
// rows), not the typed rows badgerhold's query API was built for. Grounded
// on the teacher's KVStorage (internal/storage/badger/kv_storage.go), which
// wrapped the same *BadgerDB connection for its settings table.
type KVStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewKVStorage creates a new KVStorage instance.
func NewKVStorage(db *BadgerDB, logger arbor.ILogger) storage.KVStore {
	return &KVStorage{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a value by key.
func (s *KVStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.Raw().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		})
	})
	if err == badgerdb.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %q: %w", key, err)
	}
	return value, true, nil
}

// Set inserts or updates a key/value pair.
func (s *KVStorage) Set(ctx context.Context, key string, value []byte) error {
	err := s.db.Raw().Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to set key %q: %w", key, err)
	}
	return nil
}

// Remove deletes a key/value pair. Removing an absent key is not an error,
// matching the "last-writer-wins, no transactions assumed" contract of
// spec 6.
func (s *KVStorage) Remove(ctx context.Context, key string) error {
	err := s.db.Raw().Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

// Keys returns every key with the given prefix.
func (s *KVStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.Raw().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys with prefix %q: %w", prefix, err)
	}
	return keys, nil
}

// Clear removes every key the store holds.
func (s *KVStorage) Clear(ctx context.Context) error {
	if err := s.db.Raw().DropAll(); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	s.logger.Info().Msg("Cleared all key/value pairs")
	return nil
}
